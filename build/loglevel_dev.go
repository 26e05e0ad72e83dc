//go:build dev
// +build dev

package build

import "os"

// LogLevel specifies a default log level derived from the LOGLEVEL environment
// variable. It is used by unit tests compiled with the dev and stdlog tags.
var LogLevel = os.Getenv("LOGLEVEL")
