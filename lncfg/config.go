package lncfg

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	// DefaultConfigFilename is the default configuration file name
	// lnmobile tries to load.
	DefaultConfigFilename = "lnmobile.conf"

	// DefaultLogFilename is the default name of the log file.
	DefaultLogFilename = "lnmobile.log"

	// DefaultLogDirname is the default directory, relative to the data
	// directory, log files are written to.
	DefaultLogDirname = "logs"

	// DefaultTorDirname is the default directory, relative to the data
	// directory, the embedded tor keeps its state in.
	DefaultTorDirname = "tor"
)

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
