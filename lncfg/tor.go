package lncfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnmobile/tor"
)

const (
	// DefaultTorControlPort is the default control port of the embedded
	// tor.
	DefaultTorControlPort = 9151
)

// Tor holds the configuration options for the embedded tor daemon.
//
//nolint:ll
type Tor struct {
	Active           bool          `long:"active" description:"Route all connections through the embedded Tor daemon"`
	Binary           string        `long:"binary" description:"Path to the tor binary, looked up in PATH if empty"`
	DataDir          string        `long:"datadir" description:"The directory Tor keeps its state in"`
	SOCKSPort        int           `long:"socksport" description:"The local port Tor's SOCKS5 proxy listens on"`
	ControlPort      int           `long:"controlport" description:"The local port of Tor's control interface, 0 to disable it"`
	Bridges          []string      `long:"bridge" description:"A bridge line to connect through, may be specified multiple times"`
	TransportPlugins []string      `long:"transportplugin" description:"A ClientTransportPlugin line for pluggable transports, may be specified multiple times"`
	Proxy            string        `long:"proxy" description:"An upstream proxy URL Tor connects through, e.g. socks5://host:port"`
	ExtraArgs        []string      `long:"extraarg" description:"A raw argument appended to Tor's command line, may be specified multiple times"`
	StartupTimeout   time.Duration `long:"startuptimeout" description:"How long Tor may take to bootstrap before the start is considered failed"`
	Liveness         *Liveness     `group:"liveness" namespace:"liveness"`
}

// Liveness configures the probing of the SOCKS port of a running tor.
//
//nolint:ll
type Liveness struct {
	Interval time.Duration `long:"interval" description:"How often the SOCKS port is probed, 0 to disable"`
	Timeout  time.Duration `long:"timeout" description:"The time allowed for a single probe"`
	Backoff  time.Duration `long:"backoff" description:"The time to wait between failed probes"`
	Attempts int           `long:"attempts" description:"The number of failed probes tolerated before Tor is restarted"`
}

// DefaultTor returns the default tor config. The data directory is derived
// from the application's data directory during validation.
func DefaultTor() *Tor {
	return &Tor{
		SOCKSPort:      tor.DefaultSOCKSPort,
		ControlPort:    DefaultTorControlPort,
		StartupTimeout: tor.DefaultStartupTimeout,
		Liveness: &Liveness{
			Interval: tor.DefaultLivenessInterval,
			Timeout:  tor.DefaultLivenessTimeout,
			Backoff:  tor.DefaultLivenessBackoff,
			Attempts: tor.DefaultLivenessAttempts,
		},
	}
}

// Validate checks the values configured for tor.
func (t *Tor) Validate() error {
	if !t.Active {
		return nil
	}

	if err := t.DaemonArgs().Validate(); err != nil {
		return err
	}

	if t.StartupTimeout <= 0 {
		return fmt.Errorf("tor.startuptimeout must be positive")
	}

	if t.Liveness.Interval < 0 || t.Liveness.Timeout < 0 ||
		t.Liveness.Backoff < 0 {

		return fmt.Errorf("tor.liveness durations must not be negative")
	}
	if t.Liveness.Interval > 0 && t.Liveness.Attempts <= 0 {
		return fmt.Errorf("tor.liveness.attempts must be positive")
	}

	return nil
}

// DaemonArgs returns the arguments the embedded tor is started with.
func (t *Tor) DaemonArgs() *tor.Config {
	return &tor.Config{
		DataDir:          t.DataDir,
		SOCKSPort:        t.SOCKSPort,
		ControlPort:      t.ControlPort,
		Bridges:          t.Bridges,
		TransportPlugins: t.TransportPlugins,
		Proxy:            t.Proxy,
		ExtraArgs:        t.ExtraArgs,
	}
}

// ProxyAddr returns the SOCKS5 endpoint outbound connections are tunneled
// through. A SOCKS port set through the extra arguments overrides the
// configured one unless tor picks it at runtime.
func (t *Tor) ProxyAddr() string {
	args := t.DaemonArgs()

	port, err := tor.ParseSOCKSPort(args.Args())
	if err != nil {
		return args.SOCKSAddr()
	}

	args.SOCKSPort = port

	return args.SOCKSAddr()
}

// DaemonConfig returns the daemon config matching the options. Dependencies
// not covered by the options keep their defaults.
func (t *Tor) DaemonConfig() *tor.DaemonConfig {
	cfg := tor.DefaultDaemonConfig()
	cfg.Launcher = &tor.ExecLauncher{Path: t.Binary}
	cfg.StartupTimeout = t.StartupTimeout
	cfg.LivenessInterval = t.Liveness.Interval
	cfg.LivenessTimeout = t.Liveness.Timeout
	cfg.LivenessBackoff = t.Liveness.Backoff
	cfg.LivenessAttempts = t.Liveness.Attempts

	return cfg
}
