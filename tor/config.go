package tor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultSOCKSPort is the port the embedded Tor listens on for SOCKS5
	// connections unless configured otherwise. It differs from the system
	// Tor default of 9050 to avoid clashing with it.
	DefaultSOCKSPort = 9150

	// localhost is the address Tor binds its listeners to.
	localhost = "127.0.0.1"
)

// ErrNoSOCKSPort is returned by ParseSOCKSPort when the arguments don't
// configure a fixed SOCKS port.
var ErrNoSOCKSPort = errors.New("no SOCKS port in tor arguments")

// Config holds the arguments the embedded Tor daemon is started with.
type Config struct {
	// DataDir is the directory Tor keeps its state and cached consensus
	// in.
	DataDir string

	// SOCKSPort is the local port the SOCKS5 proxy listens on.
	SOCKSPort int

	// ControlPort is the local port of the control interface. Zero
	// disables it.
	ControlPort int

	// Bridges is a list of bridge lines. If non-empty, Tor only connects
	// through these bridges.
	Bridges []string

	// TransportPlugins are ClientTransportPlugin lines for pluggable
	// transports used by the bridges.
	TransportPlugins []string

	// Proxy is an optional upstream proxy Tor makes its own connections
	// through, given as a URL such as socks5://host:port or
	// https://host:port.
	Proxy string

	// ExtraArgs are appended verbatim after all other arguments.
	ExtraArgs []string
}

// Validate checks the config for values Tor would refuse to start with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("tor data directory must be set")
	}

	if c.SOCKSPort <= 0 || c.SOCKSPort > 65535 {
		return fmt.Errorf("invalid SOCKS port %d", c.SOCKSPort)
	}

	if c.ControlPort < 0 || c.ControlPort > 65535 {
		return fmt.Errorf("invalid control port %d", c.ControlPort)
	}
	if c.ControlPort == c.SOCKSPort {
		return fmt.Errorf("control port and SOCKS port must differ, "+
			"both are %d", c.SOCKSPort)
	}

	if c.Proxy != "" {
		if _, _, err := proxyOption(c.Proxy); err != nil {
			return err
		}
	}

	return nil
}

// SOCKSAddr returns the host:port of the SOCKS5 proxy once Tor is running.
func (c *Config) SOCKSAddr() string {
	return net.JoinHostPort(localhost, strconv.Itoa(c.SOCKSPort))
}

// ControlAddr returns the host:port of the control interface, or an empty
// string if it's disabled.
func (c *Config) ControlAddr() string {
	if c.ControlPort == 0 {
		return ""
	}

	return net.JoinHostPort(localhost, strconv.Itoa(c.ControlPort))
}

// Args renders the config as the ordered command line arguments of the tor
// binary. The config must be valid.
func (c *Config) Args() []string {
	args := []string{
		"--DataDirectory", c.DataDir,
		"--SocksPort", c.SOCKSAddr(),
		"--Log", "notice stdout",
	}

	if c.ControlPort != 0 {
		args = append(args,
			"--ControlPort", c.ControlAddr(),
			"--CookieAuthentication", "1",
		)
	}

	if len(c.Bridges) > 0 {
		args = append(args, "--UseBridges", "1")
		for _, bridge := range c.Bridges {
			args = append(args, "--Bridge", bridge)
		}
	}

	for _, plugin := range c.TransportPlugins {
		args = append(args, "--ClientTransportPlugin", plugin)
	}

	if c.Proxy != "" {
		if option, addr, err := proxyOption(c.Proxy); err == nil {
			args = append(args, option, addr)
		}
	}

	return append(args, c.ExtraArgs...)
}

// proxyOption maps a proxy URL to the tor option configuring it.
func proxyOption(proxy string) (string, string, error) {
	u, err := url.Parse(proxy)
	if err != nil {
		return "", "", fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid proxy %q: missing host",
			proxy)
	}

	switch strings.ToLower(u.Scheme) {
	case "socks5":
		return "--Socks5Proxy", u.Host, nil

	case "socks4":
		return "--Socks4Proxy", u.Host, nil

	case "http", "https":
		return "--HTTPSProxy", u.Host, nil

	default:
		return "", "", fmt.Errorf("unsupported proxy scheme %q",
			u.Scheme)
	}
}

// ParseSOCKSPort finds the SOCKS port configured in a list of tor arguments.
// Option names are matched case-insensitively, as tor does. If the option is
// given more than once the last one wins, so extra arguments appended by Args
// take precedence. Ports set to "auto" or "0" aren't fixed and yield
// ErrNoSOCKSPort.
func ParseSOCKSPort(args []string) (int, error) {
	for i := len(args) - 2; i >= 0; i-- {
		option := strings.TrimLeft(args[i], "-")
		if !strings.EqualFold(option, "SocksPort") {
			continue
		}

		// The value may carry isolation flags after the address.
		fields := strings.Fields(args[i+1])
		if len(fields) == 0 {
			return 0, fmt.Errorf("empty SocksPort value")
		}
		value := fields[0]

		if _, portStr, err := net.SplitHostPort(value); err == nil {
			value = portStr
		}

		if value == "auto" || value == "0" {
			return 0, ErrNoSOCKSPort
		}

		port, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("invalid SocksPort %q: %w",
				args[i+1], err)
		}

		return int(port), nil
	}

	return 0, ErrNoSOCKSPort
}
