package lncfg

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// NormalizeHostPorts returns a new slice with all the passed addresses
// normalized to host:port with the given default port and all duplicates
// removed.
func NormalizeHostPorts(addrs []string, defaultPort string) ([]string,
	error) {

	result := make([]string, 0, len(addrs))
	seen := map[string]struct{}{}

	for _, addr := range addrs {
		normalized := verifyPort(strings.TrimSpace(addr), defaultPort)

		host, port, err := net.SplitHostPort(normalized)
		if err != nil {
			return nil, fmt.Errorf("parse address %s failed: %w",
				addr, err)
		}
		if host == "" {
			return nil, fmt.Errorf("parse address %s failed: "+
				"missing host", addr)
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return nil, fmt.Errorf("parse address %s failed: "+
				"invalid port %q", addr, port)
		}

		if _, ok := seen[normalized]; !ok {
			result = append(result, normalized)
			seen[normalized] = struct{}{}
		}
	}

	return result, nil
}

// IsLoopback returns true if an address describes a loopback interface.
func IsLoopback(host string) bool {
	if strings.Contains(host, "localhost") {
		return true
	}

	rawHost, _, err := net.SplitHostPort(host)
	if err != nil {
		rawHost = host
	}

	addr := net.ParseIP(rawHost)
	if addr == nil {
		return false
	}

	return addr.IsLoopback()
}

// verifyPort makes sure that an address string has both a host and a port. If
// there is no port found, the default port is appended. If the address is just
// a port, then we'll assume that the user is using the short cut to specify a
// localhost:port address.
func verifyPort(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// If the address itself is just an integer, then we'll assume
		// that we're mapping this directly to a localhost:port pair.
		if _, err := strconv.Atoi(address); err == nil {
			return net.JoinHostPort("localhost", address)
		}

		// Otherwise, we'll assume that the address just failed to
		// attach its own port, so we'll use the default port. In the
		// case of IPv6 addresses, if the host is already surrounded by
		// brackets, then we'll avoid using the JoinHostPort function,
		// since it will always add a pair of brackets.
		if strings.HasPrefix(address, "[") {
			return address + ":" + defaultPort
		}
		return net.JoinHostPort(address, defaultPort)
	}

	// In the case that both the host and port are empty, we'll use the
	// default port.
	if host == "" && port == "" {
		return ":" + defaultPort
	}

	return address
}
