package socks5

import (
	"net"
	"strconv"
)

// Addr is a host and port as carried in SOCKS5 requests and replies. The host
// may be a domain name, including .onion names, or an IP literal.
type Addr struct {
	Host string
	Port uint16
}

// A compile-time check to ensure that Addr implements the net.Addr interface.
var _ net.Addr = (*Addr)(nil)

// String returns the host:port form of the address.
func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Network returns the network of the address. Tor only relays "tcp".
func (a Addr) Network() string {
	return "tcp"
}
