package socks5

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultConnTimeout is the maximum amount of time a dial, proxy connection
// and handshake included, may take.
const DefaultConnTimeout = 120 * time.Second

// Dialer dials destinations through a SOCKS5 proxy, typically the SOCKS port
// of the embedded Tor daemon.
type Dialer struct {
	// ProxyAddr is the host:port of the SOCKS5 proxy.
	ProxyAddr string

	// Timeout bounds a single dial. Zero means DefaultConnTimeout, a
	// negative value disables the timeout.
	Timeout time.Duration

	// Forward is used to reach the proxy itself. If nil, proxy.Direct is
	// used.
	Forward proxy.Dialer
}

// A compile-time check to ensure Dialer can be used wherever x/net/proxy
// dialers are expected.
var (
	_ proxy.Dialer        = (*Dialer)(nil)
	_ proxy.ContextDialer = (*Dialer)(nil)
)

// Conn is a tunnelled connection returned by Dialer.
type Conn struct {
	net.Conn

	tunnel *Tunnel
}

// RemoteAddr returns the destination of the tunnel rather than the address of
// the proxy.
func (c *Conn) RemoteAddr() net.Addr {
	return c.tunnel.Destination
}

// Tunnel returns the handshake details of the connection.
func (c *Conn) Tunnel() *Tunnel {
	return c.tunnel
}

// Dial connects to address through the proxy.
func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to the proxy and negotiates a tunnel to address. The
// context bounds both steps.
func (d *Dialer) DialContext(ctx context.Context, network,
	address string) (net.Conn, error) {

	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("socks5: unsupported network %q",
			network)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("socks5: invalid port %q: %w", portStr,
			err)
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultConnTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := d.dialProxy(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to SOCKS5 proxy at "+
			"%v: %w", d.ProxyAddr, err)
	}

	tunnel, err := Handshake(ctx, conn, host, uint16(port))
	if err != nil {
		return nil, err
	}

	return &Conn{Conn: conn, tunnel: tunnel}, nil
}

// dialProxy opens the stream to the proxy with the forward dialer.
func (d *Dialer) dialProxy(ctx context.Context) (net.Conn, error) {
	forward := d.Forward
	if forward == nil {
		forward = proxy.Direct
	}

	if cd, ok := forward.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", d.ProxyAddr)
	}

	return forward.Dial("tcp", d.ProxyAddr)
}
