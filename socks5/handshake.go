package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

const (
	socksVersion = 0x05

	methodNoAuth = 0x00

	cmdConnect = 0x01

	reserved = 0x00

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	maxHostnameLen = 255
)

// Stream is the byte stream to the local proxy the handshake runs over. Only
// one handshake may own a stream at a time.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Tunnel is a stream over which the proxy relays raw bytes to a single
// destination. No framing is added on top of the underlying stream.
type Tunnel struct {
	Stream

	// Destination is the host and port the proxy connected to.
	Destination Addr

	// Bound is the address the proxy reports it bound for the outgoing
	// connection. Tor usually reports 0.0.0.0:0.
	Bound Addr
}

// Handshake negotiates a CONNECT to host:port over a stream already connected
// to a SOCKS5 proxy. On success the stream carries application traffic for
// the destination. On failure, or if ctx is done before the handshake
// completes, the stream is closed. No retry is attempted.
func Handshake(ctx context.Context, stream Stream, host string,
	port uint16) (*Tunnel, error) {

	if len(host) == 0 || len(host) > maxHostnameLen {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: got %d", ErrInvalidHostname,
			len(host))
	}

	// Blocked reads only return once the stream is closed, so closing it
	// is how an abandoned handshake is unblocked. Streams with deadline
	// support also honour the context's deadline directly.
	conn, isConn := stream.(net.Conn)
	if deadline, ok := ctx.Deadline(); ok && isConn {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})

	bound, err := handshake(stream, host, port)

	if !stop() {
		return nil, fmt.Errorf("socks5 handshake to %v abandoned: %w",
			net.JoinHostPort(host, strconv.Itoa(int(port))),
			ctx.Err())
	}

	if err != nil {
		_ = stream.Close()

		log.Debugf("SOCKS5 handshake to %v:%d failed: %v", host, port,
			err)

		return nil, err
	}

	if isConn {
		_ = conn.SetDeadline(time.Time{})
	}

	tunnel := &Tunnel{
		Stream:      stream,
		Destination: Addr{Host: host, Port: port},
		Bound:       bound,
	}

	log.Tracef("SOCKS5 tunnel established to %v (bound %v)",
		tunnel.Destination, tunnel.Bound)

	return tunnel, nil
}

// handshake runs the greeting, the CONNECT request and parses the reply. It
// returns the bound address reported by the proxy.
func handshake(stream Stream, host string, port uint16) (Addr, error) {
	// Greeting: we only offer "no authentication", which is all the
	// embedded proxy needs.
	_, err := stream.Write([]byte{socksVersion, 1, methodNoAuth})
	if err != nil {
		return Addr{}, fmt.Errorf("write greeting: %w", err)
	}

	var sel [2]byte
	if err := readFull(stream, sel[:]); err != nil {
		return Addr{}, fmt.Errorf("read method selection: %w", err)
	}
	if sel[0] != socksVersion {
		return Addr{}, fmt.Errorf("%w: method selection version "+
			"0x%02x", ErrProtocolMismatch, sel[0])
	}
	if sel[1] != methodNoAuth {
		return Addr{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedAuth,
			sel[1])
	}

	// CONNECT request, always addressing the destination by name so that
	// resolution happens on the far side of the proxy.
	req := make([]byte, 0, 4+1+len(host)+2)
	req = append(req, socksVersion, cmdConnect, reserved, atypDomain)
	req = append(req, byte(len(host)))
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, port)

	if _, err := stream.Write(req); err != nil {
		return Addr{}, fmt.Errorf("write connect request: %w", err)
	}

	var hdr [4]byte
	if err := readFull(stream, hdr[:]); err != nil {
		return Addr{}, fmt.Errorf("read connect reply: %w", err)
	}
	if hdr[0] != socksVersion {
		return Addr{}, fmt.Errorf("%w: connect reply version 0x%02x",
			ErrProtocolMismatch, hdr[0])
	}
	if code := ReplyCode(hdr[1]); code != ReplySucceeded {
		return Addr{}, &ProxyError{Code: code}
	}

	boundHost, err := readBoundHost(stream, hdr[3])
	if err != nil {
		return Addr{}, err
	}

	var portBuf [2]byte
	if err := readFull(stream, portBuf[:]); err != nil {
		return Addr{}, fmt.Errorf("read bound port: %w", err)
	}

	return Addr{
		Host: boundHost,
		Port: binary.BigEndian.Uint16(portBuf[:]),
	}, nil
}

// readBoundHost reads the BND.ADDR field whose encoding depends on atyp.
func readBoundHost(r io.Reader, atyp byte) (string, error) {
	switch atyp {
	case atypIPv4:
		var ip [net.IPv4len]byte
		if err := readFull(r, ip[:]); err != nil {
			return "", fmt.Errorf("read bound ipv4: %w", err)
		}

		return net.IP(ip[:]).String(), nil

	case atypDomain:
		var l [1]byte
		if err := readFull(r, l[:]); err != nil {
			return "", fmt.Errorf("read bound domain length: %w",
				err)
		}

		domain := make([]byte, l[0])
		if err := readFull(r, domain); err != nil {
			return "", fmt.Errorf("read bound domain: %w", err)
		}

		return string(domain), nil

	case atypIPv6:
		var ip [net.IPv6len]byte
		if err := readFull(r, ip[:]); err != nil {
			return "", fmt.Errorf("read bound ipv6: %w", err)
		}

		return net.IP(ip[:]).String(), nil

	default:
		return "", fmt.Errorf("%w: 0x%02x", ErrUnsupportedAddressType,
			atyp)
	}
}

// readFull reads exactly len(buf) bytes. A stream that ends early yields
// ErrUnexpectedEOF rather than a decoding error.
func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	switch {
	case err == nil:
		return nil

	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrUnexpectedEOF

	default:
		return err
	}
}
