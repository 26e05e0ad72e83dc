package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	methodOK = []byte{0x05, 0x00}

	replyIPv4 = []byte{
		0x05, 0x00, 0x00, 0x01, 10, 0, 0, 1, 0x23, 0x82,
	}
)

// trackedStream records whether the handshake closed the stream.
type trackedStream struct {
	net.Conn

	closed atomic.Bool
}

func (s *trackedStream) Close() error {
	s.closed.Store(true)
	return s.Conn.Close()
}

// fakeProxy plays the proxy side of a handshake on conn. The method reply is
// written after the greeting. If reply is nil the proxy hangs up after
// reading the request, otherwise it writes reply and echoes any further
// bytes. The greeting and CONNECT request it reads are delivered on the
// returned capture.
func fakeProxy(conn net.Conn, methodReply, reply []byte) *proxyCapture {
	captured := &proxyCapture{
		greetings: make(chan []byte, 1),
		requests:  make(chan []byte, 1),
	}

	go func() {
		defer conn.Close()

		greeting := make([]byte, 3)
		if _, err := io.ReadFull(conn, greeting); err != nil {
			return
		}
		captured.greetings <- greeting

		if methodReply == nil {
			return
		}
		if _, err := conn.Write(methodReply); err != nil {
			return
		}
		if len(methodReply) < 2 || methodReply[1] != 0x00 {
			return
		}

		hdr := make([]byte, 5)
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		rest := make([]byte, int(hdr[4])+2)
		if _, err := io.ReadFull(conn, rest); err != nil {
			return
		}
		captured.requests <- append(hdr, rest...)

		if reply == nil {
			return
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}

		_, _ = io.Copy(conn, conn)
	}()

	return captured
}

// proxyCapture holds the client messages read by a fake proxy.
type proxyCapture struct {
	greetings chan []byte
	requests  chan []byte
}

// newPipe returns the client end of a pipe served by a fake proxy.
func newPipe(methodReply, reply []byte) (*trackedStream, *proxyCapture) {
	client, server := net.Pipe()
	captured := fakeProxy(server, methodReply, reply)

	return &trackedStream{Conn: client}, captured
}

// TestHandshakeSuccess asserts the exact bytes of the greeting and CONNECT
// request and that
// the resulting tunnel carries application data.
func TestHandshakeSuccess(t *testing.T) {
	t.Parallel()

	stream, captured := newPipe(methodOK, replyIPv4)

	tunnel, err := Handshake(
		context.Background(), stream, "node.onion", 9735,
	)
	require.NoError(t, err)
	defer tunnel.Close()

	expected := append(
		[]byte{0x05, 0x01, 0x00, 0x03, byte(len("node.onion"))},
		"node.onion"...,
	)
	expected = append(expected, 0x26, 0x07)

	// Only the no-auth method is offered.
	require.Equal(t, []byte{0x05, 0x01, 0x00}, <-captured.greetings)
	require.Equal(t, expected, <-captured.requests)

	require.Equal(t, Addr{Host: "node.onion", Port: 9735},
		tunnel.Destination)
	require.Equal(t, Addr{Host: "10.0.0.1", Port: 9090}, tunnel.Bound)
	require.False(t, stream.closed.Load())

	_, err = tunnel.Write([]byte("ping"))
	require.NoError(t, err)

	pong := make([]byte, 4)
	_, err = io.ReadFull(tunnel, pong)
	require.NoError(t, err)
	require.Equal(t, "ping", string(pong))
}

// TestHandshakeBoundAddr checks every address type the proxy may report.
func TestHandshakeBoundAddr(t *testing.T) {
	t.Parallel()

	domainReply := []byte{0x05, 0x00, 0x00, 0x03, 13}
	domainReply = append(domainReply, "relay.example"...)
	domainReply = append(domainReply, 0x00, 0x50)

	ipv6Reply := []byte{0x05, 0x00, 0x00, 0x04}
	ipv6Reply = append(ipv6Reply, net.ParseIP("2001:db8::1")...)
	ipv6Reply = append(ipv6Reply, 0x01, 0xbb)

	testCases := []struct {
		name     string
		reply    []byte
		expected Addr
		err      error
	}{{
		name:     "ipv4",
		reply:    replyIPv4,
		expected: Addr{Host: "10.0.0.1", Port: 9090},
	}, {
		name:     "domain",
		reply:    domainReply,
		expected: Addr{Host: "relay.example", Port: 80},
	}, {
		name:     "ipv6",
		reply:    ipv6Reply,
		expected: Addr{Host: "2001:db8::1", Port: 443},
	}, {
		name:  "unknown address type",
		reply: []byte{0x05, 0x00, 0x00, 0x09, 0, 0, 0, 0, 0, 0},
		err:   ErrUnsupportedAddressType,
	}, {
		name:  "truncated ipv4",
		reply: []byte{0x05, 0x00, 0x00, 0x01, 127, 0},
		err:   ErrUnexpectedEOF,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stream := newOneShotPipe(tc.reply)

			tunnel, err := Handshake(
				context.Background(), stream, "example.com", 80,
			)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.True(t, stream.closed.Load())

				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, tunnel.Bound)
			require.NoError(t, tunnel.Close())
		})
	}
}

// newOneShotPipe serves a proxy that writes reply and hangs up.
func newOneShotPipe(reply []byte) *trackedStream {
	client, server := net.Pipe()

	go func() {
		defer server.Close()

		buf := make([]byte, 3)
		if _, err := io.ReadFull(server, buf); err != nil {
			return
		}
		if _, err := server.Write(methodOK); err != nil {
			return
		}

		hdr := make([]byte, 5)
		if _, err := io.ReadFull(server, hdr); err != nil {
			return
		}
		rest := make([]byte, int(hdr[4])+2)
		if _, err := io.ReadFull(server, rest); err != nil {
			return
		}

		_, _ = server.Write(reply)
	}()

	return &trackedStream{Conn: client}
}

// TestHandshakeConnectionRefused asserts a rejected CONNECT surfaces the
// reply code and leaves the stream closed.
func TestHandshakeConnectionRefused(t *testing.T) {
	t.Parallel()

	stream, _ := newPipe(methodOK, []byte{
		0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0,
	})

	_, err := Handshake(context.Background(), stream, "node.onion", 9735)
	require.Error(t, err)

	var proxyErr *ProxyError
	require.True(t, errors.As(err, &proxyErr))
	require.Equal(t, ReplyConnectionRefused, proxyErr.Code)

	require.ErrorIs(t, err, ErrProxyRejected)
	require.ErrorIs(t, err, ErrConnectionRefused)
	require.NotErrorIs(t, err, ErrHostUnreachable)

	require.True(t, stream.closed.Load())
}

// TestHandshakeReplyCodes maps every reply code to its sentinel.
func TestHandshakeReplyCodes(t *testing.T) {
	t.Parallel()

	codes := map[byte]error{
		0x01: ErrGeneralFailure,
		0x02: ErrRulesetDenied,
		0x03: ErrNetworkUnreachable,
		0x04: ErrHostUnreachable,
		0x05: ErrConnectionRefused,
		0x06: ErrTTLExpired,
		0x07: ErrCommandNotSupported,
		0x08: ErrAddressTypeNotSupported,
		0x09: ErrUnknownProxyError,
		0xff: ErrUnknownProxyError,
	}

	for code, sentinel := range codes {
		stream, _ := newPipe(methodOK, []byte{
			0x05, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0,
		})

		_, err := Handshake(
			context.Background(), stream, "node.onion", 9735,
		)
		require.ErrorIs(t, err, sentinel, "code 0x%02x", code)
		require.ErrorIs(t, err, ErrProxyRejected)
	}
}

// TestHandshakeShortGreeting asserts a proxy that hangs up after a single
// byte of its method selection yields ErrUnexpectedEOF.
func TestHandshakeShortGreeting(t *testing.T) {
	t.Parallel()

	stream, _ := newPipe([]byte{0x05}, nil)

	_, err := Handshake(context.Background(), stream, "node.onion", 9735)
	require.ErrorIs(t, err, ErrUnexpectedEOF)
	require.True(t, stream.closed.Load())
}

// TestHandshakeNegotiationErrors covers the failures that happen before a
// CONNECT reply is read.
func TestHandshakeNegotiationErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		methodReply []byte
		reply       []byte
		err         error
	}{{
		name:        "method version mismatch",
		methodReply: []byte{0x04, 0x00},
		err:         ErrProtocolMismatch,
	}, {
		name:        "auth required",
		methodReply: []byte{0x05, 0x02},
		err:         ErrUnsupportedAuth,
	}, {
		name:        "no acceptable method",
		methodReply: []byte{0x05, 0xff},
		err:         ErrUnsupportedAuth,
	}, {
		name:        "reply version mismatch",
		methodReply: methodOK,
		reply:       []byte{0x04, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0},
		err:         ErrProtocolMismatch,
	}, {
		name:        "hang up after request",
		methodReply: methodOK,
		err:         ErrUnexpectedEOF,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stream, _ := newPipe(tc.methodReply, tc.reply)

			_, err := Handshake(
				context.Background(), stream, "node.onion",
				9735,
			)
			require.ErrorIs(t, err, tc.err)
			require.True(t, stream.closed.Load())
		})
	}
}

// TestHandshakeInvalidHostname rejects hostnames that don't fit the length
// byte without touching the proxy.
func TestHandshakeInvalidHostname(t *testing.T) {
	t.Parallel()

	for _, host := range []string{"", strings.Repeat("a", 256)} {
		stream, _ := newPipe(methodOK, replyIPv4)

		_, err := Handshake(context.Background(), stream, host, 80)
		require.ErrorIs(t, err, ErrInvalidHostname)
		require.True(t, stream.closed.Load())
	}

	// The longest encodable hostname is accepted.
	stream, captured := newPipe(methodOK, replyIPv4)
	host := strings.Repeat("a", 255)

	tunnel, err := Handshake(context.Background(), stream, host, 80)
	require.NoError(t, err)
	require.Len(t, <-captured.requests, 4+1+255+2)
	require.NoError(t, tunnel.Close())
}

// TestHandshakeCancel asserts that cancelling the context unblocks a
// handshake stuck waiting on the proxy.
func TestHandshakeCancel(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer server.Close()

	// The proxy reads the greeting and never answers.
	go func() {
		_, _ = io.ReadFull(server, make([]byte, 3))
	}()

	stream := &trackedStream{Conn: client}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	errChan := make(chan error, 1)
	go func() {
		_, err := Handshake(ctx, stream, "node.onion", 9735)
		errChan <- err
	}()

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, context.Canceled)

	case <-time.After(5 * time.Second):
		t.Fatal("handshake not unblocked by cancellation")
	}

	require.True(t, stream.closed.Load())
}
