package socks5

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolMismatch is returned when the proxy answers with a
	// version byte other than 0x05.
	ErrProtocolMismatch = errors.New("socks5: protocol version mismatch")

	// ErrUnsupportedAuth is returned when the proxy selects an
	// authentication method other than "no authentication".
	ErrUnsupportedAuth = errors.New("socks5: unsupported authentication " +
		"method selected by proxy")

	// ErrUnsupportedAddressType is returned when the bound address in the
	// proxy's reply has an unknown address type.
	ErrUnsupportedAddressType = errors.New("socks5: unsupported address " +
		"type in reply")

	// ErrUnexpectedEOF is returned when the proxy closes the stream before
	// the handshake completed.
	ErrUnexpectedEOF = errors.New("socks5: stream closed mid-handshake")

	// ErrInvalidHostname is returned when the destination hostname can't
	// be encoded in a CONNECT request.
	ErrInvalidHostname = errors.New("socks5: hostname must be between 1 " +
		"and 255 bytes")

	// ErrProxyRejected is matched by every ProxyError, whatever its
	// reply code.
	ErrProxyRejected = errors.New("socks5: proxy rejected the request")
)

// Sentinels for every reply code a proxy may return. A ProxyError matches
// exactly one of them with errors.Is.
var (
	ErrGeneralFailure = errors.New("general SOCKS server failure")

	ErrRulesetDenied = errors.New("connection not allowed by ruleset")

	ErrNetworkUnreachable = errors.New("network unreachable")

	ErrHostUnreachable = errors.New("host unreachable")

	ErrConnectionRefused = errors.New("connection refused")

	ErrTTLExpired = errors.New("TTL expired")

	ErrCommandNotSupported = errors.New("command not supported")

	ErrAddressTypeNotSupported = errors.New("address type not supported")

	// ErrUnknownProxyError is matched by reply codes outside of the
	// RFC 1928 table. We don't guess at their meaning.
	ErrUnknownProxyError = errors.New("unknown proxy error")
)

// ReplyCode is the REP field of a SOCKS5 reply.
type ReplyCode uint8

const (
	ReplySucceeded               ReplyCode = 0x00
	ReplyGeneralFailure          ReplyCode = 0x01
	ReplyRulesetDenied           ReplyCode = 0x02
	ReplyNetworkUnreachable      ReplyCode = 0x03
	ReplyHostUnreachable         ReplyCode = 0x04
	ReplyConnectionRefused       ReplyCode = 0x05
	ReplyTTLExpired              ReplyCode = 0x06
	ReplyCommandNotSupported     ReplyCode = 0x07
	ReplyAddressTypeNotSupported ReplyCode = 0x08
)

// replyErrors maps every known failure code to its sentinel.
var replyErrors = map[ReplyCode]error{
	ReplyGeneralFailure:          ErrGeneralFailure,
	ReplyRulesetDenied:           ErrRulesetDenied,
	ReplyNetworkUnreachable:      ErrNetworkUnreachable,
	ReplyHostUnreachable:         ErrHostUnreachable,
	ReplyConnectionRefused:       ErrConnectionRefused,
	ReplyTTLExpired:              ErrTTLExpired,
	ReplyCommandNotSupported:     ErrCommandNotSupported,
	ReplyAddressTypeNotSupported: ErrAddressTypeNotSupported,
}

// String returns the meaning of the reply code.
func (c ReplyCode) String() string {
	if c == ReplySucceeded {
		return "succeeded"
	}

	return fmt.Sprintf("%v (0x%02x)", c.reason(), uint8(c))
}

// reason returns the sentinel describing the code.
func (c ReplyCode) reason() error {
	if err, ok := replyErrors[c]; ok {
		return err
	}

	return ErrUnknownProxyError
}

// ProxyError is returned when the proxy answers a CONNECT request with a
// non-zero reply code.
type ProxyError struct {
	// Code is the reply code sent by the proxy.
	Code ReplyCode
}

// Error returns a human readable description of the rejection.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("socks5: proxy rejected connect: %v", e.Code)
}

// Unwrap allows errors.Is to match both ErrProxyRejected and the sentinel of
// the specific reply code.
func (e *ProxyError) Unwrap() []error {
	return []error{ErrProxyRejected, e.Code.reason()}
}
