package lncfg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNormalizeHostPorts checks default ports are added and duplicates
// dropped.
func TestNormalizeHostPorts(t *testing.T) {
	t.Parallel()

	addrs, err := NormalizeHostPorts([]string{
		"1.1.1.1", "1.1.1.1:53", " 8.8.8.8:5353", "2001:db8::1",
		"[2001:db8::2]", "dns.example", "5300",
	}, "53")
	require.NoError(t, err)
	require.Equal(t, []string{
		"1.1.1.1:53", "8.8.8.8:5353", "[2001:db8::1]:53",
		"[2001:db8::2]:53", "dns.example:53", "localhost:5300",
	}, addrs)

	for _, invalid := range []string{"", ":53", "host:port", "1.1.1.1:99999"} {
		_, err := NormalizeHostPorts([]string{invalid}, "53")
		require.Error(t, err, invalid)
	}
}

// TestIsLoopback checks loopback detection with and without ports.
func TestIsLoopback(t *testing.T) {
	t.Parallel()

	require.True(t, IsLoopback("localhost:8989"))
	require.True(t, IsLoopback("127.0.0.1:8989"))
	require.True(t, IsLoopback("[::1]:8989"))
	require.True(t, IsLoopback("127.0.0.1"))
	require.False(t, IsLoopback("0.0.0.0:8989"))
	require.False(t, IsLoopback("10.0.0.1:8989"))
	require.False(t, IsLoopback("example.com:8989"))
}
