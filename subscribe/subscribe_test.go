package subscribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const timeout = 5 * time.Second

func newTestServer[T any](t *testing.T, opts ...Option[T]) *Server[T] {
	t.Helper()

	s := NewServer(opts...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	return s
}

func next[T any](t *testing.T, c *Client[T]) T {
	t.Helper()

	select {
	case upd := <-c.Updates():
		return upd
	case <-time.After(timeout):
		t.Fatal("timeout waiting for update")
	}

	var zero T
	return zero
}

// TestServerOrderedDelivery asserts that every client receives every update
// in the order it was sent, even if it does not read for a while.
func TestServerOrderedDelivery(t *testing.T) {
	t.Parallel()

	s := newTestServer[int](t)

	c1, err := s.Subscribe()
	require.NoError(t, err)
	c2, err := s.Subscribe()
	require.NoError(t, err)

	// Far more than the initial queue size, while nobody reads.
	const numUpdates = 200
	for i := 0; i < numUpdates; i++ {
		require.NoError(t, s.SendUpdate(i))
	}

	for _, c := range []*Client[int]{c1, c2} {
		for i := 0; i < numUpdates; i++ {
			require.Equal(t, i, next(t, c))
		}
	}
}

// TestServerRetainReplay asserts a late subscriber is replayed the latest
// update per key, in first-seen key order, before live updates.
func TestServerRetainReplay(t *testing.T) {
	t.Parallel()

	type kv struct {
		key string
		val int
	}

	s := newTestServer(t, WithRetain(func(u kv) string { return u.key }))

	require.NoError(t, s.SendUpdate(kv{"a", 1}))
	require.NoError(t, s.SendUpdate(kv{"b", 1}))
	require.NoError(t, s.SendUpdate(kv{"a", 2}))

	c, err := s.Subscribe()
	require.NoError(t, err)

	require.Equal(t, kv{"a", 2}, next(t, c))
	require.Equal(t, kv{"b", 1}, next(t, c))

	require.NoError(t, s.SendUpdate(kv{"b", 3}))
	require.Equal(t, kv{"b", 3}, next(t, c))
}

// TestServerCancel asserts a cancelled client is closed and no longer
// receives updates, while the others still do.
func TestServerCancel(t *testing.T) {
	t.Parallel()

	s := newTestServer[string](t)

	c1, err := s.Subscribe()
	require.NoError(t, err)
	c2, err := s.Subscribe()
	require.NoError(t, err)

	c1.Cancel()
	select {
	case <-c1.Quit():
	case <-time.After(timeout):
		t.Fatal("cancelled client not quit")
	}

	require.NoError(t, s.SendUpdate("hello"))
	require.Equal(t, "hello", next(t, c2))
}

// TestServerStop asserts that stopping the server quits all clients and
// rejects further use.
func TestServerStop(t *testing.T) {
	t.Parallel()

	s := NewServer[int]()
	require.NoError(t, s.Start())

	c, err := s.Subscribe()
	require.NoError(t, err)

	require.NoError(t, s.Stop())

	select {
	case <-c.Quit():
	case <-time.After(timeout):
		t.Fatal("client not quit on server stop")
	}

	_, err = s.Subscribe()
	require.ErrorIs(t, err, ErrServerShuttingDown)
	require.ErrorIs(t, s.SendUpdate(1), ErrServerShuttingDown)

	// Cancelling after the server stopped must not block.
	c.Cancel()
}

// TestServerSubscribeBeforeStart asserts that subscribing to a server that
// is not running fails instead of blocking.
func TestServerSubscribeBeforeStart(t *testing.T) {
	t.Parallel()

	s := NewServer[int]()

	_, err := s.Subscribe()
	require.ErrorIs(t, err, ErrServerNotStarted)

	// Once started the same server accepts clients.
	require.NoError(t, s.Start())
	t.Cleanup(func() { require.NoError(t, s.Stop()) })

	c, err := s.Subscribe()
	require.NoError(t, err)
	c.Cancel()
}
