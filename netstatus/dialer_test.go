package netstatus

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/stretchr/testify/require"
)

// recordingReporter stores every report it receives.
type recordingReporter struct {
	mu      sync.Mutex
	reports []SubsystemUpdate
}

func (r *recordingReporter) Report(sub Subsystem, state connstate.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports = append(r.reports, SubsystemUpdate{sub, state})
}

func (r *recordingReporter) states() []connstate.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make([]connstate.State, 0, len(r.reports))
	for _, rep := range r.reports {
		states = append(states, rep.State)
	}

	return states
}

// TestTrackedDialerSuccess asserts a successful dial reports Establishing,
// Established and finally Closed once the connection is closed.
func TestTrackedDialerSuccess(t *testing.T) {
	t.Parallel()

	reporter := &recordingReporter{}
	client, server := net.Pipe()
	defer server.Close()

	d := &TrackedDialer{
		Subsystem: Peer,
		Reporter:  reporter,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return client, nil
		},
	}

	conn, err := d.DialContext(context.Background(), "tcp", "peer:9735")
	require.NoError(t, err)
	require.Equal(t, []connstate.State{
		connstate.Establishing, connstate.Established,
	}, reporter.states())

	require.NoError(t, conn.Close())

	// Closing twice only reports once.
	_ = conn.Close()
	require.Equal(t, []connstate.State{
		connstate.Establishing, connstate.Established, connstate.Closed,
	}, reporter.states())
}

// TestTrackedDialerFailure asserts a failed dial degrades the slot to Closed.
func TestTrackedDialerFailure(t *testing.T) {
	t.Parallel()

	reporter := &recordingReporter{}
	dialErr := errors.New("connection refused")

	d := &TrackedDialer{
		Subsystem: Indexer,
		Reporter:  reporter,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, dialErr
		},
	}

	_, err := d.DialContext(context.Background(), "tcp", "electrum:50002")
	require.ErrorIs(t, err, dialErr)
	require.Equal(t, []connstate.State{
		connstate.Establishing, connstate.Closed,
	}, reporter.states())
}

// TestTrackedDialerOverlappingConns asserts that closing one of two live
// connections keeps the slot Established until the last one closes.
func TestTrackedDialerOverlappingConns(t *testing.T) {
	t.Parallel()

	a := New(&Config{})

	d := &TrackedDialer{
		Subsystem: Peer,
		Reporter:  a,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			c, s := net.Pipe()
			t.Cleanup(func() { _ = s.Close() })

			return c, nil
		},
	}

	first, err := d.DialContext(context.Background(), "tcp", "peer:9735")
	require.NoError(t, err)

	second, err := d.DialContext(context.Background(), "tcp", "peer:9735")
	require.NoError(t, err)

	require.NoError(t, first.Close())
	requireSlot(t, a, Peer, connstate.Established)

	require.NoError(t, second.Close())
	requireSlot(t, a, Peer, connstate.Closed)
}

// TestTrackedDialerFailedDialDuringPending asserts that a dial which fails
// while another is still pending does not leave the slot Established once the
// surviving connection closes.
func TestTrackedDialerFailedDialDuringPending(t *testing.T) {
	t.Parallel()

	a := New(&Config{})

	var (
		release = make(chan struct{})
		started = make(chan struct{})
		dialErr = errors.New("connection refused")
	)

	d := &TrackedDialer{
		Subsystem: Peer,
		Reporter:  a,
		Dial: func(_ context.Context, _, address string) (net.Conn,
			error) {

			if address != "slow:9735" {
				return nil, dialErr
			}

			close(started)
			<-release

			c, s := net.Pipe()
			t.Cleanup(func() { _ = s.Close() })

			return c, nil
		},
	}

	type dialResult struct {
		conn net.Conn
		err  error
	}
	results := make(chan dialResult, 1)
	go func() {
		conn, err := d.DialContext(
			context.Background(), "tcp", "slow:9735",
		)
		results <- dialResult{conn, err}
	}()

	<-started

	// The failed dial leaves the slot Establishing since the first dial
	// is still pending.
	_, err := d.DialContext(context.Background(), "tcp", "fast:9735")
	require.ErrorIs(t, err, dialErr)
	requireSlot(t, a, Peer, connstate.Establishing)

	close(release)

	var res dialResult
	select {
	case res = <-results:
	case <-time.After(testTimeout):
		t.Fatal("pending dial never returned")
	}
	require.NoError(t, res.err)
	requireSlot(t, a, Peer, connstate.Established)

	require.NoError(t, res.conn.Close())
	requireSlot(t, a, Peer, connstate.Closed)
}

// requireSlot asserts the current state of a subsystem slot.
func requireSlot(t *testing.T, a *Aggregator, sub Subsystem,
	want connstate.State) {

	t.Helper()

	require.Equal(t, fn.Some(want), a.Current(sub))
}
