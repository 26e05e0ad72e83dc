package netstatus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

var errUnreachable = errors.New("network unreachable")

// TestReachabilityCheck asserts that a single answering resolver is enough
// and that no answer at all means unreachable.
func TestReachabilityCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		answering map[string]bool
		reachable bool
	}{
		{
			name:      "all answer",
			answering: map[string]bool{"a:53": true, "b:53": true},
			reachable: true,
		},
		{
			name:      "one answers",
			answering: map[string]bool{"a:53": false, "b:53": true},
			reachable: true,
		},
		{
			name:      "none answer",
			answering: map[string]bool{"a:53": false, "b:53": false},
			reachable: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			m := NewReachabilityMonitor(&ReachabilityConfig{
				Resolvers: []string{"a:53", "b:53"},
				Interval:  ticker.NewForce(time.Hour),
				Reporter:  &recordingReporter{},
				Exchange: func(_ context.Context, msg *dns.Msg,
					addr string) (*dns.Msg, error) {

					if !test.answering[addr] {
						return nil, errUnreachable
					}

					resp := new(dns.Msg)
					resp.SetRcode(msg, dns.RcodeNameError)

					return resp, nil
				},
			})

			require.Equal(
				t, test.reachable,
				m.Check(context.Background()),
			)
		})
	}
}

// TestReachabilityMonitor drives the monitor with forced ticks and asserts
// the internet slot follows the resolver answers.
func TestReachabilityMonitor(t *testing.T) {
	t.Parallel()

	var online atomic.Bool
	checked := make(chan struct{}, 10)

	a := New(&Config{})
	interval := ticker.NewForce(time.Hour)

	m := NewReachabilityMonitor(&ReachabilityConfig{
		Resolvers: []string{"resolver:53"},
		Interval:  interval,
		Timeout:   time.Second,
		Reporter:  a,
		Exchange: func(_ context.Context, msg *dns.Msg,
			_ string) (*dns.Msg, error) {

			defer func() { checked <- struct{}{} }()

			if !online.Load() {
				return nil, errUnreachable
			}

			resp := new(dns.Msg)
			resp.SetReply(msg)

			return resp, nil
		},
	})
	require.NoError(t, m.Start())
	defer func() { require.NoError(t, m.Stop()) }()

	waitCheck := func() {
		t.Helper()

		select {
		case <-checked:
		case <-time.After(testTimeout):
			t.Fatal("check not performed")
		}
	}

	// The initial check finds us offline.
	waitCheck()
	require.Eventually(t, func() bool {
		return a.Current(Internet).UnwrapOr(connstate.Established) ==
			connstate.Closed
	}, testTimeout, 10*time.Millisecond)

	online.Store(true)
	select {
	case interval.Force <- time.Now():
	case <-time.After(testTimeout):
		t.Fatal("unable to tick")
	}
	waitCheck()

	require.Eventually(t, func() bool {
		return a.Combined() == connstate.Established
	}, testTimeout, 10*time.Millisecond)

	// A platform network change triggers a check without a tick.
	online.Store(false)
	m.CheckNow()
	waitCheck()

	require.Eventually(t, func() bool {
		return a.Combined() == connstate.Closed
	}, testTimeout, 10*time.Millisecond)
}
