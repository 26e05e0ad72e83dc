package netstatus

import (
	"context"
	"net"
	"sync"

	"github.com/lightningnetwork/lnmobile/connstate"
)

// DialFunc opens a connection to the given address.
type DialFunc func(ctx context.Context, network,
	address string) (net.Conn, error)

// TrackedDialer reports the outcome of every outbound attempt for one
// subsystem. The slot is Established while at least one connection it dialed
// is open, Establishing while a dial is in flight and nothing is open, and
// Closed once no connection is open and no dial is pending.
type TrackedDialer struct {
	// Subsystem is the slot the dial outcomes are reported to.
	Subsystem Subsystem

	// Reporter receives the state reports.
	Reporter Reporter

	// Dial opens the underlying connection, usually through the Tor SOCKS
	// proxy.
	Dial DialFunc

	// mu guards the counters below and serializes the reports derived
	// from them.
	mu       sync.Mutex
	inflight int
	live     int
}

// DialContext dials the address and reports the outcome.
func (d *TrackedDialer) DialContext(ctx context.Context, network,
	address string) (net.Conn, error) {

	d.mu.Lock()
	d.inflight++
	if d.live == 0 {
		d.Reporter.Report(d.Subsystem, connstate.Establishing)
	}
	d.mu.Unlock()

	conn, err := d.Dial(ctx, network, address)
	if err != nil {
		log.Debugf("Dial %v for %v failed: %v", address, d.Subsystem,
			err)

		d.mu.Lock()
		d.inflight--
		d.reportIdleLocked()
		d.mu.Unlock()

		return nil, err
	}

	d.mu.Lock()
	d.inflight--
	d.live++
	d.Reporter.Report(d.Subsystem, connstate.Established)
	d.mu.Unlock()

	return &trackedConn{
		Conn:   conn,
		dialer: d,
	}, nil
}

// release drops one live connection from the count.
func (d *TrackedDialer) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.live--
	d.reportIdleLocked()
}

// reportIdleLocked reports the slot state once no connection is open. It is a
// no-op while a connection is still live. The caller must hold mu.
func (d *TrackedDialer) reportIdleLocked() {
	switch {
	case d.live > 0:
		return

	case d.inflight > 0:
		d.Reporter.Report(d.Subsystem, connstate.Establishing)

	default:
		d.Reporter.Report(d.Subsystem, connstate.Closed)
	}
}

// trackedConn releases its slot in the dialer when it is closed.
type trackedConn struct {
	net.Conn

	dialer *TrackedDialer
	once   sync.Once
}

// Close closes the connection and updates the subsystem state.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()

	c.once.Do(c.dialer.release)

	return err
}
