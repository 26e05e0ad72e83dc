package lnmobile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/lightningnetwork/lnmobile/monitoring"
	"github.com/lightningnetwork/lnmobile/netstatus"
	"github.com/lightningnetwork/lnmobile/socks5"
	"github.com/lightningnetwork/lnmobile/tor"
)

// ErrTorDisabled is returned when a tor operation is requested while tor is
// not part of the configuration.
var ErrTorDisabled = errors.New("tor is disabled")

// Node ties the connectivity components together: the connection
// aggregator, the reachability monitor, the embedded tor daemon and the
// dialers used to reach Lightning peers and the indexing server.
type Node struct {
	cfg *Config

	aggregator   *netstatus.Aggregator
	reachability *netstatus.ReachabilityMonitor
	tor          fn.Option[*tor.Daemon]

	peerDialer    *netstatus.TrackedDialer
	indexerDialer *netstatus.TrackedDialer

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewNode creates the connectivity components described by the config.
// Nothing is started until Start is called.
func NewNode(cfg *Config) (*Node, error) {
	if cfg.Tor == nil || cfg.Reachability == nil {
		return nil, fmt.Errorf("incomplete config")
	}

	aggregator := netstatus.New(&netstatus.Config{
		TorEnabled: cfg.Tor.Active,
	})

	n := &Node{
		cfg:        cfg,
		aggregator: aggregator,
		reachability: netstatus.NewReachabilityMonitor(
			&netstatus.ReachabilityConfig{
				Resolvers: cfg.Reachability.Resolvers,
				ProbeName: cfg.Reachability.Probe,
				Interval: ticker.New(
					cfg.Reachability.Interval,
				),
				Timeout:  cfg.Reachability.Timeout,
				Reporter: aggregator,
			},
		),
		tor: fn.None[*tor.Daemon](),
	}

	dial := n.directDial
	if cfg.Tor.Active {
		daemonCfg := cfg.Tor.DaemonConfig()
		daemonCfg.OnState = func(state connstate.State) {
			aggregator.Report(netstatus.Tor, state)
		}
		n.tor = fn.Some(tor.NewDaemon(daemonCfg))

		proxyDialer := &socks5.Dialer{
			ProxyAddr: cfg.Tor.ProxyAddr(),
		}
		dial = proxyDialer.DialContext
	}

	n.peerDialer = &netstatus.TrackedDialer{
		Subsystem: netstatus.Peer,
		Reporter:  aggregator,
		Dial:      dial,
	}
	n.indexerDialer = &netstatus.TrackedDialer{
		Subsystem: netstatus.Indexer,
		Reporter:  aggregator,
		Dial:      dial,
	}

	return n, nil
}

// Start starts the aggregator, the reachability monitor and, if enabled, the
// tor daemon. Tor bootstraps in the background, its progress is observed
// through the aggregator.
func (n *Node) Start() error {
	var err error
	n.startOnce.Do(func() {
		err = n.start()
	})

	return err
}

func (n *Node) start() error {
	lnmbLog.Info("Starting connectivity core")

	if err := n.aggregator.Start(); err != nil {
		return fmt.Errorf("unable to start aggregator: %w", err)
	}
	if err := n.reachability.Start(); err != nil {
		return fmt.Errorf("unable to start reachability monitor: %w",
			err)
	}

	if n.cfg.Prometheus.Enabled() {
		torSource := fn.MapOption(func(d *tor.Daemon) monitoring.TorSource {
			return d
		})(n.tor)

		err := monitoring.ExportPrometheusMetrics(
			n.cfg.Prometheus,
			monitoring.NewCollector(n.aggregator, torSource),
		)
		if err != nil {
			return fmt.Errorf("unable to export metrics: %w", err)
		}
	}

	return n.StartTor()
}

// Stop shuts everything down in reverse order. Tor is given its shutdown
// timeout to exit.
func (n *Node) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		lnmbLog.Info("Stopping connectivity core")

		n.tor.WhenSome(func(d *tor.Daemon) {
			if closeErr := d.Close(); closeErr != nil {
				err = errors.Join(err, closeErr)
			}
		})

		err = errors.Join(
			err, n.reachability.Stop(), n.aggregator.Stop(),
		)

		lnmbLog.Debugf("Final connection state: %v",
			newLogClosure(func() string {
				return n.aggregator.String()
			}))
	})

	return err
}

// StartTor starts the embedded tor daemon. It is a no-op if tor is already
// starting or running.
func (n *Node) StartTor() error {
	return fn.ElimOption(
		n.tor,
		func() error {
			return nil
		},
		func(d *tor.Daemon) error {
			return d.Start(n.cfg.Tor.DaemonArgs())
		},
	)
}

// StopTor stops the embedded tor daemon.
func (n *Node) StopTor() error {
	return fn.ElimOption(
		n.tor,
		func() error {
			return ErrTorDisabled
		},
		func(d *tor.Daemon) error {
			return d.Stop()
		},
	)
}

// TorStatus returns a snapshot of the tor daemon, or ErrTorDisabled.
func (n *Node) TorStatus() (tor.Status, error) {
	daemon, err := n.tor.UnwrapOrErr(ErrTorDisabled)
	if err != nil {
		return tor.Status{}, err
	}

	return daemon.Status(), nil
}

// Tor returns the tor daemon if enabled.
func (n *Node) Tor() fn.Option[*tor.Daemon] {
	return n.tor
}

// Aggregator returns the connection aggregator.
func (n *Node) Aggregator() *netstatus.Aggregator {
	return n.aggregator
}

// CheckReachability requests an immediate internet reachability check.
func (n *Node) CheckReachability() {
	n.reachability.CheckNow()
}

// DialPeer connects to a Lightning peer, through tor when enabled. The
// outcome is reported to the peer slot.
func (n *Node) DialPeer(ctx context.Context, address string) (net.Conn,
	error) {

	return n.peerDialer.DialContext(ctx, "tcp", address)
}

// DialIndexer connects to the indexing server, through tor when enabled. The
// outcome is reported to the indexer slot.
func (n *Node) DialIndexer(ctx context.Context, address string) (net.Conn,
	error) {

	return n.indexerDialer.DialContext(ctx, "tcp", address)
}

// directDial is used to reach peers when tor is disabled.
func (n *Node) directDial(ctx context.Context, network,
	address string) (net.Conn, error) {

	var d net.Dialer
	return d.DialContext(ctx, network, address)
}
