package monitoring

import (
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnmobile/connstate"
	"github.com/lightningnetwork/lnmobile/netstatus"
	"github.com/lightningnetwork/lnmobile/tor"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lnmobile"

// connStates lists the values of the state label.
var connStates = []connstate.State{
	connstate.Closed, connstate.Establishing, connstate.Established,
}

// NetworkSource is the view of the connection aggregator the collector
// exports.
type NetworkSource interface {
	// Snapshot returns the state of every present subsystem slot.
	Snapshot() map[netstatus.Subsystem]connstate.State

	// Combined returns the weakest-link state of all slots.
	Combined() connstate.State
}

// TorSource is the view of the tor daemon the collector exports.
type TorSource interface {
	// Status returns a snapshot of the daemon.
	Status() tor.Status
}

// Collector exports connection states as Prometheus metrics. Values are read
// at scrape time, so nothing has to be kept in sync.
type Collector struct {
	network NetworkSource
	tor     fn.Option[TorSource]

	subsystemState *prometheus.Desc
	combinedState  *prometheus.Desc
	torState       *prometheus.Desc
	torBootstrap   *prometheus.Desc
}

// A compile-time check to ensure Collector implements prometheus.Collector.
var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for the given aggregator and, if tor is
// enabled, daemon.
func NewCollector(network NetworkSource,
	torSource fn.Option[TorSource]) *Collector {

	return &Collector{
		network: network,
		tor:     torSource,
		subsystemState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "subsystem", "state"),
			"Connection state of a subsystem, 1 for the current "+
				"state and 0 otherwise.",
			[]string{"subsystem", "state"}, nil,
		),
		combinedState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "connection", "state"),
			"Combined connection state: 0 closed, 1 establishing, "+
				"2 established.",
			nil, nil,
		),
		torState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tor", "running"),
			"Whether the embedded tor daemon is running.",
			nil, nil,
		),
		torBootstrap: prometheus.NewDesc(
			prometheus.BuildFQName(
				namespace, "tor", "bootstrap_percent",
			),
			"Bootstrap progress of the embedded tor daemon.",
			nil, nil,
		),
	}
}

// Describe sends the descriptors of all metrics.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.subsystemState
	ch <- c.combinedState
	c.tor.WhenSome(func(TorSource) {
		ch <- c.torState
		ch <- c.torBootstrap
	})
}

// Collect reads the current states and sends them as metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for sub, state := range c.network.Snapshot() {
		for _, s := range connStates {
			var value float64
			if s == state {
				value = 1
			}

			ch <- prometheus.MustNewConstMetric(
				c.subsystemState, prometheus.GaugeValue, value,
				sub.String(), s.String(),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.combinedState, prometheus.GaugeValue,
		float64(c.network.Combined()),
	)

	c.tor.WhenSome(func(t TorSource) {
		status := t.Status()

		var running float64
		if status.State == tor.Running {
			running = 1
		}

		ch <- prometheus.MustNewConstMetric(
			c.torState, prometheus.GaugeValue, running,
		)
		ch <- prometheus.MustNewConstMetric(
			c.torBootstrap, prometheus.GaugeValue,
			float64(status.Bootstrap.Percent),
		)
	})
}
