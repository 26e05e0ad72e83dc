//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"

	"github.com/lightningnetwork/lnmobile/lncfg"
	"github.com/prometheus/client_golang/prometheus"
)

// ExportPrometheusMetrics is required for lnmobile to compile so that
// Prometheus metric exporting can be hidden behind a build tag.
func ExportPrometheusMetrics(_ lncfg.Prometheus,
	_ ...prometheus.Collector) error {

	return fmt.Errorf("lnmobile must be built with the monitoring tag " +
		"to enable exporting Prometheus metrics")
}
