//go:build monitoring
// +build monitoring

package monitoring

import (
	"errors"
	"net/http"
	"sync"

	"github.com/lightningnetwork/lnmobile/lncfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var started sync.Once

// ExportPrometheusMetrics registers the collectors and launches the
// Prometheus exporter on the configured address.
func ExportPrometheusMetrics(cfg lncfg.Prometheus,
	collectors ...prometheus.Collector) error {

	var err error
	started.Do(func() {
		registry := prometheus.NewRegistry()
		for _, c := range collectors {
			if err = registry.Register(c); err != nil {
				return
			}
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry, promhttp.HandlerOpts{},
		))

		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		go func() {
			err := http.ListenAndServe(cfg.Listen, mux)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return err
}
