// Package telemetry serves the operational side channels: a pprof listener,
// a Prometheus metrics listener, and the instrument set the engine records
// run and node activity on.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmctl/llmctl/common/config"
	"github.com/llmctl/llmctl/common/logger"
)

// Metrics is the engine instrument set. With a nil registerer the
// instruments still count but register nowhere, so code under test needs no
// listener setup.
type Metrics struct {
	runTransitions *prometheus.CounterVec
	nodeVisits     *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
}

// NewMetrics builds the instrument set on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "run_transitions_total",
			Help:      "Run status transitions announced by this process.",
		}, []string{"status"}),
		nodeVisits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "node_visits_total",
			Help:      "Settled node visits by node type and status.",
		}, []string{"node_type", "status"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmctl",
			Subsystem: "engine",
			Name:      "node_visit_seconds",
			Help:      "Wall time of node visits by node type.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"node_type"}),
	}
}

// RunTransition records one announced run status change.
func (m *Metrics) RunTransition(status string) {
	m.runTransitions.WithLabelValues(status).Inc()
}

// ObserveVisit records one settled node visit.
func (m *Metrics) ObserveVisit(nodeType, status string, elapsed time.Duration) {
	m.nodeVisits.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(elapsed.Seconds())
}

// Telemetry owns the pprof and metrics listeners.
type Telemetry struct {
	log      *logger.Logger
	cfg      config.TelemetryConfig
	registry *prometheus.Registry
	metrics  *Metrics
}

// New builds telemetry components; listeners start on Start.
func New(cfg config.TelemetryConfig, log *logger.Logger) *Telemetry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Telemetry{
		log:      log,
		cfg:      cfg,
		registry: registry,
		metrics:  NewMetrics(registry),
	}
}

// Metrics returns the process-wide instrument set.
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// Start launches the enabled listeners. The listeners are best effort; a
// port conflict logs and leaves the service running.
func (t *Telemetry) Start(ctx context.Context) error {
	if t.cfg.EnablePprof {
		addr := fmt.Sprintf("localhost:%d", t.cfg.PprofPort)
		go func() {
			t.log.Info("pprof server starting", "addr", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				t.log.Error("pprof server error", "error", err)
			}
		}()
	}

	if t.cfg.EnableMetrics {
		addr := fmt.Sprintf("localhost:%d", t.cfg.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		go func() {
			t.log.Info("metrics server starting", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				t.log.Error("metrics server error", "error", err)
			}
		}()
	}

	return nil
}
