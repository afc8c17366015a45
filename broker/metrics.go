package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes broker scheduling counters for Prometheus scraping,
// all namespaced with "fuseline_".
//
// Expose via HTTP with:
//
//	registry := prometheus.NewRegistry()
//	metrics := broker.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	workersConnected    prometheus.Gauge
	workflowsDispatched prometheus.Counter
	stepsAssigned       prometheus.Counter
	stepsReported       *prometheus.CounterVec
	leasesReclaimed     prometheus.Counter
	runsFinalized       prometheus.Counter
}

// NewMetrics registers the broker metrics with reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		workersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fuseline_workers_connected",
			Help: "Workers currently registered and within their liveness TTL.",
		}),
		workflowsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "fuseline_workflows_dispatched_total",
			Help: "Workflow instances dispatched.",
		}),
		stepsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "fuseline_steps_assigned_total",
			Help: "Step leases handed to workers.",
		}),
		stepsReported: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fuseline_steps_reported_total",
			Help: "Step reports accepted, by reported state.",
		}, []string{"state"}),
		leasesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "fuseline_leases_reclaimed_total",
			Help: "Expired leases reclaimed and re-queued.",
		}),
		runsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "fuseline_runs_finalized_total",
			Help: "Workflow instances finalized.",
		}),
	}
}

// nopMetrics backs brokers constructed without a registry.
func nopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
