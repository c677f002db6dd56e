// Package metrics exposes Prometheus counters for check runs and nudges.
//
// A nil *Metrics is valid and records nothing, so services can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/nudgecrm/internal/crm"
)

const namespace = "nudgecrm"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	nudges      *prometheus.CounterVec
	runs        prometheus.Counter
	runErrors   prometheus.Counter
	lastRun     prometheus.Gauge
	runDuration prometheus.Histogram
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		nudges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_total",
			Help:      "Automated messages recorded, by email type and delivery status.",
		}, []string{"email_type", "status"}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_runs_total",
			Help:      "Completed daily check runs.",
		}),
		runErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_errors_total",
			Help:      "Per-patient errors collected during check runs.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_check_run_timestamp_seconds",
			Help:      "Unix time of the last completed check run.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_run_duration_seconds",
			Help:      "Wall time of a check run, lock wait excluded.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.nudges, m.runs, m.runErrors, m.lastRun, m.runDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveNudge counts one recorded message.
func (m *Metrics) ObserveNudge(typ crm.EmailType, status crm.MessageStatus) {
	if m == nil {
		return
	}
	m.nudges.WithLabelValues(string(typ), string(status)).Inc()
}

// ObserveRun records a finished check run.
func (m *Metrics) ObserveRun(finished time.Time, took time.Duration, errs int) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.runErrors.Add(float64(errs))
	m.lastRun.Set(float64(finished.Unix()))
	m.runDuration.Observe(took.Seconds())
}
