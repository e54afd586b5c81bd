// Package metrics collects and exposes Prometheus metrics for the
// orchestrator: job throughput, session counts, and flow-control activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the orchestrator's Prometheus instruments. One Collector
// is created at startup and passed through the server struct; nothing here
// is a package-level singleton.
type Collector struct {
	registry *prometheus.Registry

	JobsCreated   prometheus.Counter
	JobsReplayed  prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCanceled  prometheus.Counter
	JobsReclaimed prometheus.Counter

	SessionsActive  prometheus.Gauge
	MonitorsActive  prometheus.Gauge
	FramesEnqueued  prometheus.Counter
	FlushesTotal    prometheus.Counter
	FramesDropped   prometheus.Counter
	BreakerTrips    prometheus.Counter
	EventDeliveryMs prometheus.Histogram
}

// NewCollector creates and registers the orchestrator metric set on a
// private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		JobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_jobs_created_total",
			Help: "Total number of jobs created",
		}),
		JobsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_jobs_replayed_total",
			Help: "Total number of idempotent job-creation replays",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		JobsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_jobs_canceled_total",
			Help: "Total number of jobs canceled",
		}),
		JobsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_jobs_reclaimed_total",
			Help: "Total number of jobs failed by the stale-lease reclaimer",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inquiry_sessions_active",
			Help: "Number of currently connected sessions",
		}),
		MonitorsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inquiry_monitors_active",
			Help: "Number of running job monitors",
		}),
		FramesEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_frames_enqueued_total",
			Help: "Total outbound frames handed to flow control",
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_flushes_total",
			Help: "Total physical writes performed by the output batcher",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_frames_dropped_total",
			Help: "Total frames discarded while the circuit breaker was open",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquiry_breaker_trips_total",
			Help: "Total circuit breaker trips across all sessions",
		}),
		EventDeliveryMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquiry_event_delivery_ms",
			Help:    "Latency in milliseconds from event append to monitor forwarding",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	c.registry.MustRegister(
		c.JobsCreated, c.JobsReplayed, c.JobsCompleted, c.JobsFailed,
		c.JobsCanceled, c.JobsReclaimed, c.SessionsActive, c.MonitorsActive,
		c.FramesEnqueued, c.FlushesTotal, c.FramesDropped, c.BreakerTrips,
		c.EventDeliveryMs,
	)
	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
