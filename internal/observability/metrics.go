package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the processing pipeline.
type Metrics struct {
	JobsEnqueued  prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCancelled prometheus.Counter

	PollAttempts      *prometheus.CounterVec // labels: outcome={terminal,pending,error}
	JobDuration       prometheus.Histogram
	SamplesExtracted  prometheus.Histogram
	InvalidSampleRate prometheus.Histogram

	VelocityRecomputes prometheus.Counter
	ScheduleFires      prometheus.Counter
	RateLimitRejects   *prometheus.CounterVec // labels: limit={active,hourly,daily}
}

func newMetrics() *Metrics {
	return &Metrics{
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "jobs_enqueued_total",
			Help:      "Total processing jobs accepted for execution.",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "jobs_succeeded_total",
			Help:      "Total jobs that reached the succeeded state.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "jobs_failed_total",
			Help:      "Total jobs that reached the failed state.",
		}),
		JobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "jobs_cancelled_total",
			Help:      "Total jobs cancelled by operators.",
		}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "poll_attempts_total",
			Help:      "External service polls by outcome.",
		}, []string{"outcome"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "insar",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time from submission to terminal state.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		SamplesExtracted: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "insar",
			Name:      "samples_extracted",
			Help:      "Valid measurements extracted per harvested raster.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		InvalidSampleRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "insar",
			Name:      "invalid_sample_rate",
			Help:      "Fraction of points rejected per harvested raster.",
			Buckets:   []float64{0, 0.05, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
		}),
		VelocityRecomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "velocity_recomputes_total",
			Help:      "Total per-point velocity model recomputations.",
		}),
		ScheduleFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "schedule_fires_total",
			Help:      "Total schedule firings that enqueued a job.",
		}),
		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insar",
			Name:      "rate_limit_rejects_total",
			Help:      "Job creations rejected by owner rate limits.",
		}, []string{"limit"}),
	}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.JobsEnqueued,
		m.JobsSucceeded,
		m.JobsFailed,
		m.JobsCancelled,
		m.PollAttempts,
		m.JobDuration,
		m.SamplesExtracted,
		m.InvalidSampleRate,
		m.VelocityRecomputes,
		m.ScheduleFires,
		m.RateLimitRejects,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid "already
// registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
