package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for sandbox runs.
type Metrics struct {
	Runs             *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	ActiveRuns       prometheus.Gauge
	PollAttempts     prometheus.Histogram
	PollErrors       prometheus.Counter
	LogFetchFailures prometheus.Counter
	CleanupFailures  *prometheus.CounterVec
	TokenRefreshes   prometheus.Counter
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebox_runs_total",
				Help: "Finished runs by outcome; outcome is \"error\" when cleanup failed",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codebox_run_duration_seconds",
				Help:    "Wall time from launch to the end of cleanup",
				Buckets: []float64{5, 10, 20, 30, 60, 90, 120, 180, 300},
			},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "codebox_active_runs",
				Help: "Runs currently executing",
			},
		),
		PollAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codebox_poll_attempts",
				Help:    "State queries issued per run",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
		),
		PollErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codebox_poll_errors_total",
				Help: "State queries that failed and were treated as still running",
			},
		),
		LogFetchFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codebox_log_fetch_failures_total",
				Help: "Log retrievals that failed and produced empty output",
			},
		),
		CleanupFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codebox_cleanup_failures_total",
				Help: "Failed teardown calls by resource",
			},
			[]string{"resource"},
		),
		TokenRefreshes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "codebox_token_refreshes_total",
				Help: "Bearer tokens fetched from the identity issuer",
			},
		),
	}
}
