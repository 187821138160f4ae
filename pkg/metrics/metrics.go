package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksTotal tracks the number of task rows by type and status, sampled
	// periodically by Collector.
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snatchd_tasks_total",
			Help: "Total number of task rows by type and status",
		},
		[]string{"type", "status"},
	)

	// ProfilesTotal is the number of configured credential profiles.
	ProfilesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snatchd_profiles_total",
			Help: "Total number of configured account profiles",
		},
	)

	// SnatchAttemptsTotal counts every launch attempt the engine makes,
	// labeled by account and availability domain.
	SnatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snatchd_snatch_attempts_total",
			Help: "Total number of instance launch attempts",
		},
		[]string{"account_alias", "availability_domain"},
	)

	// SnatchOutcomesTotal counts per-attempt classifications (success,
	// capacity, transient, permanent).
	SnatchOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snatchd_snatch_outcomes_total",
			Help: "Total number of snatch attempt outcomes by classification",
		},
		[]string{"classification"},
	)

	// SnatchAttemptDuration measures one launch-instance call.
	SnatchAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snatchd_snatch_attempt_duration_seconds",
			Help:    "Time taken for a single launch-instance attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// NetworkBootstrapDuration measures ensure_subnet end to end.
	NetworkBootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snatchd_network_bootstrap_duration_seconds",
			Help:    "Time taken to ensure a usable subnet exists for a profile",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RecoveredTasksTotal counts rows re-dispatched by RecoveryLoop at
	// startup.
	RecoveredTasksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snatchd_recovered_tasks_total",
			Help: "Total number of running snatch rows re-dispatched at worker startup",
		},
	)

	// ActionsTotal counts ActionExecutor invocations by action and outcome.
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snatchd_actions_total",
			Help: "Total number of instance actions executed",
		},
		[]string{"action", "outcome"},
	)

	// NotificationsTotal counts outbound notification attempts.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snatchd_notifications_total",
			Help: "Total number of outbound notifications by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)

	// HTTPRequestsTotal and HTTPRequestDuration instrument the REST surface.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snatchd_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snatchd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		ProfilesTotal,
		SnatchAttemptsTotal,
		SnatchOutcomesTotal,
		SnatchAttemptDuration,
		NetworkBootstrapDuration,
		RecoveredTasksTotal,
		ActionsTotal,
		NotificationsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a convenience wrapper for timing an operation and observing its
// duration into a histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into hist.
func (t *Timer) ObserveDuration(hist prometheus.Histogram) time.Duration {
	elapsed := time.Since(t.start)
	hist.Observe(elapsed.Seconds())
	return elapsed
}

// ObserveDurationVec records the elapsed time since NewTimer into one
// series of a HistogramVec.
func (t *Timer) ObserveDurationVec(hist *prometheus.HistogramVec, labelValues ...string) time.Duration {
	elapsed := time.Since(t.start)
	hist.WithLabelValues(labelValues...).Observe(elapsed.Seconds())
	return elapsed
}
