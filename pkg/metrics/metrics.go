package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Coordinator metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ochopod_is_leader",
			Help: "Whether this pod currently holds the coordinator lock (1 = leader, 0 = follower)",
		},
	)

	LockAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ochopod_lock_acquire_duration_seconds",
			Help:    "Time spent attempting to acquire the coordinator lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	CoordinatorResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ochopod_coordinator_resets_total",
			Help: "Total number of times the Coordinator has torn down and rejoined",
		},
	)

	// Clustering Model metrics
	PodsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ochopod_pods_total",
			Help: "Number of pods currently registered in this cluster",
		},
	)

	RolloutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ochopod_rollouts_total",
			Help: "Total number of rollout attempts by outcome",
		},
		[]string{"outcome"},
	)

	RolloutDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ochopod_rollout_duration_seconds",
			Help:    "Time taken for a complete check/off/on/ok rollout",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	RolloutPeersFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ochopod_rollout_peers_failed_total",
			Help: "Total number of peer requests that aborted a rollout phase",
		},
	)

	// Lifecycle Executor metrics
	ProcessState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ochopod_process_state",
			Help: "Current child process state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	SanityCheckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ochopod_sanity_check_failures_total",
			Help: "Total number of failed sanity_check() invocations",
		},
	)

	HealthCreditRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ochopod_health_credit_remaining",
			Help: "Remaining consecutive sanity-check failures before the child is turned off",
		},
	)

	ChildRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ochopod_child_restarts_total",
			Help: "Total number of times the supervised child process was restarted after a non-zero exit",
		},
	)

	ExecutorQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ochopod_executor_queue_depth",
			Help: "Number of commands currently queued on the Lifecycle Executor",
		},
	)

	// Control Surface metrics
	ControlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ochopod_control_requests_total",
			Help: "Total number of control requests by route and status",
		},
		[]string{"route", "status"},
	)

	ControlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ochopod_control_request_duration_seconds",
			Help:    "Control request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Watcher metrics
	WatcherFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ochopod_watcher_failures_total",
			Help: "Total number of watcher failures by source (local or a dependency name)",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(LockAcquireDuration)
	prometheus.MustRegister(CoordinatorResetsTotal)

	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(RolloutsTotal)
	prometheus.MustRegister(RolloutDuration)
	prometheus.MustRegister(RolloutPeersFailedTotal)

	prometheus.MustRegister(ProcessState)
	prometheus.MustRegister(SanityCheckFailuresTotal)
	prometheus.MustRegister(HealthCreditRemaining)
	prometheus.MustRegister(ChildRestartsTotal)
	prometheus.MustRegister(ExecutorQueueDepth)

	prometheus.MustRegister(ControlRequestsTotal)
	prometheus.MustRegister(ControlRequestDuration)

	prometheus.MustRegister(WatcherFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
