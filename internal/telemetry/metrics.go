package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shaiso/Conveyor/internal/domain"
)

const namespace = "conveyor"

// Metrics — Prometheus метрики очереди.
//
// nil *Metrics допустим: все методы в этом случае ничего не делают.
type Metrics struct {
	TasksEnqueued  *prometheus.CounterVec
	TasksClaimed   *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	TasksReclaimed *prometheus.CounterVec
	SlowOperations *prometheus.CounterVec

	ClaimDuration   prometheus.Histogram
	HandlerDuration *prometheus.HistogramVec

	QueueDepth      *prometheus.GaugeVec
	OldestQueuedAge prometheus.Gauge
}

// NewMetrics создаёт метрики и регистрирует их в reg.
// Если reg == nil, метрики не регистрируются (удобно в тестах).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Enqueue calls by task type; created=false means an existing task was returned.",
		}, []string{"type", "created"}),
		TasksClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Tasks leased to workers by scheduling strategy.",
		}, []string{"strategy"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks completed successfully.",
		}, []string{"type"}),
		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Failure reports by outcome (retrying or failed).",
		}, []string{"type", "outcome"}),
		TasksReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_reclaimed_total",
			Help:      "Expired leases by outcome (requeued or failed).",
		}, []string{"outcome"}),
		SlowOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_operations_total",
			Help:      "Queue operations slower than the configured threshold.",
		}, []string{"op"}),
		ClaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Latency of claim calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Task handler execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of tasks by status.",
		}, []string{"status"}),
		OldestQueuedAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oldest_queued_age_seconds",
			Help:      "Age of the oldest eligible queued task.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.TasksEnqueued, m.TasksClaimed, m.TasksCompleted, m.TasksFailed,
			m.TasksReclaimed, m.SlowOperations, m.ClaimDuration,
			m.HandlerDuration, m.QueueDepth, m.OldestQueuedAge,
		)
	}
	return m
}

func (m *Metrics) Enqueued(taskType string, created bool) {
	if m == nil {
		return
	}
	label := "false"
	if created {
		label = "true"
	}
	m.TasksEnqueued.WithLabelValues(taskType, label).Inc()
}

func (m *Metrics) Claimed(strategy string, took time.Duration) {
	if m == nil {
		return
	}
	m.ClaimDuration.Observe(took.Seconds())
	m.TasksClaimed.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ClaimAttempt(took time.Duration) {
	if m == nil {
		return
	}
	m.ClaimDuration.Observe(took.Seconds())
}

func (m *Metrics) Completed(taskType string) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(taskType).Inc()
}

// Failed учитывает отчёт об ошибке: terminal — task ушёл в FAILED.
func (m *Metrics) Failed(taskType string, terminal bool) {
	if m == nil {
		return
	}
	outcome := "retrying"
	if terminal {
		outcome = "failed"
	}
	m.TasksFailed.WithLabelValues(taskType, outcome).Inc()
}

func (m *Metrics) Reclaimed(tasks []domain.Task) {
	if m == nil {
		return
	}
	for i := range tasks {
		outcome := "requeued"
		if tasks[i].Status == domain.TaskStatusFailed {
			outcome = "failed"
		}
		m.TasksReclaimed.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SlowOperation(op string) {
	if m == nil {
		return
	}
	m.SlowOperations.WithLabelValues(op).Inc()
}

func (m *Metrics) HandlerDone(taskType string, took time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

// ObserveStats выставляет gauges по снимку очереди.
func (m *Metrics) ObserveStats(s *domain.Stats) {
	if m == nil || s == nil {
		return
	}
	for _, status := range domain.AllStatuses {
		m.QueueDepth.WithLabelValues(string(status)).Set(float64(s.Counts[status]))
	}
	m.OldestQueuedAge.Set(s.OldestQueuedAge.Seconds())
}
