package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TaskTransitions  *prometheus.CounterVec
	TaskRetries      *prometheus.CounterVec
	ResultMessages   *prometheus.CounterVec
	WebhookPublishes *prometheus.CounterVec
	SweepCleaned     *prometheus.CounterVec
	SweepDuration    *prometheus.HistogramVec
}

// NewMetrics registers the instruments on the default registry. The namespace
// must be unique per process.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TaskTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task phase transitions by task type and phase.",
		}, []string{"type", "phase"}),
		TaskRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Task retries scheduled by task type.",
		}, []string{"type"}),
		ResultMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_result_messages_total",
			Help:      "Consumed task result messages by outcome.",
		}, []string{"outcome"}),
		WebhookPublishes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_publishes_total",
			Help:      "Webhook event publishes by event and result.",
		}, []string{"event", "result"}),
		SweepCleaned: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_cleaned_total",
			Help:      "Rows finalized by reconciliation sweeps.",
		}, []string{"sweep"}),
		SweepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Reconciliation sweep run time.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"sweep"}),
	}
}

func (m *Metrics) ObserveTransition(taskType, phase string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(taskType, phase).Inc()
}

func (m *Metrics) ObserveRetry(taskType string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(taskType).Inc()
}

func (m *Metrics) ObserveResult(outcome string) {
	if m == nil {
		return
	}
	m.ResultMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveWebhook(event string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WebhookPublishes.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ObserveSweep(sweep string, cleaned int, took time.Duration) {
	if m == nil {
		return
	}
	m.SweepCleaned.WithLabelValues(sweep).Add(float64(cleaned))
	m.SweepDuration.WithLabelValues(sweep).Observe(took.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
