// Package metrics provides Prometheus metrics for the adherence engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "adherence"

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	DosesMaterialized prometheus.Counter
	DoseTransitions   *prometheus.CounterVec
	SweepDuration     *prometheus.HistogramVec
	SweepsFailed      *prometheus.CounterVec

	RemindersFired    *prometheus.CounterVec
	ReminderPatients  *prometheus.CounterVec
	FireLogPurged     prometheus.Counter
	BackstopTriggered prometheus.Counter

	NotificationsDelivered *prometheus.CounterVec
	NotificationsDropped   prometheus.Counter
	NotificationsFailed    prometheus.Counter
	RealtimeClients        prometheus.Gauge

	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
}

// New creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),

		DosesMaterialized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "doses",
			Name:      "materialized_total",
			Help:      "Pending dose events created from prescriptions.",
		}),
		DoseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "doses",
			Name:      "transitions_total",
			Help:      "Dose events leaving pending, by terminal state and actor.",
		}, []string{"state", "actor"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "doses",
			Name:      "sweep_duration_seconds",
			Help:      "Missed-dose sweep latency by scope.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"scope"}),
		SweepsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "doses",
			Name:      "sweep_failures_total",
			Help:      "Sweeps that returned an error, by scope.",
		}, []string{"scope"}),

		RemindersFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "batches_fired_total",
			Help:      "Reminder batches fired by bucket and source.",
		}, []string{"bucket", "source"}),
		ReminderPatients: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "patients_notified_total",
			Help:      "Patients sent a reminder, by bucket.",
		}, []string{"bucket"}),
		FireLogPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "fire_log_purged_total",
			Help:      "Fire-log entries removed by housekeeping.",
		}),
		BackstopTriggered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reminders",
			Name:      "backstop_checks_total",
			Help:      "Request-driven reminder checks started.",
		}),

		NotificationsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "delivered_total",
			Help:      "Notifications handed to every sink, by kind.",
		}, []string{"kind"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dropped_total",
			Help:      "Notifications dropped because the delivery queue was full.",
		}),
		NotificationsFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "failed_total",
			Help:      "Notifications at least one sink failed to deliver.",
		}),
		RealtimeClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "clients",
			Help:      "Connected websocket clients.",
		}),

		KafkaMessagesProduced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_produced_total",
			Help:      "Kafka messages produced.",
		}),
		KafkaMessagesConsumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Kafka messages consumed.",
		}),
		OutboxPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "pending_entries",
			Help:      "Outbox entries not yet published.",
		}),
	}
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) Materialized(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DosesMaterialized.Add(float64(n))
}

func (m *Metrics) Transition(state, actor string) {
	if m == nil {
		return
	}
	m.DoseTransitions.WithLabelValues(state, actor).Inc()
}

func (m *Metrics) Sweep(scope string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(scope).Observe(elapsed.Seconds())
	if err != nil {
		m.SweepsFailed.WithLabelValues(scope).Inc()
	}
}

func (m *Metrics) ReminderFired(bucket, source string, patients int) {
	if m == nil {
		return
	}
	m.RemindersFired.WithLabelValues(bucket, source).Inc()
	m.ReminderPatients.WithLabelValues(bucket).Add(float64(patients))
}

func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.FireLogPurged.Add(float64(n))
}

func (m *Metrics) Backstop() {
	if m == nil {
		return
	}
	m.BackstopTriggered.Inc()
}

func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.NotificationsDelivered.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}

func (m *Metrics) Failed() {
	if m == nil {
		return
	}
	m.NotificationsFailed.Inc()
}

func (m *Metrics) Clients(n int) {
	if m == nil {
		return
	}
	m.RealtimeClients.Set(float64(n))
}

func (m *Metrics) Produced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

func (m *Metrics) Consumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

func (m *Metrics) Pending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
