package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics counts business outcomes across the order, payment,
// delivery and notification workflows.
type WorkflowMetrics struct {
	orderTransitions     *prometheus.CounterVec
	paymentOutcomes      *prometheus.CounterVec
	deliveryUpdates      *prometheus.CounterVec
	notificationAttempts *prometheus.CounterVec
	outboxPublished      *prometheus.CounterVec
	outboxLag            *prometheus.HistogramVec
}

// NewWorkflowMetrics registers the workflow counters on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	if reg == nil {
		return &WorkflowMetrics{}
	}
	m := &WorkflowMetrics{
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transitions_total",
			Help: "Accepted order status transitions.",
		}, []string{"from", "to"}),
		paymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_outcomes_total",
			Help: "Payment state changes by resulting status.",
		}, []string{"status"}),
		deliveryUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_status_updates_total",
			Help: "Delivery assignment status updates.",
		}, []string{"status"}),
		notificationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_channel_attempts_total",
			Help: "Notification delivery attempts per channel and result.",
		}, []string{"channel", "status"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events handled by the publisher per workflow category.",
		}, []string{"category", "event_type", "result"}),
		outboxLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_publish_lag_seconds",
			Help:    "Time from outbox insert to broker acknowledgement.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 15, 60, 300},
		}, []string{"category"}),
	}
	reg.MustRegister(m.orderTransitions, m.paymentOutcomes, m.deliveryUpdates, m.notificationAttempts, m.outboxPublished, m.outboxLag)
	return m
}

func (m *WorkflowMetrics) OrderTransition(from, to string) {
	if m == nil || m.orderTransitions == nil {
		return
	}
	m.orderTransitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *WorkflowMetrics) PaymentOutcome(status string) {
	if m == nil || m.paymentOutcomes == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *WorkflowMetrics) DeliveryUpdate(status string) {
	if m == nil || m.deliveryUpdates == nil {
		return
	}
	m.deliveryUpdates.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *WorkflowMetrics) NotificationAttempt(channel, status string) {
	if m == nil || m.notificationAttempts == nil {
		return
	}
	m.notificationAttempts.WithLabelValues(normalizeLabel(channel), normalizeLabel(status)).Inc()
}

// OutboxEvent records a publish result for an order, payment or delivery
// event: published, failed or dead_lettered.
func (m *WorkflowMetrics) OutboxEvent(category, eventType, result string) {
	if m == nil || m.outboxPublished == nil {
		return
	}
	m.outboxPublished.WithLabelValues(normalizeLabel(category), normalizeLabel(eventType), normalizeLabel(result)).Inc()
}

func (m *WorkflowMetrics) OutboxLag(category string, lag time.Duration) {
	if m == nil || m.outboxLag == nil || lag < 0 {
		return
	}
	m.outboxLag.WithLabelValues(normalizeLabel(category)).Observe(lag.Seconds())
}
