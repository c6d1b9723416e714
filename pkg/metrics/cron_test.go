package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsRecordsRunsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	finished := time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC)
	m.JobFinished("payment-reconcile", 250*time.Millisecond, finished, nil)
	m.JobFinished("payment-reconcile", time.Second, finished.Add(time.Hour), errors.New("stripe timeout"))
	m.CycleSkipped()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "cron_job_runs_total", "result", "success"); err != nil || got != 1 {
		t.Fatalf("expected one successful run, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "cron_job_runs_total", "result", "failure"); err != nil || got != 1 {
		t.Fatalf("expected one failed run, got %f (%v)", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "cron_job_duration_seconds", "result", "failure"); err != nil || got != 1 {
		t.Fatalf("expected failure duration of 1s, got %f (%v)", got, err)
	}
	if got, err := fetchGaugeValue(mfs, "cron_job_last_success_timestamp_seconds", "job", "payment-reconcile"); err != nil || got != float64(finished.Unix()) {
		t.Fatalf("failed run must not move last success, got %f (%v)", got, err)
	}
	skipped := findMetricFamily(mfs, "cron_cycles_skipped_total")
	if skipped == nil || skipped.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatal("expected one skipped cycle")
	}
}

func fetchGaugeValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetGauge().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("gauge %q missing label %s=%s", name, label, value)
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}

func TestWorkflowMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkflowMetrics(reg)
	m.OrderTransition("pending", "confirmed")
	m.OrderTransition("pending", "confirmed")
	m.PaymentOutcome("completed")
	m.NotificationAttempt("email", "failed")
	m.OutboxEvent("order", "order_created", "published")
	m.OutboxLag("order", 2*time.Second)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "order_transitions_total", "to", "confirmed"); err != nil || got != 2 {
		t.Fatalf("expected 2 transitions, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "payment_outcomes_total", "status", "completed"); err != nil || got != 1 {
		t.Fatalf("expected 1 payment outcome, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "notification_channel_attempts_total", "channel", "email"); err != nil || got != 1 {
		t.Fatalf("expected 1 email attempt, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "outbox_events_total", "category", "order"); err != nil || got != 1 {
		t.Fatalf("expected 1 order outbox event, got %f (%v)", got, err)
	}
	if got, err := fetchHistogramSum(mfs, "outbox_publish_lag_seconds", "category", "order"); err != nil || got != 2 {
		t.Fatalf("expected 2s publish lag, got %f (%v)", got, err)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var w *WorkflowMetrics
	w.OrderTransition("a", "b")
	NewWorkflowMetrics(nil).PaymentOutcome("failed")
	var h *HTTPMetrics
	h.Observe("GET", "/x", 200, time.Millisecond)
	var c *CronJobMetrics
	c.JobFinished("job", time.Second, time.Now(), nil)
	NewCronJobMetrics(nil).CycleSkipped()
}

func TestHTTPMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewHTTPMetrics(reg)
	h.Observe("GET", "/api/v1/orders/{id}", 0, 20*time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchHistogramSum(mfs, "http_request_duration_seconds", "status", "200"); err != nil || got <= 0 {
		t.Fatalf("expected observed duration, got %f (%v)", got, err)
	}
}
