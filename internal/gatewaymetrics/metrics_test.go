package gatewaymetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return New(reg), reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
	}
	return total
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				return g.GetValue(), true
			}
		}
	}
	return 0, false
}

func TestRecordAttempt_IncrementsCounterAndHistogram(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordAttempt("claude-opus", "success", 120*time.Millisecond)
	m.RecordAttempt("claude-opus", "error", 40*time.Millisecond)

	if got := counterValue(t, reg, "llmgate_attempts_total"); got != 2 {
		t.Fatalf("expected 2 total attempts, got %v", got)
	}
}

func TestSetBreakerState_SetsGauge(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetBreakerState("claude-opus", BreakerOpen)

	got, ok := gaugeValue(t, reg, "llmgate_breaker_state")
	if !ok {
		t.Fatal("expected breaker_state gauge to be registered")
	}
	if got != float64(BreakerOpen) {
		t.Fatalf("expected breaker state %v, got %v", BreakerOpen, got)
	}
}

func TestDisable_SuppressesRecording(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.Disable()
	m.RecordAttempt("claude-opus", "success", time.Second)
	m.RecordValidatorFailure("claude-opus", "json_schema")

	if got := counterValue(t, reg, "llmgate_attempts_total"); got != 0 {
		t.Fatalf("expected no attempts recorded while disabled, got %v", got)
	}
	if got := counterValue(t, reg, "llmgate_validator_failures_total"); got != 0 {
		t.Fatalf("expected no validator failures recorded while disabled, got %v", got)
	}

	m.Enable()
	m.RecordValidatorFailure("claude-opus", "json_schema")
	if got := counterValue(t, reg, "llmgate_validator_failures_total"); got != 1 {
		t.Fatalf("expected 1 validator failure after re-enabling, got %v", got)
	}
}

func TestRecordCLISubprocess_RecordsHistogramByStatus(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordCLISubprocess("completed", 2*time.Second)
	m.RecordCLISubprocess("timeout", 30*time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	var found *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "llmgate_cli_subprocess_duration_ms" {
			found = mf
		}
	}
	if found == nil {
		t.Fatal("expected cli_subprocess_duration_ms histogram to be registered")
	}
	if len(found.GetMetric()) != 2 {
		t.Fatalf("expected 2 distinct status label series, got %d", len(found.GetMetric()))
	}
}

func TestSetPollingTaskCount_SetsGaugePerStatus(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetPollingTaskCount("running", 3)
	m.SetPollingTaskCount("pending", 1)

	running, ok := gaugeValue(t, reg, "llmgate_polling_tasks")
	if !ok {
		t.Fatal("expected polling_tasks gauge to be registered")
	}
	if running <= 0 {
		t.Fatalf("expected a positive polling task count, got %v", running)
	}
}
