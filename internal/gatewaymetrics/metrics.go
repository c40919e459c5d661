// Package gatewaymetrics provides Prometheus-compatible metrics collection
// for gateway request routing, retry/validation, CLI subprocess execution,
// and async polling, mirroring the way the engine package in this codebase's
// lineage instruments its own hot paths.
package gatewaymetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes gateway-wide Prometheus collectors (all namespaced with
// "llmgate_"):
//
//  1. attempts_total (counter): every provider attempt made by the retry
//     engine. Labels: model, outcome (success/validation_failed/error).
//  2. attempt_latency_ms (histogram): provider round-trip duration.
//     Labels: model.
//  3. breaker_state (gauge): circuit breaker state per model, 0=closed,
//     1=half_open, 2=open.
//  4. validator_failures_total (counter): validator rejections. Labels:
//     model, validator.
//  5. escalations_total (counter): staged-escalation promotions to a
//     different model. Labels: from_model, to_model.
//  6. cli_subprocess_duration_ms (histogram): CLI executor subprocess
//     wall-clock duration. Labels: status (completed/timeout/killed).
//  7. polling_tasks (gauge): count of polling tasks by status. Labels:
//     status.
//
// Thread-safe: Prometheus collectors are safe for concurrent use; enabled
// is guarded by mu for the Disable/Enable test hooks.
type Metrics struct {
	attempts        *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	validatorFail   *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	cliSubprocess   *prometheus.HistogramVec
	pollingTasks    *prometheus.GaugeVec

	mu      sync.RWMutex
	enabled bool
}

// Breaker state values for the breaker_state gauge.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// New creates and registers all gateway metrics with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,

		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "attempts_total",
			Help:      "Cumulative count of provider attempts made by the retry engine",
		}, []string{"model", "outcome"}),

		attemptLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgate",
			Name:      "attempt_latency_ms",
			Help:      "Provider round-trip duration in milliseconds",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}, []string{"model"}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per model: 0=closed, 1=half_open, 2=open",
		}, []string{"model"}),

		validatorFail: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "validator_failures_total",
			Help:      "Cumulative count of validator rejections",
		}, []string{"model", "validator"}),

		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgate",
			Name:      "escalations_total",
			Help:      "Cumulative count of staged-escalation promotions to another model",
		}, []string{"from_model", "to_model"}),

		cliSubprocess: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgate",
			Name:      "cli_subprocess_duration_ms",
			Help:      "CLI executor subprocess wall-clock duration in milliseconds",
			Buckets:   []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 120000},
		}, []string{"status"}),

		pollingTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "llmgate",
			Name:      "polling_tasks",
			Help:      "Current count of polling tasks grouped by status",
		}, []string{"status"}),
	}
}

// RecordAttempt records one provider attempt's outcome and latency.
func (m *Metrics) RecordAttempt(model, outcome string, latency time.Duration) {
	if !m.isEnabled() {
		return
	}
	m.attempts.WithLabelValues(model, outcome).Inc()
	m.attemptLatency.WithLabelValues(model).Observe(float64(latency.Milliseconds()))
}

// SetBreakerState sets the breaker_state gauge for model to one of
// BreakerClosed, BreakerHalfOpen, BreakerOpen.
func (m *Metrics) SetBreakerState(model string, state int) {
	if !m.isEnabled() {
		return
	}
	m.breakerState.WithLabelValues(model).Set(float64(state))
}

// RecordValidatorFailure increments the validator_failures_total counter.
func (m *Metrics) RecordValidatorFailure(model, validator string) {
	if !m.isEnabled() {
		return
	}
	m.validatorFail.WithLabelValues(model, validator).Inc()
}

// RecordEscalation increments the escalations_total counter.
func (m *Metrics) RecordEscalation(fromModel, toModel string) {
	if !m.isEnabled() {
		return
	}
	m.escalations.WithLabelValues(fromModel, toModel).Inc()
}

// RecordCLISubprocess records one subprocess invocation's wall-clock
// duration, bucketed by its terminal status ("completed", "timeout",
// "killed").
func (m *Metrics) RecordCLISubprocess(status string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	m.cliSubprocess.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// SetPollingTaskCount sets the polling_tasks gauge for the given status.
func (m *Metrics) SetPollingTaskCount(status string, count int) {
	if !m.isEnabled() {
		return
	}
	m.pollingTasks.WithLabelValues(status).Set(float64(count))
}

// AttemptsCounter exposes the attempts_total counter for one model/outcome
// pair, primarily so tests can assert on it with prometheus/testutil.
func (m *Metrics) AttemptsCounter(model, outcome string) prometheus.Counter {
	return m.attempts.WithLabelValues(model, outcome)
}

// ValidatorFailureCounter exposes the validator_failures_total counter for
// one model/validator pair, primarily so tests can assert on it with
// prometheus/testutil.
func (m *Metrics) ValidatorFailureCounter(model, validator string) prometheus.Counter {
	return m.validatorFail.WithLabelValues(model, validator)
}

// BreakerStateGauge exposes the breaker_state gauge for one model,
// primarily so tests can assert on it with prometheus/testutil.
func (m *Metrics) BreakerStateGauge(model string) prometheus.Gauge {
	return m.breakerState.WithLabelValues(model)
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable turns off metric recording (useful for tests that don't want to
// pay collector overhead).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
