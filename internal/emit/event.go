// Package emit provides structured event emission for the gateway.
//
// Every component that performs an observable action — a provider call
// attempt, a validator verdict, a circuit breaker transition, a subprocess
// lifecycle change, a polling task transition — emits an Event through an
// Emitter rather than writing to a logger directly. This keeps the gateway
// core free of any particular logging/tracing backend: callers choose the
// Emitter implementation (plain logs, OpenTelemetry spans, in-memory
// buffering for tests, or silence).
package emit

// Event is one observable occurrence inside the gateway.
//
// RunID identifies the request or task the event belongs to (a UUID for
// make_request calls, a task_id for polling manager events). NodeID names
// the emitting component ("router", "retry", "cli_exec", "polling", ...).
// Msg is a short machine-matchable event name ("attempt_start",
// "validator_failed", "breaker_open", "subprocess_exit", ...). Meta carries
// event-specific structured detail.
type Event struct {
	RunID  string
	Step   int
	NodeID string
	Msg    string
	Meta   map[string]interface{}
}
