package emit

import "context"

// Emitter receives observability events produced by gateway components.
//
// Emitters make the observability backend pluggable: plain logs, OpenTelemetry
// spans, Prometheus-adjacent counters, in-memory buffering for tests, or
// silence. Implementations must be non-blocking and safe for concurrent use
// — a retry loop, a CLI subprocess reader, and a polling worker may all emit
// through the same Emitter at once.
type Emitter interface {
	// Emit sends one event to the backend. Must not block the caller and
	// must not panic; backend errors should be swallowed internally.
	Emit(event Event)

	// EmitBatch sends multiple events as a unit, preserving order. Used by
	// components that accumulate several related events before emitting
	// (e.g. the retry engine emitting one attempt's full outcome).
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or ctx expires.
	// Call on shutdown so no trailing events are lost.
	Flush(ctx context.Context) error
}
