package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, keyed by RunID. Used by tests
// that need to assert on the sequence of events a component produced
// (attempt/validator/breaker/task transitions) without standing up a real
// logging or tracing backend.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewBufferedEmitter returns an empty, concurrency-safe BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// History returns a copy of every event recorded for runID, in emit order.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Clear drops events for runID, or every run if runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
