package gateway

import (
	"context"
	"sync"
)

// ChatProvider is the contract every adapter implements: given a fully
// routed, normalized Request, produce a Response or a *GatewayError. Both
// the HTTP-chat dialects (gateway/provider/httpchat) and the CLI proxy
// client (gateway/provider/cliproxy) satisfy this so the retry engine never
// needs to know which one it is driving — the router's only output is an
// adapter selection plus a normalized request.
type ChatProvider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ChatProviderFunc adapts a plain function to ChatProvider, mirroring the
// http.HandlerFunc idiom.
type ChatProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ChatProviderFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// MockProvider is a test double implementing ChatProvider: configurable
// responses, error injection, and call-history tracking, for tests that
// need to assert what the orchestrator or retry engine actually sent a
// provider rather than just its final outcome.
type MockProvider struct {
	// Responses is the sequence of responses Complete returns in order. Once
	// exhausted, the last response repeats.
	Responses []Response

	// Err, if set, is returned by every call instead of a response.
	Err error

	// Calls records every Complete invocation, in order.
	Calls []Request

	mu        sync.Mutex
	callIndex int
}

// Complete implements ChatProvider.
func (m *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount returns the number of times Complete has been called.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears call history and rewinds the response sequence, for reuse
// of the same mock across multiple test cases.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}
