package gateway

import (
	"context"
	"errors"
	"testing"
)

func TestMockProvider_SingleResponse(t *testing.T) {
	m := &MockProvider{Responses: []Response{respWithContent("Hello, world!")}}
	resp, err := m.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.Content() != "Hello, world!" {
		t.Errorf("expected content %q, got %q", "Hello, world!", resp.Content())
	}
}

func TestMockProvider_RepeatsLastResponseWhenExhausted(t *testing.T) {
	m := &MockProvider{Responses: []Response{respWithContent("Only response")}}
	out1, _ := m.Complete(context.Background(), Request{Model: "m"})
	out2, _ := m.Complete(context.Background(), Request{Model: "m"})
	if out1.Content() != out2.Content() {
		t.Errorf("expected repeated response, got %q and %q", out1.Content(), out2.Content())
	}
}

func TestMockProvider_EmptyResponseWhenNoneConfigured(t *testing.T) {
	m := &MockProvider{}
	resp, err := m.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.Content() != "" {
		t.Errorf("expected empty content, got %q", resp.Content())
	}
}

func TestMockProvider_ReturnsResponsesInSequence(t *testing.T) {
	m := &MockProvider{Responses: []Response{
		respWithContent("First"),
		respWithContent("Second"),
		respWithContent("Third"),
	}}
	for _, want := range []string{"First", "Second", "Third", "Third"} {
		got, err := m.Complete(context.Background(), Request{Model: "m"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Content() != want {
			t.Fatalf("expected %q, got %q", want, got.Content())
		}
	}
}

func TestMockProvider_ErrorTakesPrecedenceOverResponses(t *testing.T) {
	wantErr := errors.New("simulated API error")
	m := &MockProvider{Err: wantErr, Responses: []Response{respWithContent("should not be returned")}}
	_, err := m.Complete(context.Background(), Request{Model: "m"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestMockProvider_RecordsCallsEvenWhenErrorConfigured(t *testing.T) {
	m := &MockProvider{Err: errors.New("boom")}
	_, _ = m.Complete(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if len(m.Calls) != 1 {
		t.Fatalf("expected 1 call recorded, got %d", len(m.Calls))
	}
	if m.Calls[0].Messages[0].Content != "hi" {
		t.Fatalf("expected recorded call to carry the request, got %+v", m.Calls[0])
	}
}

func TestMockProvider_ResetClearsHistoryAndRewindsSequence(t *testing.T) {
	m := &MockProvider{Responses: []Response{respWithContent("First"), respWithContent("Second")}}
	_, _ = m.Complete(context.Background(), Request{Model: "m"})
	_, _ = m.Complete(context.Background(), Request{Model: "m"})
	if m.CallCount() != 2 {
		t.Fatalf("expected 2 calls before reset, got %d", m.CallCount())
	}

	m.Reset()
	if m.CallCount() != 0 {
		t.Fatalf("expected 0 calls after reset, got %d", m.CallCount())
	}
	out, _ := m.Complete(context.Background(), Request{Model: "m"})
	if out.Content() != "First" {
		t.Fatalf("expected sequence to rewind to %q, got %q", "First", out.Content())
	}
}

func TestMockProvider_ConcurrentCallsAreSafe(t *testing.T) {
	m := &MockProvider{Responses: []Response{respWithContent("OK")}}
	const goroutines = 10
	done := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			_, _ = m.Complete(context.Background(), Request{Model: "m"})
			done <- struct{}{}
		}()
	}
	for i := 0; i < goroutines; i++ {
		<-done
	}
	if m.CallCount() != goroutines {
		t.Fatalf("expected %d calls, got %d", goroutines, m.CallCount())
	}
}
