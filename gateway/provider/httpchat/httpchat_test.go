package httpchat

import (
	"errors"
	"testing"

	"github.com/dshills/llmgate/gateway"
)

func TestSelectDialect(t *testing.T) {
	cases := []struct {
		model    string
		wantKind dialect
		wantName string
	}{
		{"openai/gpt-4o", dialectOpenAI, "gpt-4o"},
		{"anthropic/claude-sonnet-4-5", dialectAnthropic, "claude-sonnet-4-5"},
		{"vertex_ai/gemini-1.5-pro", dialectGoogle, "gemini-1.5-pro"},
		{"claude-3-opus-20240229", dialectAnthropic, "claude-3-opus-20240229"},
		{"gemini-1.5-flash", dialectGoogle, "gemini-1.5-flash"},
		{"gpt-3.5-turbo", dialectOpenAI, "gpt-3.5-turbo"},
	}
	for _, c := range cases {
		gotKind, gotName := selectDialect(c.model)
		if gotKind != c.wantKind || gotName != c.wantName {
			t.Errorf("selectDialect(%q) = (%v, %q), want (%v, %q)", c.model, gotKind, gotName, c.wantKind, c.wantName)
		}
	}
}

func TestParseToolArguments_FallsBackOnInvalidJSON(t *testing.T) {
	got := parseToolArguments("not json")
	if got["_raw"] != "not json" {
		t.Fatalf("expected _raw fallback, got %v", got)
	}
}

func TestParseToolArguments_ParsesValidJSON(t *testing.T) {
	got := parseToolArguments(`{"city":"Paris"}`)
	if got["city"] != "Paris" {
		t.Fatalf("expected parsed map, got %v", got)
	}
}

func TestClassifyOpenAIError_RateLimit(t *testing.T) {
	gerr := classifyOpenAIError(errors.New("received 429 too many requests"))
	if gerr.Kind != gateway.KindRateLimitError {
		t.Fatalf("expected RateLimitError, got %v", gerr.Kind)
	}
}

func TestClassifyAnthropicError_Auth(t *testing.T) {
	gerr := classifyAnthropicError(errors.New("authentication_error: invalid x-api-key"))
	if gerr.Kind != gateway.KindAuthError {
		t.Fatalf("expected AuthError, got %v", gerr.Kind)
	}
}

func TestClassifyGoogleError_Safety(t *testing.T) {
	gerr := classifyGoogleError(errors.New("response blocked by SAFETY filter"))
	if gerr.Kind != gateway.KindValidationFailure {
		t.Fatalf("expected ValidationFailure, got %v", gerr.Kind)
	}
}

func TestExtractSystemPrompt(t *testing.T) {
	sys, rest := extractSystemPrompt([]gateway.Message{
		{Role: gateway.RoleSystem, Content: "be terse"},
		{Role: gateway.RoleUser, Content: "hi"},
	})
	if sys != "be terse" {
		t.Fatalf("unexpected system prompt: %q", sys)
	}
	if len(rest) != 1 || rest[0].Role != gateway.RoleUser {
		t.Fatalf("unexpected remaining messages: %+v", rest)
	}
}
