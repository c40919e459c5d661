// Package httpchat implements gateway.ChatProvider against HTTP-based chat
// completion APIs: OpenAI-compatible endpoints (OpenAI itself, RunPod's
// OpenAI-compatible proxy, any other self-hosted server speaking the same
// wire shape), Anthropic's Messages API, and Google's Gemini/Vertex AI API.
// Each dialect client is a thin, mockable wrapper; retry and validation
// live one layer up in the gateway package, so these clients make exactly
// one HTTP call per Complete and classify failures into *gateway.GatewayError
// rather than retrying themselves.
package httpchat

import (
	"context"
	"strings"

	"github.com/dshills/llmgate/gateway"
)

// dialectClient is the minimal contract each provider SDK wrapper
// implements; Provider picks one per request based on the model string.
type dialectClient interface {
	Complete(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// Provider is a gateway.ChatProvider that dispatches to whichever HTTP
// dialect a request's model string names.
type Provider struct {
	openai    dialectClient
	anthropic dialectClient
	google    dialectClient
}

// New builds a Provider. Each API key may be empty if that dialect is
// never used; the dialect client itself returns an AuthError if invoked
// without one.
func New(openAIKey, anthropicKey, googleKey string) *Provider {
	return &Provider{
		openai:    &openAIClient{apiKey: openAIKey},
		anthropic: &anthropicClient{apiKey: anthropicKey},
		google:    &googleClient{apiKey: googleKey},
	}
}

// Complete implements gateway.ChatProvider.
func (p *Provider) Complete(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	dialect, modelName := selectDialect(req.Model)
	req.Model = modelName

	var client dialectClient
	switch dialect {
	case dialectAnthropic:
		client = p.anthropic
	case dialectGoogle:
		client = p.google
	default:
		client = p.openai
	}

	// req.APIKey/BaseURL (set by the router for routes like runpod/...) take
	// precedence over the client's configured defaults.
	return client.Complete(ctx, req)
}

type dialect int

const (
	dialectOpenAI dialect = iota
	dialectAnthropic
	dialectGoogle
)

// selectDialect inspects a (possibly prefixed) model string and returns
// which dialect should serve it plus the model name with any routing
// prefix stripped.
func selectDialect(model string) (dialect, string) {
	switch {
	case strings.HasPrefix(model, "openai/"):
		return dialectOpenAI, strings.TrimPrefix(model, "openai/")
	case strings.HasPrefix(model, "anthropic/"):
		return dialectAnthropic, strings.TrimPrefix(model, "anthropic/")
	case strings.HasPrefix(model, "vertex_ai/"):
		return dialectGoogle, strings.TrimPrefix(model, "vertex_ai/")
	case strings.HasPrefix(model, "claude"):
		return dialectAnthropic, model
	case strings.HasPrefix(model, "gemini"):
		return dialectGoogle, model
	default:
		return dialectOpenAI, model
	}
}
