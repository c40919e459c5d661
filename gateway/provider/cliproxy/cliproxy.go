// Package cliproxy implements gateway.ChatProvider as an HTTP client against
// the CLI proxy server (gateway/proxy): the process that fronts a local
// interactive LLM binary over a plain JSON request/response shape. It is
// the adapter the router selects for "cli/" and "max/" routed models.
package cliproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dshills/llmgate/gateway"
)

// Client is a gateway.ChatProvider backed by an HTTP call to a running CLI
// proxy server instance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New constructs a Client pointed at a CLI proxy server's base URL
// (e.g. "http://localhost:8787").
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 0}, // per-request timeout via context
	}
}

// Complete implements gateway.ChatProvider by POSTing to
// /v1/chat/completions and decoding the OpenAI-compatible response shape
// the proxy server returns.
func (c *Client) Complete(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	if req.TimeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutS*float64(time.Second)))
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return gateway.Response{}, gateway.NewConfigError("cliproxy: failed to encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "cliproxy: failed to build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindTimeoutError, Message: "cliproxy: request timed out", Cause: ctx.Err()}
		}
		return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "cliproxy: request failed", Cause: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var envelope struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(httpResp.Body).Decode(&envelope)
		kind := classifyStatus(httpResp.StatusCode, envelope.Error.Kind)
		msg := envelope.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("cliproxy returned HTTP %d", httpResp.StatusCode)
		}
		return gateway.Response{}, &gateway.GatewayError{Kind: kind, Message: msg}
	}

	var resp gateway.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "cliproxy: failed to decode response", Cause: err}
	}
	return resp, nil
}

func classifyStatus(status int, serverKind string) gateway.Kind {
	if serverKind != "" {
		return gateway.Kind(serverKind)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gateway.KindAuthError
	case status == http.StatusTooManyRequests:
		return gateway.KindRateLimitError
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return gateway.KindTimeoutError
	case status >= 500:
		return gateway.KindTransportError
	default:
		return gateway.KindConfigError
	}
}
