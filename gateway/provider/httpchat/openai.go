package httpchat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/dshills/llmgate/gateway"
)

// openAIClient talks to any OpenAI-compatible chat-completions endpoint:
// OpenAI itself, or a self-hosted server (RunPod's vLLM proxy, for
// instance) that speaks the same wire shape.
type openAIClient struct {
	apiKey  string
	baseURL string
}

func (c *openAIClient) Complete(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	key := c.apiKey
	if req.APIKey != "" {
		key = req.APIKey
	}
	if key == "" {
		return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindAuthError, Message: "no OpenAI API key configured"}
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	baseURL := c.baseURL
	if req.BaseURL != "" {
		baseURL = req.BaseURL
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openaisdk.NewClient(opts...)

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(req.Model),
		Messages: convertMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openaisdk.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openaisdk.Int(int64(*req.MaxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return gateway.Response{}, classifyOpenAIError(err)
	}
	return convertOpenAIResponse(resp), nil
}

func convertMessages(messages []gateway.Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, m := range messages {
		content := m.Text()
		switch m.Role {
		case gateway.RoleSystem:
			out[i] = openaisdk.SystemMessage(content)
		case gateway.RoleAssistant:
			out[i] = openaisdk.AssistantMessage(content)
		default:
			out[i] = openaisdk.UserMessage(content)
		}
	}
	return out
}

func convertOpenAIResponse(resp *openaisdk.ChatCompletion) gateway.Response {
	out := gateway.Response{ID: resp.ID, Model: resp.Model, Created: resp.Created}
	out.Usage = gateway.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	for i, choice := range resp.Choices {
		cm := gateway.ChoiceMessage{Role: gateway.RoleAssistant, Content: choice.Message.Content}
		for _, tc := range choice.Message.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, gateway.ToolCall{
				Name:  tc.Function.Name,
				Input: parseToolArguments(tc.Function.Arguments),
			})
		}
		out.Choices = append(out.Choices, gateway.Choice{
			Index:        i,
			Message:      cm,
			FinishReason: string(choice.FinishReason),
		})
	}
	return out
}

// parseToolArguments decodes a tool call's JSON arguments string into a
// map, falling back to a single "_raw" entry only if the string genuinely
// isn't valid JSON (a model occasionally emits malformed arguments).
func parseToolArguments(jsonStr string) map[string]interface{} {
	if jsonStr == "" {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &out); err != nil {
		return map[string]interface{}{"_raw": jsonStr}
	}
	return out
}

func classifyOpenAIError(err error) *gateway.GatewayError {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &gateway.GatewayError{Kind: gateway.KindAuthError, Message: "openai auth failed", Cause: err}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return &gateway.GatewayError{Kind: gateway.KindRateLimitError, Message: "openai rate limited", Cause: err}
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout"):
		return &gateway.GatewayError{Kind: gateway.KindTimeoutError, Message: "openai request timed out", Cause: err}
	default:
		return &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "openai request failed", Cause: err}
	}
}
