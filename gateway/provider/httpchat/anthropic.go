package httpchat

import (
	"context"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/llmgate/gateway"
)

// anthropicClient talks to Anthropic's Messages API. Anthropic takes the
// system prompt as a separate field rather than a message with role
// "system", so Complete splits it out before converting the rest.
type anthropicClient struct {
	apiKey string
}

func (c *anthropicClient) Complete(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	key := c.apiKey
	if req.APIKey != "" {
		key = req.APIKey
	}
	if key == "" {
		return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindAuthError, Message: "no Anthropic API key configured"}
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(key))

	systemPrompt, turns := extractSystemPrompt(req.Messages)

	maxTokens := int64(4096)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  convertAnthropicMessages(turns),
		MaxTokens: maxTokens,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return gateway.Response{}, classifyAnthropicError(err)
	}
	return convertAnthropicResponse(resp), nil
}

func extractSystemPrompt(messages []gateway.Message) (string, []gateway.Message) {
	var system string
	var rest []gateway.Message
	for _, m := range messages {
		if m.Role == gateway.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text()
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func convertAnthropicMessages(messages []gateway.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, m := range messages {
		block := anthropicsdk.NewTextBlock(m.Text())
		if m.Role == gateway.RoleAssistant {
			out[i] = anthropicsdk.NewAssistantMessage(block)
		} else {
			out[i] = anthropicsdk.NewUserMessage(block)
		}
	}
	return out
}

func convertAnthropicResponse(resp *anthropicsdk.Message) gateway.Response {
	cm := gateway.ChoiceMessage{Role: gateway.RoleAssistant}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if cm.Content != "" {
				cm.Content += "\n"
			}
			cm.Content += b.Text
		case anthropicsdk.ToolUseBlock:
			cm.ToolCalls = append(cm.ToolCalls, gateway.ToolCall{Name: b.Name, Input: convertAnthropicToolInput(b.Input)})
		}
	}
	return gateway.Response{
		ID:      resp.ID,
		Model:   string(resp.Model),
		Choices: []gateway.Choice{{Index: 0, Message: cm, FinishReason: string(resp.StopReason)}},
		Usage: gateway.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

func convertAnthropicToolInput(input interface{}) map[string]interface{} {
	if m, ok := input.(map[string]interface{}); ok {
		return m
	}
	if input == nil {
		return nil
	}
	return map[string]interface{}{"_raw": input}
}

func classifyAnthropicError(err error) *gateway.GatewayError {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "authentication_error") || strings.Contains(lower, "401"):
		return &gateway.GatewayError{Kind: gateway.KindAuthError, Message: "anthropic auth failed", Cause: err}
	case strings.Contains(lower, "rate_limit_error") || strings.Contains(lower, "429"):
		return &gateway.GatewayError{Kind: gateway.KindRateLimitError, Message: "anthropic rate limited", Cause: err}
	case strings.Contains(lower, "overloaded_error") || strings.Contains(lower, "529"):
		return &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "anthropic overloaded", Cause: err}
	case strings.Contains(lower, "timeout"):
		return &gateway.GatewayError{Kind: gateway.KindTimeoutError, Message: "anthropic request timed out", Cause: err}
	default:
		return &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "anthropic request failed", Cause: err}
	}
}
