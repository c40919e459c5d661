package httpchat

import (
	"context"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/llmgate/gateway"
)

// googleClient talks to Google's Gemini API, authenticating with an API key
// only. It does not read req.Extra, so the vertex_project/vertex_location
// values the router injects for vertex_ai/ models are not used here.
type googleClient struct {
	apiKey string
}

func (c *googleClient) Complete(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	key := c.apiKey
	if req.APIKey != "" {
		key = req.APIKey
	}
	if key == "" {
		return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindAuthError, Message: "no Google API key configured"}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return gateway.Response{}, &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "failed to create Google client", Cause: err}
	}
	defer client.Close()

	genModel := client.GenerativeModel(req.Model)
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		genModel.Temperature = &t
	}
	if req.MaxTokens != nil {
		n := int32(*req.MaxTokens)
		genModel.MaxOutputTokens = &n
	}

	systemPrompt, turns := extractSystemPrompt(req.Messages)
	if systemPrompt != "" {
		genModel.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	}

	var parts []genai.Part
	for _, m := range turns {
		if text := m.Text(); text != "" {
			parts = append(parts, genai.Text(text))
		}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return gateway.Response{}, classifyGoogleError(err)
	}
	return convertGoogleResponse(resp), nil
}

func convertGoogleResponse(resp *genai.GenerateContentResponse) gateway.Response {
	out := gateway.Response{}
	if len(resp.Candidates) == 0 {
		return out
	}
	candidate := resp.Candidates[0]
	cm := gateway.ChoiceMessage{Role: gateway.RoleAssistant}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				if cm.Content != "" {
					cm.Content += "\n"
				}
				cm.Content += string(p)
			case genai.FunctionCall:
				cm.ToolCalls = append(cm.ToolCalls, gateway.ToolCall{Name: p.Name, Input: p.Args})
			}
		}
	}
	out.Choices = []gateway.Choice{{Index: 0, Message: cm, FinishReason: candidate.FinishReason.String()}}
	if resp.UsageMetadata != nil {
		out.Usage = gateway.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out
}

func classifyGoogleError(err error) *gateway.GatewayError {
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "safety"):
		return &gateway.GatewayError{Kind: gateway.KindValidationFailure, Message: "content blocked by safety filter", Cause: err}
	case strings.Contains(lower, "401") || strings.Contains(lower, "permission"):
		return &gateway.GatewayError{Kind: gateway.KindAuthError, Message: "google auth failed", Cause: err}
	case strings.Contains(lower, "429") || strings.Contains(lower, "quota") || strings.Contains(lower, "resource_exhausted"):
		return &gateway.GatewayError{Kind: gateway.KindRateLimitError, Message: "google rate limited", Cause: err}
	case strings.Contains(lower, "deadline") || strings.Contains(lower, "timeout"):
		return &gateway.GatewayError{Kind: gateway.KindTimeoutError, Message: "google request timed out", Cause: err}
	default:
		return &gateway.GatewayError{Kind: gateway.KindTransportError, Message: "google request failed", Cause: err}
	}
}
