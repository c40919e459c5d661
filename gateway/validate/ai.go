package validate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/llmgate/gateway"
)

// defaultAllToolsMCPConfig is the MCP server set an AI-judge validator gets
// when it doesn't name specific required_mcp_tools: a research tool and a
// local filesystem/command tool, each as its own MCP server entry.
func defaultAllToolsMCPConfig() map[string]interface{} {
	return map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"perplexity-ask": map[string]interface{}{
				"command": "npx",
				"args":    []interface{}{"-y", "server-perplexity-ask"},
			},
			"desktop-commander": map[string]interface{}{
				"command": "npx",
				"args":    []interface{}{"-y", "@wonderwhy-er/desktop-commander"},
			},
		},
	}
}

// buildSelectiveMCPConfig narrows the default server set down to whichever
// servers actually provide a requested tool name. An unrecognized tool name
// is dropped silently — the judge simply won't have that capability rather
// than the whole validator build failing, since tool availability is
// advisory, not a hard request-shape error.
func buildSelectiveMCPConfig(requiredTools []string) map[string]interface{} {
	if len(requiredTools) == 0 {
		return defaultAllToolsMCPConfig()
	}
	all := defaultAllToolsMCPConfig()
	servers := all["mcpServers"].(map[string]interface{})
	toolToServer := map[string]string{
		"perplexity_ask": "perplexity-ask",
		"desktop_commander": "desktop-commander",
	}
	selected := map[string]interface{}{}
	for _, tool := range requiredTools {
		if serverName, ok := toolToServer[tool]; ok {
			if def, ok := servers[serverName]; ok {
				selected[serverName] = def
			}
		}
	}
	if len(selected) == 0 {
		return defaultAllToolsMCPConfig()
	}
	return map[string]interface{}{"mcpServers": selected}
}

// resolveMCPConfig applies the precedence rule: an explicit mcp_config
// param always wins over one derived from required_mcp_tools.
func resolveMCPConfig(params map[string]interface{}) map[string]interface{} {
	if explicit, ok := params["mcp_config"].(map[string]interface{}); ok {
		return explicit
	}
	var tools []string
	if list, ok := params["required_mcp_tools"].([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				tools = append(tools, s)
			}
		}
	}
	return buildSelectiveMCPConfig(tools)
}

func judgeModel(params map[string]interface{}, fallback string) string {
	if m, ok := params["model"].(string); ok && m != "" {
		return m
	}
	return fallback
}

// aiContradictionValidator re-enters the orchestrator with a judge prompt
// that asks a model whether the response contradicts the original user
// prompt, optionally researching the claim via the configured MCP tools.
type aiContradictionValidator struct {
	originalPrompt string
	mcpConfig      map[string]interface{}
	model          string
}

func newAIContradictionValidator(params map[string]interface{}) (gateway.Validator, error) {
	prompt, _ := params["original_prompt"].(string)
	return aiContradictionValidator{
		originalPrompt: prompt,
		mcpConfig:      resolveMCPConfig(params),
		model:          judgeModel(params, "max/opus"),
	}, nil
}

func (aiContradictionValidator) Name() string { return "ai_contradiction_check" }
func (aiContradictionValidator) IsAsync() bool { return true }

type contradictionJudgment struct {
	ContradictionsFound      bool     `json:"contradictions_found"`
	CertaintyOfFindings      float64  `json:"certainty_of_findings"`
	SummaryOfFindings        string   `json:"summary_of_findings"`
	PerplexityAskQueriesUsed []string `json:"perplexity_ask_queries_used"`
	PerplexityAskKeyInsights []string `json:"perplexity_ask_key_insights"`
}

func (v aiContradictionValidator) Validate(ctx context.Context, resp gateway.Response, vctx gateway.ValidationContext) gateway.ValidationResult {
	prompt := fmt.Sprintf(`You are a fact-checking judge. Compare the ORIGINAL REQUEST below against the CANDIDATE RESPONSE, and determine whether the candidate response contains any factual contradictions or unsupported claims relative to the original request and to ground truth. Use your research tools if available.

ORIGINAL REQUEST:
%s

CANDIDATE RESPONSE:
%s

Reply with a single JSON object with exactly these keys: contradictions_found (boolean), certainty_of_findings (number 0-1), summary_of_findings (string), perplexity_ask_queries_used (array of strings), perplexity_ask_key_insights (array of strings).`, v.originalPrompt, resp.Content())

	judgeResp, err := vctx.Recurse(ctx, gateway.Request{
		Model:          v.model,
		Messages:       []gateway.Message{{Role: gateway.RoleUser, Content: prompt}},
		MCPConfig:      v.mcpConfig,
		ResponseFormat: &gateway.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return gateway.ValidationResult{Valid: false, Error: "ai_contradiction_check judge call failed: " + err.Error()}
	}

	var judgment contradictionJudgment
	if err := json.Unmarshal([]byte(judgeResp.Content()), &judgment); err != nil {
		return gateway.ValidationResult{Valid: false, Error: "ai_contradiction_check judge returned non-JSON: " + err.Error()}
	}
	if judgment.ContradictionsFound {
		return gateway.ValidationResult{
			Valid: false,
			Error: "ai_contradiction_check found contradictions: " + judgment.SummaryOfFindings,
			Debug: map[string]interface{}{
				"certainty_of_findings":       judgment.CertaintyOfFindings,
				"perplexity_ask_queries_used": judgment.PerplexityAskQueriesUsed,
				"perplexity_ask_key_insights": judgment.PerplexityAskKeyInsights,
			},
		}
	}
	return gateway.ValidationResult{Valid: true}
}

// agentTaskValidator re-enters the orchestrator with a generic pass/fail
// task description, letting the judge model decide whether the response
// satisfies an arbitrary caller-supplied criterion.
type agentTaskValidator struct {
	taskPrompt string
	mcpConfig  map[string]interface{}
	model      string
}

func newAgentTaskValidator(params map[string]interface{}) (gateway.Validator, error) {
	task, _ := params["task_prompt"].(string)
	if task == "" {
		return nil, gateway.NewConfigError("agent_task validator requires a non-empty 'task_prompt' param")
	}
	return agentTaskValidator{
		taskPrompt: task,
		mcpConfig:  resolveMCPConfig(params),
		model:      judgeModel(params, "max/opus"),
	}, nil
}

func (agentTaskValidator) Name() string { return "agent_task" }
func (agentTaskValidator) IsAsync() bool { return true }

type agentTaskJudgment struct {
	ValidationPassed bool                   `json:"validation_passed"`
	Explanation      string                 `json:"explanation"`
	Details          map[string]interface{} `json:"details"`
}

func (v agentTaskValidator) Validate(ctx context.Context, resp gateway.Response, vctx gateway.ValidationContext) gateway.ValidationResult {
	prompt := fmt.Sprintf(`You are a validation agent. Evaluate whether the CANDIDATE RESPONSE satisfies the TASK below. Use your tools if needed.

TASK:
%s

CANDIDATE RESPONSE:
%s

Reply with a single JSON object with exactly these keys: validation_passed (boolean), explanation (string), details (object).`, v.taskPrompt, resp.Content())

	judgeResp, err := vctx.Recurse(ctx, gateway.Request{
		Model:          v.model,
		Messages:       []gateway.Message{{Role: gateway.RoleUser, Content: prompt}},
		MCPConfig:      v.mcpConfig,
		ResponseFormat: &gateway.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return gateway.ValidationResult{Valid: false, Error: "agent_task judge call failed: " + err.Error()}
	}

	var judgment agentTaskJudgment
	if err := json.Unmarshal([]byte(judgeResp.Content()), &judgment); err != nil {
		return gateway.ValidationResult{Valid: false, Error: "agent_task judge returned non-JSON: " + err.Error()}
	}
	if !judgment.ValidationPassed {
		return gateway.ValidationResult{
			Valid: false,
			Error: "agent_task validation failed: " + judgment.Explanation,
			Debug: judgment.Details,
		}
	}
	return gateway.ValidationResult{Valid: true}
}
