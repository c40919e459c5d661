package validate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/llmgate/gateway"
	"github.com/dshills/llmgate/gateway/validate"
)

func respWith(content string) gateway.Response {
	return gateway.Response{Choices: []gateway.Choice{{Message: gateway.ChoiceMessage{Content: content}}}}
}

func build(t *testing.T, typeName string, params map[string]interface{}) gateway.Validator {
	t.Helper()
	reg := validate.NewRegistry()
	vs, err := reg.Build([]gateway.ValidatorSpec{{Type: typeName, Params: params}})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	return vs[0]
}

func TestRegistry_UnknownType(t *testing.T) {
	reg := validate.NewRegistry()
	_, err := reg.Build([]gateway.ValidatorSpec{{Type: "does_not_exist"}})
	require.Error(t, err)
	var gerr *gateway.GatewayError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, gateway.KindConfigError, gerr.Kind)
}

func TestResponseNotEmpty(t *testing.T) {
	v := build(t, "response_not_empty", nil)
	result := v.Validate(context.Background(), respWith("   "), gateway.ValidationContext{})
	assert.False(t, result.Valid)

	result = v.Validate(context.Background(), respWith("hi"), gateway.ValidationContext{})
	assert.True(t, result.Valid)
}

func TestJSONString(t *testing.T) {
	v := build(t, "json_string", nil)
	assert.True(t, v.Validate(context.Background(), respWith(`{"a":1}`), gateway.ValidationContext{}).Valid)
	assert.False(t, v.Validate(context.Background(), respWith(`not json`), gateway.ValidationContext{}).Valid)
}

func TestLength(t *testing.T) {
	v := build(t, "length", map[string]interface{}{"min_length": 5.0, "max_length": 10.0})
	assert.False(t, v.Validate(context.Background(), respWith("hi"), gateway.ValidationContext{}).Valid)
	assert.True(t, v.Validate(context.Background(), respWith("hello!"), gateway.ValidationContext{}).Valid)
	assert.False(t, v.Validate(context.Background(), respWith("this is way too long"), gateway.ValidationContext{}).Valid)
}

func TestRegex(t *testing.T) {
	v := build(t, "regex", map[string]interface{}{"pattern": `^\d+$`})
	assert.True(t, v.Validate(context.Background(), respWith("12345"), gateway.ValidationContext{}).Valid)
	assert.False(t, v.Validate(context.Background(), respWith("abc"), gateway.ValidationContext{}).Valid)
}

func TestContains(t *testing.T) {
	v := build(t, "contains", map[string]interface{}{"required_strings": []interface{}{"foo", "bar"}})
	assert.True(t, v.Validate(context.Background(), respWith("foo and bar"), gateway.ValidationContext{}).Valid)
	result := v.Validate(context.Background(), respWith("only foo"), gateway.ValidationContext{})
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "bar")
}

func TestFieldPresent(t *testing.T) {
	v := build(t, "field_present", map[string]interface{}{"field_path": "user.name"})
	assert.True(t, v.Validate(context.Background(), respWith(`{"user":{"name":"ada"}}`), gateway.ValidationContext{}).Valid)
	assert.False(t, v.Validate(context.Background(), respWith(`{"user":{}}`), gateway.ValidationContext{}).Valid)
}

func TestFieldPresent_ExpectedValue(t *testing.T) {
	v := build(t, "field_present", map[string]interface{}{"field_path": "status", "expected_value": "ok"})
	assert.True(t, v.Validate(context.Background(), respWith(`{"status":"ok"}`), gateway.ValidationContext{}).Valid)
	assert.False(t, v.Validate(context.Background(), respWith(`{"status":"fail"}`), gateway.ValidationContext{}).Valid)
}

func TestCodeValidator_Go(t *testing.T) {
	v := build(t, "code", map[string]interface{}{"language": "go"})
	good := "```go\nfunc add(a, b int) int { return a + b }\n```"
	result := v.Validate(context.Background(), respWith(good), gateway.ValidationContext{})
	assert.True(t, result.Valid)
	assert.Equal(t, "go/parser", result.Debug["parser"])

	bad := "```go\nfunc add(a, b int) int { return a + \n```"
	result = v.Validate(context.Background(), respWith(bad), gateway.ValidationContext{})
	assert.False(t, result.Valid)
}

func TestCodeValidator_HeuristicFallback(t *testing.T) {
	v := build(t, "code", map[string]interface{}{"language": "python"})
	good := "```python\ndef add(a, b):\n    return a + b\n```"
	result := v.Validate(context.Background(), respWith(good), gateway.ValidationContext{})
	assert.True(t, result.Valid)
	assert.Equal(t, "heuristic", result.Debug["parser"])
}

func TestSchema(t *testing.T) {
	v := build(t, "schema", map[string]interface{}{
		"schema": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"name"},
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
				"age":  map[string]interface{}{"type": "number", "minimum": 0.0},
			},
		},
	})
	assert.True(t, v.Validate(context.Background(), respWith(`{"name":"ada","age":30}`), gateway.ValidationContext{}).Valid)
	assert.False(t, v.Validate(context.Background(), respWith(`{"age":-1}`), gateway.ValidationContext{}).Valid)
}

func TestAIContradictionCheck_UsesRecursiveCaller(t *testing.T) {
	v := build(t, "ai_contradiction_check", map[string]interface{}{"original_prompt": "What is the capital of France?"})

	judgeJSON := `{"contradictions_found": true, "certainty_of_findings": 0.9, "summary_of_findings": "response claims Lyon is the capital"}`
	vctx := gateway.ValidationContext{
		MaxDepth: 2,
		Recursive: func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
			return respWith(judgeJSON), nil
		},
	}
	result := v.Validate(context.Background(), respWith("The capital of France is Lyon."), vctx)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "Lyon")
}

func TestAgentTask_PassesWhenJudgeApproves(t *testing.T) {
	v := build(t, "agent_task", map[string]interface{}{"task_prompt": "Does the response include a greeting?"})

	vctx := gateway.ValidationContext{
		MaxDepth: 2,
		Recursive: func(ctx context.Context, req gateway.Request) (gateway.Response, error) {
			return respWith(`{"validation_passed": true, "explanation": "greeting present"}`), nil
		},
	}
	result := v.Validate(context.Background(), respWith("Hello there!"), vctx)
	assert.True(t, result.Valid)
}

func TestRecurse_RefusesPastMaxDepth(t *testing.T) {
	vctx := gateway.ValidationContext{CurrentDepth: 2, MaxDepth: 2, Recursive: func(context.Context, gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, nil
	}}
	_, err := vctx.Recurse(context.Background(), gateway.Request{})
	require.Error(t, err)
}
