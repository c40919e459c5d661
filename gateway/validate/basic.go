package validate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dshills/llmgate/gateway"
)

// responseNotEmptyValidator rejects a response whose content is empty or
// all whitespace.
type responseNotEmptyValidator struct{}

func newResponseNotEmptyValidator(map[string]interface{}) (gateway.Validator, error) {
	return responseNotEmptyValidator{}, nil
}

func (responseNotEmptyValidator) Name() string { return "response_not_empty" }

func (responseNotEmptyValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	if strings.TrimSpace(resp.Content()) == "" {
		return gateway.ValidationResult{Valid: false, Error: "response content is empty"}
	}
	return gateway.ValidationResult{Valid: true}
}

// jsonStringValidator rejects a response whose content does not parse as
// valid JSON.
type jsonStringValidator struct{}

func newJSONStringValidator(map[string]interface{}) (gateway.Validator, error) {
	return jsonStringValidator{}, nil
}

func (jsonStringValidator) Name() string { return "json_string" }

func (jsonStringValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	var v interface{}
	if err := json.Unmarshal([]byte(resp.Content()), &v); err != nil {
		return gateway.ValidationResult{Valid: false, Error: "response is not valid JSON: " + err.Error()}
	}
	return gateway.ValidationResult{Valid: true}
}
