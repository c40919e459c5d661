package validate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/llmgate/gateway"
)

// jsonSchema is a Draft-7 subset: type, required, properties, minimum,
// maximum, and enum. No third-party JSON-Schema library ships for Go in a
// form usable without heavier reflection-based dependencies than the rest
// of this module pulls in, so the schema validator decodes its own typed
// subset via encoding/json rather than adopting a general-purpose one.
type jsonSchema struct {
	Type       string                 `json:"type"`
	Required   []string               `json:"required"`
	Properties map[string]*jsonSchema `json:"properties"`
	Minimum    *float64               `json:"minimum"`
	Maximum    *float64               `json:"maximum"`
	Enum       []interface{}          `json:"enum"`
}

type schemaValidator struct {
	schema *jsonSchema
}

func newSchemaValidator(params map[string]interface{}) (gateway.Validator, error) {
	raw, ok := params["schema"]
	if !ok {
		return nil, gateway.NewConfigError("schema validator requires a 'schema' param")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, gateway.NewConfigError("schema validator: param is not serializable: %v", err)
	}
	var s jsonSchema
	if err := json.Unmarshal(encoded, &s); err != nil {
		return nil, gateway.NewConfigError("schema validator: invalid schema shape: %v", err)
	}
	return schemaValidator{schema: &s}, nil
}

func (schemaValidator) Name() string { return "schema" }

func (v schemaValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	var doc interface{}
	if err := json.Unmarshal([]byte(resp.Content()), &doc); err != nil {
		return gateway.ValidationResult{Valid: false, Error: "response is not valid JSON: " + err.Error()}
	}

	var errs []string
	validateAgainstSchema(v.schema, doc, "$", &errs)
	if len(errs) > 0 {
		if len(errs) > 3 {
			errs = errs[:3]
		}
		return gateway.ValidationResult{Valid: false, Error: fmt.Sprintf("schema validation failed: %v", errs), Suggestions: errs}
	}
	return gateway.ValidationResult{Valid: true}
}

func validateAgainstSchema(s *jsonSchema, value interface{}, path string, errs *[]string) {
	if s == nil {
		return
	}

	if s.Type != "" && !typeMatches(s.Type, value) {
		*errs = append(*errs, fmt.Sprintf("%s: expected type %s, got %s", path, s.Type, jsonTypeName(value)))
		return
	}

	if len(s.Enum) > 0 {
		ok := false
		for _, e := range s.Enum {
			if deepEqual(e, value) {
				ok = true
				break
			}
		}
		if !ok {
			*errs = append(*errs, fmt.Sprintf("%s: value %v is not one of the allowed enum values", path, value))
		}
	}

	switch n := value.(type) {
	case float64:
		if s.Minimum != nil && n < *s.Minimum {
			*errs = append(*errs, fmt.Sprintf("%s: %v is below minimum %v", path, n, *s.Minimum))
		}
		if s.Maximum != nil && n > *s.Maximum {
			*errs = append(*errs, fmt.Sprintf("%s: %v exceeds maximum %v", path, n, *s.Maximum))
		}
	case map[string]interface{}:
		for _, req := range s.Required {
			if _, ok := n[req]; !ok {
				*errs = append(*errs, fmt.Sprintf("%s: missing required property %q", path, req))
			}
		}
		for key, childSchema := range s.Properties {
			if childVal, ok := n[key]; ok {
				validateAgainstSchema(childSchema, childVal, path+"."+key, errs)
			}
		}
	}
}

func typeMatches(schemaType string, value interface{}) bool {
	switch schemaType {
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		n, ok := value.(float64)
		return ok && n == float64(int64(n))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	default:
		return true
	}
}

func jsonTypeName(value interface{}) string {
	switch value.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}
