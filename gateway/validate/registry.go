// Package validate implements the built-in validation strategies a
// gateway.Request can name in its Validation list, plus the registry that
// turns a []gateway.ValidatorSpec into runnable gateway.Validator values.
package validate

import (
	"fmt"
	"sync"

	"github.com/dshills/llmgate/gateway"
)

// Factory builds one Validator from its configured parameters.
type Factory func(params map[string]interface{}) (gateway.Validator, error)

// Registry is a string-keyed set of validator factories, safe for
// concurrent registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a Registry pre-populated with every built-in
// validator type.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("response_not_empty", newResponseNotEmptyValidator)
	r.Register("json_string", newJSONStringValidator)
	r.Register("length", newLengthValidator)
	r.Register("regex", newRegexValidator)
	r.Register("contains", newContainsValidator)
	r.Register("field_present", newFieldPresentValidator)
	r.Register("code", newCodeValidator)
	r.Register("schema", newSchemaValidator)
	r.Register("ai_contradiction_check", newAIContradictionValidator)
	r.Register("agent_task", newAgentTaskValidator)
	return r
}

// Register adds or replaces the factory for a validator type name.
func (r *Registry) Register(typeName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = f
}

// Build turns a list of validator specs into runnable validators, in order.
// An unknown type name or a malformed params map fails the whole build —
// a request shouldn't silently run fewer validators than it asked for.
func (r *Registry) Build(specs []gateway.ValidatorSpec) ([]gateway.Validator, error) {
	out := make([]gateway.Validator, 0, len(specs))
	for _, spec := range specs {
		r.mu.RLock()
		f, ok := r.factories[spec.Type]
		r.mu.RUnlock()
		if !ok {
			return nil, gateway.NewConfigError("unknown validator type: %s", spec.Type)
		}
		v, err := f(spec.Params)
		if err != nil {
			return nil, fmt.Errorf("building validator %q: %w", spec.Type, err)
		}
		out = append(out, v)
	}
	return out, nil
}
