package validate

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	"github.com/dshills/llmgate/gateway"
)

// lengthValidator bounds response content length in characters.
type lengthValidator struct {
	min, max int
	hasMin   bool
	hasMax   bool
}

func newLengthValidator(params map[string]interface{}) (gateway.Validator, error) {
	v := lengthValidator{}
	if n, ok := intParam(params, "min_length"); ok {
		v.min, v.hasMin = n, true
	}
	if n, ok := intParam(params, "max_length"); ok {
		v.max, v.hasMax = n, true
	}
	return v, nil
}

func (lengthValidator) Name() string { return "length" }

func (v lengthValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	n := len(resp.Content())
	if v.hasMin && n < v.min {
		return gateway.ValidationResult{Valid: false, Error: fmt.Sprintf("response length %d is below minimum %d", n, v.min)}
	}
	if v.hasMax && n > v.max {
		return gateway.ValidationResult{Valid: false, Error: fmt.Sprintf("response length %d exceeds maximum %d", n, v.max)}
	}
	return gateway.ValidationResult{Valid: true}
}

// regexValidator requires the response content to match a pattern.
type regexValidator struct {
	pattern *regexp.Regexp
	raw     string
}

func newRegexValidator(params map[string]interface{}) (gateway.Validator, error) {
	pattern, _ := params["pattern"].(string)
	if pattern == "" {
		return nil, gateway.NewConfigError("regex validator requires a non-empty 'pattern' param")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, gateway.NewConfigError("regex validator: invalid pattern: %v", err)
	}
	return regexValidator{pattern: re, raw: pattern}, nil
}

func (regexValidator) Name() string { return "regex" }

func (v regexValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	if !v.pattern.MatchString(resp.Content()) {
		return gateway.ValidationResult{Valid: false, Error: fmt.Sprintf("response does not match pattern %q", v.raw)}
	}
	return gateway.ValidationResult{Valid: true}
}

// containsValidator requires the response content to contain one or more
// substrings.
type containsValidator struct {
	required      []string
	caseSensitive bool
}

func newContainsValidator(params map[string]interface{}) (gateway.Validator, error) {
	v := containsValidator{caseSensitive: true}
	if cs, ok := params["case_sensitive"].(bool); ok {
		v.caseSensitive = cs
	}
	if s, ok := params["required"].(string); ok && s != "" {
		v.required = []string{s}
	}
	if list, ok := params["required_strings"].([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				v.required = append(v.required, s)
			}
		}
	}
	if len(v.required) == 0 {
		return nil, gateway.NewConfigError("contains validator requires 'required' or 'required_strings'")
	}
	return v, nil
}

func (containsValidator) Name() string { return "contains" }

func (v containsValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	content := resp.Content()
	if !v.caseSensitive {
		content = strings.ToLower(content)
	}
	var missing []string
	for _, want := range v.required {
		needle := want
		if !v.caseSensitive {
			needle = strings.ToLower(needle)
		}
		if !strings.Contains(content, needle) {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return gateway.ValidationResult{
			Valid: false,
			Error: fmt.Sprintf("response is missing required substrings: %s", strings.Join(missing, ", ")),
		}
	}
	return gateway.ValidationResult{Valid: true}
}

// fieldPresentValidator decodes the response content as a JSON object,
// navigates a dotted path through it, and checks presence/value. Content
// that is not a JSON object counts as the field being absent.
type fieldPresentValidator struct {
	path          string
	shouldExist   bool
	expectedValue interface{}
	hasExpected   bool
}

func newFieldPresentValidator(params map[string]interface{}) (gateway.Validator, error) {
	path, _ := params["field_path"].(string)
	if path == "" {
		return nil, gateway.NewConfigError("field_present validator requires a non-empty 'field_path' param")
	}
	v := fieldPresentValidator{path: path, shouldExist: true}
	if se, ok := params["should_exist"].(bool); ok {
		v.shouldExist = se
	}
	if ev, ok := params["expected_value"]; ok {
		v.expectedValue, v.hasExpected = ev, true
	}
	return v, nil
}

func (fieldPresentValidator) Name() string { return "field_present" }

func (v fieldPresentValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	root, ok := decodeContentObject(resp.Content())
	if !ok {
		if v.shouldExist {
			return gateway.ValidationResult{Valid: false, Error: "response content is not a JSON object"}
		}
		return gateway.ValidationResult{Valid: true}
	}

	value, found := navigateDotted(root, strings.Split(v.path, "."))
	if found != v.shouldExist {
		if v.shouldExist {
			return gateway.ValidationResult{Valid: false, Error: fmt.Sprintf("field %q is missing", v.path)}
		}
		return gateway.ValidationResult{Valid: false, Error: fmt.Sprintf("field %q is present but should not exist", v.path)}
	}
	if found && v.hasExpected && !deepEqual(value, v.expectedValue) {
		return gateway.ValidationResult{
			Valid: false,
			Error: fmt.Sprintf("field %q has value %v, expected %v", v.path, value, v.expectedValue),
		}
	}
	return gateway.ValidationResult{Valid: true}
}

func decodeContentObject(content string) (map[string]interface{}, bool) {
	var v interface{}
	if err := jsonUnmarshal(content, &v); err != nil {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

func navigateDotted(root map[string]interface{}, segments []string) (interface{}, bool) {
	var cur interface{} = root
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		val, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = val
	}
	return cur, true
}

func deepEqual(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// codeValidator extracts a fenced code block (or falls back to the whole
// content) and checks it parses. Go sources get a real parse via go/parser;
// every other declared language falls back to a heuristic balanced-braces
// check, since no Go-native parser exists for them — callers can tell the
// two apart via Debug["parser"].
type codeValidator struct {
	language string
	required bool
}

var fencedCodeBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")

func newCodeValidator(params map[string]interface{}) (gateway.Validator, error) {
	lang, _ := params["language"].(string)
	if lang == "" {
		lang = "python"
	}
	required := true
	if r, ok := params["required"].(bool); ok {
		required = r
	}
	return codeValidator{language: strings.ToLower(lang), required: required}, nil
}

func (codeValidator) Name() string { return "code" }

func (v codeValidator) Validate(_ context.Context, resp gateway.Response, _ gateway.ValidationContext) gateway.ValidationResult {
	content := resp.Content()
	code := content
	if m := fencedCodeBlock.FindStringSubmatch(content); m != nil {
		code = m[1]
	} else if v.required {
		return gateway.ValidationResult{Valid: false, Error: "no fenced code block found in response"}
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return gateway.ValidationResult{Valid: false, Error: "code block is empty"}
	}

	if v.language == "go" {
		_, err := parser.ParseFile(token.NewFileSet(), "validated.go", wrapGoSnippet(code), parser.AllErrors)
		if err != nil && !strings.HasPrefix(code, "package ") {
			// Top-level declarations (func, type, ...) parse once given a package clause.
			_, err = parser.ParseFile(token.NewFileSet(), "validated.go", "package validated\n"+code, parser.AllErrors)
		}
		if err != nil {
			return gateway.ValidationResult{
				Valid: false,
				Error: fmt.Sprintf("go syntax error: %v", err),
				Debug: map[string]interface{}{"parser": "go/parser"},
			}
		}
		return gateway.ValidationResult{Valid: true, Debug: map[string]interface{}{"parser": "go/parser"}}
	}

	if !balancedBraces(code) {
		return gateway.ValidationResult{
			Valid: false,
			Error: fmt.Sprintf("%s syntax looks malformed (unbalanced braces/parens/brackets)", v.language),
			Debug: map[string]interface{}{"parser": "heuristic"},
		}
	}
	return gateway.ValidationResult{Valid: true, Debug: map[string]interface{}{"parser": "heuristic"}}
}

// wrapGoSnippet lets a bare statement list parse by wrapping it in a
// function body when it isn't already a full file.
func wrapGoSnippet(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "package ") {
		return code
	}
	return "package validated\nfunc _() {\n" + code + "\n}\n"
}

func balancedBraces(s string) bool {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}
