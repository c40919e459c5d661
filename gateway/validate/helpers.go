package validate

import "encoding/json"

func jsonUnmarshal(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}

// intParam reads a numeric param that may have arrived as int, int64, or
// float64 — the last is what a YAML/JSON-decoded map[string]interface{}
// produces for any bare number.
func intParam(params map[string]interface{}, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
