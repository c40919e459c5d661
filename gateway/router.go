package gateway

import (
	"fmt"
	"os"
	"strings"
)

// AdapterKind names which provider adapter a Route should use.
type AdapterKind string

const (
	AdapterHTTPChat   AdapterKind = "http_chat"
	AdapterCLIProxy   AdapterKind = "cli_proxy"
)

// Route is the router's output: which adapter to use, and the request with
// routing-specific parameters rewritten in.
type Route struct {
	Adapter AdapterKind
	Request Request
}

// cliPrefixes are the accepted spellings for CLI-routed models: "cli/" is
// the primary spelling, "max/" is kept for configs carried over from
// earlier deployments.
var cliPrefixes = []string{"cli/", "max/"}

// Resolve dispatches a request to an adapter by inspecting its model
// string. It never mutates req; it returns a new Request with
// routing-specific fields rewritten.
func Resolve(req Request) (Route, error) {
	if req.Model == "" {
		return Route{}, NewConfigError("model is required")
	}

	for _, prefix := range cliPrefixes {
		if strings.HasPrefix(req.Model, prefix) {
			out := req
			out.Model = strings.TrimPrefix(req.Model, prefix)
			return Route{Adapter: AdapterCLIProxy, Request: out}, nil
		}
	}

	if strings.HasPrefix(req.Model, "runpod/") {
		return resolveRunpod(req)
	}

	if strings.HasPrefix(req.Model, "vertex_ai/") {
		return resolveVertex(req)
	}

	return Route{Adapter: AdapterHTTPChat, Request: req}, nil
}

// resolveRunpod implements the two runpod shapes:
// "runpod/{pod_id}/{model}" (pod_id embedded) and "runpod/{model}"
// (requires caller-supplied base_url).
func resolveRunpod(req Request) (Route, error) {
	rest := strings.TrimPrefix(req.Model, "runpod/")
	parts := strings.SplitN(rest, "/", 2)

	out := req
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		podID, model := parts[0], parts[1]
		out.Model = "openai/" + model
		out.BaseURL = fmt.Sprintf("https://%s-8000.proxy.runpod.net/v1", podID)
		out.APIKey = "EMPTY"
		return Route{Adapter: AdapterHTTPChat, Request: out}, nil
	}

	// Single-segment form: runpod/{model}, caller must supply base_url.
	if req.BaseURL == "" {
		return Route{}, NewConfigError(
			"runpod model requires either pod_id in model name (runpod/{pod_id}/{model}) or api_base parameter")
	}
	out.Model = "openai/" + rest
	if out.APIKey == "" {
		out.APIKey = "EMPTY"
	}
	return Route{Adapter: AdapterHTTPChat, Request: out}, nil
}

// resolveVertex injects vertex_project/vertex_location into Extra from
// environment fallback chains.
func resolveVertex(req Request) (Route, error) {
	out := req.Clone()
	if out.Extra == nil {
		out.Extra = map[string]interface{}{}
	}
	if _, ok := out.Extra["vertex_project"]; !ok {
		if v := firstNonEmptyEnv("LITELLM_VERTEX_PROJECT", "GOOGLE_CLOUD_PROJECT"); v != "" {
			out.Extra["vertex_project"] = v
		}
	}
	if _, ok := out.Extra["vertex_location"]; !ok {
		if v := firstNonEmptyEnv("LITELLM_VERTEX_LOCATION", "GOOGLE_CLOUD_REGION"); v != "" {
			out.Extra["vertex_location"] = v
		}
	}
	return Route{Adapter: AdapterHTTPChat, Request: out}, nil
}

func firstNonEmptyEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
