package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"

	"github.com/dshills/llmgate/gateway/tokencount"
	"github.com/dshills/llmgate/internal/emit"
	"github.com/dshills/llmgate/internal/gatewaymetrics"
)

// ValidatorBuilder turns a request's validation specs into runnable
// validators. It is injected rather than imported directly so this package
// never depends on gateway/validate — callers (typically cmd/llmgate-proxy)
// wire a concrete registry in at startup.
type ValidatorBuilder func([]ValidatorSpec) ([]Validator, error)

// ProviderResolver returns the ChatProvider to use for a given adapter kind.
// The gateway doesn't construct HTTP or CLI clients itself; it asks the
// caller for one per route, so tests can substitute mocks freely.
type ProviderResolver func(AdapterKind) (ChatProvider, error)

// BreakerResolver returns the circuit breaker to use for a given model, so
// breaker state can be shared across calls to the same backend without the
// orchestrator needing to own a registry of them.
type BreakerResolver func(model string) *CircuitBreaker

// Orchestrator is the single entry point a caller uses to make one
// validated, retried, routed LLM call.
type Orchestrator struct {
	Providers           ProviderResolver
	Breakers            BreakerResolver
	BuildValidators     ValidatorBuilder
	Emitter             emit.Emitter
	Metrics             *gatewaymetrics.Metrics
	Rand                *rand.Rand
	MaxRecursionDepth   int
	JSONModeInstruction string
	LocalMode           bool

	randMu sync.Mutex
}

// MakeRequest is the orchestrator's single public operation: preprocess,
// route, resolve a provider and validators, then run the retry+validation
// loop. runID identifies this call for the Emitter; depth tracks how many
// levels of AI-judge recursion have already happened, so a validator's
// recursive call can be bounded by MaxRecursionDepth.
func (o *Orchestrator) MakeRequest(ctx context.Context, req Request, runID string, depth int) (Response, error) {
	prepared, err := o.preprocess(req, runID)
	if err != nil {
		return Response{}, err
	}

	route, err := Resolve(prepared)
	if err != nil {
		return Response{}, err
	}

	provider, err := o.Providers(route.Adapter)
	if err != nil {
		return Response{}, err
	}

	retryCfg := DefaultRetryConfig()
	if route.Request.Retry != nil {
		retryCfg = *route.Request.Retry
	}
	if err := retryCfg.Validate(); err != nil {
		return Response{}, err
	}

	var validators []Validator
	if o.BuildValidators != nil {
		specs := route.Request.Validation
		if len(specs) == 0 {
			specs = defaultValidatorSpecs(route.Request)
		}
		validators, err = o.BuildValidators(specs)
		if err != nil {
			return Response{}, err
		}
	}

	var breaker *CircuitBreaker
	if o.Breakers != nil {
		breaker = o.Breakers(route.Request.Model)
	}

	maxDepth := o.MaxRecursionDepth
	if maxDepth == 0 {
		maxDepth = 3
	}

	at := Attempter{
		Provider:   provider,
		Validators: validators,
		Breaker:    breaker,
		Emitter:    o.Emitter,
		Metrics:    o.Metrics,
		RunID:      runID,
		Model:      route.Request.Model,
		MaxDepth:   maxDepth,
		Depth:      depth,
		Recursive: func(ctx context.Context, rec Request) (Response, error) {
			return o.MakeRequest(ctx, rec, runID, depth+1)
		},
	}
	at.Rand = o.perCallRand()

	return RetryWithValidation(ctx, at, retryCfg, route.Request)
}

// perCallRand returns an independent *rand.Rand for one MakeRequest call.
// AI-judge validators now run concurrently (see runValidators in retry.go)
// and each can recurse back into MakeRequest, so sharing o.Rand directly
// across calls would race — math/rand.Rand is not safe for concurrent use.
// When o.Rand is configured (deterministic tests), a fresh Rand is seeded
// from it under a mutex instead of handing out the same instance.
func (o *Orchestrator) perCallRand() *rand.Rand {
	if o.Rand == nil {
		return nil
	}
	o.randMu.Lock()
	seed := o.Rand.Int63()
	o.randMu.Unlock()
	return rand.New(rand.NewSource(seed))
}

// preprocess applies the transformations that must happen exactly once,
// before routing: deep-copy (Request.Clone already guarantees this at the
// call site), JSON-mode system prompt injection, and multimodal
// image-reference resolution.
func (o *Orchestrator) preprocess(req Request, runID string) (Request, error) {
	out := req.Clone()

	if out.ResponseFormat != nil && out.ResponseFormat.Type == "json_object" && o.JSONModeInstruction != "" {
		out.Messages = injectJSONModeInstruction(out.Messages, o.JSONModeInstruction)
	}

	if shouldResolveImages(out, o.LocalMode) {
		resolved, imageTokens, err := resolveImageReferences(out.Messages, out.ImageDirectory, out.MaxImageSizeKB)
		if err != nil {
			return Request{}, err
		}
		out.Messages = resolved
		if imageTokens > 0 {
			o.emit(runID, "image_references_resolved", map[string]interface{}{"estimated_image_tokens": imageTokens})
		}
	}

	return out, nil
}

// defaultValidatorSpecs implements spec step 4.E.6: when a request names no
// validators, install response_not_empty, plus json_string when the request
// asked for JSON mode.
func defaultValidatorSpecs(req Request) []ValidatorSpec {
	specs := []ValidatorSpec{{Type: "response_not_empty"}}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		specs = append(specs, ValidatorSpec{Type: "json_string"})
	}
	return specs
}

func (o *Orchestrator) emit(runID, msg string, meta map[string]interface{}) {
	if o.Emitter == nil {
		return
	}
	o.Emitter.Emit(emit.Event{RunID: runID, NodeID: "orchestrator", Msg: msg, Meta: meta})
}

// shouldResolveImages reports whether this request's multimodal image
// references should be base64-encoded into data: URLs during preprocessing.
// Non-CLI routes always resolve, matching HTTPChat's requirement of
// standard data: URLs. A cli/max/-routed request resolves too, unless
// localMode is set — a local interactive binary walks relative paths
// itself against its own working directory and must receive them
// untouched.
func shouldResolveImages(req Request, localMode bool) bool {
	if isCLIRouted(req.Model) {
		return !localMode
	}
	return true
}

func isCLIRouted(model string) bool {
	return strings.HasPrefix(model, "cli/") || strings.HasPrefix(model, "max/")
}

// injectJSONModeInstruction ensures a system message carrying a JSON-only
// directive is present: inserted at position 0 if no system message exists;
// otherwise prepended to the first system message's existing content, but
// only if neither "valid json" nor "json object" already appears there
// (case-insensitively) — this guard is what makes running preprocessing
// twice idempotent instead of double-injecting the directive.
func injectJSONModeInstruction(messages []Message, instruction string) []Message {
	for i, m := range messages {
		if m.Role != RoleSystem {
			continue
		}
		lower := strings.ToLower(m.Content)
		if strings.Contains(lower, "valid json") || strings.Contains(lower, "json object") {
			return messages
		}
		out := append([]Message(nil), messages...)
		out[i].Content = instruction + "\n\n" + strings.TrimLeft(m.Content, "\n")
		return out
	}
	return append([]Message{{Role: RoleSystem, Content: instruction}}, messages...)
}

// resolveImageReferences rewrites relative image_url paths in multipart
// messages into data: URLs read from imageDirectory, enforcing
// maxImageSizeKB. It also returns a rough estimate of the prompt tokens the
// resolved images will cost, so callers can fold that into a preflight
// budget check alongside the text token count.
func resolveImageReferences(messages []Message, imageDirectory string, maxImageSizeKB int) ([]Message, int, error) {
	if imageDirectory == "" {
		return messages, 0, nil
	}
	out := append([]Message(nil), messages...)
	totalImageTokens := 0
	for i, m := range out {
		if !m.IsMultipart() {
			continue
		}
		parts := append([]ContentPart(nil), m.Parts...)
		for j, p := range parts {
			if p.Type != PartImageURL || p.ImageURL == nil {
				continue
			}
			if strings.HasPrefix(p.ImageURL.URL, "data:") || strings.HasPrefix(p.ImageURL.URL, "http://") || strings.HasPrefix(p.ImageURL.URL, "https://") {
				continue
			}
			dataURL, sizeKB, err := readImageAsDataURL(imageDirectory, p.ImageURL.URL, maxImageSizeKB)
			if err != nil {
				return nil, 0, err
			}
			parts[j].ImageURL = &ImageURLSpec{URL: dataURL}
			totalImageTokens += tokencount.EstimateImageTokens(sizeKB)
		}
		out[i].Parts = parts
	}
	return out, totalImageTokens, nil
}

func readImageAsDataURL(dir, relPath string, maxSizeKB int) (string, int, error) {
	full := dir + string(os.PathSeparator) + relPath
	info, err := os.Stat(full)
	if err != nil {
		return "", 0, NewConfigError("image_directory: cannot stat %s: %v", relPath, err)
	}
	if maxSizeKB > 0 && info.Size() > int64(maxSizeKB)*1024 {
		return "", 0, NewConfigError("image %s exceeds max_image_size_kb (%d)", relPath, maxSizeKB)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", 0, NewConfigError("image_directory: cannot read %s: %v", relPath, err)
	}
	sizeKB := int(info.Size() / 1024)
	return fmt.Sprintf("data:%s;base64,%s", mimeTypeFor(relPath), base64.StdEncoding.EncodeToString(data)), sizeKB, nil
}

func mimeTypeFor(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
