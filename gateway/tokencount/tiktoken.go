// Package tokencount estimates token counts for gateway requests using
// tiktoken's BPE encodings. The retry engine uses it to cap how much of a
// validation-failure message is appended to the working conversation, and
// the orchestrator uses its image estimate in an emitted event. FitsBudget
// offers a context-window preflight check; no gateway code path calls it.
package tokencount

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ChatMessage is the minimal shape tokencount needs from a conversation
// turn. It mirrors gateway.Message's role/flattened-text fields without
// importing the gateway package, so gateway itself can depend on
// tokencount without an import cycle.
type ChatMessage struct {
	Role string
	Text string
}

// FeedbackSoftCapBytes is the approximate per-message size ceiling for
// retry-loop feedback messages (assistant echo + validation complaint),
// enforced by TruncateFeedback.
const FeedbackSoftCapBytes = 4 * 1024

// modelInfo pairs a tiktoken encoding name with the model family's context
// window, used both to pick an encoder and to size preflight budget checks.
type modelInfo struct {
	encoding  string
	maxTokens int
}

var modelEncodings = map[string]modelInfo{
	"gpt-4o":        {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4o-mini":   {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4-turbo":   {encoding: "cl100k_base", maxTokens: 128000},
	"gpt-4":         {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo": {encoding: "cl100k_base", maxTokens: 16385},
	"claude-opus":   {encoding: "cl100k_base", maxTokens: 200000},
	"claude-sonnet": {encoding: "cl100k_base", maxTokens: 200000},
	"claude-haiku":  {encoding: "cl100k_base", maxTokens: 200000},
	"gemini-pro":    {encoding: "cl100k_base", maxTokens: 1000000},
}

const defaultEncoding = "cl100k_base"
const defaultMaxTokens = 8192

var (
	encodersMu sync.Mutex
	encoders   = map[string]*tiktoken.Tiktoken{}
)

// Estimator counts tokens for a specific model's encoding, lazily loading
// the underlying BPE table on first use.
type Estimator struct {
	model string
	info  modelInfo

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator returns a token estimator for model. Unrecognized models
// fall back to a prefix match against known families, then to cl100k_base
// with an 8192-token window.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model, info: resolveModelInfo(model)}
}

func resolveModelInfo(model string) modelInfo {
	if info, ok := modelEncodings[model]; ok {
		return info
	}
	for prefix, info := range modelEncodings {
		if strings.HasPrefix(model, prefix) {
			return info
		}
	}
	return modelInfo{encoding: defaultEncoding, maxTokens: defaultMaxTokens}
}

// MaxTokens returns the context window associated with this estimator's
// model, as known to the gateway (not queried from the provider).
func (e *Estimator) MaxTokens() int { return e.info.maxTokens }

func (e *Estimator) init() error {
	e.once.Do(func() {
		e.enc, e.initErr = sharedEncoding(e.info.encoding)
	})
	return e.initErr
}

// sharedEncoding caches tiktoken.GetEncoding results across Estimators: the
// BPE table load is the expensive part, and most gateway models share
// cl100k_base.
func sharedEncoding(name string) (*tiktoken.Tiktoken, error) {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	if enc, ok := encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("tokencount: load encoding %s: %w", name, err)
	}
	encoders[name] = enc
	return enc, nil
}

// CountTokens returns the number of tokens text encodes to.
func (e *Estimator) CountTokens(text string) (int, error) {
	if err := e.init(); err != nil {
		return 0, err
	}
	return len(e.enc.Encode(text, nil, nil)), nil
}

// CountMessages returns the estimated prompt-token cost of messages using
// the standard OpenAI chat accounting: a fixed per-message overhead plus the
// encoded length of its role and content, plus a fixed end-of-conversation
// overhead. Non-text parts (images) are not counted here; see
// EstimateImageTokens.
func (e *Estimator) CountMessages(messages []ChatMessage) (int, error) {
	if err := e.init(); err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range messages {
		total += 4 // <|start|>role\ncontent<|end|>\n overhead
		total += len(e.enc.Encode(msg.Text, nil, nil))
		total += len(e.enc.Encode(msg.Role, nil, nil))
	}
	total += 3 // conversation-end overhead
	return total, nil
}

// FitsBudget reports whether messages, plus a reserved headroom for the
// model's completion (maxTokens, as requested by the caller's
// Request.MaxTokens), fit inside the model's known context window. It is a
// preflight check only: providers still enforce their own limits
// authoritatively.
func (e *Estimator) FitsBudget(messages []ChatMessage, completionBudget int) (bool, int, error) {
	used, err := e.CountMessages(messages)
	if err != nil {
		return false, 0, err
	}
	return used+completionBudget <= e.info.maxTokens, used, nil
}

// TruncateFeedback shortens text to at most FeedbackSoftCapBytes and then
// appends a short "(truncated)" marker, trimming whole tokens from the end
// (rather than raw bytes) so the result doesn't end mid-word more often than
// necessary. Text already under the cap is returned unchanged. On any encoding error it falls back to a plain
// byte-length truncation so the retry loop never blocks on tokenizer
// failures.
func (e *Estimator) TruncateFeedback(text string) string {
	if len(text) <= FeedbackSoftCapBytes {
		return text
	}
	if err := e.init(); err != nil {
		return truncateBytes(text, FeedbackSoftCapBytes)
	}
	tokens := e.enc.Encode(text, nil, nil)
	lo, hi := 0, len(tokens)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if len(e.enc.Decode(tokens[:mid])) <= FeedbackSoftCapBytes {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return truncateBytes(text, FeedbackSoftCapBytes)
	}
	return e.enc.Decode(tokens[:lo]) + "\n…(truncated)"
}

func truncateBytes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "\n…(truncated)"
}

// EstimateImageTokens approximates the prompt-token cost of a single
// downscaled image attachment from its file size in kilobytes. This is a
// rough heuristic (roughly one token per 4 bytes once base64-encoded,
// floored at a per-image minimum). The orchestrator reports the total in an
// emitted event only; the size gate on images is byte-based, against
// max_image_size_kb.
func EstimateImageTokens(sizeKB int) int {
	const minImageTokens = 85
	if sizeKB <= 0 {
		return minImageTokens
	}
	base64Bytes := (sizeKB * 1024 * 4) / 3
	est := base64Bytes / 4
	if est < minImageTokens {
		return minImageTokens
	}
	return est
}
