// Package gateway implements a policy-driven client for heterogeneous LLM
// providers: request routing, staged retry with validation, and the data
// types shared by the provider adapters, the CLI proxy, the polling
// manager, and the conversation store.
package gateway

import "encoding/json"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies the kind of a multi-part message Content entry.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ContentPart is one element of a multimodal message's content list.
type ContentPart struct {
	Type     PartType      `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLSpec `json:"image_url,omitempty"`
}

// ImageURLSpec carries an image reference: a data: URL, an http(s): URL, or
// (pre-resolution) a path relative to a configured image directory.
type ImageURLSpec struct {
	URL string `json:"url"`
}

// Message is one turn in a conversation. Content is either a plain string
// or a list of ContentPart (multimodal); MarshalJSON/UnmarshalJSON make both
// forms round-trip through the OpenAI-compatible wire shape.
type Message struct {
	Role    Role
	Content string
	Parts   []ContentPart
	// Name, when set, is carried through to providers that support named
	// participants (tool results, multi-agent threads).
	Name string
}

// IsMultipart reports whether this message carries structured content
// parts rather than a plain string.
func (m Message) IsMultipart() bool { return len(m.Parts) > 0 }

// Text returns the message's flattened text: Content if it is a plain
// string, or the concatenation of all text parts otherwise.
func (m Message) Text() string {
	if !m.IsMultipart() {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			if out != "" {
				out += " "
			}
			out += p.Text
		}
	}
	return out
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// MarshalJSON emits OpenAI's dual-shape content field: a string when the
// message is plain text, an array of {type,...} objects when multimodal.
func (m Message) MarshalJSON() ([]byte, error) {
	var content json.RawMessage
	var err error
	if m.IsMultipart() {
		content, err = json.Marshal(m.Parts)
	} else {
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: content, Name: m.Name})
}

// UnmarshalJSON accepts either content shape.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Name = w.Name
	if len(w.Content) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(w.Content, &asString); err == nil {
		m.Content = asString
		return nil
	}
	var asParts []ContentPart
	if err := json.Unmarshal(w.Content, &asParts); err != nil {
		return err
	}
	m.Parts = asParts
	return nil
}

// ResponseFormat mirrors OpenAI's response_format request field.
type ResponseFormat struct {
	Type string `json:"type"` // "text" | "json_object"
}

// ValidatorSpec names one configured validator and its parameters. Type
// indexes the registry (see gateway/validate); Params is validator-specific.
type ValidatorSpec struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// RetryConfig governs the staged retry + circuit breaker engine.
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayS  float64 `json:"initial_delay" yaml:"initial_delay"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
	MaxDelayS      float64 `json:"max_delay" yaml:"max_delay"`
	JitterFraction float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
	CacheEnabled   bool    `json:"cache_enabled" yaml:"cache_enabled"`

	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker"`

	// Staged-retry escalation knobs.
	MaxAttemptsBeforeToolUse int    `json:"max_attempts_before_tool_use,omitempty" yaml:"max_attempts_before_tool_use"`
	MaxAttemptsBeforeHuman   int    `json:"max_attempts_before_human,omitempty" yaml:"max_attempts_before_human"`
	DebugToolName            string `json:"debug_tool_name,omitempty" yaml:"debug_tool_name"`
	DebugToolMCPConfig       map[string]interface{} `json:"debug_tool_mcp_config,omitempty" yaml:"debug_tool_mcp_config"`
	OriginalUserPrompt       string `json:"original_user_prompt,omitempty" yaml:"original_user_prompt"`
}

// DefaultRetryConfig returns the standard retry tuning used when a caller
// doesn't supply its own.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:            3,
		InitialDelayS:          1.0,
		BackoffFactor:          2.0,
		MaxDelayS:              60.0,
		JitterFraction:         0.1,
		CacheEnabled:           false,
		MaxAttemptsBeforeHuman: 0, // 0 means "never auto-escalate" unless explicitly set
	}
}

// Validate checks the numeric invariants a RetryConfig must satisfy.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return &GatewayError{Kind: KindConfigError, Message: "retry_config.max_attempts must be >= 1"}
	}
	if c.InitialDelayS < 0 {
		return &GatewayError{Kind: KindConfigError, Message: "retry_config.initial_delay must be >= 0"}
	}
	if c.BackoffFactor < 1 {
		return &GatewayError{Kind: KindConfigError, Message: "retry_config.backoff_factor must be >= 1"}
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return &GatewayError{Kind: KindConfigError, Message: "retry_config.jitter_fraction must be in [0,1]"}
	}
	return nil
}

// CircuitBreakerConfig governs the sliding-window circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int     `json:"failure_threshold" yaml:"failure_threshold"`
	WindowSeconds    float64 `json:"window_seconds" yaml:"window_seconds"`
	TimeoutSeconds   float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
	SuccessThreshold int     `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultCircuitBreakerConfig returns the standard breaker tuning used when
// a caller doesn't supply its own.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		WindowSeconds:    60,
		TimeoutSeconds:   30,
		SuccessThreshold: 2,
	}
}

// Request is the full, normalized configuration for one gateway call.
type Request struct {
	Model          string                 `json:"model"`
	Messages       []Message              `json:"messages"`
	Temperature    *float64               `json:"temperature,omitempty"`
	MaxTokens      *int                   `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat        `json:"response_format,omitempty"`
	Stream         bool                   `json:"stream,omitempty"`
	TimeoutS       float64                `json:"timeout,omitempty"`
	Validation     []ValidatorSpec        `json:"validation,omitempty"`
	Retry          *RetryConfig           `json:"retry_config,omitempty"`
	MCPConfig      map[string]interface{} `json:"mcp_config,omitempty"`

	// Multimodal preprocessing inputs, orchestration-only (never sent to a
	// provider verbatim).
	ImageDirectory string `json:"image_directory,omitempty"`
	MaxImageSizeKB int    `json:"max_image_size_kb,omitempty"`

	// Base URL / API key overrides, consumed by the router.
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`

	// CLI proxy specific.
	PollingMode       bool `json:"polling_mode,omitempty"`
	WaitForCompletion bool `json:"wait_for_completion,omitempty"`

	// Extra provider-specific parameters passed through unmodified.
	Extra map[string]interface{} `json:"-"`
}

// Clone deep-copies a Request so each retry attempt can mutate its own
// working copy without aliasing the caller's original.
func (r Request) Clone() Request {
	out := r
	out.Messages = append([]Message(nil), r.Messages...)
	for i := range out.Messages {
		out.Messages[i].Parts = append([]ContentPart(nil), r.Messages[i].Parts...)
	}
	out.Validation = append([]ValidatorSpec(nil), r.Validation...)
	if r.MCPConfig != nil {
		out.MCPConfig = cloneMap(r.MCPConfig)
	}
	if r.Extra != nil {
		out.Extra = cloneMap(r.Extra)
	}
	if r.Retry != nil {
		rc := *r.Retry
		out.Retry = &rc
	}
	return out
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// Response is the uniform, OpenAI-compatible shape every adapter normalizes
// its provider's reply into.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion candidate.
type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the assistant turn inside a Choice.
type ChoiceMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single tool invocation the model requested.
type ToolCall struct {
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// Usage reports token accounting for a Response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Content returns the first choice's message content, or "" if there are
// no choices — the standard extraction every validator performs.
func (r Response) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
