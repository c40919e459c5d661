// Package proxy exposes the CLI subprocess executor as an OpenAI-compatible
// HTTP server: a single endpoint fronts either a synchronous chat
// completion or an asynchronous polling submission, backed by
// gateway/cliexec and gateway/polling.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/dshills/llmgate/gateway"
	"github.com/dshills/llmgate/gateway/cliexec"
	"github.com/dshills/llmgate/gateway/mcpmanifest"
	"github.com/dshills/llmgate/gateway/polling"
	"github.com/dshills/llmgate/internal/emit"
	"github.com/dshills/llmgate/internal/gatewaymetrics"
)

// DefaultSystemPrompt is used when a request carries no system message.
const DefaultSystemPrompt = "You are a helpful assistant."

// LongRunningThreshold is the timeout above which a request is routed to
// polling mode even without an explicit polling_mode flag.
const LongRunningThreshold = 60 * time.Second

// Server fronts a local CLI binary as an OpenAI-compatible chat completion
// endpoint, with an async polling path for long-running calls.
type Server struct {
	BinPath   string
	WorkDir   string
	Timeout   time.Duration
	KillGrace time.Duration
	Verbose   bool

	Polling *polling.Manager
	Emitter emit.Emitter
	Metrics *gatewaymetrics.Metrics

	limiter *rate.Limiter

	nextRunID func() string
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithRateLimit caps the proxy server's sustained request rate (requests
// per second) with burst capacity.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithEmitter attaches an observability sink.
func WithEmitter(e emit.Emitter) Option {
	return func(s *Server) { s.Emitter = e }
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(m *gatewaymetrics.Metrics) Option {
	return func(s *Server) { s.Metrics = m }
}

// WithRunIDGenerator overrides run id generation (tests use a deterministic
// sequence).
func WithRunIDGenerator(f func() string) Option {
	return func(s *Server) { s.nextRunID = f }
}

// NewServer constructs a Server that runs binPath as a subprocess inside
// workDir, bounded by timeout and killGrace, submitting long-running calls
// to pollingStore via a bounded worker pool.
func NewServer(binPath, workDir string, timeout, killGrace time.Duration, pollingStore *polling.Store, maxConcurrent int, opts ...Option) *Server {
	s := &Server{
		BinPath:   binPath,
		WorkDir:   workDir,
		Timeout:   timeout,
		KillGrace: killGrace,
		nextRunID: defaultRunID,
	}
	for _, opt := range opts {
		opt(s)
	}

	pollingOpts := []polling.Option{}
	if maxConcurrent > 0 {
		pollingOpts = append(pollingOpts, polling.WithMaxConcurrent(maxConcurrent))
	}
	if s.Emitter != nil {
		pollingOpts = append(pollingOpts, polling.WithEmitter(s.Emitter))
	}
	s.Polling = polling.NewManager(pollingStore, s.executeSync, pollingOpts...)

	return s
}

// Handler returns the server's http.Handler, instrumented with otelhttp.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.rateLimited(s.handleChatCompletions))
	mux.HandleFunc("GET /v1/polling/status/{task_id}", s.handlePollingStatus)
	mux.HandleFunc("POST /v1/polling/cancel/{task_id}", s.handlePollingCancel)
	mux.HandleFunc("GET /v1/polling/active", s.handlePollingActive)
	mux.HandleFunc("GET /health", s.handleHealth)
	return otelhttp.NewHandler(mux, "llmgate-proxy")
}

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, _ := s.Polling.Active(r.Context())
	_, statErr := os.Stat(s.BinPath)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"working_directory": s.WorkDir,
		"mcp_support":       true,
		"cli_available":     statErr == nil,
		"active_tasks":      len(active),
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	runID := s.nextRunID()
	ctx := r.Context()

	longRunning := req.PollingMode || (req.TimeoutS > 0 && time.Duration(req.TimeoutS*float64(time.Second)) > LongRunningThreshold)
	if !longRunning {
		resp, err := s.executeSync(ctx, req)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	taskID, err := s.Polling.Submit(ctx, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.emit(runID, "task_submitted", map[string]interface{}{"task_id": taskID})

	if req.WaitForCompletion {
		timeout := time.Duration(req.TimeoutS * float64(time.Second))
		if timeout <= 0 {
			timeout = s.Timeout
		}
		task, err := s.Polling.Wait(ctx, taskID, timeout, 0)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, taskResultPayload(taskID, task))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id":     taskID,
		"status":      "pending",
		"polling_url": "/v1/polling/status/" + taskID,
	})
}

// executeSync runs one request through the CLI subprocess executor to
// completion. It is used both by the synchronous HTTP path and as the
// Executor a polling.Manager drives in the background — the two paths share
// identical subprocess semantics.
func (s *Server) executeSync(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	runID := s.nextRunID()
	prompt := lastUserMessage(req.Messages)
	systemPrompt := systemPromptOf(req.Messages)

	manifest, err := mcpmanifest.FromRequestConfig(req.MCPConfig)
	if err != nil {
		return gateway.Response{}, fmt.Errorf("proxy: %w", err)
	}
	cleanup, err := mcpmanifest.Write(s.WorkDir, manifest)
	if err != nil {
		return gateway.Response{}, fmt.Errorf("proxy: %w", err)
	}
	defer func() { _ = cleanup() }()

	timeout := s.Timeout
	if req.TimeoutS > 0 {
		timeout = time.Duration(req.TimeoutS * float64(time.Second))
	}

	start := time.Now()
	events, err := cliexec.Run(ctx, cliexec.Options{
		BinPath:      s.BinPath,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Verbose:      s.Verbose,
		WorkDir:      s.WorkDir,
		Timeout:      timeout,
		KillGrace:    s.KillGrace,
		Emitter:      s.Emitter,
		RunID:        runID,
	})
	if err != nil {
		return gateway.Response{}, fmt.Errorf("proxy: failed to start subprocess: %w", err)
	}

	content, ferr := drainToContent(events)
	status := "completed"
	if ferr != nil {
		status = "failed"
	}
	if s.Metrics != nil {
		s.Metrics.RecordCLISubprocess(status, time.Since(start))
	}
	if ferr != nil {
		return gateway.Response{}, ferr
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		if extracted, ok := extractJSONObject(content); ok {
			content = extracted
		}
	}

	return gateway.Response{
		ID:      runID,
		Model:   req.Model,
		Created: time.Now().Unix(),
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.ChoiceMessage{Role: gateway.RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
	}, nil
}

// drainToContent ranges over events until the channel closes, preferring a
// delivered final_result's content and falling back to the concatenation of
// accumulated text_chunks. A non-zero exit with no final_result, or an
// explicit failed final_result, is surfaced as an error.
func drainToContent(events <-chan cliexec.Event) (string, error) {
	var chunks strings.Builder
	var finalContent string
	haveFinal := false
	finalSuccess := false
	exitCode := 0
	haveExit := false

	for ev := range events {
		switch ev.Type {
		case cliexec.EventTextChunk:
			chunks.WriteString(ev.Chunk)
		case cliexec.EventFinalResult:
			haveFinal = true
			finalSuccess = ev.Success
			finalContent = ev.Content
		case cliexec.EventSubprocessExit:
			haveExit = true
			exitCode = ev.ExitCode
			if !haveFinal && exitCode != 0 {
				return "", fmt.Errorf("proxy: subprocess exited %d: %s", exitCode, ev.Stderr)
			}
		}
	}

	if haveFinal {
		if !finalSuccess {
			return "", fmt.Errorf("proxy: subprocess reported failure: %s", finalContent)
		}
		if finalContent != "" {
			return finalContent, nil
		}
	}
	if haveExit && exitCode != 0 {
		return "", fmt.Errorf("proxy: subprocess exited %d", exitCode)
	}
	return chunks.String(), nil
}

var (
	jsonFencePattern  = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	plainFencePattern = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

// extractJSONObject pulls the first parseable JSON object out of text using
// a cascade: a ```json fence, then a bare ``` fence, then the first
// balanced-brace span found by scanning the raw text.
func extractJSONObject(text string) (string, bool) {
	if candidate, ok := firstValidJSONObject(jsonFencePattern, text); ok {
		return candidate, true
	}
	if candidate, ok := firstValidJSONObject(plainFencePattern, text); ok {
		return candidate, true
	}
	if candidate, ok := balancedBraceSpan(text); ok {
		var probe map[string]interface{}
		if json.Unmarshal([]byte(candidate), &probe) == nil {
			return candidate, true
		}
	}
	return "", false
}

func firstValidJSONObject(pattern *regexp.Regexp, text string) (string, bool) {
	for _, match := range pattern.FindAllStringSubmatch(text, -1) {
		candidate := strings.TrimSpace(match[1])
		var probe map[string]interface{}
		if json.Unmarshal([]byte(candidate), &probe) == nil {
			return candidate, true
		}
	}
	return "", false
}

// balancedBraceSpan returns the first top-level {...} span in text, tracking
// brace depth so nested objects don't terminate the match early.
func balancedBraceSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func lastUserMessage(messages []gateway.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == gateway.RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}

func systemPromptOf(messages []gateway.Message) string {
	for _, m := range messages {
		if m.Role == gateway.RoleSystem {
			return m.Text()
		}
	}
	return DefaultSystemPrompt
}

func (s *Server) handlePollingStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	task, ok, err := s.Polling.Status(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("task %s not found", taskID))
		return
	}
	writeJSON(w, http.StatusOK, taskResultPayload(taskID, task))
}

func (s *Server) handlePollingCancel(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	cancelled, err := s.Polling.Cancel(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": taskID, "cancelled": cancelled})
}

func (s *Server) handlePollingActive(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Polling.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]map[string]interface{}, len(tasks))
	for i, t := range tasks {
		out[i] = taskResultPayload(t.TaskID, t)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": out})
}

func taskResultPayload(taskID string, t polling.Task) map[string]interface{} {
	payload := map[string]interface{}{
		"task_id": taskID,
		"status":  string(t.Status),
	}
	if t.ResultJSON != nil {
		var result interface{}
		if json.Unmarshal([]byte(*t.ResultJSON), &result) == nil {
			payload["result"] = result
		}
	}
	if t.Error != nil {
		payload["error"] = *t.Error
	}
	return payload
}

func (s *Server) emit(runID, msg string, meta map[string]interface{}) {
	if s.Emitter == nil {
		return
	}
	s.Emitter.Emit(emit.Event{RunID: runID, NodeID: "proxy", Msg: msg, Meta: meta})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": message},
	})
}

func defaultRunID() string { return uuid.NewString() }
