// Command llmgate-proxy starts the gateway's own HTTP frontend, wiring
// together routing, retry+validation, the validator registry, the
// conversation store, the CLI proxy subsystem, and Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/llmgate/gateway"
	"github.com/dshills/llmgate/gateway/convo"
	"github.com/dshills/llmgate/gateway/polling"
	"github.com/dshills/llmgate/gateway/provider/cliproxy"
	"github.com/dshills/llmgate/gateway/provider/httpchat"
	"github.com/dshills/llmgate/gateway/proxy"
	"github.com/dshills/llmgate/gateway/validate"
	"github.com/dshills/llmgate/internal/config"
	"github.com/dshills/llmgate/internal/emit"
	"github.com/dshills/llmgate/internal/gatewaymetrics"
)

func main() {
	cfg, err := config.NewLoader().WithConfigPath(os.Getenv("LLMGATE_CONFIG_PATH")).Load()
	if err != nil {
		log.Fatalf("llmgate-proxy: config: %v", err)
	}

	emitter := buildEmitter(cfg.Log)

	registry := prometheus.NewRegistry()
	metrics := gatewaymetrics.New(registry)

	convoStore, err := buildConvoStore(cfg.Convo)
	if err != nil {
		log.Fatalf("llmgate-proxy: convo store: %v", err)
	}
	defer convoStore.Close()

	pollingStore, err := polling.OpenStore(cfg.CLIProxy.PollingDBPath)
	if err != nil {
		log.Fatalf("llmgate-proxy: polling store: %v", err)
	}
	defer pollingStore.Close()

	cliProxySrv := proxy.NewServer(
		cfg.CLIProxy.BinPath, cfg.CLIProxy.WorkDir,
		cfg.CLIProxy.Timeout, cfg.CLIProxy.KillGrace,
		pollingStore, cfg.CLIProxy.MaxConcurrent,
		proxy.WithEmitter(emitter),
		proxy.WithMetrics(metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("llmgate-proxy: received shutdown signal")
		cancel()
	}()

	polling.WithCleanupAfter(cfg.CLIProxy.CleanupAfter)(cliProxySrv.Polling)
	go cliProxySrv.Polling.RunPeriodicCleanup(ctx, time.Hour)

	cliProxyAddr := fmt.Sprintf("%s:%d", cfg.CLIProxy.Host, cfg.CLIProxy.Port)
	go runHTTPServer(ctx, "cli proxy", cliProxyAddr, cliProxySrv.Handler(), cfg.Server.ShutdownTimeout)

	httpProvider := httpchat.New(cfg.Providers.OpenAIAPIKey, cfg.Providers.AnthropicAPIKey, cfg.Providers.GoogleCloudProject)
	cliProvider := cliproxy.New(fmt.Sprintf("http://%s", cliProxyAddr))
	providers := func(kind gateway.AdapterKind) (gateway.ChatProvider, error) {
		switch kind {
		case gateway.AdapterCLIProxy:
			return cliProvider, nil
		default:
			return httpProvider, nil
		}
	}

	breakers := newBreakerRegistry()
	validators := validate.NewRegistry()

	orch := &gateway.Orchestrator{
		Providers:           providers,
		Breakers:            breakers.resolve,
		BuildValidators:     validators.Build,
		Emitter:             emitter,
		Metrics:             metrics,
		LocalMode:           cfg.CLIProxy.BinPath != "",
		JSONModeInstruction: cfg.Orchestrator.JSONModeInstruction,
		MaxRecursionDepth:   cfg.Orchestrator.MaxRecursionDepth,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/chat/completions", newChatHandler(orch))
	mux.HandleFunc("POST /v1/conversations", handleCreateConversation(convoStore))
	mux.HandleFunc("POST /v1/conversations/{id}/messages", handleAppendMessage(convoStore))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", handleGetMessages(convoStore))
	mux.HandleFunc("GET /v1/conversations", handleSearchConversations(convoStore))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("llmgate-proxy: listening on %s (cli proxy on %s)", addr, cliProxyAddr)
	runHTTPServer(ctx, "gateway", addr, mux, cfg.Server.ShutdownTimeout)
}

func buildEmitter(cfg config.LogConfig) emit.Emitter {
	return emit.NewLogEmitter(os.Stdout, cfg.Format == "json")
}

func buildConvoStore(cfg config.ConvoConfig) (convo.Store, error) {
	switch cfg.Driver {
	case "mysql":
		return convo.NewMySQLStore(cfg.MySQLDSN)
	default:
		return convo.NewSQLiteStore(cfg.SQLitePath)
	}
}

// breakerRegistry lazily creates one circuit breaker per model the first
// time it's asked for, so every call against the same backend shares
// breaker state without the orchestrator needing to own the map itself.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gateway.CircuitBreaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*gateway.CircuitBreaker)}
}

func (r *breakerRegistry) resolve(model string) *gateway.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[model]
	if !ok {
		cb = gateway.NewCircuitBreaker(gateway.DefaultCircuitBreakerConfig())
		r.breakers[model] = cb
	}
	return cb
}

// newChatHandler decodes one gateway.Request, runs it through the
// orchestrator, and returns the resulting gateway.Response (or a
// *gateway.GatewayError's message) as JSON.
func newChatHandler(orch *gateway.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gateway.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "messages must not be empty")
			return
		}

		resp, err := orch.MakeRequest(r.Context(), req, uuid.NewString(), 0)
		if err != nil {
			var gerr *gateway.GatewayError
			if errors.As(err, &gerr) {
				writeJSONError(w, statusForKind(gerr.Kind), gerr.Message)
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONBody(w, http.StatusOK, resp)
	}
}

func statusForKind(kind gateway.Kind) int {
	switch kind {
	case gateway.KindConfigError:
		return http.StatusBadRequest
	case gateway.KindAuthError:
		return http.StatusUnauthorized
	case gateway.KindCircuitOpenError:
		return http.StatusServiceUnavailable
	case gateway.KindTimeoutError:
		return http.StatusGatewayTimeout
	case gateway.KindHumanReviewNeeded:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func handleCreateConversation(store convo.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name     string                 `json:"name"`
			Metadata map[string]interface{} `json:"metadata,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		id, err := store.Create(r.Context(), body.Name, body.Metadata)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONBody(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleAppendMessage(store convo.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Role     string                 `json:"role"`
			Content  string                 `json:"content"`
			Model    string                 `json:"model,omitempty"`
			Metadata map[string]interface{} `json:"metadata,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		id, err := store.Append(r.Context(), r.PathValue("id"), body.Role, body.Content, body.Model, body.Metadata)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONBody(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleGetMessages(store convo.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messages, err := store.Get(r.Context(), r.PathValue("id"), 0)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONBody(w, http.StatusOK, messages)
	}
}

func handleSearchConversations(store convo.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := convo.SearchParams{
			NamePattern: r.URL.Query().Get("name"),
			Model:       r.URL.Query().Get("model"),
		}
		conversations, err := store.Search(r.Context(), params)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONBody(w, http.StatusOK, conversations)
	}
}

func writeJSONBody(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSONBody(w, status, map[string]string{"error": message})
}

func runHTTPServer(ctx context.Context, name, addr string, handler http.Handler, shutdownTimeout time.Duration) {
	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("llmgate-proxy: %s server shutdown: %v", name, err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("llmgate-proxy: %s server: %v", name, err)
	}
}
