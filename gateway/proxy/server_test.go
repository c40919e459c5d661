package proxy

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/dshills/llmgate/gateway"
	"github.com/dshills/llmgate/gateway/polling"
)

func requireBash(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("bash-based simulation not supported on windows")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("/bin/bash not available")
	}
}

func writeFakeCLI(t *testing.T, dir, script string) string {
	t.Helper()
	exe := filepath.Join(dir, "fakecli.sh")
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake CLI: %v", err)
	}
	return exe
}

func newTestServer(t *testing.T, binPath string) *Server {
	t.Helper()
	store, err := polling.OpenStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open polling store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewServer(binPath, t.TempDir(), 5*time.Second, time.Second, store, 4)
}

func TestHandleChatCompletions_SynchronousHappyPath(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	exe := writeFakeCLI(t, dir, "#!/bin/bash\n"+
		`echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hello there"}]}}'`+"\n"+
		`echo '{"type":"result","subtype":"success","result":"hello there"}'`+"\n")

	srv := newTestServer(t, exe)

	body, _ := json.Marshal(gateway.Request{
		Model:    "cli/default",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "say hi"}},
		TimeoutS: 5,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp gateway.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Content() != "hello there" {
		t.Fatalf("unexpected content: %q", resp.Content())
	}
}

func TestHandleChatCompletions_JSONModeExtractsFencedObject(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	script := "#!/bin/bash\n" + `echo '{"type":"result","subtype":"success","result":"here you go:\n` + "```" + `json\n{\"answer\": 42}\n` + "```" + `"}'` + "\n"
	exe := writeFakeCLI(t, dir, script)

	srv := newTestServer(t, exe)

	body, _ := json.Marshal(gateway.Request{
		Model:          "cli/default",
		Messages:       []gateway.Message{{Role: gateway.RoleUser, Content: "give me json"}},
		ResponseFormat: &gateway.ResponseFormat{Type: "json_object"},
		TimeoutS:       5,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp gateway.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	var extracted map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Content()), &extracted); err != nil {
		t.Fatalf("expected extracted content to be valid JSON, got %q: %v", resp.Content(), err)
	}
	if extracted["answer"] != float64(42) {
		t.Fatalf("unexpected extracted JSON: %+v", extracted)
	}
}

func TestHandleChatCompletions_PollingModeReturnsTaskID(t *testing.T) {
	requireBash(t)
	dir := t.TempDir()
	exe := writeFakeCLI(t, dir, "#!/bin/bash\nsleep 0.2\n"+
		`echo '{"type":"result","subtype":"success","result":"done"}'`+"\n")

	srv := newTestServer(t, exe)

	body, _ := json.Marshal(gateway.Request{
		Model:       "cli/default",
		Messages:    []gateway.Message{{Role: gateway.RoleUser, Content: "long task"}},
		PollingMode: true,
		TimeoutS:    5,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	taskID, ok := payload["task_id"].(string)
	if !ok || taskID == "" {
		t.Fatalf("expected a task_id in response: %+v", payload)
	}

	// Poll until terminal.
	var status string
	for i := 0; i < 50; i++ {
		statusReq := httptest.NewRequest(http.MethodGet, "/v1/polling/status/"+taskID, nil)
		statusRec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(statusRec, statusReq)

		var statusPayload map[string]interface{}
		if err := json.Unmarshal(statusRec.Body.Bytes(), &statusPayload); err != nil {
			t.Fatalf("failed to decode status response: %v", err)
		}
		status, _ = statusPayload["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("expected task to complete, final status: %q", status)
	}
}

func TestHandleHealth_ReportsWorkingDirectoryAndActiveTasks(t *testing.T) {
	dir := t.TempDir()
	srv := newTestServer(t, filepath.Join(dir, "nonexistent-bin"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if payload["status"] != "healthy" {
		t.Fatalf("expected healthy status, got %+v", payload)
	}
	if payload["cli_available"] != false {
		t.Fatalf("expected cli_available=false for a nonexistent binary, got %+v", payload["cli_available"])
	}
}

func TestHandleChatCompletions_RejectsEmptyMessages(t *testing.T) {
	srv := newTestServer(t, "/bin/echo")

	body, _ := json.Marshal(gateway.Request{Model: "cli/default"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d", rec.Code)
	}
}

func TestExtractJSONObject_BalancedBraceFallback(t *testing.T) {
	text := `The result is {"nested": {"a": 1}, "b": 2} and some trailing text.`
	got, ok := extractJSONObject(text)
	if !ok {
		t.Fatal("expected to extract a balanced JSON object")
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("extracted text is not valid JSON: %v", err)
	}
}

func TestExtractJSONObject_NoJSONReturnsFalse(t *testing.T) {
	_, ok := extractJSONObject("just plain text, nothing structured")
	if ok {
		t.Fatal("expected no JSON object to be found")
	}
}
