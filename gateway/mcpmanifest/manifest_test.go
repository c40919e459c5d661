package mcpmanifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_HasBothServers(t *testing.T) {
	m := Default()
	if _, ok := m.MCPServers["perplexity-ask"]; !ok {
		t.Error("expected perplexity-ask server in default manifest")
	}
	if _, ok := m.MCPServers["desktop-commander"]; !ok {
		t.Error("expected desktop-commander server in default manifest")
	}
}

func TestFromRequestConfig_EmptyFallsBackToDefault(t *testing.T) {
	m, err := FromRequestConfig(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.MCPServers) != 2 {
		t.Fatalf("expected default manifest with 2 servers, got %d", len(m.MCPServers))
	}
}

func TestFromRequestConfig_ParsesExplicitConfig(t *testing.T) {
	raw := map[string]interface{}{
		"mcpServers": map[string]interface{}{
			"custom-tool": map[string]interface{}{
				"command": "my-tool",
				"args":    []interface{}{"--flag"},
			},
		},
	}
	m, err := FromRequestConfig(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	server, ok := m.MCPServers["custom-tool"]
	if !ok {
		t.Fatal("expected custom-tool server")
	}
	if server.Command != "my-tool" || len(server.Args) != 1 || server.Args[0] != "--flag" {
		t.Fatalf("unexpected server config: %+v", server)
	}
}

func TestWrite_CreatesAndCleansUpFile(t *testing.T) {
	dir := t.TempDir()
	cleanup, err := Write(dir, Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	path := filepath.Join(dir, ".mcp.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected .mcp.json to exist: %v", err)
	}
	var decoded Manifest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("expected valid JSON: %v", err)
	}
	if len(decoded.MCPServers) != 2 {
		t.Fatalf("expected 2 servers round-tripped, got %d", len(decoded.MCPServers))
	}

	if err := cleanup(); err != nil {
		t.Fatalf("unexpected cleanup error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected .mcp.json to be removed after cleanup")
	}

	if err := cleanup(); err != nil {
		t.Fatalf("expected cleanup to be idempotent, got: %v", err)
	}
}
