// Package mcpmanifest builds and writes the Model Context Protocol tool
// manifest (.mcp.json) the CLI proxy server gives a subprocess for exactly
// the lifetime of one request.
package mcpmanifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ServerConfig describes one MCP server entry: a command to launch plus its
// arguments and environment.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Manifest is the top-level .mcp.json shape: a named set of MCP servers.
type Manifest struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// Default returns the process-wide manifest used when a request carries no
// mcp_config of its own: a research tool (perplexity-ask) and a local
// filesystem/command tool (desktop-commander).
func Default() Manifest {
	return Manifest{
		MCPServers: map[string]ServerConfig{
			"perplexity-ask": {
				Command: "npx",
				Args:    []string{"-y", "server-perplexity-ask"},
			},
			"desktop-commander": {
				Command: "npx",
				Args:    []string{"-y", "@wonderwhy-er/desktop-commander"},
			},
		},
	}
}

// FromRequestConfig converts the loosely-typed mcp_config map carried on a
// gateway.Request (map[string]interface{}, since it crosses the wire as
// arbitrary JSON) into a typed Manifest. A nil or empty input falls back to
// Default.
func FromRequestConfig(raw map[string]interface{}) (Manifest, error) {
	if len(raw) == 0 {
		return Default(), nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Manifest{}, fmt.Errorf("mcpmanifest: failed to encode mcp_config: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(encoded, &m); err != nil {
		return Manifest{}, fmt.Errorf("mcpmanifest: mcp_config does not match the expected shape: %w", err)
	}
	if len(m.MCPServers) == 0 {
		return Default(), nil
	}
	return m, nil
}

// Write serializes m to {dir}/.mcp.json and returns a cleanup function that
// removes it. Callers must defer the cleanup unconditionally — the file's
// lifetime is exactly one request.
func Write(dir string, m Manifest) (cleanup func() error, err error) {
	path := filepath.Join(dir, ".mcp.json")
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpmanifest: failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("mcpmanifest: failed to write %s: %w", path, err)
	}
	return func() error {
		err := os.Remove(path)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return err
	}, nil
}
