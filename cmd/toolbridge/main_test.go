package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/toolbridge/internal/mcp"
)

// fakeMCP is a minimal streamable-HTTP MCP server with a single echo
// tool. It records the methods it receives.
type fakeMCP struct {
	mu      sync.Mutex
	methods []string
}

func (f *fakeMCP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.mu.Unlock()

	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake-mcp", "version": "1.2.3"},
		}
	case "tools/list":
		result = map[string]any{"tools": []map[string]any{{
			"name":        "echo",
			"description": "Echo text back\nSecond line.",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
			},
		}}}
	case "tools/call":
		if req.Params.Name != "echo" {
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": "no such tool"}},
				"isError": true,
			}
			break
		}
		text, _ := req.Params.Arguments["text"].(string)
		result = map[string]any{"content": []map[string]any{{"type": "text", "text": text}}}
	case "ping":
		result = map[string]any{}
	default:
		writeRPC(w, req.ID, nil, map[string]any{"code": -32601, "message": "method not found"})
		return
	}
	writeRPC(w, req.ID, result, nil)
}

func writeRPC(w http.ResponseWriter, id json.RawMessage, result, rpcErr any) {
	msg := map[string]any{"jsonrpc": "2.0", "id": id}
	if rpcErr != nil {
		msg["error"] = rpcErr
	} else {
		msg["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msg)
}

func (f *fakeMCP) saw(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

func newFakeMCP(t *testing.T) (*fakeMCP, *httptest.Server) {
	t.Helper()
	f := &fakeMCP{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

// writeTestConfig writes a config whose data directory lives under the
// test's temp dir. extra is appended verbatim after the mcp section.
func writeTestConfig(t *testing.T, level, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("data_dir: %s\nlog_level: %s\nmcp:\n  request_timeout_ms: 5000\n  health_interval_seconds: 0\n%s",
		filepath.Join(dir, "data"), level, extra)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// runCmd invokes run and returns stdout.
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out, "Usage: toolbridge") {
			t.Errorf("run(%v) output missing usage: %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-verbose", "list"}, "unknown flag: -verbose"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"remove usage", []string{"remove"}, "usage: toolbridge remove"},
		{"test usage", []string{"test", "a", "b"}, "usage: toolbridge test"},
		{"call usage", []string{"call", "only-server"}, "usage: toolbridge call"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "list"}, "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "toolbridge") || !strings.Contains(out, "go_version:") {
		t.Errorf("text version output = %q", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json output not JSON: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("version json = %v, missing version", info)
	}
}

func TestParseAddArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    mcp.ServerConfig
		wantErr string
	}{
		{
			name: "docker with flags in args",
			args: []string{"serena", "docker", "run", "-i", "--rm", "serena:latest"},
			want: mcp.ServerConfig{
				Name: "serena", Enabled: true, Method: mcp.MethodDocker,
				Args: []string{"run", "-i", "--rm", "serena:latest"}, Env: map[string]string{},
			},
		},
		{
			name: "options",
			args: []string{"-e", "API_KEY=abc=def", "-d", "GitHub tools", "-disabled", "github", "HTTP", "https://example.com/mcp"},
			want: mcp.ServerConfig{
				Name: "github", Enabled: false, Method: mcp.MethodHTTP, Description: "GitHub tools",
				Args: []string{"https://example.com/mcp"}, Env: map[string]string{"API_KEY": "abc=def"},
			},
		},
		{name: "too few", args: []string{"x", "npx"}, wantErr: "usage"},
		{name: "bad method", args: []string{"x", "pip", "thing"}, wantErr: "unknown deployment method"},
		{name: "bad env", args: []string{"-e", "NOEQUALS", "x", "npx", "pkg"}, wantErr: "KEY=VALUE"},
		{name: "unknown option", args: []string{"-z", "x", "npx", "pkg"}, wantErr: "unknown add option"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAddArgs(tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseAddArgs(%v) error = %v, want %q", tt.args, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAddArgs(%v) error: %v", tt.args, err)
			}
			if got.Name != tt.want.Name || got.Enabled != tt.want.Enabled || got.Method != tt.want.Method || got.Description != tt.want.Description {
				t.Errorf("config = %+v, want %+v", got, tt.want)
			}
			if strings.Join(got.Args, " ") != strings.Join(tt.want.Args, " ") {
				t.Errorf("Args = %v, want %v", got.Args, tt.want.Args)
			}
			if len(got.Env) != len(tt.want.Env) {
				t.Errorf("Env = %v, want %v", got.Env, tt.want.Env)
			}
			for k, v := range tt.want.Env {
				if got.Env[k] != v {
					t.Errorf("Env[%s] = %q, want %q", k, got.Env[k], v)
				}
			}
		})
	}
}

func TestRun_ServerLifecycle(t *testing.T) {
	fake, srv := newFakeMCP(t)
	cfg := writeTestConfig(t, "warn", "")

	out, err := runCmd(t, "-config", cfg, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No servers configured") {
		t.Errorf("empty list output = %q", out)
	}

	out, err = runCmd(t, "-config", cfg, "add", "-d", "echo server", "web", "http", srv.URL)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "Added web (http") {
		t.Errorf("add output = %q", out)
	}

	if _, err := runCmd(t, "-config", cfg, "add", "web", "http", srv.URL); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("duplicate add = %v, want already exists", err)
	}

	out, err = runCmd(t, "-config", cfg, "-o", "json", "list")
	if err != nil {
		t.Fatalf("list json: %v", err)
	}
	var records []mcp.ServerRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("list json not JSON: %v\n%s", err, out)
	}
	if len(records) != 1 || records[0].Config.Name != "web" || records[0].Status != mcp.StatusStopped {
		t.Errorf("records = %+v", records)
	}

	out, err = runCmd(t, "-config", cfg, "test", "web")
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if !strings.Contains(out, "✓ web: fake-mcp 1.2.3") || !strings.Contains(out, "1 tools, 0 resources") {
		t.Errorf("test output = %q", out)
	}

	out, err = runCmd(t, "-config", cfg, "tools", "web")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if !strings.Contains(out, "mcp__web__echo") || !strings.Contains(out, "Echo text back") {
		t.Errorf("tools output = %q", out)
	}
	if strings.Contains(out, "Second line") {
		t.Errorf("tools output should show only the first description line: %q", out)
	}

	out, err = runCmd(t, "-config", cfg, "call", "-w", "wf-7", "web", "echo", `{"text":"hello bridge"}`)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if strings.TrimSpace(out) != "hello bridge" {
		t.Errorf("call output = %q, want hello bridge", out)
	}

	if _, err := runCmd(t, "-config", cfg, "call", "web", "missing"); err == nil || !strings.Contains(err.Error(), "no such tool") {
		t.Errorf("call missing tool = %v, want tool error", err)
	}

	if _, err := runCmd(t, "-config", cfg, "call", "web", "echo", "{not json"); err == nil || !strings.Contains(err.Error(), "parse tool arguments") {
		t.Errorf("call bad json = %v", err)
	}

	out, err = runCmd(t, "-config", cfg, "-o", "json", "log", "-w", "wf-7")
	if err != nil {
		t.Fatalf("log workflow: %v", err)
	}
	var entries []mcp.CallLogEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("log json not JSON: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].ToolName != "echo" || !entries[0].Success || entries[0].WorkflowID != "wf-7" {
		t.Errorf("workflow entries = %+v", entries)
	}

	out, err = runCmd(t, "-config", cfg, "log", "-n", "5", "web")
	if err != nil {
		t.Fatalf("log server: %v", err)
	}
	if !strings.Contains(out, "SERVER") || strings.Count(out, "web") != 2 {
		t.Errorf("log output = %q, want header and two calls", out)
	}

	out, err = runCmd(t, "-config", cfg, "remove", "web")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !strings.Contains(out, "Removed web") {
		t.Errorf("remove output = %q", out)
	}
	if _, err := runCmd(t, "-config", cfg, "remove", "web"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("second remove = %v, want not found", err)
	}

	if !fake.saw("notifications/initialized") {
		t.Error("fake server never saw the initialized notification")
	}
}

func TestRun_TestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	cfg := writeTestConfig(t, "warn", "")

	if _, err := runCmd(t, "-config", cfg, "add", "broken", "http", srv.URL); err != nil {
		t.Fatalf("add: %v", err)
	}

	out, err := runCmd(t, "-config", cfg, "test", "broken")
	if err == nil || !strings.Contains(err.Error(), "failed connection test") {
		t.Errorf("test = %v, want failure", err)
	}
	if !strings.Contains(out, "✗ broken") {
		t.Errorf("test output = %q", out)
	}
}

func TestRun_ImportsConfigServers(t *testing.T) {
	cfg := writeTestConfig(t, "warn", `  servers:
    - name: time
      enabled: true
      command: uvx
      args: ["mcp-server-time"]
    - name: files
      enabled: false
      command: npx
      args: ["@modelcontextprotocol/server-filesystem", "/tmp"]
`)

	out, err := runCmd(t, "-config", cfg, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"files", "npx", "false", "time", "uvx", "mcp-server-time"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
	// Files sorts before time.
	if strings.Index(out, "files") > strings.Index(out, "time") {
		t.Errorf("list not sorted by name:\n%s", out)
	}

	// A second run must not duplicate the imported rows.
	out, err = runCmd(t, "-config", cfg, "-o", "json", "list")
	if err != nil {
		t.Fatalf("list json: %v", err)
	}
	var records []mcp.ServerRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want 2", len(records))
	}
}

// syncBuffer is a goroutine-safe bytes.Buffer for capturing serve logs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, buf *syncBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), substr) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q in output:\n%s", substr, buf.String())
}

func TestRunServe(t *testing.T) {
	fake, srv := newFakeMCP(t)
	cfg := writeTestConfig(t, "info", fmt.Sprintf(`  servers:
    - name: web
      enabled: true
      command: http
      args: [%q]
metrics:
  listen: 127.0.0.1:0
`, srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &stdout, io.Discard, []string{"-config", cfg, "serve"})
	}()

	waitFor(t, &stdout, "metrics endpoint listening")
	if !fake.saw("tools/list") {
		t.Error("serve did not start the configured server")
	}

	addr := regexp.MustCompile(`addr=(\S+)`).FindStringSubmatch(stdout.String())
	if addr == nil {
		t.Fatalf("metrics address not logged:\n%s", stdout.String())
	}
	resp, err := http.Get("http://" + addr[1] + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "toolbridge_mcp_live_servers") {
		t.Errorf("metrics output missing live servers gauge")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	if !strings.Contains(stdout.String(), "toolbridge stopped") {
		t.Errorf("missing stop message:\n%s", stdout.String())
	}
}
