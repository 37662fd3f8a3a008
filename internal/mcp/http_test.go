package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHTTPServer serves the fake MCP server over HTTP, recording what it
// receives.
type fakeHTTPServer struct {
	mode    string
	sse     bool
	session string
	delay   time.Duration

	mu       sync.Mutex
	methods  []string
	auth     []string
	sessions []string
	headers  []http.Header
}

func (f *fakeHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req fakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.methods = append(f.methods, req.Method)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.sessions = append(f.sessions, r.Header.Get(headerSessionID))
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.session != "" {
		w.Header().Set(headerSessionID, f.session)
	}

	reply, action, _ := fakeHandle(req, f.mode)
	if action != fakeReply {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, _ := json.Marshal(reply)
	if f.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (f *fakeHTTPServer) recorded() (methods, auth, sessions []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...), append([]string(nil), f.auth...), append([]string(nil), f.sessions...)
}

func newFakeHTTP(t *testing.T, f *fakeHTTPServer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPConfigFor(t *testing.T) {
	cfg, err := HTTPConfigFor(ServerConfig{
		Name:   "remote",
		Method: MethodHTTP,
		Args:   []string{"https://api.example.com/mcp"},
		Env: map[string]string{
			"API_KEY":           "secret",
			"HEADER_X_TENANT":   "acme",
			"TLS_SKIP_VERIFY":   "true",
			"UNRELATED_SETTING": "ignored",
		},
	})
	if err != nil {
		t.Fatalf("HTTPConfigFor: %v", err)
	}
	if cfg.URL != "https://api.example.com/mcp" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if got := cfg.Headers["Authorization"]; got != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
	}
	if got := cfg.Headers["x_tenant"]; got != "acme" {
		t.Errorf("x_tenant = %q, want %q", got, "acme")
	}
	if len(cfg.Headers) != 2 {
		t.Errorf("Headers = %v, want 2 entries", cfg.Headers)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify = false, want true")
	}
	if cfg.Server != "remote" {
		t.Errorf("Server = %q, want %q", cfg.Server, "remote")
	}
}

func TestHTTPConfigFor_Errors(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		env       map[string]string
		wantField string
	}{
		{"empty args", nil, nil, "args"},
		{"not a url", []string{"api.example.com"}, nil, "args"},
		{"wrong scheme", []string{"ftp://example.com"}, nil, "args"},
		{"empty api key", []string{"http://localhost:8080"}, map[string]string{"API_KEY": ""}, "env.API_KEY"},
		{"empty header name", []string{"http://localhost:8080"}, map[string]string{"HEADER_": "v"}, "env.HEADER_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HTTPConfigFor(ServerConfig{Name: "remote", Method: MethodHTTP, Args: tt.args, Env: tt.env})
			var e *Error
			if !errors.As(err, &e) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if e.Kind != KindConfiguration {
				t.Errorf("Kind = %v, want %v", e.Kind, KindConfiguration)
			}
			if e.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", e.Field, tt.wantField)
			}
		})
	}
}

func TestHTTPTransport_StartProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"no content", http.StatusNoContent, false},
		{"method not allowed", http.StatusMethodNotAllowed, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"not found", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodHead {
					t.Errorf("probe method = %s, want HEAD", r.Method)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(HTTPConfig{Server: "remote", URL: srv.URL, Logger: discardLogger()})
			err := tr.Start(context.Background())
			if tt.wantErr {
				if !IsKind(err, KindConnectionFailed) {
					t.Errorf("Start = %v, want connection failed", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Start = %v, want nil", err)
			}
		})
	}
}

func TestHTTPTransport_StartUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(HTTPConfig{Server: "gone", URL: url, Logger: discardLogger()})
	if err := tr.Start(context.Background()); !IsKind(err, KindConnectionFailed) {
		t.Errorf("Start = %v, want connection failed", err)
	}
}

func TestHTTPTransport_BearerHeader(t *testing.T) {
	fake := &fakeHTTPServer{mode: "normal"}
	srv := newFakeHTTP(t, fake)

	cfg, err := HTTPConfigFor(ServerConfig{
		Name:   "remote",
		Method: MethodHTTP,
		Args:   []string{srv.URL},
		Env:    map[string]string{"API_KEY": "secret", "HEADER_X_TEAM": "core"},
	})
	if err != nil {
		t.Fatalf("HTTPConfigFor: %v", err)
	}
	cfg.Logger = discardLogger()
	tr := NewHTTPTransport(cfg)

	ctx := context.Background()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := tr.Send(ctx, NewRequest(1, methodInitialize, map[string]any{})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, auth, _ := fake.recorded()
	if len(auth) != 1 || auth[0] != "Bearer secret" {
		t.Errorf("Authorization = %v, want [Bearer secret]", auth)
	}

	fake.mu.Lock()
	h := fake.headers[0]
	fake.mu.Unlock()
	if got := h.Get("X_team"); got != "core" {
		t.Errorf("x_team header = %q, want %q", got, "core")
	}
	if got := h.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := h.Get("Accept"); !strings.Contains(got, "text/event-stream") {
		t.Errorf("Accept = %q, want text/event-stream included", got)
	}
}

func TestHTTPTransport_Send(t *testing.T) {
	for _, sse := range []bool{false, true} {
		t.Run(fmt.Sprintf("sse=%v", sse), func(t *testing.T) {
			fake := &fakeHTTPServer{mode: "normal", sse: sse}
			srv := newFakeHTTP(t, fake)
			tr := NewHTTPTransport(HTTPConfig{Server: "remote", URL: srv.URL, Logger: discardLogger()})

			resp, err := tr.Send(context.Background(), NewRequest(3, methodToolsCall, callParams("echo", map[string]any{"text": "hi"})))
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if resp.ID != 3 {
				t.Errorf("resp.ID = %d, want 3", resp.ID)
			}
			var result ToolResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := result.Text(); got != "hi" {
				t.Errorf("Text() = %q, want %q", got, "hi")
			}
		})
	}
}

func TestHTTPTransport_SessionAffinity(t *testing.T) {
	fake := &fakeHTTPServer{mode: "normal", session: "sess-42"}
	srv := newFakeHTTP(t, fake)
	tr := NewHTTPTransport(HTTPConfig{Server: "remote", URL: srv.URL, Logger: discardLogger()})

	ctx := context.Background()
	if _, err := tr.Send(ctx, NewRequest(1, methodInitialize, map[string]any{})); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := tr.SessionID(); got != "sess-42" {
		t.Errorf("SessionID() = %q, want %q", got, "sess-42")
	}
	if _, err := tr.Send(ctx, NewRequest(2, methodPing, nil)); err != nil {
		t.Fatalf("ping: %v", err)
	}

	_, _, sessions := fake.recorded()
	if len(sessions) != 2 || sessions[0] != "" || sessions[1] != "sess-42" {
		t.Errorf("sessions = %q, want [\"\" \"sess-42\"]", sessions)
	}
}

func TestHTTPTransport_NonSuccessStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
		wantCode int
	}{
		{
			name:     "json-rpc error body",
			status:   http.StatusBadRequest,
			body:     `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"invalid request"}}`,
			wantCode: -32600,
		},
		{
			name:     "plain error body",
			status:   http.StatusBadGateway,
			body:     "upstream unavailable",
			wantKind: KindConnectionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			tr := NewHTTPTransport(HTTPConfig{Server: "remote", URL: srv.URL, Logger: discardLogger()})
			resp, err := tr.Send(context.Background(), NewRequest(1, methodToolsList, nil))

			if tt.wantKind != 0 {
				if !IsKind(err, tt.wantKind) {
					t.Fatalf("Send = %v, want kind %v", err, tt.wantKind)
				}
				if !strings.Contains(err.Error(), tt.body) {
					t.Errorf("error %q should include body %q", err, tt.body)
				}
				return
			}
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Errorf("resp.Error = %+v, want code %d", resp.Error, tt.wantCode)
			}
		})
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	fake := &fakeHTTPServer{mode: "normal", delay: 500 * time.Millisecond}
	srv := newFakeHTTP(t, fake)
	tr := NewHTTPTransport(HTTPConfig{Server: "slow", URL: srv.URL, Timeout: 100 * time.Millisecond, Logger: discardLogger()})

	_, err := tr.Send(context.Background(), NewRequest(1, methodToolsCall, callParams("echo", nil)))
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindTimeout {
		t.Fatalf("Send = %v, want timeout", err)
	}
	if e.TimeoutMS != 100 {
		t.Errorf("TimeoutMS = %d, want 100", e.TimeoutMS)
	}
	if e.Operation != methodToolsCall {
		t.Errorf("Operation = %q, want %q", e.Operation, methodToolsCall)
	}
}

func TestHTTPTransport_NotifyIgnoresStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(HTTPConfig{Server: "remote", URL: srv.URL, Logger: discardLogger()})
	if err := tr.Notify(context.Background(), NewNotification(methodInitialized, nil)); err != nil {
		t.Errorf("Notify = %v, want nil", err)
	}
}

func TestHTTPTransport_Close(t *testing.T) {
	fake := &fakeHTTPServer{mode: "normal"}
	srv := newFakeHTTP(t, fake)
	tr := NewHTTPTransport(HTTPConfig{Server: "remote", URL: srv.URL, Logger: discardLogger()})

	if !tr.Alive() {
		t.Fatal("Alive() = false before Close")
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if tr.Alive() {
		t.Error("Alive() = true after Close")
	}

	methods, _, _ := fake.recorded()
	if len(methods) != 1 || methods[0] != methodShutdown {
		t.Errorf("methods = %v, want exactly one %q", methods, methodShutdown)
	}

	_, err := tr.Send(context.Background(), NewRequest(1, methodPing, nil))
	if !IsKind(err, KindConnectionFailed) {
		t.Errorf("Send after Close = %v, want connection failed", err)
	}
}

func TestReadSSEReply(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		wantErr bool
	}{
		{
			name:   "reply after notification",
			stream: "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/message\"}\n\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":{}}\n\n",
		},
		{
			name:   "stale reply skipped",
			stream: "data: {\"jsonrpc\":\"2.0\",\"id\":4,\"result\":{}}\n\ndata: {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":{}}\n\n",
		},
		{
			name:   "crlf and no trailing blank line",
			stream: "id: 1\r\ndata: {\"jsonrpc\":\"2.0\",\"id\":5,\"result\":{}}",
		},
		{
			name:   "multi-line data",
			stream: "data: {\"jsonrpc\":\"2.0\",\ndata: \"id\":5,\"result\":{}}\n\n",
		},
		{
			name:    "no reply",
			stream:  ": ping\n\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"x\"}\n\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := readSSEReply(strings.NewReader(tt.stream), 5)
			if tt.wantErr {
				if !IsKind(err, KindConnectionFailed) {
					t.Errorf("err = %v, want connection failed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("readSSEReply: %v", err)
			}
			if resp.ID != 5 {
				t.Errorf("ID = %d, want 5", resp.ID)
			}
		})
	}
}
