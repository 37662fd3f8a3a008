package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/toolbridge/internal/httpkit"
)

// Session affinity headers. Streamable-HTTP servers use Mcp-Session-Id;
// some older servers send Mcp-Session.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerSessionIDLegacy = "Mcp-Session"
)

// envTLSSkipVerify disables certificate verification for an HTTP server
// when set to "true" or "1".
const envTLSSkipVerify = "TLS_SKIP_VERIFY"

// maxResponseBytes bounds a single JSON-RPC response body.
const maxResponseBytes = 10 << 20

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// Server is the server name, used in errors and logs.
	Server string

	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Timeout bounds each HTTP exchange (default 30s).
	Timeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPConfigFor validates an HTTP server configuration. args[0] must be
// an http:// or https:// URL. env["API_KEY"] becomes a bearer token and
// every HEADER_<NAME> entry becomes a header named by the lowercased
// remainder.
func HTTPConfigFor(cfg ServerConfig) (HTTPConfig, error) {
	if len(cfg.Args) == 0 {
		return HTTPConfig{}, &Error{
			Kind:    KindConfiguration,
			Server:  cfg.Name,
			Field:   "args",
			Message: "args must contain the server URL",
		}
	}

	u, err := url.Parse(cfg.Args[0])
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return HTTPConfig{}, &Error{
			Kind:    KindConfiguration,
			Server:  cfg.Name,
			Field:   "args",
			Message: fmt.Sprintf("invalid server URL %q (want http:// or https://)", cfg.Args[0]),
			Err:     err,
		}
	}

	headers := make(map[string]string)
	for k, v := range cfg.Env {
		switch {
		case k == envAPIKey:
			if v == "" {
				return HTTPConfig{}, &Error{
					Kind:    KindConfiguration,
					Server:  cfg.Name,
					Field:   "env." + k,
					Message: "API key is empty",
				}
			}
			headers["Authorization"] = "Bearer " + v
		case strings.HasPrefix(k, envHeaderPrefix):
			name := strings.ToLower(strings.TrimPrefix(k, envHeaderPrefix))
			if name == "" || v == "" {
				return HTTPConfig{}, &Error{
					Kind:    KindConfiguration,
					Server:  cfg.Name,
					Field:   "env." + k,
					Message: "header name and value are required",
				}
			}
			headers[name] = v
		}
	}

	skip := strings.ToLower(cfg.Env[envTLSSkipVerify])
	return HTTPConfig{
		Server:             cfg.Name,
		URL:                u.String(),
		Headers:            headers,
		InsecureSkipVerify: skip == "true" || skip == "1",
	}, nil
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC request is sent as an HTTP POST; the reply comes back
// either as a JSON body or as a text/event-stream carrying it.
type HTTPTransport struct {
	config     HTTPConfig
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration

	mu        sync.RWMutex
	sessionID string
	closed    bool
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(timeout),
		httpkit.WithHeaders(cfg.Headers),
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}

	return &HTTPTransport{
		config:     cfg,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
		timeout:    timeout,
	}
}

// Start probes the endpoint with a HEAD request. Any 2xx or 4xx answer
// (405 included) shows the server is there and routable.
func (t *HTTPTransport) Start(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.config.URL, nil)
	if err != nil {
		return t.connErr("HEAD", "create request", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return t.timeoutErr("HEAD", err)
		}
		return t.connErr("HEAD", "", err)
	}
	httpkit.DrainAndClose(resp.Body, 1024)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300,
		resp.StatusCode >= 400 && resp.StatusCode < 500:
		t.logger.Debug("MCP HTTP endpoint reachable", "url", t.config.URL, "status", resp.StatusCode)
		return nil
	default:
		return t.connErr("HEAD", fmt.Sprintf("probe returned HTTP %d", resp.StatusCode), nil)
	}
}

// Send sends a JSON-RPC request via HTTP POST and returns the reply.
// A non-2xx answer whose body is a JSON-RPC error is returned as a
// Response so the caller sees the protocol error; any other non-2xx
// answer is a ConnectionFailed error.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req.Method, req, "application/json, text/event-stream")
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var rpc Response
		if json.Unmarshal(body, &rpc) == nil && rpc.Error != nil {
			return &rpc, nil
		}
		return nil, t.connErr(req.Method, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		rpc, err := readSSEReply(resp.Body, req.ID)
		if err != nil {
			if isTimeout(ctx, err) {
				return nil, t.timeoutErr(req.Method, err)
			}
			return nil, withServer(err, t.config.Server)
		}
		return rpc, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, t.timeoutErr(req.Method, err)
		}
		return nil, &Error{Kind: KindIO, Server: t.config.Server, Operation: req.Method, Message: "read response body", Err: err}
	}

	var rpc Response
	if err := json.Unmarshal(body, &rpc); err != nil {
		return nil, &Error{Kind: KindSerialization, Server: t.config.Server, Operation: req.Method, Err: err}
	}
	return &rpc, nil
}

// Notify sends a JSON-RPC notification via HTTP POST. Non-2xx answers
// are logged, not returned.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	resp, err := t.post(ctx, notif.Method, notif, "application/json, text/event-stream")
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.logger.Warn("MCP notification rejected",
			"method", notif.Method,
			"status", resp.StatusCode,
			"body", httpkit.ReadErrorBody(resp.Body, 512),
		)
	}
	return nil
}

// post marshals msg and POSTs it with the session header, capturing any
// session id the server assigns.
func (t *HTTPTransport) post(ctx context.Context, method string, msg any, accept string) (*http.Response, error) {
	t.mu.RLock()
	closed, sessionID := t.closed, t.sessionID
	t.mu.RUnlock()
	if closed && method != methodShutdown {
		return nil, &Error{Kind: KindConnectionFailed, Server: t.config.Server, Operation: method, Message: "transport closed"}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, &Error{Kind: KindSerialization, Server: t.config.Server, Operation: method, Err: err}
	}
	t.logger.Log(ctx, levelTrace, "MCP HTTP send", "payload", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, t.connErr(method, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if sessionID != "" {
		httpReq.Header.Set(headerSessionID, sessionID)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, t.timeoutErr(method, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, t.connErr(method, "", err)
	}

	sid := resp.Header.Get(headerSessionID)
	if sid == "" {
		sid = resp.Header.Get(headerSessionIDLegacy)
	}
	if sid != "" && sid != sessionID {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
		t.logger.Debug("MCP session established", "session_id", sid)
	}
	return resp, nil
}

// Alive reports whether the transport has not been closed. HTTP has no
// process to check; reachability is established by Start.
func (t *HTTPTransport) Alive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

// SessionID returns the session id assigned by the server, if any.
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Close sends a best-effort shutdown notification and releases idle
// connections. A failed shutdown does not fail the close. Closing twice
// is a no-op.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Notify(ctx, NewNotification(methodShutdown, nil)); err != nil {
		t.logger.Debug("MCP shutdown notification failed", "error", err)
	}
	t.httpClient.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) connErr(op, msg string, err error) error {
	return &Error{Kind: KindConnectionFailed, Server: t.config.Server, Operation: op, Message: msg, Err: err}
}

func (t *HTTPTransport) timeoutErr(op string, err error) error {
	return &Error{Kind: KindTimeout, Server: t.config.Server, Operation: op, TimeoutMS: t.timeout.Milliseconds(), Err: err}
}

// isTimeout reports whether err is a client timeout or the expiry of ctx.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
