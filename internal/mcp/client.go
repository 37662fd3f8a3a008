package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/toolbridge/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// resourcesListResult is the result payload of a resources/list response.
type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// ClientOptions tunes a Client and the transport built for it.
type ClientOptions struct {
	// RequestTimeout bounds each JSON-RPC exchange (default 30s).
	RequestTimeout time.Duration

	// Logger is scoped with the server name. Nil means slog.Default().
	Logger *slog.Logger
}

func (o ClientOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// NewTransport builds the transport for a server's deployment method:
// HTTP for http servers, a stdio subprocess for everything else. The
// transport is not started.
func NewTransport(cfg ServerConfig, opts ClientOptions) (Transport, error) {
	logger := opts.logger().With("mcp_server", cfg.Name)

	if cfg.Method == MethodHTTP {
		hc, err := HTTPConfigFor(cfg)
		if err != nil {
			return nil, err
		}
		hc.Timeout = opts.RequestTimeout
		hc.Logger = logger
		return NewHTTPTransport(hc), nil
	}

	sc, err := StdioConfigFor(cfg)
	if err != nil {
		return nil, err
	}
	sc.Timeout = opts.RequestTimeout
	sc.Logger = logger
	return NewStdioTransport(sc), nil
}

// Client connects to a single MCP server and provides typed access to
// the MCP protocol operations. It owns exactly one transport.
type Client struct {
	config    ServerConfig
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu        sync.RWMutex
	status    Status
	info      *ServerInfo
	tools     []ToolDefinition
	resources []Resource
	startedAt time.Time
	closed    bool
}

// NewClient creates an MCP client for the given server. The transport
// determines how messages are delivered (stdio or HTTP). The client is
// Stopped until Connect succeeds.
func NewClient(cfg ServerConfig, transport Transport, opts ClientOptions) *Client {
	return &Client{
		config:    cfg,
		transport: transport,
		logger:    opts.logger().With("mcp_server", cfg.Name),
		status:    StatusStopped,
	}
}

// TransportFactory builds the transport for a server configuration.
type TransportFactory func(cfg ServerConfig, opts ClientOptions) (Transport, error)

// Connect builds the transport for cfg and connects a new client.
func Connect(ctx context.Context, cfg ServerConfig, opts ClientOptions) (*Client, error) {
	return connectWith(ctx, cfg, opts, NewTransport)
}

func connectWith(ctx context.Context, cfg ServerConfig, opts ClientOptions, newTransport TransportFactory) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transport, err := newTransport(cfg, opts)
	if err != nil {
		return nil, err
	}
	c := NewClient(cfg, transport, opts)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect starts the transport and performs the MCP handshake. On
// failure the status is Error and the transport is closed.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusStarting)

	if err := c.transport.Start(ctx); err != nil {
		c.fail()
		return withServer(err, c.config.Name)
	}
	if err := c.initialize(ctx); err != nil {
		c.fail()
		return withServer(err, c.config.Name)
	}

	c.mu.Lock()
	c.status = StatusRunning
	c.startedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// fail records a failed connect and releases the transport.
func (c *Client) fail() {
	c.mu.Lock()
	c.status = StatusError
	c.closed = true
	c.mu.Unlock()
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("closing transport after failed connect", "error", err)
	}
}

// initialize performs the MCP handshake: initialize, the initialized
// notification, then tools/list and resources/list for whichever
// capabilities the server advertises. A server advertising neither is
// valid and has no tools or resources.
func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      buildinfo.ClientInfo(),
	}

	raw, err := c.request(ctx, methodInitialize, params)
	if err != nil {
		if IsKind(err, KindProtocol) {
			return &Error{Kind: KindInitialization, Operation: methodInitialize, Err: err}
		}
		return err
	}

	var result initializeResult
	if isNull(raw) {
		return &Error{Kind: KindInitialization, Operation: methodInitialize, Message: "empty initialize result"}
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return &Error{Kind: KindInitialization, Operation: methodInitialize, Message: "unparseable initialize result", Err: err}
	}

	info := &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
	}
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.transport.Notify(ctx, NewNotification(methodInitialized, nil)); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	tools := []ToolDefinition{}
	if result.Capabilities.Tools != nil {
		if tools, err = c.listTools(ctx); err != nil {
			return err
		}
	}

	resources := []Resource{}
	if result.Capabilities.Resources != nil {
		if resources, err = c.listResources(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.resources = resources
	c.mu.Unlock()

	c.logger.Info("discovered MCP capabilities",
		"tools", len(tools),
		"resources", len(resources),
	)
	return nil
}

func (c *Client) listTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.request(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if !isNull(raw) {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &Error{Kind: KindSerialization, Server: c.config.Name, Operation: methodToolsList, Err: err}
		}
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}
	return result.Tools, nil
}

func (c *Client) listResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.request(ctx, methodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	var result resourcesListResult
	if !isNull(raw) {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, &Error{Kind: KindSerialization, Server: c.config.Name, Operation: methodResourcesList, Err: err}
		}
	}
	if result.Resources == nil {
		result.Resources = []Resource{}
	}
	return result.Resources, nil
}

// RefreshTools re-issues tools/list and replaces the cached tools.
func (c *Client) RefreshTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.requireRunning(); err != nil {
		return nil, err
	}
	tools, err := c.listTools(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	c.logger.Debug("refreshed MCP tools", "count", len(tools))
	return cloneSlice(tools), nil
}

// CallToolRaw invokes a tool and returns the server's content verbatim
// along with the isError flag. A null result is an empty content list.
func (c *Client) CallToolRaw(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.requireRunning(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := c.request(ctx, methodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	result := &ToolResult{}
	if !isNull(raw) {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, &Error{Kind: KindSerialization, Server: c.config.Name, Operation: methodToolsCall, Err: err}
		}
	}
	if result.Content == nil {
		result.Content = []ContentBlock{}
	}
	return result, nil
}

// CallTool invokes a tool and reports the outcome as a CallResult. The
// result is always populated. A tool that answers with isError yields
// Success=false with its content preserved and a nil error; transport
// and protocol failures are also returned as the error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (CallResult, error) {
	start := time.Now()
	raw, err := c.CallToolRaw(ctx, name, args)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return CallResult{
			Success:    false,
			Content:    []ContentBlock{},
			Error:      err.Error(),
			DurationMS: elapsed,
		}, err
	}

	res := CallResult{
		Success:    !raw.IsError,
		Content:    raw.Content,
		DurationMS: elapsed,
	}
	if raw.IsError {
		res.Error = raw.Text()
		if res.Error == "" {
			res.Error = fmt.Sprintf("tool %s reported an error", name)
		}
	}
	return res, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.requireRunning(); err != nil {
		return err
	}
	_, err := c.request(ctx, methodPing, nil)
	return err
}

// IsProcessAlive checks the transport without blocking. A Running
// client whose transport has gone away becomes Disconnected.
func (c *Client) IsProcessAlive() bool {
	alive := c.transport.Alive()
	if !alive {
		c.mu.Lock()
		if c.status == StatusRunning {
			c.status = StatusDisconnected
			c.logger.Warn("MCP server is no longer alive")
		}
		c.mu.Unlock()
	}
	return alive
}

// Disconnect closes the transport and marks the client Stopped. Calling
// it again is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.status = StatusStopped
	c.mu.Unlock()

	c.logger.Info("closing MCP client")
	if err := c.transport.Close(); err != nil {
		return withServer(err, c.config.Name)
	}
	return nil
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.config.Name
}

// Config returns the server configuration.
func (c *Client) Config() ServerConfig {
	return c.config
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// ServerInfo returns the identity reported by initialize, or nil before
// the handshake.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.info == nil {
		return nil
	}
	info := *c.info
	return &info
}

// Tools returns the cached tool list in server order.
func (c *Client) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSlice(c.tools)
}

// Resources returns the cached resource list in server order.
func (c *Client) Resources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSlice(c.resources)
}

// Record returns a snapshot of the client as a ServerRecord.
func (c *Client) Record() ServerRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := ServerRecord{
		Config:    c.config,
		Status:    c.status,
		Tools:     cloneSlice(c.tools),
		Resources: cloneSlice(c.resources),
		StartedAt: c.startedAt,
	}
	if rec.Tools == nil {
		rec.Tools = []ToolDefinition{}
	}
	if rec.Resources == nil {
		rec.Resources = []Resource{}
	}
	if c.info != nil {
		info := *c.info
		rec.ServerInfo = &info
	}
	return rec
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.closed = false
	c.mu.Unlock()
}

func (c *Client) requireRunning() error {
	if s := c.Status(); s != StatusRunning {
		return errNotRunning(c.config.Name, s)
	}
	return nil
}

// request issues a JSON-RPC request and converts error envelopes into
// protocol errors. A broken connection moves a Running client to
// Disconnected.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		if IsKind(err, KindConnectionFailed) {
			c.mu.Lock()
			if c.status == StatusRunning {
				c.status = StatusDisconnected
			}
			c.mu.Unlock()
		}
		return nil, withServer(err, c.config.Name)
	}

	if resp.Error != nil {
		return nil, resp.Error.protocolError(c.config.Name, method)
	}
	return resp.Result, nil
}

// TestConnection connects to cfg, collects its server info, tools and
// resources, then disconnects. The result is always populated; ctx
// bounds the whole probe.
func TestConnection(ctx context.Context, cfg ServerConfig, opts ClientOptions) TestResult {
	return testConnection(ctx, cfg, opts, NewTransport)
}

func testConnection(ctx context.Context, cfg ServerConfig, opts ClientOptions, newTransport TransportFactory) TestResult {
	start := time.Now()

	c, err := connectWith(ctx, cfg, opts, newTransport)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return TestResult{
			Success:   false,
			Error:     err.Error(),
			LatencyMS: latency,
			Tools:     []ToolDefinition{},
			Resources: []Resource{},
		}
	}
	defer c.Disconnect()

	rec := c.Record()
	return TestResult{
		Success:    true,
		LatencyMS:  latency,
		ServerInfo: rec.ServerInfo,
		Tools:      rec.Tools,
		Resources:  rec.Resources,
	}
}

// isNull reports whether a raw JSON value is absent or null.
func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}
