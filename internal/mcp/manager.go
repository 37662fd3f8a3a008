package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/toolbridge/internal/breaker"
)

// ErrManagerClosed is returned by operations attempted after Shutdown.
var ErrManagerClosed = errors.New("mcp manager is shut down")

// DefaultTestTimeout bounds a TestServer probe.
const DefaultTestTimeout = 30 * time.Second

const defaultSpawnConcurrency = 4

// ManagerConfig tunes a Manager. Zero values select defaults.
type ManagerConfig struct {
	// RequestTimeout bounds each JSON-RPC exchange (default 30s).
	RequestTimeout time.Duration

	// TestTimeout bounds a whole TestServer probe (default 30s).
	TestTimeout time.Duration

	// Breaker holds the per-server circuit breaker thresholds.
	Breaker breaker.Config

	// SpawnConcurrency limits parallel handshakes in LoadFromDB.
	SpawnConcurrency int

	Logger *slog.Logger

	// NewTransport builds transports. Nil means NewTransport.
	NewTransport TransportFactory
}

// entry is one slot in the live map. client is nil while the handshake
// runs; the slot reserves the name.
type entry struct {
	config ServerConfig
	client *Client
}

// Manager owns the live MCP clients, keyed by server name, and the
// durable store behind them. It is safe for concurrent use.
type Manager struct {
	store    Store
	cfg      ManagerConfig
	logger   *slog.Logger
	breakers *breaker.Group

	mu      sync.RWMutex
	servers map[string]*entry
	closed  bool
}

// NewManager creates a Manager backed by store. No servers are started
// until LoadFromDB or SpawnServer.
func NewManager(store Store, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = DefaultTestTimeout
	}
	if cfg.SpawnConcurrency <= 0 {
		cfg.SpawnConcurrency = defaultSpawnConcurrency
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = NewTransport
	}

	return &Manager{
		store:    store,
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "mcp_manager"),
		breakers: breaker.NewGroup(cfg.Breaker, breaker.WithLogger(cfg.Logger)),
		servers:  make(map[string]*entry),
	}
}

func (m *Manager) clientOptions() ClientOptions {
	return ClientOptions{
		RequestTimeout: m.cfg.RequestTimeout,
		Logger:         m.cfg.Logger,
	}
}

// LoadFromDB starts every enabled persisted server. Servers that fail
// to start are logged and skipped. It returns the number started.
func (m *Manager) LoadFromDB(ctx context.Context) (int, error) {
	configs, err := m.store.ListServers(ctx)
	if err != nil {
		return 0, dbError("", "list servers", err)
	}

	var started atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.cfg.SpawnConcurrency)

	for _, cfg := range configs {
		if !cfg.Enabled {
			m.logger.Debug("skipping disabled MCP server", "mcp_server", cfg.Name)
			continue
		}
		g.Go(func() error {
			if _, err := m.spawnInternal(ctx, cfg); err != nil {
				m.logger.Warn("failed to start MCP server",
					"mcp_server", cfg.Name,
					"error", err,
				)
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(started.Load())
	m.logger.Info("loaded MCP servers", "configured", len(configs), "started", n)
	return n, nil
}

// ImportServers persists configs whose name is not already in the store.
// It returns the number imported. Existing entries are left untouched.
func (m *Manager) ImportServers(ctx context.Context, configs []ServerConfig) (int, error) {
	imported := 0
	for _, cfg := range configs {
		if err := checkConfig(cfg); err != nil {
			return imported, err
		}
		existing, err := m.store.GetServerByName(ctx, cfg.Name)
		if err != nil {
			return imported, dbError(cfg.Name, "get server", err)
		}
		if existing != nil {
			continue
		}
		if cfg.ID == "" {
			cfg.ID = uuid.NewString()
		}
		if err := m.store.SaveServer(ctx, cfg); err != nil {
			return imported, dbError(cfg.Name, "save server", err)
		}
		m.logger.Info("imported MCP server config", "mcp_server", cfg.Name, "id", cfg.ID)
		imported++
	}
	return imported, nil
}

// SpawnServer persists cfg and starts it. The name must not be live or
// persisted under a different ID. An empty ID is assigned.
func (m *Manager) SpawnServer(ctx context.Context, cfg ServerConfig) (ServerRecord, error) {
	if err := checkConfig(cfg); err != nil {
		return ServerRecord{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	e, err := m.reserve(cfg)
	if err != nil {
		return ServerRecord{}, err
	}

	existing, err := m.store.GetServerByName(ctx, cfg.Name)
	if err != nil {
		m.release(e)
		return ServerRecord{}, dbError(cfg.Name, "get server", err)
	}
	if existing != nil && existing.ID != cfg.ID {
		m.release(e)
		return ServerRecord{}, errServerAlreadyExists(cfg.Name)
	}
	if err := m.store.SaveServer(ctx, cfg); err != nil {
		m.release(e)
		return ServerRecord{}, dbError(cfg.Name, "save server", err)
	}

	return m.start(ctx, e)
}

// spawnInternal starts cfg without touching the store.
func (m *Manager) spawnInternal(ctx context.Context, cfg ServerConfig) (ServerRecord, error) {
	e, err := m.reserve(cfg)
	if err != nil {
		return ServerRecord{}, err
	}
	return m.start(ctx, e)
}

// reserve claims cfg.Name in the live map. The check and the insert
// happen under one write lock.
func (m *Manager) reserve(cfg ServerConfig) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, ok := m.servers[cfg.Name]; ok {
		return nil, errServerAlreadyExists(cfg.Name)
	}
	e := &entry{config: cfg}
	m.servers[cfg.Name] = e
	return e, nil
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	if m.servers[e.config.Name] == e {
		delete(m.servers, e.config.Name)
	}
	m.mu.Unlock()
}

// start connects the reserved entry and publishes its client.
func (m *Manager) start(ctx context.Context, e *entry) (ServerRecord, error) {
	client, err := connectWith(ctx, e.config, m.clientOptions(), m.cfg.NewTransport)
	if err != nil {
		m.release(e)
		return ServerRecord{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if err := client.Disconnect(); err != nil {
			m.logger.Debug("disconnect after shutdown race", "mcp_server", e.config.Name, "error", err)
		}
		return ServerRecord{}, ErrManagerClosed
	}
	e.client = client
	m.mu.Unlock()

	liveServers.Inc()
	m.logger.Info("MCP server started",
		"mcp_server", e.config.Name,
		"command", string(e.config.Method),
		"tools", len(client.Tools()),
	)
	return m.record(client), nil
}

// StopServer disconnects a live server. Its config stays persisted.
func (m *Manager) StopServer(name string) error {
	m.mu.Lock()
	e, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return errServerNotFound(name)
	}
	if e.client == nil {
		m.mu.Unlock()
		return errNotRunning(name, StatusStarting)
	}
	delete(m.servers, name)
	m.mu.Unlock()

	liveServers.Dec()
	m.logger.Info("stopping MCP server", "mcp_server", name)
	return e.client.Disconnect()
}

// RestartServer stops name if it is live and starts it again from its
// live or persisted config. The breaker is reset.
func (m *Manager) RestartServer(ctx context.Context, name string) (ServerRecord, error) {
	m.mu.RLock()
	e, ok := m.servers[name]
	var cfg ServerConfig
	live := false
	if ok {
		cfg = e.config
		live = e.client != nil
	}
	m.mu.RUnlock()

	if ok && !live {
		return ServerRecord{}, errNotRunning(name, StatusStarting)
	}
	if !ok {
		stored, err := m.store.GetServerByName(ctx, name)
		if err != nil {
			return ServerRecord{}, dbError(name, "get server", err)
		}
		if stored == nil {
			return ServerRecord{}, errServerNotFound(name)
		}
		cfg = *stored
	}

	if live {
		if err := m.StopServer(name); err != nil && !IsKind(err, KindServerNotFound) {
			m.logger.Warn("error stopping MCP server for restart", "mcp_server", name, "error", err)
		}
	}
	m.breakers.Get(name).Reset()

	m.logger.Info("restarting MCP server", "mcp_server", name)
	return m.spawnInternal(ctx, cfg)
}

// GetServer returns the record for name: live, starting, or persisted
// and stopped.
func (m *Manager) GetServer(ctx context.Context, name string) (ServerRecord, error) {
	m.mu.RLock()
	e, ok := m.servers[name]
	var client *Client
	var cfg ServerConfig
	if ok {
		client, cfg = e.client, e.config
	}
	m.mu.RUnlock()

	if ok {
		if client == nil {
			return idleRecord(cfg, StatusStarting), nil
		}
		return m.record(client), nil
	}

	stored, err := m.store.GetServerByName(ctx, name)
	if err != nil {
		return ServerRecord{}, dbError(name, "get server", err)
	}
	if stored == nil {
		return ServerRecord{}, errServerNotFound(name)
	}
	return idleRecord(*stored, StatusStopped), nil
}

// ListServers returns every live server plus every persisted server
// that is not live, sorted by name.
func (m *Manager) ListServers(ctx context.Context) ([]ServerRecord, error) {
	live := m.liveRecords()

	stored, err := m.store.ListServers(ctx)
	if err != nil {
		return nil, dbError("", "list servers", err)
	}

	out := make([]ServerRecord, 0, len(live)+len(stored))
	for _, rec := range live {
		out = append(out, rec)
	}
	for _, cfg := range stored {
		if _, ok := live[cfg.Name]; !ok {
			out = append(out, idleRecord(cfg, StatusStopped))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out, nil
}

func (m *Manager) liveRecords() map[string]ServerRecord {
	m.mu.RLock()
	type slot struct {
		cfg    ServerConfig
		client *Client
	}
	slots := make([]slot, 0, len(m.servers))
	for _, e := range m.servers {
		slots = append(slots, slot{e.config, e.client})
	}
	m.mu.RUnlock()

	out := make(map[string]ServerRecord, len(slots))
	for _, s := range slots {
		if s.client == nil {
			out[s.cfg.Name] = idleRecord(s.cfg, StatusStarting)
			continue
		}
		out[s.cfg.Name] = m.record(s.client)
	}
	return out
}

// client returns the live client for name.
func (m *Manager) client(name string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.servers[name]
	if !ok {
		return nil, errServerNotFound(name)
	}
	if e.client == nil {
		return nil, errNotRunning(name, StatusStarting)
	}
	return e.client, nil
}

// CallTool invokes tool on server through the server's circuit breaker
// and appends one entry to the call log whatever the outcome. The
// returned CallResult is always populated; err is the original failure.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (CallResult, error) {
	start := time.Now()

	res, err := m.callTool(ctx, server, tool, args)
	if err != nil && res.Content == nil {
		res = CallResult{Content: []ContentBlock{}, Error: err.Error()}
	}
	elapsed := time.Since(start)
	res.DurationMS = elapsed.Milliseconds()

	toolCalls.WithLabelValues(server, callOutcome(res, err)).Inc()
	toolCallDuration.WithLabelValues(server).Observe(elapsed.Seconds())

	m.logCall(ctx, server, tool, args, res, err)
	return res, err
}

func (m *Manager) callTool(ctx context.Context, server, tool string, args map[string]any) (CallResult, error) {
	client, err := m.client(server)
	if err != nil {
		return CallResult{}, err
	}

	b := m.breakers.Get(server)
	if !b.IsAvailable() {
		m.logger.Warn("MCP circuit open, refusing tool call",
			"mcp_server", server,
			"tool", tool,
		)
		return CallResult{}, &Error{Kind: KindCircuitOpen, Server: server, Operation: tool, Err: breaker.ErrOpen}
	}

	res, err := client.CallTool(ctx, tool, args)

	var e *Error
	switch {
	case err == nil, IsKind(err, KindProtocol):
		b.RecordSuccess()
	case errors.As(err, &e) && (e.CountsAgainstBreaker() || e.Kind == KindServerNotRunning):
		// A client that lost its connection stays registered as
		// Disconnected until restarted; calls to it count as failures.
		b.RecordFailure()
	}

	if err != nil {
		m.logger.Warn("MCP tool call failed",
			"mcp_server", server,
			"tool", tool,
			"error", err,
		)
	}
	return res, err
}

// logCall appends the call log entry. Failures are logged, never
// returned, and a cancelled caller does not lose the entry.
func (m *Manager) logCall(ctx context.Context, server, tool string, args map[string]any, res CallResult, callErr error) {
	if args == nil {
		args = map[string]any{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		params, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}
	result, err := json.Marshal(res)
	if err != nil {
		result, _ = json.Marshal(map[string]string{"unencodable": err.Error()})
	}

	logEntry := CallLogEntry{
		ID:         newLogID(),
		WorkflowID: WorkflowIDFromContext(ctx),
		ServerName: server,
		ToolName:   tool,
		Params:     params,
		Result:     result,
		Success:    callErr == nil && res.Success,
		DurationMS: res.DurationMS,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.store.AppendCallLog(context.WithoutCancel(ctx), logEntry); err != nil {
		m.logger.Warn("failed to record MCP tool call",
			"mcp_server", server,
			"tool", tool,
			"error", err,
		)
	}
}

// newLogID returns a time-ordered id for call log entries.
func newLogID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ListServerTools returns the cached tools of a live server.
func (m *Manager) ListServerTools(name string) ([]ToolDefinition, error) {
	client, err := m.client(name)
	if err != nil {
		return nil, err
	}
	return client.Tools(), nil
}

// ListAllTools returns the cached tools of every live server, keyed by
// server name.
func (m *Manager) ListAllTools() map[string][]ToolDefinition {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.servers))
	for _, e := range m.servers {
		if e.client != nil {
			clients = append(clients, e.client)
		}
	}
	m.mu.RUnlock()

	out := make(map[string][]ToolDefinition, len(clients))
	for _, c := range clients {
		out[c.Name()] = c.Tools()
	}
	return out
}

// TestServer probes cfg without registering or persisting it, bounded
// by the test timeout.
func (m *Manager) TestServer(ctx context.Context, cfg ServerConfig) TestResult {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.TestTimeout)
	defer cancel()

	res := testConnection(ctx, cfg, m.clientOptions(), m.cfg.NewTransport)
	m.logger.Info("tested MCP server",
		"mcp_server", cfg.Name,
		"success", res.Success,
		"latency_ms", res.LatencyMS,
	)
	return res
}

// UpdateServerConfig replaces the persisted config with the same ID. A
// live server under the old name is stopped, then started again with
// the new config if it is enabled.
func (m *Manager) UpdateServerConfig(ctx context.Context, cfg ServerConfig) (ServerRecord, error) {
	if cfg.ID == "" {
		return ServerRecord{}, &Error{Kind: KindConfiguration, Server: cfg.Name, Field: "id", Message: "server id is required"}
	}
	if err := checkConfig(cfg); err != nil {
		return ServerRecord{}, err
	}

	old, err := m.store.GetServer(ctx, cfg.ID)
	if err != nil {
		return ServerRecord{}, dbError(cfg.Name, "get server", err)
	}
	if old == nil {
		return ServerRecord{}, errServerNotFound(cfg.ID)
	}

	if cfg.Name != old.Name {
		clash, err := m.store.GetServerByName(ctx, cfg.Name)
		if err != nil {
			return ServerRecord{}, dbError(cfg.Name, "get server", err)
		}
		m.mu.RLock()
		_, liveClash := m.servers[cfg.Name]
		m.mu.RUnlock()
		if liveClash || (clash != nil && clash.ID != cfg.ID) {
			return ServerRecord{}, errServerAlreadyExists(cfg.Name)
		}
	}

	_, lookupErr := m.client(old.Name)
	if IsKind(lookupErr, KindServerNotRunning) {
		return ServerRecord{}, lookupErr
	}
	wasLive := lookupErr == nil

	if err := m.store.SaveServer(ctx, cfg); err != nil {
		return ServerRecord{}, dbError(cfg.Name, "save server", err)
	}
	if wasLive {
		if err := m.StopServer(old.Name); err != nil {
			m.logger.Warn("error stopping MCP server for update", "mcp_server", old.Name, "error", err)
		}
	}
	if old.Name != cfg.Name {
		m.breakers.Remove(old.Name)
	}

	if wasLive && cfg.Enabled {
		return m.spawnInternal(ctx, cfg)
	}
	return idleRecord(cfg, StatusStopped), nil
}

// DeleteServerConfig stops the live server bearing the config's name,
// then removes the config. A server still starting is left alone and
// ServerNotRunning is returned.
func (m *Manager) DeleteServerConfig(ctx context.Context, id string) error {
	cfg, err := m.store.GetServer(ctx, id)
	if err != nil {
		return dbError("", "get server", err)
	}
	if cfg == nil {
		return errServerNotFound(id)
	}

	// A spawn in flight would publish a client for a config that no
	// longer exists, so the delete waits for it to settle.
	if err := m.StopServer(cfg.Name); err != nil {
		switch {
		case IsKind(err, KindServerNotFound):
		case IsKind(err, KindServerNotRunning):
			return err
		default:
			m.logger.Warn("error stopping MCP server for delete", "mcp_server", cfg.Name, "error", err)
		}
	}
	if err := m.store.DeleteServer(ctx, id); err != nil {
		return dbError(cfg.Name, "delete server", err)
	}
	m.breakers.Remove(cfg.Name)

	m.logger.Info("deleted MCP server config", "mcp_server", cfg.Name, "id", id)
	return nil
}

// Shutdown drains the live map and disconnects every client
// concurrently. Later operations fail with ErrManagerClosed. The
// returned error aggregates individual disconnect failures. Call it
// before closing the store.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	clients := make([]*Client, 0, len(m.servers))
	for _, e := range m.servers {
		if e.client != nil {
			clients = append(clients, e.client)
		}
	}
	m.servers = make(map[string]*entry)
	m.mu.Unlock()

	var (
		errMu  sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	for _, c := range clients {
		g.Go(func() error {
			defer liveServers.Dec()
			if err := c.Disconnect(); err != nil {
				m.logger.Warn("error disconnecting MCP server", "mcp_server", c.Name(), "error", err)
				errMu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", c.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("MCP manager shut down", "servers", len(clients))
	return result.ErrorOrNil()
}

// Breakers returns the state of every server's circuit breaker.
func (m *Manager) Breakers() []breaker.Snapshot {
	return m.breakers.Snapshot()
}

// HealthCheck checks every live server: the transport must be alive
// and answer a ping. A server that rejects ping with a JSON-RPC error
// is responsive and counts as healthy. Healthy servers map to nil.
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.servers))
	for _, e := range m.servers {
		if e.client != nil {
			clients = append(clients, e.client)
		}
	}
	m.mu.RUnlock()

	out := make(map[string]error, len(clients))
	for _, c := range clients {
		if !c.IsProcessAlive() {
			out[c.Name()] = &Error{Kind: KindConnectionFailed, Server: c.Name(), Message: "transport is no longer alive"}
			continue
		}
		err := c.Ping(ctx)
		if IsKind(err, KindProtocol) {
			err = nil
		}
		out[c.Name()] = err
	}
	return out
}

// Monitor health-checks live servers every interval and restarts those
// whose connection is gone, until ctx is cancelled. Servers whose
// breaker is open are left alone until it cools down.
func (m *Manager) Monitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverServers(ctx)
		}
	}
}

func (m *Manager) recoverServers(ctx context.Context) {
	for name, err := range m.HealthCheck(ctx) {
		if err == nil {
			continue
		}
		if !IsKind(err, KindConnectionFailed) && KindOf(err) != KindServerNotRunning {
			m.logger.Warn("MCP server health check failed", "mcp_server", name, "error", err)
			continue
		}
		if m.breakers.Get(name).State() == breaker.Open {
			m.logger.Debug("MCP server down, breaker open, not restarting", "mcp_server", name)
			continue
		}
		m.logger.Warn("MCP server connection lost, restarting", "mcp_server", name, "error", err)
		if _, err := m.RestartServer(ctx, name); err != nil {
			m.logger.Error("MCP server restart failed", "mcp_server", name, "error", err)
		}
	}
}

// record returns the client's record with its breaker state.
func (m *Manager) record(c *Client) ServerRecord {
	rec := c.Record()
	rec.Circuit = m.breakers.Get(c.Name()).State().String()
	return rec
}

// idleRecord describes a server with no connected client.
func idleRecord(cfg ServerConfig, status Status) ServerRecord {
	return ServerRecord{
		Config:    cfg,
		Status:    status,
		Tools:     []ToolDefinition{},
		Resources: []Resource{},
	}
}

// checkConfig validates cfg and the transport settings derived from it,
// so a config that can never start is rejected before it is persisted.
func checkConfig(cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var err error
	if cfg.Method == MethodHTTP {
		_, err = HTTPConfigFor(cfg)
	} else {
		_, err = StdioConfigFor(cfg)
	}
	return withServer(err, cfg.Name)
}
