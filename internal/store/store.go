// Package store persists MCP server configurations and the tool call
// log in SQLite. It implements mcp.Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/toolbridge/internal/mcp"
)

var _ mcp.Store = (*Store)(nil)

// timeLayout is fixed-width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite-backed mcp.Store. All methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with the
// go-sqlite3 driver and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open mcp database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema. The caller may
// use any SQLite driver; Close closes db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate mcp schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection. Shut the mcp.Manager down
// first.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mcp_server (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		enabled     INTEGER NOT NULL DEFAULT 1,
		command     TEXT NOT NULL,
		args        TEXT NOT NULL DEFAULT '[]',
		env         TEXT NOT NULL DEFAULT '{}',
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS mcp_call_log (
		id          TEXT PRIMARY KEY,
		workflow_id TEXT,
		server_name TEXT NOT NULL,
		tool_name   TEXT NOT NULL,
		params      TEXT NOT NULL,
		result      TEXT NOT NULL,
		success     INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		timestamp   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mcp_call_log_timestamp ON mcp_call_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_mcp_call_log_server ON mcp_call_log(server_name, timestamp);
	CREATE INDEX IF NOT EXISTS idx_mcp_call_log_workflow ON mcp_call_log(workflow_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

const serverColumns = `id, name, enabled, command, args, env, description`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (mcp.ServerConfig, error) {
	var (
		cfg         mcp.ServerConfig
		method      string
		args, env   string
		description sql.NullString
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Enabled, &method, &args, &env, &description); err != nil {
		return cfg, err
	}
	cfg.Method = mcp.DeploymentMethod(method)
	cfg.Description = description.String

	if err := json.Unmarshal([]byte(args), &cfg.Args); err != nil {
		return cfg, fmt.Errorf("decode args of %s: %w", cfg.Name, err)
	}
	if err := json.Unmarshal([]byte(env), &cfg.Env); err != nil {
		return cfg, fmt.Errorf("decode env of %s: %w", cfg.Name, err)
	}
	if cfg.Args == nil {
		cfg.Args = []string{}
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	return cfg, nil
}

// ListServers returns every persisted config ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]mcp.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM mcp_server ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var out []mcp.ServerConfig
	for rows.Next() {
		cfg, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// GetServer returns the config with id, or nil if there is none.
func (s *Store) GetServer(ctx context.Context, id string) (*mcp.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_server WHERE id = ?`, id)
	return oneServer(row)
}

// GetServerByName returns the config named name, or nil if there is none.
func (s *Store) GetServerByName(ctx context.Context, name string) (*mcp.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM mcp_server WHERE name = ?`, name)
	return oneServer(row)
}

func oneServer(row *sql.Row) (*mcp.ServerConfig, error) {
	cfg, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query server: %w", err)
	}
	return &cfg, nil
}

// SaveServer inserts cfg or replaces the row with the same id. A name
// held by another id violates the unique constraint.
func (s *Store) SaveServer(ctx context.Context, cfg mcp.ServerConfig) error {
	args := cfg.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	env := cfg.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mcp_server (`+serverColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			command = excluded.command,
			args = excluded.args,
			env = excluded.env,
			description = excluded.description`,
		cfg.ID,
		cfg.Name,
		cfg.Enabled,
		string(cfg.Method),
		string(argsJSON),
		string(envJSON),
		nullString(cfg.Description),
	)
	if err != nil {
		return fmt.Errorf("save server %s: %w", cfg.Name, err)
	}
	return nil
}

// DeleteServer removes the config with id. Deleting a missing id is
// not an error.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mcp_server WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

// AppendCallLog inserts one call log entry.
func (s *Store) AppendCallLog(ctx context.Context, e mcp.CallLogEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mcp_call_log
			(id, workflow_id, server_name, tool_name, params, result, success, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		nullString(e.WorkflowID),
		e.ServerName,
		e.ToolName,
		rawText(e.Params),
		rawText(e.Result),
		e.Success,
		e.DurationMS,
		ts.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

const callColumns = `id, workflow_id, server_name, tool_name, params, result, success, duration_ms, timestamp`

// RecentCalls returns up to limit call log entries, newest first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]mcp.CallLogEntry, error) {
	return s.queryCalls(ctx,
		`SELECT `+callColumns+` FROM mcp_call_log ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit)
}

// CallsForServer returns up to limit call log entries for server,
// newest first.
func (s *Store) CallsForServer(ctx context.Context, server string, limit int) ([]mcp.CallLogEntry, error) {
	return s.queryCalls(ctx,
		`SELECT `+callColumns+` FROM mcp_call_log WHERE server_name = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		server, limit)
}

// CallsForWorkflow returns every call made under workflowID, oldest
// first.
func (s *Store) CallsForWorkflow(ctx context.Context, workflowID string) ([]mcp.CallLogEntry, error) {
	return s.queryCalls(ctx,
		`SELECT `+callColumns+` FROM mcp_call_log WHERE workflow_id = ? ORDER BY timestamp, id`,
		workflowID)
}

func (s *Store) queryCalls(ctx context.Context, query string, args ...any) ([]mcp.CallLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close()

	var out []mcp.CallLogEntry
	for rows.Next() {
		var (
			e              mcp.CallLogEntry
			workflowID     sql.NullString
			params, result string
			ts             string
		)
		if err := rows.Scan(&e.ID, &workflowID, &e.ServerName, &e.ToolName, &params, &result, &e.Success, &e.DurationMS, &ts); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		e.WorkflowID = workflowID.String
		e.Params = json.RawMessage(params)
		e.Result = json.RawMessage(result)
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse call log timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rawText stores an absent JSON value as null.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
