package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DeploymentMethod selects how an MCP server is launched. Its string
// value is the persisted "command" column.
type DeploymentMethod string

const (
	MethodDocker DeploymentMethod = "docker"
	MethodNpx    DeploymentMethod = "npx"
	MethodUvx    DeploymentMethod = "uvx"
	MethodHTTP   DeploymentMethod = "http"
)

// ParseDeploymentMethod converts a case-insensitive name to a
// DeploymentMethod.
func ParseDeploymentMethod(s string) (DeploymentMethod, error) {
	switch m := DeploymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodDocker, MethodNpx, MethodUvx, MethodHTTP:
		return m, nil
	default:
		return "", &Error{
			Kind:    KindConfiguration,
			Field:   "command",
			Message: fmt.Sprintf("unknown deployment method %q (valid: docker, npx, uvx, http)", s),
		}
	}
}

// Status is the connection state of a server.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Environment keys with special meaning for HTTP servers.
const (
	envAPIKey       = "API_KEY"
	envHeaderPrefix = "HEADER_"
)

// serverNameRe restricts names so they can be embedded in routed tool
// names (mcp__<server>__<tool>) without ambiguity. A trailing '_' would
// merge into the separator and shift the split point.
var serverNameRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9_.-]*[A-Za-z0-9.-])?$`)

// ServerConfig is the persisted configuration of one MCP server.
type ServerConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Method      DeploymentMethod  `json:"command" yaml:"command"`
	Args        []string          `json:"args" yaml:"args"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate checks the fields every deployment method needs. Transport
// specific checks (URL shape, empty args) happen when the transport is
// built.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return &Error{Kind: KindConfiguration, Field: "name", Message: "server name is required"}
	}
	if !serverNameRe.MatchString(c.Name) || strings.Contains(c.Name, toolNameSep) {
		return &Error{
			Kind:    KindConfiguration,
			Server:  c.Name,
			Field:   "name",
			Message: fmt.Sprintf("invalid server name %q (letters, digits, '.', '-', '_'; no %q, no trailing '_')", c.Name, toolNameSep),
		}
	}
	if _, err := ParseDeploymentMethod(string(c.Method)); err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Server = c.Name
		}
		return err
	}
	return nil
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Resource is an MCP resource as returned by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ContentBlock is a single content item in a tools/call response. Type
// is one of "text", "image" or "resource".
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Data     string          `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// UnmarshalJSON accepts both the MCP wire spelling "mimeType" and the
// snake_case "mime_type" some servers emit.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type plain ContentBlock
	var aux struct {
		plain
		MimeTypeSnake string `json:"mime_type"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = ContentBlock(aux.plain)
	if b.MimeType == "" {
		b.MimeType = aux.MimeTypeSnake
	}
	return nil
}

// ToolResult is the raw payload of a tools/call response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins all content blocks into a single string. Non-text blocks
// are described inline (e.g. "[image image/png]"); embedded resources
// contribute their text when they carry any.
func (r *ToolResult) Text() string {
	return extractText(r.Content)
}

// ServerInfo identifies the remote server, from the initialize reply.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// CallResult is the structured outcome of a tool call.
type CallResult struct {
	Success    bool           `json:"success"`
	Content    []ContentBlock `json:"content"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Text joins the result content into a single string.
func (r CallResult) Text() string {
	return extractText(r.Content)
}

// TestResult is the outcome of a connection probe. It is always
// populated, whether or not the probe succeeded.
type TestResult struct {
	Success    bool             `json:"success"`
	Error      string           `json:"error,omitempty"`
	LatencyMS  int64            `json:"latency_ms"`
	ServerInfo *ServerInfo      `json:"server_info,omitempty"`
	Tools      []ToolDefinition `json:"tools"`
	Resources  []Resource       `json:"resources"`
}

// ServerRecord describes a server known to the Manager, live or not.
type ServerRecord struct {
	Config     ServerConfig     `json:"config"`
	Status     Status           `json:"status"`
	ServerInfo *ServerInfo      `json:"server_info,omitempty"`
	Tools      []ToolDefinition `json:"tools"`
	Resources  []Resource       `json:"resources"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	Circuit    string           `json:"circuit,omitempty"`
}

// CallLogEntry is one persisted tool call, written after every call
// regardless of outcome.
type CallLogEntry struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	ServerName string          `json:"server_name"`
	ToolName   string          `json:"tool_name"`
	Params     json.RawMessage `json:"params"`
	Result     json.RawMessage `json:"result"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

// extractText joins all content blocks into a single string.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, bracket("image", b.MimeType))
		case "resource":
			var res struct {
				URI  string `json:"uri"`
				Text string `json:"text"`
			}
			if len(b.Resource) > 0 && json.Unmarshal(b.Resource, &res) == nil && res.Text != "" {
				parts = append(parts, res.Text)
			} else {
				parts = append(parts, bracket("resource", res.URI))
			}
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// bracket renders an inline marker such as "[image image/png]".
func bracket(kind, detail string) string {
	if detail == "" {
		return "[" + kind + "]"
	}
	return "[" + kind + " " + detail + "]"
}
