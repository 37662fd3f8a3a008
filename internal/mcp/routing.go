package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/toolbridge/internal/llm"
)

const (
	// toolPrefix marks a function name as routed to an MCP server.
	toolPrefix = "mcp" + toolNameSep
	// toolNameSep separates the prefix, server and tool in a routed name.
	// Server names may not contain it; tool names may.
	toolNameSep = "__"
)

type contextKey string

const workflowIDKey contextKey = "workflow_id"

// WithWorkflowID tags the context with the workflow that tool calls
// made under it belong to. The id is recorded in the call log.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WorkflowIDFromContext returns the workflow id, or "" if none is set.
func WorkflowIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(workflowIDKey).(string)
	return id
}

// ToolName returns the routed function name for a server's tool:
// "mcp__<server>__<tool>".
func ToolName(server, tool string) string {
	return toolPrefix + server + toolNameSep + tool
}

// ParseToolName splits a routed function name into server and tool.
// The split happens at the first separator after the prefix, so tool
// names containing "__" survive intact.
func ParseToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, toolPrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, toolNameSep)
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// ToolSpecs returns every cached tool of every live server under its
// routed name, ordered by server name then server order. The result is
// ready for llm.Adapter.FormatTools.
func (m *Manager) ToolSpecs() []llm.ToolSpec {
	all := m.ListAllTools()

	servers := make([]string, 0, len(all))
	for name := range all {
		servers = append(servers, name)
	}
	sort.Strings(servers)

	var specs []llm.ToolSpec
	for _, server := range servers {
		for _, td := range all[server] {
			specs = append(specs, llm.ToolSpec{
				Name:        ToolName(server, td.Name),
				Description: td.Description,
				Parameters:  td.InputSchema,
			})
		}
	}
	return specs
}

// Dispatch executes a function call parsed by an llm.Adapter. Names
// that are not routed MCP names fail without touching any server. On
// success the result is the text of the tool's content.
func (m *Manager) Dispatch(ctx context.Context, call llm.FunctionCall) llm.FunctionCallResult {
	out := llm.FunctionCallResult{ID: call.ID, Name: call.Name}

	server, tool, ok := ParseToolName(call.Name)
	if !ok {
		out.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return out
	}

	res, err := m.CallTool(ctx, server, tool, call.Arguments)
	switch {
	case err != nil:
		out.Error = err.Error()
	case !res.Success:
		out.Error = res.Error
	default:
		out.Success = true
		out.Result = res.Text()
	}
	return out
}
