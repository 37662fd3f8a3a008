package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/toolbridge/internal/mcp"
)

// defaultLogLimit is how many call log rows "log" shows without -n.
const defaultLogLimit = 20

// runList prints every configured server with its persisted settings.
func runList(ctx context.Context, out output, logw io.Writer, configPath string) error {
	a, err := openApp(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.manager.ListServers(ctx)
	if err != nil {
		return err
	}

	if out.json() {
		return out.encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out.w, "No servers configured.")
		return nil
	}
	tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMETHOD\tENABLED\tARGS\tDESCRIPTION")
	for _, r := range records {
		c := r.Config
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", c.Name, c.Method, c.Enabled, strings.Join(c.Args, " "), c.Description)
	}
	return tw.Flush()
}

// parseAddArgs reads "add [-e KEY=VALUE]... [-d desc] [-disabled] <name>
// <method> <args...>". Option parsing stops at the first positional
// argument, so the server's own args may contain flags.
func parseAddArgs(args []string) (mcp.ServerConfig, error) {
	cfg := mcp.ServerConfig{Enabled: true, Env: map[string]string{}}

	i := 0
	for ; i < len(args) && strings.HasPrefix(args[i], "-"); i++ {
		switch args[i] {
		case "-e", "--env":
			if i+1 >= len(args) {
				return cfg, fmt.Errorf("%s requires KEY=VALUE", args[i])
			}
			i++
			k, v, ok := strings.Cut(args[i], "=")
			if !ok || k == "" {
				return cfg, fmt.Errorf("invalid env %q (want KEY=VALUE)", args[i])
			}
			cfg.Env[k] = v
		case "-d", "--description":
			if i+1 >= len(args) {
				return cfg, fmt.Errorf("%s requires a value", args[i])
			}
			i++
			cfg.Description = args[i]
		case "-disabled", "--disabled":
			cfg.Enabled = false
		default:
			return cfg, fmt.Errorf("unknown add option: %s", args[i])
		}
	}

	rest := args[i:]
	if len(rest) < 3 {
		return cfg, fmt.Errorf("usage: toolbridge add [-e KEY=VALUE] [-d description] [-disabled] <name> <method> <args...>")
	}
	method, err := mcp.ParseDeploymentMethod(rest[1])
	if err != nil {
		return cfg, err
	}
	cfg.Name = rest[0]
	cfg.Method = method
	cfg.Args = rest[2:]
	return cfg, nil
}

// runAdd persists a new server configuration without starting it.
func runAdd(ctx context.Context, out output, logw io.Writer, configPath string, args []string) error {
	cfg, err := parseAddArgs(args)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.manager.ImportServers(ctx, []mcp.ServerConfig{cfg})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("server %q already exists", cfg.Name)
	}

	rec, err := a.manager.GetServer(ctx, cfg.Name)
	if err != nil {
		return err
	}
	if out.json() {
		return out.encode(rec.Config)
	}
	fmt.Fprintf(out.w, "Added %s (%s, id %s)\n", rec.Config.Name, rec.Config.Method, rec.Config.ID)
	return nil
}

// runRemove deletes a server configuration by name.
func runRemove(ctx context.Context, out output, logw io.Writer, configPath, name string) error {
	a, err := openApp(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := storedConfig(ctx, a, name)
	if err != nil {
		return err
	}
	if err := a.manager.DeleteServerConfig(ctx, cfg.ID); err != nil {
		return err
	}
	if out.json() {
		return out.encode(map[string]string{"removed": cfg.Name, "id": cfg.ID})
	}
	fmt.Fprintf(out.w, "Removed %s\n", cfg.Name)
	return nil
}

// runTest probes a configured server and reports what it advertises.
// The server is not kept running.
func runTest(ctx context.Context, out output, logw io.Writer, configPath, name string) error {
	a, err := openApp(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg, err := storedConfig(ctx, a, name)
	if err != nil {
		return err
	}

	res := a.manager.TestServer(ctx, *cfg)
	if out.json() {
		if err := out.encode(res); err != nil {
			return err
		}
	} else {
		printTestResult(out.w, name, res)
	}
	if !res.Success {
		return fmt.Errorf("server %s failed connection test", name)
	}
	return nil
}

func printTestResult(w io.Writer, name string, res mcp.TestResult) {
	if !res.Success {
		fmt.Fprintf(w, "✗ %s: %s (%dms)\n", name, res.Error, res.LatencyMS)
		return
	}
	server := "unknown server"
	if res.ServerInfo != nil {
		server = strings.TrimSpace(res.ServerInfo.Name + " " + res.ServerInfo.Version)
	}
	fmt.Fprintf(w, "✓ %s: %s (%dms)\n", name, server, res.LatencyMS)
	fmt.Fprintf(w, "  %d tools, %d resources\n", len(res.Tools), len(res.Resources))
}

// runTools starts one server and lists its tools with their routed
// names, then stops it.
func runTools(ctx context.Context, out output, logw io.Writer, configPath, name string) error {
	a, err := openApp(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.manager.RestartServer(ctx, name); err != nil {
		return err
	}
	specs := a.manager.ToolSpecs()

	if out.json() {
		return out.encode(specs)
	}
	if len(specs) == 0 {
		fmt.Fprintf(out.w, "%s advertises no tools.\n", name)
		return nil
	}
	tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, firstLine(s.Description))
	}
	return tw.Flush()
}

// runCall starts one server, calls a tool, and prints the result. The
// call is recorded in the call log. Usage:
// call [-w workflow-id] <server> <tool> [json-arguments].
func runCall(ctx context.Context, out output, logw io.Writer, configPath string, args []string) error {
	if len(args) >= 2 && (args[0] == "-w" || args[0] == "--workflow") {
		ctx = mcp.WithWorkflowID(ctx, args[1])
		args = args[2:]
	}
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: toolbridge call [-w workflow-id] <server> <tool> [json-arguments]")
	}
	server, tool := args[0], args[1]

	var toolArgs map[string]any
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
			return fmt.Errorf("parse tool arguments: %w", err)
		}
	}

	a, err := openApp(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.manager.RestartServer(ctx, server); err != nil {
		return err
	}

	res, callErr := a.manager.CallTool(ctx, server, tool, toolArgs)
	if out.json() {
		if err := out.encode(res); err != nil {
			return err
		}
		return callErr
	}
	if callErr != nil {
		return callErr
	}
	if !res.Success {
		return fmt.Errorf("tool %s on %s failed: %s", tool, server, res.Error)
	}
	fmt.Fprintln(out.w, res.Text())
	return nil
}

// runLog prints recent tool calls. Usage:
// log [-n count] [-w workflow-id] [server].
func runLog(ctx context.Context, out output, logw io.Writer, configPath string, args []string) error {
	limit := defaultLogLimit
	var workflow, server string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-n" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid count %q", args[i+1])
			}
			limit = n
			i++
		case (args[i] == "-w" || args[i] == "--workflow") && i+1 < len(args):
			workflow = args[i+1]
			i++
		case !strings.HasPrefix(args[i], "-") && server == "":
			server = args[i]
		default:
			return fmt.Errorf("usage: toolbridge log [-n count] [-w workflow-id] [server]")
		}
	}

	a, err := openApp(ctx, logw, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	var entries []mcp.CallLogEntry
	switch {
	case workflow != "":
		entries, err = a.store.CallsForWorkflow(ctx, workflow)
	case server != "":
		entries, err = a.store.CallsForServer(ctx, server, limit)
	default:
		entries, err = a.store.RecentCalls(ctx, limit)
	}
	if err != nil {
		return err
	}

	if out.json() {
		if entries == nil {
			entries = []mcp.CallLogEntry{}
		}
		return out.encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out.w, "No tool calls logged.")
		return nil
	}
	tw := tabwriter.NewWriter(out.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSERVER\tTOOL\tOK\tDURATION\tWORKFLOW")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.ServerName,
			e.ToolName,
			e.Success,
			time.Duration(e.DurationMS)*time.Millisecond,
			e.WorkflowID,
		)
	}
	return tw.Flush()
}

// storedConfig looks up a persisted server config by name.
func storedConfig(ctx context.Context, a *app, name string) (*mcp.ServerConfig, error) {
	cfg, err := a.store.GetServerByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("server %q not found", name)
	}
	return cfg, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
