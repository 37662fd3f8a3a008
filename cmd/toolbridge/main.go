// Toolbridge manages Model Context Protocol servers and routes LLM tool
// calls to them.
//
// Server configurations are kept in a SQLite database under the data
// directory. The serve command starts every enabled server, keeps them
// healthy, and exposes Prometheus metrics; the remaining commands
// administer the database and exercise single servers from the shell.
//
// Usage:
//
//	toolbridge serve                      Start all enabled servers and monitor them
//	toolbridge init [dir]                 Initialize a working directory with defaults
//	toolbridge list                       List configured servers
//	toolbridge add <name> <method> <args> Add a server configuration
//	toolbridge remove <name>              Remove a server configuration
//	toolbridge test <name>                Probe a configured server
//	toolbridge tools <name>               Start a server and list its tools
//	toolbridge call <server> <tool> [json] Call one tool and print the result
//	toolbridge log [server]               Show recent tool calls
//	toolbridge version                    Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/toolbridge/internal/buildinfo"
	"github.com/nugget/toolbridge/internal/config"
	"github.com/nugget/toolbridge/internal/mcp"
	"github.com/nugget/toolbridge/internal/store"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the toolbridge command. Cancelling
// ctx shuts everything down. args is os.Args[1:].
//
// Arguments are parsed by hand: the flag package's global state gets in
// the way of calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			// Everything after the command belongs to it, including
			// flags meant for a docker or npx command line.
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	out := output{w: stdout, format: outputFmt}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "list":
		return runList(ctx, out, stderr, configPath)
	case "add":
		return runAdd(ctx, out, stderr, configPath, cmdArgs)
	case "remove", "rm":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: toolbridge remove <name>")
		}
		return runRemove(ctx, out, stderr, configPath, cmdArgs[0])
	case "test":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: toolbridge test <name>")
		}
		return runTest(ctx, out, stderr, configPath, cmdArgs[0])
	case "tools":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: toolbridge tools <name>")
		}
		return runTools(ctx, out, stderr, configPath, cmdArgs[0])
	case "call":
		return runCall(ctx, out, stderr, configPath, cmdArgs)
	case "log":
		return runLog(ctx, out, stderr, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Toolbridge - MCP server manager and LLM tool router")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: toolbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Start enabled servers and monitor them")
	fmt.Fprintln(w, "  init [dir]                     Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  list                           List configured servers")
	fmt.Fprintln(w, "  add [opts] <name> <method> <args...>")
	fmt.Fprintln(w, "                                 Add a server (method: docker, npx, uvx, http)")
	fmt.Fprintln(w, "                                 opts: -e KEY=VALUE, -d description, -disabled")
	fmt.Fprintln(w, "  remove <name>                  Remove a server configuration")
	fmt.Fprintln(w, "  test <name>                    Probe a server without keeping it running")
	fmt.Fprintln(w, "  tools <name>                   Start a server and list its tools")
	fmt.Fprintln(w, "  call [-w id] <server> <tool> [json]")
	fmt.Fprintln(w, "                                 Call one tool with JSON arguments")
	fmt.Fprintln(w, "  log [-n count] [-w id] [server]")
	fmt.Fprintln(w, "                                 Show recent tool calls")
	fmt.Fprintln(w, "  version                        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/toolbridge/config.yaml, /etc/toolbridge/config.yaml")
	return nil
}

// loadConfig locates, parses, and validates the YAML configuration
// file. Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// app bundles what every database-backed command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	manager *mcp.Manager
}

// openApp loads the config, opens the database, imports the servers
// listed in the config file, and builds a Manager. Logs go to logw.
func openApp(ctx context.Context, logw io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(logw, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.DatabasePath()
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	logger.Debug("database opened", "path", dbPath)

	mgr := mcp.NewManager(st, mcp.ManagerConfig{
		RequestTimeout: cfg.RequestTimeout(),
		TestTimeout:    cfg.TestConnectionTimeout(),
		Breaker:        cfg.BreakerConfig(),
		Logger:         logger,
	})

	if len(cfg.MCP.Servers) > 0 {
		if _, err := mgr.ImportServers(ctx, cfg.MCP.Servers); err != nil {
			_ = mgr.Shutdown()
			_ = st.Close()
			return nil, fmt.Errorf("import servers from %s: %w", cfgPath, err)
		}
	}

	return &app{cfg: cfg, logger: logger, store: st, manager: mgr}, nil
}

// Close stops every live server before closing the database so the
// final call log writes land.
func (a *app) Close() error {
	err := a.manager.Shutdown()
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// output writes command results as text or indented JSON.
type output struct {
	w      io.Writer
	format string
}

func (o output) json() bool { return o.format == "json" }

func (o output) encode(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
