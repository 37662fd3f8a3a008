package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Server is the server name, used in errors and logs.
	Server string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Timeout bounds the wait for each reply (default 30s).
	Timeout time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioConfigFor builds the subprocess command line for a server
// configuration. Docker servers run as "docker run -i ...", npx servers
// as "npx -y ...", uvx servers as "uvx ...". HTTP servers are rejected.
func StdioConfigFor(cfg ServerConfig) (StdioConfig, error) {
	if len(cfg.Args) == 0 {
		return StdioConfig{}, &Error{
			Kind:    KindConfiguration,
			Server:  cfg.Name,
			Field:   "args",
			Message: "args must not be empty",
		}
	}

	out := StdioConfig{
		Server: cfg.Name,
		Env:    envList(cfg.Env),
	}

	switch cfg.Method {
	case MethodDocker:
		out.Command = "docker"
		args := cfg.Args
		if args[0] != "run" {
			args = append([]string{"run", "-i"}, args...)
		}
		// docker only forwards variables named with -e; values come
		// from the docker CLI's own environment, which is ours plus Env.
		out.Args = append([]string{args[0]}, dockerEnvFlags(cfg.Env)...)
		out.Args = append(out.Args, args[1:]...)
	case MethodNpx:
		out.Command = "npx"
		out.Args = cfg.Args
		if cfg.Args[0] != "-y" && cfg.Args[0] != "--yes" {
			out.Args = append([]string{"-y"}, cfg.Args...)
		}
	case MethodUvx:
		out.Command = "uvx"
		out.Args = cfg.Args
	case MethodHTTP:
		return StdioConfig{}, &Error{
			Kind:    KindConfiguration,
			Server:  cfg.Name,
			Field:   "command",
			Message: "http servers do not use the stdio transport",
		}
	default:
		_, err := ParseDeploymentMethod(string(cfg.Method))
		return StdioConfig{}, withServer(err, cfg.Name)
	}
	return out, nil
}

// envList converts an env map to sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func dockerEnvFlags(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	flags := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		flags = append(flags, "-e", k)
	}
	return flags
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// A single reader goroutine owns the stdout reader and delivers lines on
// a channel, so a reply that arrives after its request timed out is
// simply discarded by the next exchange instead of racing a second
// reader.
type StdioTransport struct {
	config  StdioConfig
	logger  *slog.Logger
	timeout time.Duration

	// sem serializes write-then-read exchanges. It is a channel rather
	// than a mutex so that waiting respects the caller's context.
	sem chan struct{}

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	lines   chan readResult
	quit    chan struct{}
	exited  chan struct{}
	readErr error
	started bool
	closed  bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start or the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
	}
}

// acquire takes the exchange token, or returns the context error if ctx
// ends first.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; never proceed on a dead context.
	if err := ctx.Err(); err != nil {
		<-t.sem
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// Start launches the subprocess if it is not already running. The
// subprocess lifecycle is independent of ctx: it survives individual
// request timeouts and only ends on Close or when the server exits.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start()
}

// start spawns the subprocess. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	if t.closed {
		return &Error{Kind: KindConnectionFailed, Server: t.config.Server, Message: "transport closed"}
	}
	if t.started {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	spawnErr := func(step string, err error) error {
		return &Error{Kind: KindProcessSpawn, Server: t.config.Server, Operation: step, Err: err}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnErr("create stdin pipe", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return spawnErr("create stdout pipe", err)
	}

	// Captured for diagnostics only, not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return spawnErr("create stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return spawnErr("start "+t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.lines = make(chan readResult, 16)
	t.quit = make(chan struct{})
	t.exited = make(chan struct{})
	t.started = true

	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20), t.lines, t.quit) // 1 MiB buffer for large responses
	go t.drainStderr(stderr)
	go t.reap(cmd.Process, t.exited)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop delivers stdout lines until EOF or a read error, then records
// the error and closes out.
func (t *StdioTransport) readLoop(r *bufio.Reader, out chan<- readResult, quit <-chan struct{}) {
	defer close(out)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			select {
			case out <- readResult{line: line}:
			case <-quit:
				return
			}
		}
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}
	}
}

// maxStderrLine caps how much of one stderr line is logged.
const maxStderrLine = 4 << 10

// drainStderr logs stderr lines at debug level until the child closes
// the pipe. Longer lines are truncated, never fatal: closing the pipe
// early would kill the child with SIGPIPE on its next write.
func (t *StdioTransport) drainStderr(r io.ReadCloser) {
	defer r.Close()
	br := bufio.NewReaderSize(r, maxStderrLine)
	line := make([]byte, 0, maxStderrLine)
	size := 0
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if room := maxStderrLine - len(line); room > 0 {
			line = append(line, chunk[:min(room, len(chunk))]...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if text := bytes.TrimRight(line, "\r\n"); len(text) > 0 {
			if size > maxStderrLine {
				t.logger.Debug("MCP subprocess stderr", "line", string(text), "truncated_from", size)
			} else {
				t.logger.Debug("MCP subprocess stderr", "line", string(text))
			}
		}
		line, size = line[:0], 0
		if err != nil {
			return
		}
	}
}

// reap waits for the process to exit. os.Process.Wait is used instead of
// exec.Cmd.Wait because the latter closes the stdout pipe, which could
// discard a final reply still buffered in it.
func (t *StdioTransport) reap(p *os.Process, exited chan<- struct{}) {
	state, err := p.Wait()
	if err != nil {
		t.logger.Debug("MCP subprocess wait failed", "error", err)
	} else {
		t.logger.Info("MCP subprocess exited", "pid", p.Pid, "state", state.String())
	}
	close(exited)
}

// Send writes a JSON-RPC request to stdin and waits for the reply with
// the same id. Lines that are not JSON, server-initiated messages and
// stale replies to earlier timed-out requests are skipped. The wait is
// bounded by the transport timeout and ctx; on expiry a Timeout error is
// returned and the subprocess is left running.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	lines, err := t.write(req.Method, req)
	if err != nil {
		return nil, err
	}

	wait := t.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < wait {
			wait = until
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	timeoutErr := func(cause error) error {
		return &Error{
			Kind:      KindTimeout,
			Server:    t.config.Server,
			Operation: req.Method,
			TimeoutMS: wait.Milliseconds(),
			Err:       cause,
		}
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, timeoutErr(ctx.Err())
			}
			return nil, ctx.Err()
		case <-timer.C:
			return nil, timeoutErr(nil)
		case res, ok := <-lines:
			if !ok {
				return nil, t.eofError(req.Method)
			}

			resp, status := decodeReply(res.line, req.ID)
			if status != replyMatch {
				t.logger.Debug("skipping MCP subprocess output",
					"reason", status.String(),
					"want_id", req.ID,
					"line", string(res.line),
				)
				continue
			}
			return resp, nil
		}
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	_, err := t.write(notif.Method, notif)
	return err
}

// write starts the process if needed and writes msg plus a newline to
// stdin. It returns the line channel for the caller to read from.
// Caller must hold the exchange token.
func (t *StdioTransport) write(method string, msg any) (<-chan readResult, error) {
	t.mu.Lock()
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	stdin, lines := t.stdin, t.lines
	t.mu.Unlock()

	data, err := frameLine(msg)
	if err != nil {
		return nil, &Error{Kind: KindSerialization, Server: t.config.Server, Operation: method, Err: err}
	}

	if _, err := stdin.Write(data); err != nil {
		return nil, &Error{
			Kind:      KindConnectionFailed,
			Server:    t.config.Server,
			Operation: method,
			Message:   "write to subprocess stdin",
			Err:       err,
		}
	}
	t.logger.Log(context.Background(), levelTrace, "MCP stdio send", "payload", string(data))
	return lines, nil
}

// eofError describes why the stdout stream ended.
func (t *StdioTransport) eofError(method string) error {
	t.mu.Lock()
	readErr, closed := t.readErr, t.closed
	t.mu.Unlock()

	if closed {
		return &Error{Kind: KindConnectionFailed, Server: t.config.Server, Operation: method, Message: "transport closed"}
	}
	if readErr == nil || errors.Is(readErr, io.EOF) {
		return &Error{
			Kind:      KindConnectionFailed,
			Server:    t.config.Server,
			Operation: method,
			Message:   "server closed stdout",
		}
	}
	return &Error{Kind: KindIO, Server: t.config.Server, Operation: method, Message: "read subprocess stdout", Err: readErr}
}

// Alive reports whether the subprocess is still running and its stdout
// is open. It never blocks on the process.
func (t *StdioTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.closed || t.readErr != nil {
		return false
	}
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// PID returns the subprocess id, or 0 if it has not been started.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close closes stdin, kills the subprocess and reaps it. It does not
// wait for an in-flight exchange: the killed child closes stdout, which
// ends that exchange with a ConnectionFailed error. Closing twice is a
// no-op.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop()
}

// stop terminates the subprocess. Caller must hold t.mu.
func (t *StdioTransport) stop() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if !t.started {
		return nil
	}

	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	close(t.quit)
	t.stdin.Close()

	var killErr error
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		killErr = &Error{Kind: KindIO, Server: t.config.Server, Operation: "kill", Err: err}
	}

	select {
	case <-t.exited:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit after kill", "pid", pid)
	}

	t.stdout.Close()
	return killErr
}

// String describes the command line, for logs.
func (t *StdioTransport) String() string {
	return fmt.Sprintf("stdio(%s %v)", t.config.Command, t.config.Args)
}
