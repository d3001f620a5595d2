package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultStopGrace is how long Close waits for the subprocess to exit
// after stdin is closed before killing it.
const defaultStopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// ExtraPaths are directories prefixed onto the subprocess PATH,
	// ahead of the inherited entries, de-duplicated preserving
	// first-seen order.
	ExtraPaths []string

	// StopGrace is how long Close waits for a graceful exit before
	// killing the subprocess. Zero means defaultStopGrace.
	StopGrace time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	msgs     chan []byte
	done     chan DisconnectEvent
	exited   chan struct{}
	doneOnce sync.Once

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	closing bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is spawned by Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &StdioTransport{
		config: cfg,
		logger: logger.With("conn_id", uuid.NewString()[:8]),
		msgs:   make(chan []byte, 32),
		done:   make(chan DisconnectEvent, 1),
		exited: make(chan struct{}),
	}
}

// Start spawns the subprocess and begins reading its stdout. Spawn
// failures are reported as *ConnectError.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("stdio transport already started")
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = buildEnv(os.Environ(), t.config.Env, t.config.ExtraPaths)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectError{Endpoint: t.config.Command, Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &ConnectError{Endpoint: t.config.Command, Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &ConnectError{Endpoint: t.config.Command, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return &ConnectError{Endpoint: t.config.Command, Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.drainStderr(stderrPipe)

	// Read stdout until EOF, then reap the process and report the
	// disconnect. Ordering matters: Wait may only run after the last
	// read from the pipe.
	go func() {
		t.readLoop(stdout)
		waitErr := cmd.Wait()
		t.fireDone(waitErr)
	}()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Send writes one JSON document plus the newline delimiter to the
// subprocess stdin.
func (t *StdioTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.stdin == nil {
		return fmt.Errorf("send: %w", ErrConnectionClosed)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Messages delivers inbound JSON documents, one per stdout line.
func (t *StdioTransport) Messages() <-chan []byte {
	return t.msgs
}

// Done delivers the disconnect event once the subprocess has exited.
func (t *StdioTransport) Done() <-chan DisconnectEvent {
	return t.done
}

// Close terminates the subprocess: stdin is closed to request a
// graceful exit, and the process is killed if it is still running
// after the grace period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	cmd := t.cmd
	t.mu.Unlock()

	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	t.writeMu.Lock()
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	t.writeMu.Unlock()

	select {
	case <-t.exited:
		return nil
	case <-time.After(t.config.StopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-t.exited
		return nil
	}
}

// readLoop splits stdout into lines and forwards each well-formed JSON
// document to the message channel. A line that is not valid JSON is
// logged and skipped; it never closes the transport.
func (t *StdioTransport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20) // large tool results

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			perr := &ProtocolError{Raw: line, Err: fmt.Errorf("invalid JSON line")}
			t.logger.Warn("skipping unparsable line from MCP subprocess",
				"error", perr,
				"line", truncateForLog(line),
			)
			continue
		}
		// Copy: scanner reuses its buffer on the next Scan.
		msg := make([]byte, len(line))
		copy(msg, line)
		t.msgs <- msg
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("subprocess stdout closed", "error", err)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// fireDone records the exit reason and delivers the disconnect event
// exactly once. A clean exit (status zero) carries a nil error.
func (t *StdioTransport) fireDone(waitErr error) {
	t.doneOnce.Do(func() {
		if waitErr != nil {
			t.logger.Info("MCP subprocess exited", "error", waitErr)
		} else {
			t.logger.Info("MCP subprocess exited cleanly")
		}
		t.done <- DisconnectEvent{Err: waitErr}
		close(t.exited)
	})
}

// buildEnv combines the inherited environment with per-server
// overrides, then rewrites PATH so extra entries come first.
func buildEnv(base, overrides, extraPaths []string) []string {
	env := make([]string, 0, len(base)+len(overrides))
	env = append(env, base...)
	env = append(env, overrides...)

	if len(extraPaths) == 0 {
		return env
	}

	// The last PATH entry wins, matching exec semantics for
	// duplicated variables.
	inherited := ""
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			inherited = v
		}
	}

	merged := mergePath(inherited, extraPaths)
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "PATH="+merged)
}

// mergePath prefixes extra entries onto an inherited PATH string,
// de-duplicating while preserving first-seen order.
func mergePath(inherited string, extra []string) string {
	seen := make(map[string]bool)
	var parts []string

	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		parts = append(parts, p)
	}

	for _, p := range extra {
		add(p)
	}
	for _, p := range strings.Split(inherited, string(os.PathListSeparator)) {
		add(p)
	}

	return strings.Join(parts, string(os.PathListSeparator))
}

// truncateForLog keeps log lines bounded when a server emits garbage.
func truncateForLog(b []byte) string {
	const max = 200
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
