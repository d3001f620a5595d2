package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openclay/mcphub/configstore"
	"github.com/openclay/mcphub/mcp"
)

// server is the supervisor's record of one configured MCP server.
//
// Two locks with distinct jobs. mu serializes lifecycle transitions for
// this server and is held across the blocking start and stop sequences;
// servers never block each other. statusMu guards the observable fields
// below it, so status snapshots and tool-call routing never wait behind
// a transition in flight. Lifecycle code writes the observable fields
// while holding both locks (mu first), which lets it read them back
// without statusMu.
type server struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	transport mcp.Transport
	stopping  bool

	// gen increments on every start and stop, so stale monitor
	// goroutines and restart timers can detect they were superseded.
	gen          int
	restartTimer *time.Timer

	statusMu sync.Mutex
	cfg      configstore.ServerConfig
	state    State
	lastErr  error
	attempts int
	tools    []mcp.ToolDefinition
	client   *mcp.Client
}

// startLocked runs the full start sequence: fresh transport + client,
// handshake, tool discovery. The server is observable as Starting for
// the whole sequence. Any failure leaves the server Failed with lastErr
// recorded; there is no automatic retry on this path. Caller holds s.mu.
func (sv *Supervisor) startLocked(ctx context.Context, s *server) error {
	s.gen++
	gen := s.gen
	s.stopping = false

	s.statusMu.Lock()
	s.state = StateStarting
	s.lastErr = nil
	cfg := s.cfg
	s.statusMu.Unlock()

	tr, err := sv.factory(cfg, s.logger)
	if err != nil {
		return sv.failLocked(s, fmt.Errorf("create transport: %w", err))
	}

	startCtx, cancel := context.WithTimeout(ctx, sv.startupTimeout)
	defer cancel()

	if err := tr.Start(startCtx); err != nil {
		return sv.failLocked(s, err)
	}

	client := mcp.NewClient(s.id, tr, s.logger)

	if err := client.Initialize(startCtx); err != nil {
		client.Close()
		return sv.failLocked(s, fmt.Errorf("handshake: %w", err))
	}

	tools, err := client.ListTools(startCtx)
	if err != nil {
		client.Close()
		return sv.failLocked(s, fmt.Errorf("tool discovery: %w", err))
	}

	s.transport = tr

	s.statusMu.Lock()
	s.client = client
	s.tools = tools
	s.state = StateRunning
	s.statusMu.Unlock()

	s.logger.Info("server running", "tools", len(tools), "attempts", s.attempts)

	go sv.monitor(s, client, gen)
	return nil
}

// failLocked records a startup failure. Caller holds s.mu.
func (sv *Supervisor) failLocked(s *server, err error) error {
	s.transport = nil

	s.statusMu.Lock()
	s.state = StateFailed
	s.lastErr = err
	s.client = nil
	s.statusMu.Unlock()

	s.logger.Warn("server start failed", "error", err)
	return fmt.Errorf("start server %s: %w", s.id, err)
}

// monitor waits for the client to report its transport's disconnect.
// A disconnect during a deliberate stop is the stop path's business;
// anything else while Running is a crash, which schedules a restart if
// attempts remain under the cap.
func (sv *Supervisor) monitor(s *server, client *mcp.Client, gen int) {
	ev := client.DisconnectReason()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.stopping || s.state != StateRunning {
		// Superseded by a newer start, or a deliberate stop.
		return
	}

	s.transport = nil

	s.statusMu.Lock()
	s.state = StateCrashed
	if ev.Err != nil {
		s.lastErr = ev.Err
	} else {
		s.lastErr = errors.New("server exited unexpectedly")
	}
	s.client = nil
	s.statusMu.Unlock()

	s.logger.Warn("server crashed", "error", s.lastErr, "attempts", s.attempts)

	sv.scheduleRestartLocked(s)
}

// scheduleRestartLocked arms the backoff timer for the next restart
// attempt, or parks the server Failed when the cap is exhausted.
// Caller holds s.mu with s.state == StateCrashed.
func (sv *Supervisor) scheduleRestartLocked(s *server) {
	if s.attempts >= sv.policy.MaxAttempts {
		s.statusMu.Lock()
		s.state = StateFailed
		s.statusMu.Unlock()

		s.logger.Error("restart attempts exhausted, manual start required",
			"attempts", s.attempts,
		)
		return
	}

	s.statusMu.Lock()
	s.attempts++
	s.statusMu.Unlock()

	delay := sv.policy.Delay(s.attempts)
	gen := s.gen

	s.logger.Info("scheduling restart",
		"attempt", s.attempts,
		"max_attempts", sv.policy.MaxAttempts,
		"delay", delay.String(),
	)

	s.restartTimer = time.AfterFunc(delay, func() {
		sv.tryRestart(s, gen)
	})
}

// tryRestart is the timer callback for a crash-scheduled restart. A
// stop, remove, or manual start in the meantime invalidates it.
func (sv *Supervisor) tryRestart(s *server, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != StateCrashed {
		return
	}

	s.logger.Info("restarting after crash", "attempt", s.attempts)

	if err := sv.startLocked(context.Background(), s); err != nil {
		// The restart itself failed to come up. Keep backing off
		// until the cap, in crashed state while waiting.
		if s.attempts < sv.policy.MaxAttempts {
			s.statusMu.Lock()
			s.state = StateCrashed
			s.statusMu.Unlock()
			sv.scheduleRestartLocked(s)
		}
	}
}

// stopLocked drives the server to Stopped: cancels any pending
// restart, closes the transport (graceful, then forced by the
// transport's own grace period), and resets the attempt counter. The
// server is observable as Stopping while the close runs. A server
// already Stopped is a no-op with no transport operations. Caller
// holds s.mu.
func (sv *Supervisor) stopLocked(s *server) error {
	if s.state == StateStopped {
		return nil
	}

	s.gen++
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}

	var err error
	if s.client != nil {
		s.stopping = true

		s.statusMu.Lock()
		s.state = StateStopping
		s.statusMu.Unlock()

		s.logger.Info("stopping server")
		err = s.client.Close()
	}

	s.transport = nil
	s.stopping = false

	s.statusMu.Lock()
	s.client = nil
	s.state = StateStopped
	s.attempts = 0
	s.statusMu.Unlock()
	return err
}
