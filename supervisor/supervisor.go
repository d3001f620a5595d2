package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclay/mcphub/configstore"
	"github.com/openclay/mcphub/mcp"
)

// Supervisor-level misuse errors, branched on with errors.Is.
var (
	// ErrDuplicateID is returned by AddServer when the ID is already
	// registered. The existing server is left untouched.
	ErrDuplicateID = errors.New("server id already registered")

	// ErrServerNotRunning is returned by CallTool and RefreshTools for
	// a server that is not in the Running state.
	ErrServerNotRunning = errors.New("server is not running")

	// ErrNotFound is returned for operations on an unknown server ID.
	ErrNotFound = errors.New("server not found")

	// ErrClosed is returned for operations on a closed supervisor.
	ErrClosed = errors.New("supervisor closed")
)

// defaultStartupTimeout bounds the whole start sequence: transport
// open, handshake, tool discovery.
const defaultStartupTimeout = 30 * time.Second

// TransportFactory builds a fresh transport for one server config.
// Overridable for tests and for hosts with custom transports.
type TransportFactory func(cfg configstore.ServerConfig, logger *slog.Logger) (mcp.Transport, error)

// defaultTransportFactory maps a config to the stdio or websocket
// transport based on which endpoint field is set.
func defaultTransportFactory(cfg configstore.ServerConfig, logger *slog.Logger) (mcp.Transport, error) {
	if cfg.Command != "" {
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command:    cfg.Command,
			Args:       cfg.Args,
			Env:        env,
			ExtraPaths: cfg.ExtraPaths,
			Logger:     logger,
		}), nil
	}
	return mcp.NewWSTransport(mcp.WSConfig{
		URL:    cfg.URL,
		Logger: logger,
	}), nil
}

// Options configures a Supervisor. The zero value is usable: no
// persistence, default restart policy, default logger.
type Options struct {
	// Store persists the server collection. Nil disables persistence.
	Store configstore.Store

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Restart is the crash-recovery policy. Zero-value fields are
	// filled from DefaultRestartPolicy.
	Restart RestartPolicy

	// StartupTimeout bounds transport open + handshake + discovery.
	StartupTimeout time.Duration

	// Transport overrides how transports are built.
	Transport TransportFactory
}

// Supervisor owns the server collection. Mutations on different
// servers proceed independently; the supervisor's own lock guards only
// the map itself.
type Supervisor struct {
	logger         *slog.Logger
	store          configstore.Store
	policy         RestartPolicy
	startupTimeout time.Duration
	factory        TransportFactory

	mu      sync.RWMutex
	servers map[string]*server
	closed  bool
}

// New constructs a supervisor. When a store is configured, the
// persisted server collection is loaded and every enabled server is
// started in the background; startup failures land in that server's
// status rather than failing construction.
func New(opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.Transport == nil {
		opts.Transport = defaultTransportFactory
	}

	sv := &Supervisor{
		logger:         logger,
		store:          opts.Store,
		policy:         opts.Restart.withDefaults(),
		startupTimeout: opts.StartupTimeout,
		factory:        opts.Transport,
		servers:        make(map[string]*server),
	}

	if sv.store != nil {
		configs, err := sv.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load server configs: %w", err)
		}
		for _, cfg := range configs {
			if err := cfg.Validate(); err != nil {
				logger.Warn("skipping invalid persisted server config", "error", err)
				continue
			}
			if _, dup := sv.servers[cfg.ID]; dup {
				logger.Warn("skipping duplicate persisted server config", "id", cfg.ID)
				continue
			}
			sv.servers[cfg.ID] = sv.newServer(cfg)
		}
		for id, s := range sv.servers {
			if s.cfg.Enabled {
				go func(id string) {
					if err := sv.StartServer(context.Background(), id); err != nil {
						logger.Warn("startup of persisted server failed", "id", id, "error", err)
					}
				}(id)
			}
		}
	}

	return sv, nil
}

func (sv *Supervisor) newServer(cfg configstore.ServerConfig) *server {
	return &server{
		id:     cfg.ID,
		logger: sv.logger.With("mcp_server", cfg.ID),
		cfg:    cfg,
		state:  StateStopped,
	}
}

// AddServer registers a new server config, persists the collection,
// and starts the server when it is enabled. A duplicate ID fails with
// ErrDuplicateID and leaves the existing server untouched. A start
// failure is returned but the registration stands; the server is left
// Failed and can be started manually later.
func (sv *Supervisor) AddServer(ctx context.Context, cfg configstore.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return ErrClosed
	}
	if _, dup := sv.servers[cfg.ID]; dup {
		sv.mu.Unlock()
		return fmt.Errorf("add server %s: %w", cfg.ID, ErrDuplicateID)
	}
	sv.servers[cfg.ID] = sv.newServer(cfg)
	sv.mu.Unlock()

	sv.logger.Info("server added", "id", cfg.ID, "enabled", cfg.Enabled)

	if err := sv.persist(); err != nil {
		return err
	}

	if cfg.Enabled {
		return sv.StartServer(ctx, cfg.ID)
	}
	return nil
}

// UpdateServer replaces a server's config with remove+re-add
// semantics: the running instance is stopped, the config swapped and
// persisted, and the server restarted when enabled.
func (sv *Supervisor) UpdateServer(ctx context.Context, cfg configstore.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if sv.isClosed() {
		return ErrClosed
	}

	s, err := sv.lookup(cfg.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	stopErr := sv.stopLocked(s)
	s.statusMu.Lock()
	s.cfg = cfg
	s.statusMu.Unlock()
	s.mu.Unlock()
	if stopErr != nil {
		sv.logger.Warn("stop during update", "id", cfg.ID, "error", stopErr)
	}

	if err := sv.persist(); err != nil {
		return err
	}

	if cfg.Enabled {
		return sv.StartServer(ctx, cfg.ID)
	}
	return nil
}

// RemoveServer stops the server if it is live and discards its entry.
func (sv *Supervisor) RemoveServer(ctx context.Context, id string) error {
	if sv.isClosed() {
		return ErrClosed
	}

	s, err := sv.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	stopErr := sv.stopLocked(s)
	s.mu.Unlock()
	if stopErr != nil {
		sv.logger.Warn("stop during remove", "id", id, "error", stopErr)
	}

	sv.mu.Lock()
	delete(sv.servers, id)
	sv.mu.Unlock()

	sv.logger.Info("server removed", "id", id)
	return sv.persist()
}

// StartServer brings a server to Running: fresh transport and client,
// handshake, tool discovery. A server already Running or Starting is a
// no-op. A manual start resets the restart-attempt counter.
func (sv *Supervisor) StartServer(ctx context.Context, id string) error {
	s, err := sv.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-checked under the lifecycle lock: a start racing Close must
	// not revive a server teardown already stopped.
	if sv.isClosed() {
		return ErrClosed
	}
	if s.state == StateRunning || s.state == StateStarting {
		return nil
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}

	s.statusMu.Lock()
	s.attempts = 0
	s.statusMu.Unlock()

	return sv.startLocked(ctx, s)
}

// StopServer drives a server to Stopped and resets its restart
// counter. Stopping an already-Stopped server is a no-op that touches
// no transport.
func (sv *Supervisor) StopServer(ctx context.Context, id string) error {
	s, err := sv.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return sv.stopLocked(s)
}

// RestartServer is a stop followed by a start.
func (sv *Supervisor) RestartServer(ctx context.Context, id string) error {
	if err := sv.StopServer(ctx, id); err != nil {
		return err
	}
	return sv.StartServer(ctx, id)
}

// CallTool routes a tool invocation to a Running server and returns
// the raw result payload.
func (sv *Supervisor) CallTool(ctx context.Context, id, name string, args map[string]any) (json.RawMessage, error) {
	client, err := sv.runningClient(id)
	if err != nil {
		return nil, err
	}
	return client.CallTool(ctx, name, args)
}

// RefreshTools re-runs tool discovery against a Running server and
// replaces the cached catalog.
func (sv *Supervisor) RefreshTools(ctx context.Context, id string) ([]mcp.ToolDefinition, error) {
	s, err := sv.lookup(id)
	if err != nil {
		return nil, err
	}

	s.statusMu.Lock()
	client := s.client
	running := s.state == StateRunning
	s.statusMu.Unlock()
	if !running || client == nil {
		return nil, fmt.Errorf("server %s: %w", id, ErrServerNotRunning)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	s.statusMu.Lock()
	// The server may have been restarted while we were listing; only
	// replace the cache if this client is still the live one.
	if s.client == client {
		s.tools = tools
	}
	s.statusMu.Unlock()

	return tools, nil
}

// TestConnection runs the full start + handshake + discovery sequence
// against an ephemeral instance of the given config, tearing it down
// regardless of outcome. The persisted collection is never touched.
// On success it returns the number of tools the server advertises.
func (sv *Supervisor) TestConnection(ctx context.Context, cfg configstore.ServerConfig) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	logger := sv.logger.With("mcp_server", cfg.ID, "probe_id", uuid.NewString()[:8])

	tr, err := sv.factory(cfg, logger)
	if err != nil {
		return 0, fmt.Errorf("create transport: %w", err)
	}

	testCtx, cancel := context.WithTimeout(ctx, sv.startupTimeout)
	defer cancel()

	if err := tr.Start(testCtx); err != nil {
		return 0, err
	}

	client := mcp.NewClient(cfg.ID, tr, logger)
	defer client.Close()

	if err := client.Initialize(testCtx); err != nil {
		return 0, fmt.Errorf("handshake: %w", err)
	}

	tools, err := client.ListTools(testCtx)
	if err != nil {
		return 0, fmt.Errorf("tool discovery: %w", err)
	}

	logger.Info("connection test succeeded", "tools", len(tools))
	return len(tools), nil
}

// Status returns a snapshot of one server.
func (sv *Supervisor) Status(id string) (ServerStatus, error) {
	s, err := sv.lookup(id)
	if err != nil {
		return ServerStatus{}, err
	}
	return s.snapshot(), nil
}

// Statuses returns snapshots of every server, ordered by ID.
func (sv *Supervisor) Statuses() []ServerStatus {
	sv.mu.RLock()
	servers := make([]*server, 0, len(sv.servers))
	for _, s := range sv.servers {
		servers = append(servers, s)
	}
	sv.mu.RUnlock()

	out := make([]ServerStatus, 0, len(servers))
	for _, s := range servers {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServerIDs returns the registered IDs, sorted.
func (sv *Supervisor) ServerIDs() []string {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	ids := make([]string, 0, len(sv.servers))
	for id := range sv.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every server concurrently and waits for all of them to
// reach Stopped. The supervisor accepts no new servers afterward.
func (sv *Supervisor) Close() error {
	sv.mu.Lock()
	if sv.closed {
		sv.mu.Unlock()
		return nil
	}
	sv.closed = true
	servers := make([]*server, 0, len(sv.servers))
	for _, s := range sv.servers {
		servers = append(servers, s)
	}
	sv.mu.Unlock()

	sv.logger.Info("supervisor shutting down", "servers", len(servers))

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(s *server) {
			defer wg.Done()
			s.mu.Lock()
			defer s.mu.Unlock()
			if err := sv.stopLocked(s); err != nil {
				sv.logger.Warn("stop during shutdown", "id", s.id, "error", err)
			}
		}(s)
	}
	wg.Wait()
	return nil
}

func (sv *Supervisor) isClosed() bool {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.closed
}

// lookup finds a server by ID.
func (sv *Supervisor) lookup(id string) (*server, error) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	s, ok := sv.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// runningClient snapshots the live client of a Running server. Only
// the narrow status lock is taken, so a server mid-transition answers
// ErrServerNotRunning immediately instead of queueing the call behind
// the transition; the call itself happens outside any lock so
// concurrent tool calls on the same server do not serialize.
func (sv *Supervisor) runningClient(id string) (*mcp.Client, error) {
	s, err := sv.lookup(id)
	if err != nil {
		return nil, err
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.state != StateRunning || s.client == nil {
		return nil, fmt.Errorf("server %s: %w", id, ErrServerNotRunning)
	}
	return s.client, nil
}

// persist rewrites the whole server document. Memory is the source of
// truth; a persistence failure is surfaced but does not roll back the
// in-memory change.
func (sv *Supervisor) persist() error {
	if sv.store == nil {
		return nil
	}

	sv.mu.RLock()
	configs := make([]configstore.ServerConfig, 0, len(sv.servers))
	for _, s := range sv.servers {
		s.statusMu.Lock()
		configs = append(configs, s.cfg)
		s.statusMu.Unlock()
	}
	sv.mu.RUnlock()

	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })

	if err := sv.store.Save(configs); err != nil {
		sv.logger.Error("persist server configs", "error", err)
		return fmt.Errorf("persist server configs: %w", err)
	}
	return nil
}

// snapshot copies the server's observable state. It takes only the
// narrow status lock, so reads return promptly even while a blocking
// start or stop holds the lifecycle lock.
func (s *server) snapshot() ServerStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	st := ServerStatus{
		ID:              s.id,
		Name:            s.cfg.Name,
		Enabled:         s.cfg.Enabled,
		State:           s.state,
		RestartAttempts: s.attempts,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if len(s.tools) > 0 {
		st.Tools = make([]mcp.ToolDefinition, len(s.tools))
		copy(st.Tools, s.tools)
	}
	return st
}
