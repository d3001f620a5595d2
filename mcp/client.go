package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// clientVersion identifies this library in the initialize handshake.
const clientVersion = "0.1.0"

// defaultCallTimeout applies to requests whose context carries no deadline.
const defaultCallTimeout = 30 * time.Second

// Protocol method names.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
	methodPing        = "ping"
)

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// NotificationHandler receives server-initiated notifications. Params
// is the raw JSON params payload, which may be nil.
type NotificationHandler func(method string, params json.RawMessage)

// callResult is delivered to a waiting caller when its response
// arrives, the transport disconnects, or the request is failed.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingReg registers a request ID with the dispatch loop.
type pendingReg struct {
	id int64
	ch chan callResult
}

// Client speaks JSON-RPC to a single MCP server over one Transport.
// Multiple requests may be outstanding at once; responses are matched
// to callers purely by ID, so out-of-order arrival is fine.
//
// The pending-request table has a single owner: the dispatch goroutine.
// Registration, cancellation, inbound messages, and the disconnect
// event all reach it over channels, so no lock guards the table.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration

	nextID      atomic.Int64
	initialized atomic.Bool

	regCh   chan pendingReg
	unregCh chan int64
	countCh chan chan int
	closed  chan struct{}

	// closeEvent is written by the dispatch loop before closed is
	// closed; readers may touch it only after <-closed.
	closeEvent DisconnectEvent

	notifyMu sync.RWMutex
	notifyFn NotificationHandler

	infoMu     sync.RWMutex
	serverName string
	serverVer  string
}

// NewClient creates a client for an already-started Transport and
// begins dispatching its messages. The caller must run Initialize
// before issuing other requests.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		timeout:   defaultCallTimeout,
		regCh:     make(chan pendingReg),
		unregCh:   make(chan int64),
		countCh:   make(chan chan int),
		closed:    make(chan struct{}),
	}
	go c.dispatch()
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// ServerInfo returns the name and version the server reported during
// the handshake. Empty before Initialize completes.
func (c *Client) ServerInfo() (name, version string) {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.serverName, c.serverVer
}

// OnNotification registers a handler for server-initiated
// notifications. Without one, notifications are logged and dropped.
// The handler runs on the dispatch goroutine and must not block.
func (c *Client) OnNotification(fn NotificationHandler) {
	c.notifyMu.Lock()
	c.notifyFn = fn
	c.notifyMu.Unlock()
}

// Initialize performs the MCP handshake: an initialize request followed
// by the notifications/initialized notification. It must complete
// before any other request; Call rejects early requests locally.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcphub",
			"version": clientVersion,
		},
	}

	raw, err := c.call(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.infoMu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.infoMu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.Notify(methodInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	c.initialized.Store(true)
	return nil
}

// Call issues a JSON-RPC request and waits for the matching response,
// the deadline, or the transport disconnect, whichever comes first.
// Requests issued before the handshake completes fail locally with
// ErrNotInitialized.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.initialized.Load() {
		return nil, fmt.Errorf("%s: %w", method, ErrNotInitialized)
	}
	return c.call(ctx, method, params)
}

// Notify sends a fire-and-forget notification. It fails only if the
// underlying write fails.
func (c *Client) Notify(method string, params any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.transport.Send(data); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// ListTools calls tools/list and returns the advertised tool
// definitions. The caller (the supervisor) owns any caching.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.Call(ctx, methodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}

	c.logger.Debug("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name. The result payload is returned raw;
// interpreting tool-specific shapes is the host's concern. See
// ParseToolResult for the common content-block shape.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.Call(ctx, methodToolsCall, params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return raw, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, methodPing, nil)
	return err
}

// Close shuts down the client's transport. Pending requests fail with
// ErrConnectionClosed once the disconnect propagates.
func (c *Client) Close() error {
	return c.transport.Close()
}

// DisconnectReason returns the transport's disconnect event after the
// client has shut down, blocking until then.
func (c *Client) DisconnectReason() DisconnectEvent {
	<-c.closed
	return c.closeEvent
}

// call implements the request path without the handshake guard, so
// Initialize can use it for the initialize request itself.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// Register before writing so a fast response cannot slip past.
	ch := make(chan callResult, 1)
	select {
	case c.regCh <- pendingReg{id: id, ch: ch}:
	case <-c.closed:
		return nil, fmt.Errorf("%s: %w", method, ErrConnectionClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := c.transport.Send(data); err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		return res.result, nil
	case <-ctx.Done():
		c.unregister(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// unregister discards a pending entry after a timeout or write error.
// A response racing the timeout may have already been delivered; the
// buffered result channel is simply dropped in that case.
func (c *Client) unregister(id int64) {
	select {
	case c.unregCh <- id:
	case <-c.closed:
	}
}

// pendingCount reports the size of the pending-request table. Zero
// after shutdown.
func (c *Client) pendingCount() int {
	ch := make(chan int, 1)
	select {
	case c.countCh <- ch:
		return <-ch
	case <-c.closed:
		return 0
	}
}

// dispatch owns the pending-request table. It runs until the transport
// reports its disconnect, at which point every outstanding request is
// failed with ErrConnectionClosed.
func (c *Client) dispatch() {
	pending := make(map[int64]chan callResult)

	for {
		select {
		case reg := <-c.regCh:
			pending[reg.id] = reg.ch

		case id := <-c.unregCh:
			delete(pending, id)

		case ch := <-c.countCh:
			ch <- len(pending)

		case raw := <-c.transport.Messages():
			c.handleMessage(pending, raw)

		case ev := <-c.transport.Done():
			if len(pending) > 0 {
				c.logger.Info("transport disconnected with requests pending",
					"pending", len(pending),
					"error", ev.Err,
				)
			}
			for id, ch := range pending {
				delete(pending, id)
				ch <- callResult{err: ErrConnectionClosed}
			}
			c.closeEvent = ev
			close(c.closed)
			return
		}
	}
}

// handleMessage routes one inbound document: responses resolve their
// pending entry, notifications go to the subscriber, anything else is
// logged and dropped.
func (c *Client) handleMessage(pending map[int64]chan callResult, raw []byte) {
	resp, notif, err := decodeMessage(raw)
	switch {
	case err != nil:
		c.logger.Warn("dropping malformed message", "error", err)

	case resp != nil:
		ch, ok := pending[resp.ID]
		if !ok {
			// Late response after a timeout, or a server bug.
			c.logger.Warn("dropping response with no pending request", "id", resp.ID)
			return
		}
		delete(pending, resp.ID)
		if resp.Error != nil {
			ch <- callResult{err: resp.Error}
		} else {
			ch <- callResult{result: resp.Result}
		}

	case notif != nil:
		c.notifyMu.RLock()
		fn := c.notifyFn
		c.notifyMu.RUnlock()
		if fn == nil {
			c.logger.Debug("unhandled notification", "method", notif.Method)
			return
		}
		params, _ := notif.Params.(json.RawMessage)
		fn(notif.Method, params)
	}
}
