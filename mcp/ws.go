package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSConfig configures a websocket MCP transport that communicates with
// a remote server, one JSON-RPC document per frame.
type WSConfig struct {
	// URL is the ws:// or wss:// endpoint of the MCP server.
	URL string

	// Headers are additional HTTP headers sent with the dial request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with an MCP server over a websocket
// connection. Framing is native: each frame carries one JSON document.
type WSTransport struct {
	config WSConfig
	logger *slog.Logger

	msgs     chan []byte
	done     chan DisconnectEvent
	exited   chan struct{}
	doneOnce sync.Once

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	started bool
	closing bool
}

// NewWSTransport creates a websocket transport for the given config.
// The connection is dialed by Start.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		config: cfg,
		logger: logger.With("conn_id", uuid.NewString()[:8]),
		msgs:   make(chan []byte, 32),
		done:   make(chan DisconnectEvent, 1),
		exited: make(chan struct{}),
	}
}

// Start dials the endpoint and begins the read loop. Dial failures are
// reported as *ConnectError.
func (t *WSTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("websocket transport already started")
	}

	t.logger.Info("dialing MCP websocket", "url", t.config.URL)

	// Sized buffers: tool results can be large.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	var header http.Header
	if len(t.config.Headers) > 0 {
		header = make(http.Header, len(t.config.Headers))
		for k, v := range t.config.Headers {
			header.Set(k, v)
		}
	}

	conn, _, err := dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		return &ConnectError{Endpoint: t.config.URL, Err: err}
	}
	conn.SetReadLimit(32 * 1024 * 1024)

	t.conn = conn
	t.started = true

	go t.readLoop(conn)

	t.logger.Info("MCP websocket connected")
	return nil
}

// Send writes one JSON document as a single text frame.
func (t *WSTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.conn == nil {
		return fmt.Errorf("send: %w", ErrConnectionClosed)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// Messages delivers inbound JSON documents, one per frame.
func (t *WSTransport) Messages() <-chan []byte {
	return t.msgs
}

// Done delivers the disconnect event once the connection is lost.
func (t *WSTransport) Done() <-chan DisconnectEvent {
	return t.done
}

// Close tears down the connection. The read loop observes the closed
// socket and delivers the disconnect event.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.started || t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	t.mu.Unlock()

	t.logger.Info("closing MCP websocket")

	t.writeMu.Lock()
	// Best effort: tell the peer we are going away before slamming the
	// socket shut.
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := t.conn.Close()
	t.writeMu.Unlock()

	<-t.exited
	return err
}

// readLoop forwards frames to the message channel until the connection
// drops, then delivers the disconnect event. A frame that is not valid
// JSON is logged and skipped.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("MCP websocket closed by peer")
				t.fireDone(nil)
			} else {
				t.mu.Lock()
				closing := t.closing
				t.mu.Unlock()
				if closing {
					// Local Close: not an error.
					t.fireDone(nil)
				} else {
					t.logger.Info("MCP websocket read error, connection lost", "error", err)
					t.fireDone(err)
				}
			}
			return
		}

		if !json.Valid(data) {
			perr := &ProtocolError{Raw: data, Err: fmt.Errorf("invalid JSON frame")}
			t.logger.Warn("skipping unparsable websocket frame",
				"error", perr,
				"frame", truncateForLog(data),
			)
			continue
		}

		t.msgs <- data
	}
}

// fireDone delivers the disconnect event exactly once.
func (t *WSTransport) fireDone(err error) {
	t.doneOnce.Do(func() {
		t.done <- DisconnectEvent{Err: err}
		close(t.exited)
	})
}
