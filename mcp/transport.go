package mcp

import "context"

// DisconnectEvent reports why a transport stopped. Err is nil for a
// clean shutdown (process exited zero, peer closed normally) and
// carries the exit or read error otherwise.
type DisconnectEvent struct {
	Err error
}

// Transport is a duplex channel carrying raw JSON documents to and
// from one MCP server. Implementations handle framing: the stdio
// transport splits subprocess output on newlines, the websocket
// transport maps one document to one frame.
//
// A Transport has a single owner. Start must be called exactly once
// before Send; after Close or a disconnect the transport cannot be
// reused — open a fresh one instead.
type Transport interface {
	// Start opens the channel: spawns the subprocess or dials the
	// socket. Failure to open is reported as a *ConnectError.
	Start(ctx context.Context) error

	// Send writes one complete JSON document to the server. Safe for
	// concurrent use.
	Send(data []byte) error

	// Messages delivers each well-formed inbound JSON document.
	// Malformed input is logged and skipped, never delivered and never
	// fatal. The channel is drained by the owning Client.
	Messages() <-chan []byte

	// Done delivers the disconnect event exactly once, whether the
	// server exited on its own or Close tore it down. Single
	// consumer: the owning Client. Anyone else observes disconnection
	// through Client.DisconnectReason.
	Done() <-chan DisconnectEvent

	// Close shuts the transport down and releases its resources. For
	// stdio transports this terminates the subprocess, escalating to a
	// kill if it ignores the grace period.
	Close() error
}
