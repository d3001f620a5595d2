package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for failure modes callers are expected to branch on
// with errors.Is.
var (
	// ErrConnectionClosed is returned for every request still pending
	// when the transport disconnects, and for requests issued after it.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is returned when no response arrives within the
	// request deadline. The pending entry is discarded; a late response
	// for the same ID is logged and dropped.
	ErrTimeout = errors.New("request timed out")

	// ErrNotInitialized is returned when a request is issued before the
	// initialize handshake has completed. The request never reaches the
	// transport.
	ErrNotInitialized = errors.New("client not initialized")
)

// ConnectError indicates the transport failed to open: the command
// could not be spawned or the socket endpoint was unreachable.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed message: an unparsable line or
// frame, or a JSON document that is not structurally valid JSON-RPC.
// Transports log and skip these without closing the connection.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
