package supervisor

import "github.com/openclay/mcphub/mcp"

// State is a server's position in the lifecycle state machine.
type State string

const (
	// StateStopped is the initial and terminal state.
	StateStopped State = "stopped"

	// StateStarting covers transport open, handshake, and tool
	// discovery, for both manual starts and automatic restarts.
	StateStarting State = "starting"

	// StateRunning means the handshake completed and tool calls are
	// accepted.
	StateRunning State = "running"

	// StateStopping means a stop is in flight.
	StateStopping State = "stopping"

	// StateCrashed means the transport disconnected outside a stop and
	// a restart is pending (or being scheduled).
	StateCrashed State = "crashed"

	// StateFailed means startup failed or the restart cap was
	// exhausted; a manual start is required.
	StateFailed State = "failed"
)

// ServerStatus is a point-in-time snapshot of one server, suitable for
// JSON serialization in a host's status surface. Tools is a copy; the
// supervisor's own cache is never shared.
type ServerStatus struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Enabled         bool                 `json:"enabled"`
	State           State                `json:"state"`
	Tools           []mcp.ToolDefinition `json:"tools,omitempty"`
	LastError       string               `json:"last_error,omitempty"`
	RestartAttempts int                  `json:"restart_attempts"`
}
