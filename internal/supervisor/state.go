package supervisor

import "time"

// State represents the lifecycle state of the backend process.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

// Active reports whether a process instance exists in this state.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Snapshot is a point-in-time copy of the supervisor's state.
type Snapshot struct {
	State      State     `json:"state"`
	RunID      string    `json:"runId,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Executable string    `json:"executable,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	Ready      bool      `json:"ready"`
	LastError  error     `json:"-"`
}

// EventType distinguishes output, lifecycle and exit events.
type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventState  EventType = "state"
	EventReady  EventType = "ready"
	EventExit   EventType = "exit"
)

// Event is a single notification from the supervised process. Output
// events on one stream arrive in pipe order; stdout and stderr are not
// ordered relative to each other.
type Event struct {
	RunID     string    `json:"runId"`
	Type      EventType `json:"type"`
	Data      string    `json:"data,omitempty"`
	State     State     `json:"state,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
