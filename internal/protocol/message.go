package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all messages exchanged with the UI over the
// bridge WebSocket.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a bridge-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Bridge → UI message types.
const (
	TypeBackendState   = "backend.state"
	TypeBackendOutput  = "backend.output"
	TypeSessionState   = "session.state"
	TypeSessionData    = "session.data"
	TypeSessionMessage = "session.message"
	TypeError          = "error"
)

// UI → Bridge message types.
const (
	TypeMeasurementStart  = "measurement.start"
	TypeMeasurementStop   = "measurement.stop"
	TypeSessionConnect    = "session.connect"
	TypeSessionDisconnect = "session.disconnect"
)

// Error codes.
const (
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrInvalidConfig     = "INVALID_CONFIG"
	ErrBackendNotRunning = "BACKEND_NOT_RUNNING"
	ErrNotConnected      = "NOT_CONNECTED"
	ErrTransport         = "TRANSPORT_ERROR"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrBackendNotFound   = "BACKEND_NOT_FOUND"
	ErrBackendCrashed    = "BACKEND_CRASHED"
)

// Bridge → UI payloads.

type BackendStatePayload struct {
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	RunID     string `json:"runId,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Ready     bool   `json:"ready"`
	LastError string `json:"lastError,omitempty"`
}

type BackendOutputPayload struct {
	RunID  string `json:"runId"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Data   string `json:"data"`
}

type SessionStatePayload struct {
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

type SessionDataPayload struct {
	SessionID string    `json:"sessionId"`
	Index     int       `json:"index"`
	Point     DataPoint `json:"point"`
}

type SessionMessagePayload struct {
	SessionID string `json:"sessionId"`
	Raw       string `json:"raw"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// UI → Bridge payloads.

type SessionConnectPayload struct {
	URL string `json:"url"`
}

type MeasurementStartPayload struct {
	Config MeasurementConfig `json:"config"`
}
