// Package wire defines the JSON shapes that cross the broker's network
// boundary: the NDJSON event envelope, WebSocket runtime frames, and the
// error body shared by both transports.
package wire

import "encoding/json"

// ProtocolVersion is stamped on every event and negotiated on every
// WebSocket connect handshake. Bump it only on a wire-incompatible change.
const ProtocolVersion = 1

// EventType enumerates the values the "type" field of an Event may take.
type EventType string

const (
	EventSessionInit       EventType = "session_init"
	EventToolCall          EventType = "tool_call"
	EventToolResultApplied EventType = "tool_result_applied"
	EventHeartbeat         EventType = "heartbeat"
	EventError             EventType = "error"
	EventFinal             EventType = "final"
	EventEncrypted         EventType = "encrypted"
)

// Event is the single wire object: every frame written to an NDJSON stream
// or carried as a session event over the WebSocket runtime channel has this
// shape.
type Event struct {
	ProtocolVersion int             `json:"protocolVersion"`
	SessionID       string          `json:"sessionId"`
	Seq             uint64          `json:"seq"`
	Type            EventType       `json:"type"`
	Payload         json.RawMessage `json:"payload"`
}

// SessionInitPayload is the payload of a session_init event.
type SessionInitPayload struct {
	CancelURL  string            `json:"cancelUrl"`
	ExpiresAt  string            `json:"expiresAt"`
	Encryption EncryptionPayload `json:"encryption"`
}

// EncryptionPayload describes whether the outer stream is sealed.
type EncryptionPayload struct {
	Enabled bool `json:"enabled"`
}

// ToolCallPayload is the payload of a tool_call event.
type ToolCallPayload struct {
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args"`
}

// ToolResultAppliedPayload is the payload of a tool_result_applied event.
type ToolResultAppliedPayload struct {
	CallID string `json:"callId"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// FinalStats accompanies every final event.
type FinalStats struct {
	DurationMs    int64 `json:"durationMs"`
	ToolCallCount int   `json:"toolCallCount"`
	StdoutBytes   int   `json:"stdoutBytes"`
}

// FinalError is the error sub-object of a final event, present only when
// Ok is false.
type FinalError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FinalPayload is the payload of the terminal final event.
type FinalPayload struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FinalError     `json:"error,omitempty"`
	Stats  FinalStats      `json:"stats"`
}

// EncryptedPayload wraps a sealed inner event.
type EncryptedPayload struct {
	KID           string `json:"kid"`
	NonceB64      string `json:"nonceB64"`
	CiphertextB64 string `json:"ciphertextB64"`
}

// SessionState mirrors the broker's internal session state machine for the
// read-only SessionInfo projection returned by GET /sessions.
type SessionState string

const (
	StateStarting        SessionState = "starting"
	StateRunning         SessionState = "running"
	StateWaitingForTool  SessionState = "waiting_for_tool"
	StateCompleted       SessionState = "completed"
	StateCancelled       SessionState = "cancelled"
	StateFailed          SessionState = "failed"
)

// SessionInfo is the shape returned by GET /sessions and GET /sessions/{id}.
type SessionInfo struct {
	ID            string       `json:"id"`
	State         SessionState `json:"state"`
	CreatedAt     string       `json:"createdAt"`
	ExpiresAt     string       `json:"expiresAt"`
	Seq           uint64       `json:"seq"`
	ToolCallCount int          `json:"toolCallCount"`
	StdoutBytes   int          `json:"stdoutBytes"`
}
