package wire

import "encoding/json"

// RuntimeFrameType enumerates the "type" field of frames exchanged on the
// WebSocket runtime channel (distinct from session Events, which ride
// alongside them as Runtime->client frames of type "event").
type RuntimeFrameType string

const (
	// Client -> runtime
	RuntimeExecute    RuntimeFrameType = "execute"
	RuntimeToolResult RuntimeFrameType = "tool_result"
	RuntimeCancel     RuntimeFrameType = "cancel"
	RuntimeHello      RuntimeFrameType = "hello"

	// Runtime -> client
	RuntimeEvent    RuntimeFrameType = "event"
	RuntimeToolCall RuntimeFrameType = "tool_call"
	RuntimeWelcome  RuntimeFrameType = "welcome"
	RuntimeFrameErr RuntimeFrameType = "error"
)

// RuntimeFrame is the envelope for every JSON text frame on the duplex
// WebSocket runtime channel.
type RuntimeFrame struct {
	Type      RuntimeFrameType `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	CallID    string           `json:"callId,omitempty"`
	Code      string           `json:"code,omitempty"`
	Success   *bool            `json:"success,omitempty"`
	Value     json.RawMessage  `json:"value,omitempty"`
	Error     *ErrorBody       `json:"error,omitempty"`
	Event     *Event           `json:"event,omitempty"`
	ToolName  string           `json:"toolName,omitempty"`
	Args      json.RawMessage  `json:"args,omitempty"`
	Hello     *HelloBody       `json:"hello,omitempty"`
}

// HelloBody negotiates the protocol version range on connect. Token carries
// a bearer JWT when the broker's auth.mode config is "jwt"; the
// WebSocket upgrade itself has no Authorization header to reuse.
type HelloBody struct {
	MinProtocol int    `json:"minProtocol"`
	MaxProtocol int    `json:"maxProtocol"`
	ClientID    string `json:"clientId,omitempty"`
	Token       string `json:"token,omitempty"`
}

// ErrorBody is the generic HTTP/WS error response shape from §7.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}
