// Package dispatcher implements the Tool Call Dispatcher (§4.3) in its two
// operating modes: embedded (direct in-process registry calls) and runtime
// (correlated request/response over a WebSocket to a remote sandbox host).
// Both satisfy session.Dispatcher so the Session State Machine is oblivious
// to which one backs a given session.
package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/sandboxbroker/broker/internal/brokererr"
	"github.com/sandboxbroker/broker/internal/metrics"
	"github.com/sandboxbroker/broker/internal/registry"
)

// Embedded dispatches tool calls directly against an in-process Registry.
type Embedded struct {
	Registry *registry.Registry
}

// NewEmbedded builds an embedded-mode dispatcher over reg.
func NewEmbedded(reg *registry.Registry) *Embedded {
	return &Embedded{Registry: reg}
}

// Dispatch implements session.Dispatcher.
func (e *Embedded) Dispatch(ctx context.Context, sessionID, callID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	result := e.Registry.Execute(ctx, toolName, args, registry.CallContext{
		SessionID:   sessionID,
		CallID:      callID,
		AbortSignal: ctx,
	})
	if !result.OK {
		code := result.Code
		if code == "" {
			code = brokererr.ExecutionError
		}
		metrics.ToolCallsTotal.WithLabelValues(toolName, "error").Inc()
		return nil, brokererr.New(code, result.Message)
	}
	metrics.ToolCallsTotal.WithLabelValues(toolName, "ok").Inc()
	return result.Value, nil
}
