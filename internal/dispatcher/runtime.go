package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sandboxbroker/broker/internal/brokererr"
)

// Sender pushes a tool_call frame across the WebSocket to the remote
// runtime. Implemented by internal/wsruntime; kept as a narrow interface
// here so this package has no dependency on gorilla/websocket.
type Sender interface {
	SendToolCall(sessionID, callID, toolName string, args json.RawMessage) error
}

const defaultToolTimeout = 30 * time.Second
const defaultMaxPendingToolCalls = 32

type pendingCall struct {
	result chan toolOutcome
}

type toolOutcome struct {
	value json.RawMessage
	err   error
}

// Runtime dispatches tool calls across a WebSocket-connected remote
// sandbox host, correlating tool_call frames sent out with tool_result
// frames received back by callId.
type Runtime struct {
	sender              Sender
	toolTimeout         time.Duration
	maxPendingToolCalls int

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewRuntime builds a runtime-mode dispatcher. toolTimeout and
// maxPendingToolCalls default to 30s / 32 when zero.
func NewRuntime(sender Sender, toolTimeout time.Duration, maxPendingToolCalls int) *Runtime {
	if toolTimeout <= 0 {
		toolTimeout = defaultToolTimeout
	}
	if maxPendingToolCalls <= 0 {
		maxPendingToolCalls = defaultMaxPendingToolCalls
	}
	return &Runtime{
		sender:              sender,
		toolTimeout:         toolTimeout,
		maxPendingToolCalls: maxPendingToolCalls,
		pending:             make(map[string]*pendingCall),
	}
}

// Dispatch implements session.Dispatcher.
func (r *Runtime) Dispatch(ctx context.Context, sessionID, callID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	if len(r.pending) >= r.maxPendingToolCalls {
		r.mu.Unlock()
		return nil, brokererr.Newf(brokererr.MaxToolCallsExceeded, "runtime connection has %d calls in flight, limit %d", len(r.pending), r.maxPendingToolCalls)
	}
	pc := &pendingCall{result: make(chan toolOutcome, 1)}
	r.pending[callID] = pc
	r.mu.Unlock()

	if err := r.sender.SendToolCall(sessionID, callID, toolName, args); err != nil {
		r.remove(callID)
		return nil, brokererr.Wrap(brokererr.RuntimeDisconnected, "failed to send tool_call to runtime", err)
	}

	timer := time.NewTimer(r.toolTimeout)
	defer timer.Stop()

	select {
	case out := <-pc.result:
		return out.value, out.err
	case <-timer.C:
		r.remove(callID)
		return nil, brokererr.Newf(brokererr.ToolTimeout, "tool %q exceeded toolTimeoutMs", toolName)
	case <-ctx.Done():
		r.remove(callID)
		return nil, brokererr.Wrap(brokererr.SessionCancelled, "session cancelled while awaiting tool result", ctx.Err())
	}
}

// ResolveToolResult is called by the WebSocket read loop when a tool_result
// frame arrives for callID. It is a no-op if callID is not (or no longer)
// pending — e.g. it already timed out.
func (r *Runtime) ResolveToolResult(callID string, value json.RawMessage, errMessage string) {
	r.mu.Lock()
	pc, ok := r.pending[callID]
	if ok {
		delete(r.pending, callID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if errMessage != "" {
		pc.result <- toolOutcome{err: brokererr.New(brokererr.ExecutionError, errMessage)}
		return
	}
	pc.result <- toolOutcome{value: value}
}

// OnDisconnect fails every still-pending call with RUNTIME_DISCONNECTED.
// Called by the WebSocket layer when the underlying connection closes.
func (r *Runtime) OnDisconnect() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingCall)
	r.mu.Unlock()

	for callID, pc := range pending {
		pc.result <- toolOutcome{err: brokererr.Newf(brokererr.RuntimeDisconnected, "runtime connection closed with call %s still pending", callID)}
	}
}

func (r *Runtime) remove(callID string) {
	r.mu.Lock()
	delete(r.pending, callID)
	r.mu.Unlock()
}
