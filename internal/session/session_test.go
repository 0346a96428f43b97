package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sandboxbroker/broker/internal/events"
	"github.com/sandboxbroker/broker/internal/sandbox"
	"github.com/sandboxbroker/broker/pkg/wire"
)

type fakeDispatcher struct {
	calls []string
	value json.RawMessage
	err   error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, sessionID, callID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	d.calls = append(d.calls, toolName)
	if d.err != nil {
		return nil, d.err
	}
	return d.value, nil
}

type fakeAdapter struct {
	exec func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error)
}

func (a *fakeAdapter) Execute(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
	return a.exec(ctx, code, execCtx)
}
func (a *fakeAdapter) Dispose(ctx context.Context) error { return nil }

func collect(sub *events.ChanSubscriber, n int, timeout time.Duration) []wire.Event {
	var out []wire.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case e := <-sub.C():
			out = append(out, e)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestExecuteSuccessPath(t *testing.T) {
	dispatcher := &fakeDispatcher{value: json.RawMessage(`{"result":30}`)}
	adapter := &fakeAdapter{exec: func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
		val, err := execCtx.ToolHandler(ctx, "addNumbers", json.RawMessage(`{"a":10,"b":20}`))
		if err != nil {
			t.Fatalf("tool handler: %v", err)
		}
		return sandbox.ExecutionResult{Success: true, Value: val}, nil
	}}

	s := New(Config{Adapter: adapter, Dispatcher: dispatcher, HeartbeatInterval: time.Hour})
	sub := events.NewChanSubscriber(16, nil)
	s.Sequencer().Subscribe(sub)

	if err := s.Execute(context.Background(), "return await callTool('addNumbers',{a:10,b:20})"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "addNumbers" {
		t.Fatalf("unexpected dispatcher calls: %v", dispatcher.calls)
	}

	got := collect(sub, 5, time.Second)
	var types []wire.EventType
	for _, e := range got {
		types = append(types, e.Type)
	}
	want := []wire.EventType{wire.EventSessionInit, wire.EventToolCall, wire.EventToolResultApplied, wire.EventFinal}
	if len(types) < len(want) {
		t.Fatalf("expected at least %v, got %v", want, types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("event %d: expected %s, got %s", i, w, types[i])
		}
	}
}

func TestEncryptedSessionSealsEveryOutwardEvent(t *testing.T) {
	adapter := &fakeAdapter{exec: func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
		return sandbox.ExecutionResult{Success: true, Value: json.RawMessage(`{"ok":true}`)}, nil
	}}
	s := New(Config{Adapter: adapter, Dispatcher: &fakeDispatcher{}, HeartbeatInterval: time.Hour, Encrypt: true})
	sub := events.NewChanSubscriber(16, nil)
	s.Sequencer().Subscribe(sub)

	if err := s.Execute(context.Background(), "return {ok:true}"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := collect(sub, 2, time.Second)
	if len(got) == 0 {
		t.Fatal("expected at least one event")
	}
	for _, e := range got {
		if e.Type != wire.EventEncrypted {
			t.Fatalf("expected every outward event sealed, got type %s", e.Type)
		}
		var payload wire.EncryptedPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			t.Fatalf("decode encrypted payload: %v", err)
		}
		if payload.KID == "" || payload.NonceB64 == "" || payload.CiphertextB64 == "" {
			t.Fatalf("incomplete encrypted payload: %+v", payload)
		}
	}
}

func TestSessionInitCarriesCancelURLAndChosenID(t *testing.T) {
	dispatcher := &fakeDispatcher{value: json.RawMessage(`{}`)}
	adapter := &fakeAdapter{exec: func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
		return sandbox.ExecutionResult{Success: true, Value: json.RawMessage(`null`)}, nil
	}}

	s := New(Config{
		Adapter: adapter, Dispatcher: dispatcher, HeartbeatInterval: time.Hour,
		ID: "s_fixed-id", CancelURLPrefix: "/sessions/",
	})
	if s.ID() != "s_fixed-id" {
		t.Fatalf("expected caller-chosen id, got %s", s.ID())
	}

	sub := events.NewChanSubscriber(16, nil)
	s.Sequencer().Subscribe(sub)
	if err := s.Execute(context.Background(), "return 1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := collect(sub, 1, time.Second)
	if len(got) == 0 || got[0].Type != wire.EventSessionInit {
		t.Fatalf("expected session_init first, got %+v", got)
	}
	var payload wire.SessionInitPayload
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal session_init payload: %v", err)
	}
	if payload.CancelURL != "/sessions/s_fixed-id" {
		t.Fatalf("expected cancelUrl /sessions/s_fixed-id, got %q", payload.CancelURL)
	}
}

func TestExecuteFailurePath(t *testing.T) {
	adapter := &fakeAdapter{exec: func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
		return sandbox.ExecutionResult{Success: false, Error: &sandbox.ExecError{Name: "EvalError", Message: "boom"}}, nil
	}}
	s := New(Config{Adapter: adapter, Dispatcher: &fakeDispatcher{}, HeartbeatInterval: time.Hour})
	if err := s.Execute(context.Background(), "whatever"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
}

func TestSecondExecuteCallRejected(t *testing.T) {
	adapter := &fakeAdapter{exec: func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
		return sandbox.ExecutionResult{Success: true, Value: json.RawMessage("null")}, nil
	}}
	s := New(Config{Adapter: adapter, Dispatcher: &fakeDispatcher{}, HeartbeatInterval: time.Hour})
	if err := s.Execute(context.Background(), "return null"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if err := s.Execute(context.Background(), "return null"); err == nil {
		t.Fatal("expected second execute to be rejected")
	}
}

func TestCancelIsIdempotentAndTerminal(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{exec: func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
		<-block
		return sandbox.ExecutionResult{Success: true, Value: json.RawMessage("null")}, nil
	}}
	s := New(Config{Adapter: adapter, Dispatcher: &fakeDispatcher{}, HeartbeatInterval: time.Hour})
	go s.Execute(context.Background(), "return null")

	time.Sleep(10 * time.Millisecond)
	s.Cancel("client requested cancellation")
	s.Cancel("second cancel is a no-op")

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected session to reach a terminal state")
	}
	if s.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", s.State())
	}
	close(block)
}

func TestMaxToolCallsExceeded(t *testing.T) {
	dispatcher := &fakeDispatcher{value: json.RawMessage(`{}`)}
	adapter := &fakeAdapter{exec: func(ctx context.Context, code string, execCtx sandbox.ExecContext) (sandbox.ExecutionResult, error) {
		if _, err := execCtx.ToolHandler(ctx, "t", json.RawMessage(`{}`)); err != nil {
			return sandbox.ExecutionResult{}, err
		}
		if _, err := execCtx.ToolHandler(ctx, "t", json.RawMessage(`{}`)); err != nil {
			return sandbox.ExecutionResult{Success: false, Error: &sandbox.ExecError{Name: "LimitError", Message: err.Error()}}, nil
		}
		return sandbox.ExecutionResult{Success: true}, nil
	}}
	s := New(Config{Adapter: adapter, Dispatcher: dispatcher, HeartbeatInterval: time.Hour, MaxToolCalls: 1})
	if err := s.Execute(context.Background(), "two calls"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed after exceeding maxToolCalls, got %s", s.State())
	}
}
