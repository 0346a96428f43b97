// Package session implements the Session State Machine (§4.2): the single
// authority over one session's lifecycle, event emission, heartbeat, TTL,
// and cancellation. It composes the Event Sequencer for framing/fan-out and
// a Dispatcher for tool-call execution, but owns neither.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sandboxbroker/broker/internal/artifacts"
	"github.com/sandboxbroker/broker/internal/brokererr"
	"github.com/sandboxbroker/broker/internal/crypto"
	"github.com/sandboxbroker/broker/internal/events"
	"github.com/sandboxbroker/broker/internal/ids"
	"github.com/sandboxbroker/broker/internal/metrics"
	"github.com/sandboxbroker/broker/internal/sandbox"
	"github.com/sandboxbroker/broker/internal/telemetry"
	"github.com/sandboxbroker/broker/pkg/wire"
)

// State is one of the six session states named in the state machine.
type State string

const (
	StateStarting       State = "starting"
	StateRunning        State = "running"
	StateWaitingForTool State = "waiting_for_tool"
	StateCompleted      State = "completed"
	StateCancelled      State = "cancelled"
	StateFailed         State = "failed"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// IsTerminal reports whether s is one of the three terminal states.
func (s State) IsTerminal() bool { return s.terminal() }

// Dispatcher performs a single tool call and returns its result or a
// brokererr-flavored error. Embedded and runtime dispatch modes (§4.3) both
// satisfy this from the session's point of view; the session does not know
// which one it is talking to.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, callID, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// Config configures a Session at creation.
type Config struct {
	HeartbeatInterval time.Duration
	TTL               time.Duration
	MaxToolCalls      int
	Adapter           sandbox.Adapter
	Dispatcher        Dispatcher

	// ID pins the session's identifier to a caller-chosen value (from
	// POST /sessions' optional sessionId). New mints one with
	// ids.NewSessionID when empty.
	ID string

	// CancelURLPrefix is prepended to the session id to build
	// SessionInitPayload.CancelURL, e.g. "/sessions/" so the client can
	// DELETE CancelURL to cancel. Left empty, CancelURL is omitted.
	CancelURLPrefix string

	// ArtifactSink and MaxResultBytes implement the final.result overflow
	// path: a result larger than MaxResultBytes is uploaded and replaced by
	// a reference id instead of inlined on the wire. MaxResultBytes <= 0
	// disables overflow even when ArtifactSink is set.
	ArtifactSink   *artifacts.Sink
	MaxResultBytes int

	// Encrypt seals every outward event behind an `encrypted` envelope with
	// a fresh per-session AES-GCM key when true.
	Encrypt bool
}

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultTTL               = 10 * time.Minute
)

// Session is one execution of one code snippet against one sandbox adapter.
// A Session executes at most once; the execOnce flag, guarded by execLock,
// enforces this by rejecting a concurrent or repeated second caller rather
// than racing it.
type Session struct {
	id         string
	cfg        Config
	sequencer  *events.Sequencer
	createdAt  time.Time
	expiresAt  time.Time

	mu    sync.Mutex
	state State

	toolCallCount int
	stdoutBytes   int

	execLock  sync.Mutex
	execOnce  bool
	cancelFn  context.CancelFunc
	ctx       context.Context
	heartbeat *time.Ticker
	done      chan struct{}
}

// New creates a Session in the starting state. It does not start execution.
func New(cfg Config) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	id := cfg.ID
	if id == "" {
		id = ids.NewSessionID()
	}
	metrics.SessionsCreatedTotal.Inc()
	metrics.SessionsActive.Inc()

	var seqOpts []events.Option
	if cfg.Encrypt {
		if sealCtx, err := crypto.NewContext(id); err == nil {
			seqOpts = append(seqOpts, events.WithEncryption(sealCtx))
		} else {
			cfg.Encrypt = false
		}
	}

	return &Session{
		id:        id,
		cfg:       cfg,
		sequencer: events.New(id, seqOpts...),
		createdAt: now,
		expiresAt: now.Add(cfg.TTL),
		state:     StateStarting,
		ctx:       ctx,
		cancelFn:  cancel,
		done:      make(chan struct{}),
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Sequencer exposes the event sequencer for subscription and snapshotting.
func (s *Session) Sequencer() *events.Sequencer { return s.sequencer }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info projects the session's current public state.
func (s *Session) Info() wire.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.SessionInfo{
		ID:            s.id,
		State:         wire.SessionState(s.state),
		CreatedAt:     s.createdAt.UTC().Format(time.RFC3339),
		ExpiresAt:     s.expiresAt.UTC().Format(time.RFC3339),
		Seq:           s.sequencer.CurrentSeq(),
		ToolCallCount: s.toolCallCount,
		StdoutBytes:   s.stdoutBytes,
	}
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

func (s *Session) transitionTerminal(next State) {
	s.setState(next)
	s.stopHeartbeat()
	metrics.SessionsActive.Dec()
	metrics.SessionsTerminatedTotal.WithLabelValues(string(next)).Inc()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Execute runs code to completion. It must be called at most once per
// session; a concurrent or repeated call returns an error instead of
// racing the in-flight execution.
func (s *Session) Execute(ctx context.Context, code string) error {
	s.execLock.Lock()
	if s.execOnce {
		s.execLock.Unlock()
		return brokererr.New(brokererr.InvalidRequest, "session has already executed")
	}
	s.execOnce = true
	s.execLock.Unlock()

	var cancelURL string
	if s.cfg.CancelURLPrefix != "" {
		cancelURL = s.cfg.CancelURLPrefix + s.id
	}
	if _, err := s.sequencer.Emit(wire.EventSessionInit, wire.SessionInitPayload{
		CancelURL:  cancelURL,
		ExpiresAt:  s.expiresAt.UTC().Format(time.RFC3339),
		Encryption: wire.EncryptionPayload{Enabled: s.cfg.Encrypt},
	}); err != nil {
		return err
	}
	s.startHeartbeat()
	s.setState(StateRunning)

	spanCtx, span := telemetry.StartSessionSpan(ctx, s.id)
	defer span.End()

	start := time.Now()
	handler := func(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		return s.handleToolCall(spanCtx, name, args)
	}

	result, err := s.cfg.Adapter.Execute(s.ctx, code, sandbox.ExecContext{
		MaxToolCalls: s.cfg.MaxToolCalls,
		ToolHandler:  handler,
		Abort:        s.ctx,
	})
	if err != nil {
		span.RecordError(err)
	}

	select {
	case <-s.done:
		// Already finalized by cancellation or TTL while the adapter was
		// still running; do not emit a second final event.
		return nil
	default:
	}

	if err != nil {
		s.failFinal(brokererr.As(err))
		return nil
	}
	if !result.Success {
		msg := "execution failed"
		code := brokererr.ExecutionError
		if result.Error != nil {
			msg = result.Error.Message
			if result.Error.Code != "" {
				code = brokererr.Code(result.Error.Code)
			}
		}
		s.failFinal(brokererr.New(code, msg))
		return nil
	}

	s.mu.Lock()
	stats := wire.FinalStats{
		DurationMs:    time.Since(start).Milliseconds(),
		ToolCallCount: s.toolCallCount,
		StdoutBytes:   s.stdoutBytes,
	}
	s.mu.Unlock()

	resultValue := result.Value
	if ref, offloaded, offloadErr := s.cfg.ArtifactSink.MaybeOffload(s.ctx, s.id, result.Value, s.cfg.MaxResultBytes); offloadErr == nil && offloaded {
		resultValue = ref
	}

	if _, emitErr := s.sequencer.Emit(wire.EventFinal, wire.FinalPayload{OK: true, Result: resultValue, Stats: stats}); emitErr != nil {
		return emitErr
	}
	s.transitionTerminal(StateCompleted)
	return nil
}

func (s *Session) failFinal(be *brokererr.Error) {
	s.mu.Lock()
	stats := wire.FinalStats{ToolCallCount: s.toolCallCount, StdoutBytes: s.stdoutBytes}
	s.mu.Unlock()

	s.sequencer.Emit(wire.EventFinal, wire.FinalPayload{
		OK:    false,
		Error: &wire.FinalError{Code: string(be.Code), Message: be.Message},
		Stats: stats,
	})
	s.transitionTerminal(StateFailed)
}

func (s *Session) handleToolCall(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil, brokererr.New(brokererr.SessionCancelled, "session is no longer running")
	}
	if s.cfg.MaxToolCalls > 0 && s.toolCallCount >= s.cfg.MaxToolCalls {
		s.mu.Unlock()
		return nil, brokererr.Newf(brokererr.MaxToolCallsExceeded, "session exceeded maxToolCalls=%d", s.cfg.MaxToolCalls)
	}
	s.state = StateWaitingForTool
	s.mu.Unlock()

	callID := ids.NewCallID()
	if _, err := s.sequencer.Emit(wire.EventToolCall, wire.ToolCallPayload{CallID: callID, ToolName: name, Args: args}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.toolCallCount++
	s.mu.Unlock()

	spanCtx, span := telemetry.StartToolCallSpan(ctx, s.id, callID, name)
	value, dispatchErr := s.cfg.Dispatcher.Dispatch(spanCtx, s.id, callID, name, args)
	telemetry.EndWithError(span, dispatchErr)

	s.mu.Lock()
	if !s.state.terminal() {
		s.state = StateRunning
	}
	s.mu.Unlock()

	if _, err := s.sequencer.Emit(wire.EventToolResultApplied, wire.ToolResultAppliedPayload{CallID: callID}); err != nil {
		return nil, err
	}
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	return value, nil
}

// Cancel idempotently moves the session to cancelled. A terminal session
// ignores it.
func (s *Session) Cancel(reason string) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.cancelFn()

	if reason == "" {
		reason = "session cancelled"
	}
	s.sequencer.Emit(wire.EventError, wire.ErrorPayload{
		Code:        string(brokererr.SessionCancelled),
		Message:     reason,
		Recoverable: false,
	})

	s.mu.Lock()
	stats := wire.FinalStats{ToolCallCount: s.toolCallCount, StdoutBytes: s.stdoutBytes}
	s.mu.Unlock()

	s.sequencer.Emit(wire.EventFinal, wire.FinalPayload{
		OK:    false,
		Error: &wire.FinalError{Code: string(brokererr.SessionCancelled), Message: reason},
		Stats: stats,
	})
	s.transitionTerminal(StateCancelled)
}

func (s *Session) startHeartbeat() {
	s.heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)
	go func() {
		for {
			select {
			case <-s.heartbeat.C:
				if s.State().terminal() {
					return
				}
				s.sequencer.Emit(wire.EventHeartbeat, struct{}{})
			case <-s.done:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
}

// WatchTTL starts a timer that force-cancels the session when expiresAt is
// reached. Callers (the Session Manager does so in Create) may call this
// once per session instead of relying solely on the manager's periodic
// sweep, for sessions that need a precise per-session deadline.
func (s *Session) WatchTTL() {
	d := time.Until(s.expiresAt)
	if d <= 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			s.Cancel(fmt.Sprintf("session exceeded ttl of %s", s.cfg.TTL))
		case <-s.done:
		case <-s.ctx.Done():
		}
	}()
}

// ExpiresAt returns the session's TTL deadline.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }
