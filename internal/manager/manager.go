// Package manager implements the Session Manager (§4.6): the broker-wide
// SessionId → Session map, creation limits, the periodic reaper, and the
// synchronous executeAndWait convenience used by tests and simple callers.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sandboxbroker/broker/internal/artifacts"
	"github.com/sandboxbroker/broker/internal/brokererr"
	"github.com/sandboxbroker/broker/internal/dispatcher"
	"github.com/sandboxbroker/broker/internal/ids"
	"github.com/sandboxbroker/broker/internal/registry"
	"github.com/sandboxbroker/broker/internal/sandbox"
	"github.com/sandboxbroker/broker/internal/session"
	"github.com/sandboxbroker/broker/pkg/wire"
)

const defaultCleanupInterval = 60 * time.Second

// Config configures a Manager.
type Config struct {
	MaxSessions       int
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	SessionTTL        time.Duration
	MaxToolCalls      int
	AdapterFactory    sandbox.Factory

	// Registry backs the embedded-mode dispatcher used whenever Create is
	// called without an explicit runtime-mode dispatcher in CreateOptions.
	Registry *registry.Registry

	// ArtifactSink and MaxResultBytes are forwarded to every session's
	// Config; see session.Config for semantics.
	ArtifactSink   *artifacts.Sink
	MaxResultBytes int

	// Encrypt is forwarded to every session's Config; see session.Config.
	Encrypt bool

	// CancelURLPrefix is forwarded to every session's Config; see
	// session.Config.CancelURLPrefix. Defaults to "/sessions/", the path
	// httpapi.Server mounts DELETE /sessions/{id} under.
	CancelURLPrefix string
}

const defaultCancelURLPrefix = "/sessions/"

// CreateOptions lets a caller override per-session defaults and supply the
// dispatcher (embedded vs. runtime mode is decided by the caller per §4.3).
type CreateOptions struct {
	Dispatcher session.Dispatcher

	// SessionID pins the session to a caller-chosen id (POST /sessions'
	// optional sessionId). Must be unused and pattern-valid; Create
	// rejects it otherwise. Left empty, the manager mints one.
	SessionID string

	TTL          time.Duration
	MaxToolCalls int
}

// Manager owns every live Session in the process.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*session.Session

	reaper  *cron.Cron
	stopped bool
}

// New creates a Manager and starts its background reaper, scheduled with a
// cron.Cron running a single "@every" entry at cfg.CleanupInterval.
func New(cfg Config) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.CancelURLPrefix == "" {
		cfg.CancelURLPrefix = defaultCancelURLPrefix
	}
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*session.Session),
		reaper:   cron.New(),
	}
	_, err := m.reaper.AddFunc(fmt.Sprintf("@every %s", cfg.CleanupInterval), m.Cleanup)
	if err != nil {
		// cfg.CleanupInterval is always a valid duration string; this would
		// only fire on a programmer error in the format string above.
		panic(fmt.Sprintf("manager: invalid reaper schedule: %v", err))
	}
	m.reaper.Start()
	return m
}

// Create mints a new Session, enforcing maxSessions.
func (m *Manager) Create(opts CreateOptions) (*session.Session, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, brokererr.Newf(brokererr.MaxSessions, "broker is at capacity (%d sessions)", m.cfg.MaxSessions)
	}

	if opts.SessionID != "" {
		if !ids.IsSessionID(opts.SessionID) {
			m.mu.Unlock()
			return nil, brokererr.Newf(brokererr.InvalidRequest, "sessionId %q is not a valid session id", opts.SessionID)
		}
		if _, taken := m.sessions[opts.SessionID]; taken {
			m.mu.Unlock()
			return nil, brokererr.Newf(brokererr.InvalidRequest, "sessionId %q is already in use", opts.SessionID)
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.cfg.SessionTTL
	}
	maxToolCalls := opts.MaxToolCalls
	if maxToolCalls <= 0 {
		maxToolCalls = m.cfg.MaxToolCalls
	}

	var adapter sandbox.Adapter
	if m.cfg.AdapterFactory != nil {
		adapter = m.cfg.AdapterFactory()
	} else {
		adapter = sandbox.NewReferenceAdapter()
	}
	disp := opts.Dispatcher
	if disp == nil {
		disp = dispatcher.NewEmbedded(m.cfg.Registry)
	}

	s := session.New(session.Config{
		HeartbeatInterval: m.cfg.HeartbeatInterval,
		TTL:               ttl,
		MaxToolCalls:      maxToolCalls,
		Adapter:           adapter,
		Dispatcher:        disp,
		ID:                opts.SessionID,
		CancelURLPrefix:   m.cfg.CancelURLPrefix,
		ArtifactSink:      m.cfg.ArtifactSink,
		MaxResultBytes:    m.cfg.MaxResultBytes,
		Encrypt:           m.cfg.Encrypt,
	})
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	s.WatchTTL()
	return s, nil
}

// Get returns the session with id, or (nil, false) if absent.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns every known session, live or terminal-but-not-yet-swept.
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// ListActive returns every non-terminal session.
func (m *Manager) ListActive() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		switch s.State() {
		case session.StateCompleted, session.StateCancelled, session.StateFailed:
		default:
			out = append(out, s)
		}
	}
	return out
}

// Terminate cancels the session with id. It is a no-op if the session does
// not exist or is already terminal.
func (m *Manager) Terminate(id, reason string) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	s.Cancel(reason)
}

// ExecuteAndWaitResult is the terminal projection returned by
// ExecuteAndWait.
type ExecuteAndWaitResult struct {
	Session *session.Session
	Events  []wire.Event
}

// ExecuteAndWait creates a session, runs code to completion, streams every
// event produced to onEvent (if non-nil), and returns once the session is
// terminal. The session is removed from the manager's map before returning.
func (m *Manager) ExecuteAndWait(ctx context.Context, code string, opts CreateOptions, onEvent func(wire.Event)) (ExecuteAndWaitResult, error) {
	s, err := m.Create(opts)
	if err != nil {
		return ExecuteAndWaitResult{}, err
	}

	var mu sync.Mutex
	var collected []wire.Event
	unsubscribe := s.Sequencer().Subscribe(eventCollectorSubscriber(func(e wire.Event) {
		mu.Lock()
		collected = append(collected, e)
		mu.Unlock()
		if onEvent != nil {
			onEvent(e)
		}
	}))
	defer unsubscribe()

	if err := s.Execute(ctx, code); err != nil {
		m.remove(s.ID())
		return ExecuteAndWaitResult{}, err
	}

	<-s.Done()
	mu.Lock()
	out := make([]wire.Event, len(collected))
	copy(out, collected)
	mu.Unlock()

	m.remove(s.ID())
	return ExecuteAndWaitResult{Session: s, Events: out}, nil
}

type eventCollectorSubscriber func(wire.Event)

func (f eventCollectorSubscriber) Emit(e wire.Event) error {
	f(e)
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Cleanup removes every session that is expired or terminal. Safe to call
// concurrently with everything else; it only ever deletes map entries, it
// never touches a still-running session's internal state.
func (m *Manager) Cleanup() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		switch s.State() {
		case session.StateCompleted, session.StateCancelled, session.StateFailed:
			delete(m.sessions, id)
		default:
			if now.After(s.ExpiresAt()) {
				delete(m.sessions, id)
			}
		}
	}
}

// Dispose cancels every active session and stops the reaper. Safe to call
// once; a subsequent call is a no-op.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	// Wait for a running reaper job outside m.mu: Cleanup takes m.mu too.
	m.mu.Unlock()
	<-m.reaper.Stop().Done()
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Cancel("broker shutting down")
	}
}
