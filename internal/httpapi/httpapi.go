// Package httpapi implements the HTTP Endpoint (§4.8): session creation,
// NDJSON streaming, session introspection, cancellation, CORS, health, and
// Prometheus metrics exposition.
package httpapi

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sandboxbroker/broker/internal/authn"
	"github.com/sandboxbroker/broker/internal/brokererr"
	"github.com/sandboxbroker/broker/internal/events"
	"github.com/sandboxbroker/broker/internal/filter"
	"github.com/sandboxbroker/broker/internal/manager"
	"github.com/sandboxbroker/broker/internal/metrics"
	"github.com/sandboxbroker/broker/internal/session"
	"github.com/sandboxbroker/broker/pkg/wire"
)

// Server serves the broker's HTTP surface.
type Server struct {
	manager        *manager.Manager
	logger         *slog.Logger
	allowedOrigins []string
	auth           *authn.Verifier
	startedAt      time.Time
}

// New constructs a Server bound to mgr. auth may be nil to disable bearer
// token enforcement.
func New(mgr *manager.Manager, logger *slog.Logger, allowedOrigins []string, auth *authn.Verifier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{manager: mgr, logger: logger, allowedOrigins: allowedOrigins, auth: auth, startedAt: time.Now()}
}

// Handler builds the broker's HTTP mux. Bearer-JWT enforcement (when
// configured) applies to every /sessions route; health and metrics stay
// open for scraping.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /sessions", s.auth.Middleware(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET /sessions/{id}/stream", s.auth.Middleware(http.HandlerFunc(s.handleStream)))
	mux.Handle("GET /sessions", s.auth.Middleware(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /sessions/{id}", s.auth.Middleware(http.HandlerFunc(s.handleGetSession)))
	mux.Handle("DELETE /sessions/{id}", s.auth.Middleware(http.HandlerFunc(s.handleDeleteSession)))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withCORS(mux)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type createSessionRequest struct {
	Code      string          `json:"code"`
	SessionID string          `json:"sessionId,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Filter    *filter.Config  `json:"filter,omitempty"`
}

// sessionConfigOverride is the shape of POST /sessions' optional `config`
// object: a per-session override of the broker's default TTL and
// maxToolCalls limit. Unset or zero fields fall back to the broker-wide
// defaults in manager.Config.
type sessionConfigOverride struct {
	TTLMs        int64 `json:"ttlMs"`
	MaxToolCalls int   `json:"maxToolCalls"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, brokererr.Wrap(brokererr.InvalidRequest, "invalid JSON body", err))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, brokererr.New(brokererr.InvalidRequest, "code is required"))
		return
	}

	var f *filter.Filter
	if req.Filter != nil {
		compiled, err := filter.Compile(*req.Filter, func(error) {})
		if err != nil {
			writeError(w, brokererr.Wrap(brokererr.InvalidFilter, "invalid filter", err))
			return
		}
		f = compiled
	}

	opts := manager.CreateOptions{SessionID: req.SessionID}
	if len(req.Config) > 0 {
		var override sessionConfigOverride
		if err := json.Unmarshal(req.Config, &override); err != nil {
			writeError(w, brokererr.Wrap(brokererr.InvalidRequest, "invalid config", err))
			return
		}
		if override.TTLMs > 0 {
			opts.TTL = time.Duration(override.TTLMs) * time.Millisecond
		}
		opts.MaxToolCalls = override.MaxToolCalls
	}

	sess, err := s.manager.Create(opts)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Session-ID", sess.ID())
	w.WriteHeader(http.StatusOK)

	go func() {
		if err := sess.Execute(r.Context(), req.Code); err != nil {
			s.logger.Error("session execute failed", "sessionId", sess.ID(), "error", err)
		}
	}()

	s.streamSession(w, r, sess, 1, f)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, brokererr.Newf(brokererr.NotFound, "session %q not found", id))
		return
	}

	fromSeq := uint64(1)
	if raw := r.URL.Query().Get("fromSeq"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, brokererr.New(brokererr.InvalidRequest, "fromSeq must be a non-negative integer"))
			return
		}
		fromSeq = parsed
	}

	var f *filter.Filter
	if raw := r.URL.Query().Get("filter"); raw != "" {
		var cfg filter.Config
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			writeError(w, brokererr.Wrap(brokererr.InvalidFilter, "filter is not valid JSON", err))
			return
		}
		compiled, err := filter.Compile(cfg, func(error) {})
		if err != nil {
			writeError(w, brokererr.Wrap(brokererr.InvalidFilter, "invalid filter", err))
			return
		}
		f = compiled
	}

	if _, err := sess.Sequencer().Snapshot(fromSeq); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	s.streamSession(w, r, sess, fromSeq, f)
}

// streamSession writes the buffered backlog from fromSeq, then live events,
// until the session is terminal or the client disconnects. On client
// disconnect it cancels the session if it is not already terminal.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request, sess *session.Session, fromSeq uint64, f *filter.Filter) {
	flusher, _ := w.(http.Flusher)
	encoder := func(e wire.Event) bool {
		if f != nil && !f.ShouldSend(e) {
			return true
		}
		if err := writeNDJSONLine(w, e); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return e.Type != wire.EventFinal
	}

	// Subscribe before taking the backlog snapshot so no event emitted in
	// between is lost: the live channel buffers it, and the seq < nextSeq
	// check below skips anything the snapshot already delivered.
	sub := events.NewChanSubscriber(256, metrics.StreamSubscribersDroppedTotal.Inc)
	unsubscribe := sess.Sequencer().Subscribe(sub)
	defer unsubscribe()

	backlog, err := sess.Sequencer().Snapshot(fromSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	nextSeq := fromSeq
	for _, e := range backlog {
		if !encoder(e) {
			return
		}
		nextSeq = e.Seq + 1
	}

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			if e.Seq < nextSeq {
				continue
			}
			if !encoder(e) {
				return
			}
			if e.Type == wire.EventFinal {
				return
			}
		case <-r.Context().Done():
			sess.Cancel("client disconnected")
			return
		case <-sess.Done():
			// The final event is emitted before Done closes, so it may
			// still be queued on the live channel: deliver what is queued.
			for {
				select {
				case e := <-sub.C():
					if e.Seq >= nextSeq && !encoder(e) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func writeNDJSONLine(w http.ResponseWriter, e wire.Event) error {
	bw := bufio.NewWriter(w)
	if err := json.NewEncoder(bw).Encode(e); err != nil {
		return err
	}
	return bw.Flush()
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	infos := make([]wire.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos, "total": len(infos)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, brokererr.Newf(brokererr.NotFound, "session %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.manager.Get(id); !ok {
		writeError(w, brokererr.Newf(brokererr.NotFound, "session %q not found", id))
		return
	}
	s.manager.Terminate(id, "terminated via DELETE /sessions/{id}")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": id})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	active := len(s.manager.ListActive())
	total := len(s.manager.List())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": map[string]int{"active": active, "total": total},
		"uptime":   time.Since(s.startedAt).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	be := brokererr.As(err)
	writeJSON(w, brokererr.HTTPStatus(be.Code), map[string]any{
		"code":    be.Code,
		"message": be.Message,
	})
}
