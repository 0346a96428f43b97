// Package wsruntime implements the Runtime WebSocket Endpoint (§4.9): the
// duplex channel a richer client uses instead of the HTTP NDJSON surface,
// pairing a session's tool calls with answers supplied by the connected
// peer rather than the in-process Tool Registry. Connection handling
// follows this stack's duplex control-plane idiom directly: an upgrader
// with explicit read-limit/pong-deadline/write-deadline constants, a
// buffered per-connection outbound channel drained by a dedicated
// write-loop goroutine, a read-loop goroutine that decodes and dispatches
// frames, a periodic ticker for protocol-level pings, and a first-frame
// hello handshake that negotiates a protocol-version range before any
// other frame is accepted.
package wsruntime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxbroker/broker/internal/authn"
	"github.com/sandboxbroker/broker/internal/dispatcher"
	"github.com/sandboxbroker/broker/internal/events"
	"github.com/sandboxbroker/broker/internal/manager"
	"github.com/sandboxbroker/broker/internal/session"
	"github.com/sandboxbroker/broker/pkg/wire"
)

const (
	protocolVersion = wire.ProtocolVersion
	maxPayloadBytes = 1 << 20
	tickInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
	toolTimeout     = 30 * time.Second
	maxPendingCalls = 32
)

// Endpoint serves the runtime WebSocket surface. Sessions created over it
// still run their code through the Manager's configured sandbox adapter;
// what this endpoint changes is where tool calls go (to the connected peer
// instead of the in-process Tool Registry).
type Endpoint struct {
	manager  *manager.Manager
	logger   *slog.Logger
	auth     *authn.Verifier
	upgrader websocket.Upgrader
}

// New builds an Endpoint bound to mgr. auth may be nil to disable bearer
// token enforcement on the hello handshake.
func New(mgr *manager.Manager, logger *slog.Logger, auth *authn.Verifier) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		manager: mgr,
		logger:  logger,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &peerConn{
		endpoint: e,
		conn:     conn,
		send:     make(chan []byte, 64),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*runtimeSession),
	}
	c.run()
}

type runtimeSession struct {
	sess *session.Session
	disp *dispatcher.Runtime
}

type peerConn struct {
	endpoint *Endpoint
	conn     *websocket.Conn
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	sessions   map[string]*runtimeSession
	handshaken bool
}

func (c *peerConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *peerConn) close() {
	// c.send stays open: cancelling the sessions below still emits events
	// that enqueue onto it. writeLoop exits on the cancelled context.
	c.cancel()
	_ = c.conn.Close()

	c.mu.Lock()
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	for _, rs := range sessions {
		rs.disp.OnDisconnect()
		rs.sess.Cancel("runtime connection closed")
	}
}

func (c *peerConn) readLoop() {
	c.conn.SetReadLimit(maxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wire.RuntimeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid frame: "+err.Error())
			continue
		}

		c.mu.Lock()
		handshaken := c.handshaken
		c.mu.Unlock()

		if !handshaken {
			if frame.Type != wire.RuntimeHello {
				c.sendError("", "first frame must be hello")
				continue
			}
			if err := c.handleHello(frame); err != nil {
				c.sendError("", err.Error())
				return
			}
			continue
		}

		c.dispatch(frame)
	}
}

func (c *peerConn) writeLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (c *peerConn) handleHello(frame wire.RuntimeFrame) error {
	hello := frame.Hello
	if hello == nil {
		hello = &wire.HelloBody{MinProtocol: protocolVersion, MaxProtocol: protocolVersion}
	}
	min, max := hello.MinProtocol, hello.MaxProtocol
	if min <= 0 {
		min = protocolVersion
	}
	if max <= 0 {
		max = protocolVersion
	}
	if protocolVersion < min || protocolVersion > max {
		return errUnsupportedProtocol
	}
	if _, err := c.endpoint.auth.VerifyHandshake(hello.Token); err != nil {
		return err
	}
	c.mu.Lock()
	c.handshaken = true
	c.mu.Unlock()
	return c.enqueue(wire.RuntimeFrame{
		Type:  wire.RuntimeWelcome,
		Hello: &wire.HelloBody{MinProtocol: protocolVersion, MaxProtocol: protocolVersion},
	})
}

var errUnsupportedProtocol = errors.New("unsupported protocol version")

func (c *peerConn) dispatch(frame wire.RuntimeFrame) {
	switch frame.Type {
	case wire.RuntimeExecute:
		c.handleExecute(frame)
	case wire.RuntimeToolResult:
		c.handleToolResult(frame)
	case wire.RuntimeCancel:
		c.handleCancel(frame)
	default:
		c.sendError(frame.SessionID, "unsupported frame type")
	}
}

func (c *peerConn) handleExecute(frame wire.RuntimeFrame) {
	disp := dispatcher.NewRuntime(&peerSender{conn: c}, toolTimeout, maxPendingCalls)
	sess, err := c.endpoint.manager.Create(manager.CreateOptions{Dispatcher: disp})
	if err != nil {
		c.sendError(frame.SessionID, err.Error())
		return
	}

	rs := &runtimeSession{sess: sess, disp: disp}
	c.mu.Lock()
	c.sessions[sess.ID()] = rs
	c.mu.Unlock()

	unsubscribe := sess.Sequencer().Subscribe(events.NewCallbackSubscriber(func(e wire.Event) error {
		return c.enqueue(wire.RuntimeFrame{Type: wire.RuntimeEvent, SessionID: sess.ID(), Event: &e})
	}))

	go func() {
		defer unsubscribe()
		if err := sess.Execute(c.ctx, frame.Code); err != nil {
			c.endpoint.logger.Error("runtime session execute failed", "sessionId", sess.ID(), "error", err)
		}
		<-sess.Done()
		c.mu.Lock()
		delete(c.sessions, sess.ID())
		c.mu.Unlock()
	}()
}

func (c *peerConn) handleToolResult(frame wire.RuntimeFrame) {
	rs, ok := c.sessionFor(frame.SessionID)
	if !ok {
		return
	}
	errMessage := ""
	if frame.Error != nil {
		errMessage = frame.Error.Message
	}
	rs.disp.ResolveToolResult(frame.CallID, frame.Value, errMessage)
}

func (c *peerConn) handleCancel(frame wire.RuntimeFrame) {
	rs, ok := c.sessionFor(frame.SessionID)
	if !ok {
		return
	}
	rs.sess.Cancel("cancelled by runtime peer")
}

func (c *peerConn) sessionFor(id string) (*runtimeSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.sessions[id]
	return rs, ok
}

func (c *peerConn) sendError(sessionID, message string) {
	_ = c.enqueue(wire.RuntimeFrame{
		Type:      wire.RuntimeFrameErr,
		SessionID: sessionID,
		Error:     &wire.ErrorBody{Code: "INVALID_REQUEST", Message: message},
	})
}

func (c *peerConn) enqueue(frame wire.RuntimeFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

var errSendBufferFull = errors.New("send buffer full")

// peerSender adapts a connection into dispatcher.Sender, pushing tool_call
// frames out over the WebSocket.
type peerSender struct {
	conn *peerConn
}

func (p *peerSender) SendToolCall(sessionID, callID, toolName string, args json.RawMessage) error {
	return p.conn.enqueue(wire.RuntimeFrame{
		Type:      wire.RuntimeToolCall,
		SessionID: sessionID,
		CallID:    callID,
		ToolName:  toolName,
		Args:      args,
	})
}
