package wsruntime

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxbroker/broker/internal/authn"
	"github.com/sandboxbroker/broker/internal/manager"
	"github.com/sandboxbroker/broker/internal/registry"
	"github.com/sandboxbroker/broker/pkg/wire"
)

func testManager(t *testing.T) *manager.Manager {
	t.Helper()
	reg := registry.New()
	m := manager.New(manager.Config{Registry: reg, HeartbeatInterval: time.Hour, SessionTTL: time.Minute})
	t.Cleanup(m.Dispose)
	return m
}

func dialTestServer(t *testing.T) (*websocket.Conn, func()) {
	t.Helper()
	ep := New(testManager(t), nil, nil)
	srv := httptest.NewServer(ep)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.RuntimeFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame wire.RuntimeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame wire.RuntimeFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandshakeBeforeAnyOtherFrame(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendFrame(t, conn, wire.RuntimeFrame{Type: wire.RuntimeExecute, Code: "noop"})
	frame := readFrame(t, conn)
	if frame.Type != wire.RuntimeFrameErr {
		t.Fatalf("expected error before handshake, got %+v", frame)
	}
}

func TestHelloWelcomeNegotiation(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendFrame(t, conn, wire.RuntimeFrame{
		Type:  wire.RuntimeHello,
		Hello: &wire.HelloBody{MinProtocol: 1, MaxProtocol: 1},
	})
	frame := readFrame(t, conn)
	if frame.Type != wire.RuntimeWelcome {
		t.Fatalf("expected welcome, got %+v", frame)
	}
}

func TestExecuteStreamsEventsToFinal(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendFrame(t, conn, wire.RuntimeFrame{
		Type:  wire.RuntimeHello,
		Hello: &wire.HelloBody{MinProtocol: 1, MaxProtocol: 1},
	})
	readFrame(t, conn) // welcome

	sendFrame(t, conn, wire.RuntimeFrame{Type: wire.RuntimeExecute, Code: "return 1+1"})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for final event")
		default:
		}
		frame := readFrame(t, conn)
		if frame.Type != wire.RuntimeEvent || frame.Event == nil {
			continue
		}
		if frame.Event.Type == wire.EventFinal {
			return
		}
	}
}

func TestToolResultResolvesPendingCall(t *testing.T) {
	conn, cleanup := dialTestServer(t)
	defer cleanup()

	sendFrame(t, conn, wire.RuntimeFrame{
		Type:  wire.RuntimeHello,
		Hello: &wire.HelloBody{MinProtocol: 1, MaxProtocol: 1},
	})
	readFrame(t, conn) // welcome

	sendFrame(t, conn, wire.RuntimeFrame{Type: wire.RuntimeExecute, Code: "return await callTool('echo', {})"})

	var sessionID, callID string
	deadline := time.After(3 * time.Second)
	for sessionID == "" || callID == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for tool_call")
		default:
		}
		frame := readFrame(t, conn)
		if frame.Type == wire.RuntimeToolCall {
			sessionID = frame.SessionID
			callID = frame.CallID
		}
	}

	sendFrame(t, conn, wire.RuntimeFrame{
		Type:      wire.RuntimeToolResult,
		SessionID: sessionID,
		CallID:    callID,
		Value:     json.RawMessage(`{"ok":true}`),
	})

	deadline = time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for final event")
		default:
		}
		frame := readFrame(t, conn)
		if frame.Type == wire.RuntimeEvent && frame.Event != nil && frame.Event.Type == wire.EventFinal {
			return
		}
	}
}

func TestHelloWithoutTokenRejectedWhenAuthRequired(t *testing.T) {
	ep := New(testManager(t), nil, authn.NewVerifier("test-secret"))
	srv := httptest.NewServer(ep)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sendFrame(t, conn, wire.RuntimeFrame{
		Type:  wire.RuntimeHello,
		Hello: &wire.HelloBody{MinProtocol: 1, MaxProtocol: 1},
	})
	frame := readFrame(t, conn)
	if frame.Type != wire.RuntimeFrameErr {
		t.Fatalf("expected error rejecting unauthenticated hello, got %+v", frame)
	}
}
