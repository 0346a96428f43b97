package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sandboxbroker/broker/internal/authn"
	"github.com/sandboxbroker/broker/internal/manager"
	"github.com/sandboxbroker/broker/internal/registry"
	"github.com/sandboxbroker/broker/pkg/wire"
)

func testManager(t *testing.T) *manager.Manager {
	t.Helper()
	reg := registry.New()
	reg.Register(registry.Definition{
		Name: "addNumbers",
		ArgsSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(ctx context.Context, args json.RawMessage, call registry.CallContext) (json.RawMessage, error) {
			return json.RawMessage(`{"result":30}`), nil
		},
	})
	m := manager.New(manager.Config{Registry: reg, HeartbeatInterval: time.Hour, SessionTTL: time.Minute})
	t.Cleanup(m.Dispose)
	return m
}

func decodeNDJSON(t *testing.T, body []byte) []wire.Event {
	t.Helper()
	var out []wire.Event
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e wire.Event
		if err := json.Unmarshal(line, &e); err != nil {
			t.Fatalf("decode ndjson line %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestCreateSessionStreamsToFinal(t *testing.T) {
	srv := New(testManager(t), nil, nil, nil)
	handler := srv.Handler()

	body := bytes.NewBufferString(`{"code":"return await callTool('addNumbers',{})"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions", body)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("expected ndjson content type, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Fatal("expected X-Session-ID header")
	}

	evs := decodeNDJSON(t, rec.Body.Bytes())
	if len(evs) == 0 || evs[len(evs)-1].Type != wire.EventFinal {
		t.Fatalf("expected stream to end with final, got %+v", evs)
	}
}

func TestCreateSessionRejectsEmptyCode(t *testing.T) {
	srv := New(testManager(t), nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString(`{"code":""}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateSessionHonorsSessionIDAndConfigOverride(t *testing.T) {
	m := testManager(t)
	srv := New(m, nil, nil, nil)

	body := bytes.NewBufferString(`{"code":"return await callTool('addNumbers',{})","sessionId":"s_from-client","config":{"maxToolCalls":7}}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Session-ID"); got != "s_from-client" {
		t.Fatalf("expected session id s_from-client, got %q", got)
	}
}

func TestCreateSessionRejectsDuplicateSessionID(t *testing.T) {
	m := testManager(t)
	srv := New(m, nil, nil, nil)
	if _, err := m.Create(manager.CreateOptions{SessionID: "s_taken"}); err != nil {
		t.Fatalf("seed create: %v", err)
	}

	body := bytes.NewBufferString(`{"code":"return 1","sessionId":"s_taken"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	srv := New(testManager(t), nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/sessions/s_does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzReportsSessionCounts(t *testing.T) {
	srv := New(testManager(t), nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestCORSOmitsHeadersForDisallowedOrigin(t *testing.T) {
	srv := New(testManager(t), nil, []string{"https://allowed.example"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("expected no CORS header for a disallowed origin")
	}
}

func TestCORSReflectsAllowedOrigin(t *testing.T) {
	srv := New(testManager(t), nil, []string{"https://allowed.example"}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://allowed.example" {
		t.Fatalf("expected reflected origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestDeleteSessionTerminatesIt(t *testing.T) {
	m := testManager(t)
	srv := New(m, nil, nil, nil)
	sess, err := m.Create(manager.CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req := httptest.NewRequest(http.MethodDelete, "/sessions/"+sess.ID(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("expected DELETE to cancel the session")
	}
}

func TestAuthRejectsMissingBearerToken(t *testing.T) {
	srv := New(testManager(t), nil, nil, authn.NewVerifier("test-secret"))
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthAcceptsValidBearerToken(t *testing.T) {
	srv := New(testManager(t), nil, nil, authn.NewVerifier("test-secret"))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "test-user"})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
