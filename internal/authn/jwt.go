// Package authn implements optional bearer-JWT validation on the HTTP
// session routes and the WebSocket runtime handshake, mirroring
// this stack's JWT-based control-plane auth. It is a no-op when no
// verifier is configured, so every call site is safe to wire
// unconditionally.
package authn

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sandboxbroker/broker/internal/brokererr"
)

// Verifier validates a bearer token and returns the subject claim.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier from an HMAC signing secret. A nil Verifier
// (the zero value pointer) disables auth entirely; callers check for nil
// before invoking it.
func NewVerifier(hmacSecret string) *Verifier {
	if hmacSecret == "" {
		return nil
	}
	return &Verifier{secret: []byte(hmacSecret)}
}

// Verify parses and validates token, returning the "sub" claim.
func (v *Verifier) Verify(token string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", brokererr.Wrap(brokererr.InvalidRequest, "invalid bearer token", err)
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

type subjectKey struct{}

// Middleware enforces a bearer token on every request when v is non-nil.
// The resolved subject is attached to the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		sub, err := v.Verify(token)
		if err != nil {
			writeUnauthorized(w, "invalid bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey{}, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// VerifyHandshake validates the bearer token carried on a WS hello frame's
// clientId-adjacent Authorization-style field (passed in by the caller,
// since the handshake has no HTTP headers once upgraded). Returns the
// subject on success.
func (v *Verifier) VerifyHandshake(token string) (string, error) {
	if v == nil {
		return "", nil
	}
	if token == "" {
		return "", brokererr.New(brokererr.InvalidRequest, "missing bearer token")
	}
	return v.Verify(token)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"code":"UNAUTHORIZED","message":"` + message + `"}`))
}

// Subject extracts the authenticated subject from ctx, if any.
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey{}).(string)
	return sub, ok
}
