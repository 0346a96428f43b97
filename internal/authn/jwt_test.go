package authn_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxbroker/broker/internal/authn"
)

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestNilVerifierIsANoOp(t *testing.T) {
	v := authn.NewVerifier("")
	assert.Nil(t, v)

	subject, err := v.VerifyHandshake("anything")
	require.NoError(t, err)
	assert.Empty(t, subject)
}

func TestVerifyRoundTrip(t *testing.T) {
	v := authn.NewVerifier("shared-secret")
	signed := signToken(t, "shared-secret", "user-42")

	subject, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := authn.NewVerifier("shared-secret")
	signed := signToken(t, "a-different-secret", "user-42")

	_, err := v.Verify(signed)
	assert.Error(t, err)
}

func TestVerifyHandshakeRejectsEmptyToken(t *testing.T) {
	v := authn.NewVerifier("shared-secret")
	_, err := v.VerifyHandshake("")
	assert.Error(t, err)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	v := authn.NewVerifier("shared-secret")
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAttachesSubject(t *testing.T) {
	v := authn.NewVerifier("shared-secret")
	var gotSubject string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = authn.Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "shared-secret", "user-7"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-7", gotSubject)
}
