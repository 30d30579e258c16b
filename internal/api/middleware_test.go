package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kmorano/chatrelay/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func Test_bearerToken(t *testing.T) {
	t.Run("authorization header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		r.Header.Set("Authorization", "Bearer abc123")
		assert.Equal(t, "abc123", bearerToken(r))
	})

	t.Run("malformed header wins over query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/auth/session?token=abc123", nil)
		r.Header.Set("Authorization", "Basic abc123")
		assert.Empty(t, bearerToken(r))
	})

	t.Run("query parameter for the ws upgrade", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=abc123", nil)
		assert.Equal(t, "abc123", bearerToken(r))
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		assert.Empty(t, bearerToken(r))
	})
}

func Test_authMiddleware(t *testing.T) {
	s := &ChatRelayApp{
		log:        testutil.TestLogger(t),
		signingKey: []byte("test-signing-key"),
	}

	var gotUserId string
	handler := s.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotUserId, _ = UserId(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		r.Header.Set("Authorization", "Bearer bogus")
		w := httptest.NewRecorder()
		handler(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token injects the user id", func(t *testing.T) {
		token, _, err := s.createJwtForSession("user-1", time.Hour)
		assert.Nil(t, err)

		r := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user-1", gotUserId)
		assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	})
}

func Test_errorHandler(t *testing.T) {
	s := &ChatRelayApp{log: testutil.TestLogger(t)}

	handler := s.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/channels", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
