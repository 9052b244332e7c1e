// ABOUTME: Tests for the cookie pre-check, first-message auth frames and HTTP middleware
// ABOUTME: Covers enabled and disabled modes

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-sessions/internal/event"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, string) {
	t.Helper()
	a, err := NewAuthenticator(string(testSecret), "coven_session")
	require.NoError(t, err)
	token, err := a.Verifier().Generate("user-1", time.Hour)
	require.NoError(t, err)
	return a, token
}

func TestAuthenticateFromCookie(t *testing.T) {
	a, token := newTestAuthenticator(t)

	t.Run("valid cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
		req.AddCookie(&http.Cookie{Name: "coven_session", Value: token})

		res := a.AuthenticateFromCookie(req)
		assert.Equal(t, CookieAuthenticated, res.Status)
		require.NotNil(t, res.Identity)
		assert.Equal(t, "user-1", res.Identity.PrincipalID)
		assert.Equal(t, "cookie", res.Identity.Method)
	})

	t.Run("no cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
		res := a.AuthenticateFromCookie(req)
		assert.Equal(t, CookieMissing, res.Status)
		assert.Nil(t, res.Identity)
	})

	t.Run("other cookie only", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
		req.AddCookie(&http.Cookie{Name: "unrelated", Value: token})
		assert.Equal(t, CookieMissing, a.AuthenticateFromCookie(req).Status)
	})

	t.Run("bad cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
		req.AddCookie(&http.Cookie{Name: "coven_session", Value: "garbage"})
		res := a.AuthenticateFromCookie(req)
		assert.Equal(t, CookieInvalid, res.Status)
		assert.ErrorIs(t, res.Err, ErrInvalidToken)
	})
}

func TestAuthenticateFrame(t *testing.T) {
	a, token := newTestAuthenticator(t)

	id, err := a.AuthenticateFrame([]byte(`{"type":"auth","token":"` + token + `"}`))
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.PrincipalID)
	assert.Equal(t, "frame", id.Method)

	_, err = a.AuthenticateFrame([]byte(`{"type":"auth","token":"nope"}`))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.AuthenticateFrame([]byte(`{"type":"user_message","content":"hi"}`))
	assert.ErrorIs(t, err, event.ErrInvalidFrame)

	_, err = a.AuthenticateFrame([]byte(`not json`))
	assert.ErrorIs(t, err, event.ErrInvalidFrame)
}

func TestAuthenticator_Disabled(t *testing.T) {
	a, err := NewAuthenticator("", "coven_session")
	require.NoError(t, err)
	assert.False(t, a.Enabled())

	req := httptest.NewRequest(http.MethodGet, "/ws/sessions/s1", nil)
	res := a.AuthenticateFromCookie(req)
	assert.Equal(t, CookieAuthenticated, res.Status)
	assert.Equal(t, AnonymousPrincipal, res.Identity.PrincipalID)
	assert.True(t, res.Identity.Anonymous())

	id, err := a.AuthenticateFrame([]byte(`{"type":"auth","token":"anything"}`))
	require.NoError(t, err)
	assert.True(t, id.Anonymous())
}

func TestNewAuthenticator_WeakSecret(t *testing.T) {
	_, err := NewAuthenticator("short", "c")
	assert.True(t, errors.Is(err, ErrWeakSecret))
}

func TestHTTPAuthMiddleware(t *testing.T) {
	a, token := newTestAuthenticator(t)

	var got *AuthContext
	handler := HTTPAuthMiddleware(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		cookie     string
		wantStatus int
		wantMethod string
	}{
		{name: "bearer", header: "Bearer " + token, wantStatus: http.StatusOK, wantMethod: "bearer"},
		{name: "cookie", cookie: token, wantStatus: http.StatusOK, wantMethod: "cookie"},
		{name: "header wins over cookie", header: "Bearer garbage", cookie: token, wantStatus: http.StatusUnauthorized},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{name: "bad cookie", cookie: "garbage", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "coven_session", Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, got)
				assert.Equal(t, "user-1", got.PrincipalID)
				assert.Equal(t, tt.wantMethod, got.Method)
			} else {
				assert.Nil(t, got)
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, FromContext(ctx))
	assert.Panics(t, func() { MustFromContext(ctx) })

	id := &AuthContext{PrincipalID: "p"}
	ctx = WithAuth(ctx, id)
	assert.Same(t, id, FromContext(ctx))
	assert.Same(t, id, MustFromContext(ctx))
}
