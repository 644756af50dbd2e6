package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatterbox/internal/cache"
	"chatterbox/internal/middleware"
	"chatterbox/internal/models"
	"chatterbox/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignupLoginLogout(t *testing.T) {
	env := newTestEnv(t)

	resp := env.call(t, http.MethodPost, "/api/auth/signup", 0, service.SignupInput{
		Username: "ada", FullName: "Ada Lovelace", Email: "ada@example.com", Password: "engine1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	signup := decodeBody[service.AuthResult](t, resp)
	require.NotEmpty(t, signup.Token)
	assert.Empty(t, signup.User.Password)

	resp = env.call(t, http.MethodPost, "/api/auth/signup", 0, service.SignupInput{
		Username: "ada", Email: "other@example.com", Password: "engine1",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.call(t, http.MethodPost, "/api/auth/login", 0, fiber.Map{"identifier": "ada", "password": "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.call(t, http.MethodPost, "/api/auth/login", 0, fiber.Map{"email": "ada@example.com", "password": "engine1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody[service.AuthResult](t, resp)

	me := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
		r, err := env.app.Test(req, -1)
		require.NoError(t, err)
		defer func() { _ = r.Body.Close() }()
		return r.StatusCode
	}
	assert.Equal(t, http.StatusOK, me(login.Token))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+login.Token)
	r, err := env.app.Test(req, -1)
	require.NoError(t, err)
	_ = r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, me(login.Token))
	assert.Equal(t, http.StatusOK, me(signup.Token), "other sessions stay valid")

	claims, err := middleware.ParseToken(testSecret, login.Token)
	require.NoError(t, err)
	assert.True(t, env.mr.Exists(cache.BlacklistKey(claims.JTI)))
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.users[0].ID

	expired, _, err := middleware.IssueToken(testSecret, alice, -time.Hour)
	require.NoError(t, err)
	foreign, _, err := middleware.IssueToken("some-other-secret-0123456789abcdef", alice, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
		want       int
	}{
		{"valid token", "Bearer " + env.token(t, alice), http.StatusOK},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong signing key", "Bearer " + foreign, http.StatusUnauthorized},
		{"malformed bearer", "BearerTokenOnly", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
			if tt.authHeader != "" {
				req.Header.Set(fiber.HeaderAuthorization, tt.authHeader)
			}
			resp, err := env.app.Test(req, -1)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.want == http.StatusUnauthorized {
				body := decodeBody[models.ErrorResponse](t, resp)
				assert.Equal(t, models.CodeUnauthorized, body.Code)
			}
		})
	}

	// Query-string tokens are not accepted.
	resp := env.call(t, http.MethodGet, "/api/users/me?token="+env.token(t, alice), 0, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIssueWSTicket(t *testing.T) {
	env := newTestEnv(t, "alice")
	alice := env.users[0].ID

	resp := env.call(t, http.MethodPost, "/api/ws/ticket", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}](t, resp)
	require.NotEmpty(t, body.Ticket)
	assert.Equal(t, 30, body.ExpiresIn)

	stored, err := env.mr.Get(cache.WSTicketKey(body.Ticket))
	require.NoError(t, err)
	assert.Equal(t, "1", stored)

	resp = env.call(t, http.MethodPost, "/api/ws/ticket", 0, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketAuth(t *testing.T) {
	env := newTestEnv(t, "alice")

	upgrade := func(query string) *http.Response {
		req := httptest.NewRequest(http.MethodGet, "/api/ws"+query, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Sec-WebSocket-Version", "13")
		req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		resp, err := env.app.Test(req, -1)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	t.Run("plain GET needs an upgrade", func(t *testing.T) {
		resp := env.call(t, http.MethodGet, "/api/ws", 0, nil)
		assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	})

	t.Run("missing ticket", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, upgrade("").StatusCode)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, upgrade("?ticket=made-up").StatusCode)
	})

	t.Run("bearer token is not a ticket", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, upgrade("?ticket="+env.token(t, env.users[0].ID)).StatusCode)
	})
}
