package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consensus-ai/backend/internal/storage/models"
)

type failingProvider struct{}

func (failingProvider) GetSession(context.Context, string) (*models.Session, bool, error) {
	return nil, false, errors.New("redis down")
}

func newApp(t *testing.T, provider SessionProvider) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Use(Middleware(provider))
	app.Get("/me", func(c *fiber.Ctx) error {
		session, ok := SessionFrom(c)
		require.True(t, ok)
		return c.JSON(session)
	})
	return app
}

func TestParseStaticSessions(t *testing.T) {
	sessions, err := ParseStaticSessions(map[string]string{
		"tok-free": "alice",
		"tok-paid": "bob:premium",
	})
	require.NoError(t, err)
	assert.Equal(t, models.Session{UserID: "alice"}, sessions["tok-free"])
	assert.Equal(t, models.Session{UserID: "bob", IsPremium: true}, sessions["tok-paid"])

	_, err = ParseStaticSessions(map[string]string{"tok": "carol:gold"})
	assert.Error(t, err)

	_, err = ParseStaticSessions(map[string]string{"tok": ":premium"})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	sessions, err := ParseStaticSessions(map[string]string{"tok-paid": "bob:premium"})
	require.NoError(t, err)
	app := newApp(t, Chain{nil, StaticSessions{}, sessions})

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{name: "bearer header", target: "/me", header: "Bearer tok-paid", status: fiber.StatusOK},
		{name: "lowercase scheme", target: "/me", header: "bearer tok-paid", status: fiber.StatusOK},
		{name: "query token", target: "/me?token=tok-paid", status: fiber.StatusOK},
		{name: "missing", target: "/me", status: fiber.StatusUnauthorized},
		{name: "unknown token", target: "/me", header: "Bearer nope", status: fiber.StatusUnauthorized},
		{name: "basic scheme", target: "/me", header: "Basic tok-paid", status: fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			if tt.status == fiber.StatusOK {
				var session models.Session
				require.NoError(t, json.Unmarshal(body, &session))
				assert.Equal(t, models.Session{UserID: "bob", IsPremium: true}, session)
			} else {
				assert.JSONEq(t, `{"error":"Unauthorized"}`, string(body))
			}
		})
	}
}

func TestMiddleware_ProviderError(t *testing.T) {
	app := newApp(t, failingProvider{})

	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}
