package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/logger"
)

// SessionLocalsKey is the fiber Locals key holding the *models.Session. The
// websocket upgrade carries it over to the connection.
const SessionLocalsKey = "session"

// SessionProvider resolves a bearer token to a session. It returns false for
// unknown tokens.
type SessionProvider interface {
	GetSession(ctx context.Context, token string) (*models.Session, bool, error)
}

// StaticSessions serves sessions configured as token -> "userID" or
// "userID:premium".
type StaticSessions map[string]models.Session

func ParseStaticSessions(tokens map[string]string) (StaticSessions, error) {
	sessions := make(StaticSessions, len(tokens))
	for token, value := range tokens {
		userID, tier, _ := strings.Cut(value, ":")
		userID = strings.TrimSpace(userID)
		if token == "" || userID == "" {
			return nil, fmt.Errorf("invalid static token entry %q", value)
		}

		session := models.Session{UserID: userID}
		switch strings.TrimSpace(tier) {
		case "":
		case "premium":
			session.IsPremium = true
		default:
			return nil, fmt.Errorf("unknown tier %q for user %s", tier, userID)
		}
		sessions[token] = session
	}
	return sessions, nil
}

func (s StaticSessions) GetSession(_ context.Context, token string) (*models.Session, bool, error) {
	session, ok := s[token]
	if !ok {
		return nil, false, nil
	}
	return &session, true, nil
}

// Chain asks each provider in turn and returns the first match.
type Chain []SessionProvider

func (c Chain) GetSession(ctx context.Context, token string) (*models.Session, bool, error) {
	for _, p := range c {
		if p == nil {
			continue
		}
		session, ok, err := p.GetSession(ctx, token)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return session, true, nil
		}
	}
	return nil, false, nil
}

// Middleware rejects requests without a valid bearer token. WebSocket upgrades
// may pass the token as the "token" query parameter.
func Middleware(provider SessionProvider) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return unauthorized(c)
		}

		session, ok, err := provider.GetSession(c.UserContext(), token)
		if err != nil {
			logger.Error("Session lookup failed", zap.String("path", c.Path()), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to authenticate request",
			})
		}
		if !ok {
			return unauthorized(c)
		}

		c.Locals(SessionLocalsKey, session)
		return c.Next()
	}
}

// SessionFrom returns the session stored by Middleware.
func SessionFrom(c *fiber.Ctx) (*models.Session, bool) {
	session, ok := c.Locals(SessionLocalsKey).(*models.Session)
	return session, ok && session != nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error": "Unauthorized",
	})
}
