package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/storage/models"
)

const promptKey = "sanitized_prompt"

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxPromptLength     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

type queryBody struct {
	Prompt               *string `json:"prompt"`
	RiskPreference       int     `json:"riskPreference"`
	CreativityPreference int     `json:"creativityPreference"`
}

// ContentType rejects POST and PUT bodies that are not one of the allowed
// content types.
func ContentType(cfg Config) fiber.Handler {
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}
		contentType := c.Get(fiber.HeaderContentType)
		if contentType == "" {
			return c.Next()
		}
		for _, allowed := range cfg.AllowedContentTypes {
			if strings.Contains(contentType, allowed) {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Unsupported content type",
		})
	}
}

// Query checks a validation query body before any quota is reserved. The
// sanitized prompt is available through Prompt.
func Query(cfg Config) fiber.Handler {
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = 4000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		var body queryBody
		if err := c.BodyParser(&body); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if body.Prompt == nil {
			return badRequest(c, "Prompt is required and must be a string")
		}
		prompt := sanitizeString(*body.Prompt)
		if prompt == "" {
			return badRequest(c, "Prompt is required and must be a string")
		}
		if utf8.RuneCountInString(prompt) > cfg.MaxPromptLength {
			return badRequest(c, fmt.Sprintf("Prompt exceeds maximum length of %d characters", cfg.MaxPromptLength))
		}

		if containsXSS(prompt) {
			cfg.Logger.Warn("Potential XSS attempt",
				zap.String("ip", c.IP()),
				zap.Int("prompt_length", len(prompt)),
			)
			return badRequest(c, "Invalid prompt content")
		}

		if !validPreference(body.RiskPreference) || !validPreference(body.CreativityPreference) {
			return badRequest(c, "Risk and creativity preferences must be between 1 and 5")
		}

		c.Locals(promptKey, prompt)
		return c.Next()
	}
}

// Prompt returns the prompt sanitized by Query.
func Prompt(c *fiber.Ctx) (string, bool) {
	prompt, ok := c.Locals(promptKey).(string)
	return prompt, ok
}

// validPreference accepts 0 as "use the default".
func validPreference(v int) bool {
	return v == 0 || (v >= models.MinPreference && v <= models.MaxPreference)
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": msg,
	})
}
