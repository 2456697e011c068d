// Package api assembles the fiber application serving the validation API.
package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/api/handlers"
	"github.com/consensus-ai/backend/internal/consensus"
	"github.com/consensus-ai/backend/internal/metrics"
	"github.com/consensus-ai/backend/internal/middleware/auth"
	"github.com/consensus-ai/backend/internal/middleware/ratelimit"
	"github.com/consensus-ai/backend/internal/middleware/security"
	"github.com/consensus-ai/backend/internal/middleware/validation"
	"github.com/consensus-ai/backend/internal/quota"
)

type Deps struct {
	Service     *consensus.Service
	History     handlers.HistoryStore
	Quota       quota.Store
	Limits      quota.Limits
	Sessions    auth.SessionProvider
	RateLimiter *ratelimit.RateLimiter
	Health      map[string]handlers.Pinger
	Logger      *zap.Logger

	MaxPromptLength int
	AllowedOrigins  []string
	Development     bool
	AccessLog       bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BodyLimit    int
}

func NewApp(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           d.ReadTimeout,
		WriteTimeout:          d.WriteTimeout,
		BodyLimit:             d.BodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	if d.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${locals:requestid} ${status} ${method} ${path} ${latency}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins(d.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: d.AllowedOrigins,
		IsDevelopment:  d.Development,
	}))

	healthHandler := handlers.NewHealthHandler(d.Health)
	validationHandler := handlers.NewValidationHandler(d.Service, d.History, d.Quota, d.Limits)
	wsHandler := handlers.NewWebSocketHandler(d.Service)

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	protected := []fiber.Handler{auth.Middleware(d.Sessions)}
	if d.RateLimiter != nil {
		protected = append(protected, d.RateLimiter.Middleware())
	}
	protected = append(protected, validation.ContentType(validation.Config{}))

	api.Get("/quota", append(protected, validationHandler.GetQuota)...)

	v := api.Group("/validations", protected...)
	v.Post("/query", validation.Query(validation.Config{MaxPromptLength: d.MaxPromptLength, Logger: d.Logger}), validationHandler.HandleQuery)
	v.Post("/evaluate", validationHandler.HandleEvaluate)
	v.Get("/", validationHandler.ListHistory)
	v.Get("/:id", validationHandler.GetValidation)
	v.Delete("/:id", validationHandler.DeleteValidation)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/validate", auth.Middleware(d.Sessions), websocket.New(wsHandler.HandleConnection))

	return app
}

func allowOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal server error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{
		"error": msg,
	})
}
