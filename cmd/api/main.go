package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/consensus-ai/backend/internal/api"
	"github.com/consensus-ai/backend/internal/api/handlers"
	"github.com/consensus-ai/backend/internal/cache/redis"
	"github.com/consensus-ai/backend/internal/consensus"
	"github.com/consensus-ai/backend/internal/llm"
	"github.com/consensus-ai/backend/internal/metrics"
	"github.com/consensus-ai/backend/internal/middleware/auth"
	"github.com/consensus-ai/backend/internal/middleware/ratelimit"
	"github.com/consensus-ai/backend/internal/quota"
	"github.com/consensus-ai/backend/internal/storage/history"
	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/config"
	appLogger "github.com/consensus-ai/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting consensus validation API server")
	metrics.Init()

	historyClient, err := history.NewClient(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		appLogger.Fatal("Failed to create history store", zap.Error(err))
	}
	defer historyClient.Close()

	if err := historyClient.InitSchema(context.Background()); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	health := map[string]handlers.Pinger{"history": historyClient}
	sessions := auth.Chain{}

	staticSessions, err := auth.ParseStaticSessions(cfg.Auth.StaticTokens)
	if err != nil {
		appLogger.Fatal("Invalid static tokens", zap.Error(err))
	}
	sessions = append(sessions, staticSessions)

	var quotaStore quota.Store
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()

		quotaStore = redisClient
		sessions = append(sessions, redisClient)
		health["redis"] = redisClient
	} else {
		appLogger.Warn("Redis disabled, quota counters are kept in memory")
		quotaStore = quota.NewMemoryStore()
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		appLogger.Fatal("Failed to create model providers", zap.Error(err))
	}

	evaluatorClient := llm.NewClient(llm.ClientOptions{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.Evaluator.Model,
		Temperature: cfg.Evaluator.Temperature,
		MaxTokens:   cfg.Evaluator.MaxTokens,
		Timeout:     time.Duration(cfg.Evaluator.TimeoutSec) * time.Second,
	})

	limits := quota.Limits{
		Free:    cfg.Quota.FreeDailyLimit,
		Premium: cfg.Quota.PremiumDailyLimit,
		Window:  cfg.Quota.Window(),
	}

	orchestrator := consensus.NewOrchestrator(registry, quotaStore, consensus.OrchestratorConfig{
		Timeout:         cfg.Pipeline.Timeout(),
		MaxPromptLength: cfg.Pipeline.MaxPromptLength,
		Limits:          limits,
	})

	evaluator, err := consensus.NewEvaluator(evaluatorClient, registry, historyClient)
	if err != nil {
		appLogger.Fatal("Failed to create evaluator", zap.Error(err))
	}

	rateLimiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer rateLimiter.Stop()

	app := api.NewApp(api.Deps{
		Service:         consensus.NewService(orchestrator, evaluator),
		History:         historyClient,
		Quota:           quotaStore,
		Limits:          limits,
		Sessions:        sessions,
		RateLimiter:     rateLimiter,
		Health:          health,
		Logger:          appLogger.GetLogger(),
		MaxPromptLength: cfg.Pipeline.MaxPromptLength,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Development:     cfg.Server.Development,
		AccessLog:       true,
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:       cfg.Server.BodyLimit,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(cfg.Pipeline.Timeout()); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// buildRegistry registers the three validation providers in request order.
func buildRegistry(cfg *config.Config) (*llm.Registry, error) {
	ctx := context.Background()
	geminiTimeout := time.Duration(cfg.Gemini.TimeoutSec) * time.Second

	gpt := llm.NewClient(llm.ClientOptions{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Timeout:     time.Duration(cfg.OpenAI.TimeoutSec) * time.Second,
	})

	pro, err := llm.NewGeminiClient(ctx, llm.ClientOptions{
		APIKey:      cfg.Gemini.APIKey,
		BaseURL:     cfg.Gemini.BaseURL,
		Model:       cfg.Gemini.ProModel,
		Temperature: cfg.Gemini.Temperature,
		MaxTokens:   cfg.Gemini.MaxTokens,
		Timeout:     geminiTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini pro: %w", err)
	}

	flash, err := llm.NewGeminiClient(ctx, llm.ClientOptions{
		APIKey:      cfg.Gemini.APIKey,
		BaseURL:     cfg.Gemini.BaseURL,
		Model:       cfg.Gemini.FlashModel,
		Temperature: cfg.Gemini.Temperature,
		MaxTokens:   cfg.Gemini.MaxTokens,
		Timeout:     geminiTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini flash: %w", err)
	}

	registry := llm.NewRegistry()
	for _, p := range []llm.Provider{
		llm.NewCompletionProvider(llm.Descriptor{ID: models.ModelGPT, Name: "GPT", Model: cfg.OpenAI.Model, Style: llm.StyleBalanced}, gpt),
		llm.NewCompletionProvider(llm.Descriptor{ID: models.ModelGeminiPro, Name: "Gemini Pro", Model: cfg.Gemini.ProModel, Style: llm.StyleConservative}, pro),
		llm.NewCompletionProvider(llm.Descriptor{ID: models.ModelGeminiFlash, Name: "Gemini Flash", Model: cfg.Gemini.FlashModel, Style: llm.StyleExploratory}, flash),
	} {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
