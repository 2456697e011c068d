package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Redis     RedisConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Evaluator EvaluatorConfig
	Pipeline  PipelineConfig
	Quota     QuotaConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type StorageConfig struct {
	Driver string
	DSN    string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	ProModel    string
	FlashModel  string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

// EvaluatorConfig selects the model used for the meta-evaluation pass.
// The evaluator always talks to an OpenAI-compatible endpoint.
type EvaluatorConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type PipelineConfig struct {
	TimeoutSec      int
	MaxPromptLength int
}

type QuotaConfig struct {
	FreeDailyLimit    int
	PremiumDailyLimit int
	WindowHours       int
}

type AuthConfig struct {
	// StaticTokens maps bearer token to "userID" or "userID:premium".
	StaticTokens map[string]string
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c PipelineConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c QuotaConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/consensus-api")

	v.SetEnvPrefix("CONSENSUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Pipeline.TimeoutSec <= 0 {
		return fmt.Errorf("pipeline.timeoutSec must be positive")
	}
	if c.Pipeline.MaxPromptLength <= 0 {
		return fmt.Errorf("pipeline.maxPromptLength must be positive")
	}
	if c.Quota.FreeDailyLimit < 0 || c.Quota.PremiumDailyLimit < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	if c.Quota.WindowHours <= 0 {
		return fmt.Errorf("quota.windowHours must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("storage.driver", "sqlite3")
	v.SetDefault("storage.dsn", "./data/validations.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.maxTokens", 2048)
	v.SetDefault("openai.timeoutSec", 60)

	v.SetDefault("gemini.proModel", "gemini-2.5-pro")
	v.SetDefault("gemini.flashModel", "gemini-2.5-flash")
	v.SetDefault("gemini.temperature", 0.7)
	v.SetDefault("gemini.maxTokens", 2048)
	v.SetDefault("gemini.timeoutSec", 60)

	v.SetDefault("evaluator.model", "gpt-4o")
	v.SetDefault("evaluator.temperature", 0.3)
	v.SetDefault("evaluator.maxTokens", 3000)
	v.SetDefault("evaluator.timeoutSec", 60)

	v.SetDefault("pipeline.timeoutSec", 90)
	v.SetDefault("pipeline.maxPromptLength", 4000)

	v.SetDefault("quota.freeDailyLimit", 3)
	v.SetDefault("quota.premiumDailyLimit", 50)
	v.SetDefault("quota.windowHours", 24)

	v.SetDefault("ratelimit.maxRequestsPerMinute", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
