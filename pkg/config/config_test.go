package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, 90, cfg.Pipeline.TimeoutSec)
	assert.Equal(t, 4000, cfg.Pipeline.MaxPromptLength)
	assert.Equal(t, "gemini-2.5-flash", cfg.Gemini.FlashModel)
	assert.Equal(t, 24, cfg.Quota.WindowHours)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONSENSUS_PIPELINE_TIMEOUTSEC", "45")
	t.Setenv("CONSENSUS_QUOTA_FREEDAILYLIMIT", "0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45, cfg.Pipeline.TimeoutSec)
	assert.Equal(t, 0, cfg.Quota.FreeDailyLimit)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:  StorageConfig{Driver: "sqlite3"},
			Pipeline: PipelineConfig{TimeoutSec: 90, MaxPromptLength: 4000},
			Quota:    QuotaConfig{FreeDailyLimit: 3, PremiumDailyLimit: 50, WindowHours: 24},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "postgres driver", mutate: func(c *Config) { c.Storage.Driver = "postgres" }},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "unsupported storage driver"},
		{name: "zero timeout", mutate: func(c *Config) { c.Pipeline.TimeoutSec = 0 }, wantErr: "timeoutSec"},
		{name: "negative quota", mutate: func(c *Config) { c.Quota.FreeDailyLimit = -1 }, wantErr: "quota limits"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
