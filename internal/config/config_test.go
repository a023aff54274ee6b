package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRelaymtaEnv(t *testing.T) {
	t.Helper()
	for _, env := range os.Environ() {
		if len(env) > 9 && env[:9] == "RELAYMTA_" {
			if idx := strings.IndexByte(env, '='); idx > 0 {
				key := env[:idx]
				t.Setenv(key, os.Getenv(key)) // register for cleanup
				_ = os.Unsetenv(key)
			}
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearRelaymtaEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Server defaults.
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)

	// Database defaults.
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "relaymta", cfg.Database.User)
	assert.Equal(t, "", cfg.Database.Password)
	assert.Equal(t, "relaymta", cfg.Database.DBName)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.True(t, cfg.Database.AutoMigrate)

	// Redis defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 10, cfg.Redis.PoolSize)

	// Receiver defaults.
	require.Len(t, cfg.Receiver.Listeners, 1)
	assert.Equal(t, "relay", cfg.Receiver.Listeners[0].Kind)
	assert.Equal(t, ":25", cfg.Receiver.Listeners[0].Addr)
	assert.Equal(t, 3, cfg.Receiver.SoftErrorLimit)
	assert.Equal(t, 10, cfg.Receiver.HardErrorLimit)
	assert.Equal(t, int64(36700160), cfg.Receiver.MaxMessageBytes)
	assert.True(t, cfg.Receiver.PipeliningEnabled)
	assert.True(t, cfg.Receiver.STARTTLSEnabled)
	assert.Equal(t, []string{"PLAIN", "LOGIN"}, cfg.Receiver.SASLMechanisms)

	// Delivery defaults.
	assert.Equal(t, "opportunistic", cfg.Delivery.TLSPolicy)
	assert.Equal(t, 5, cfg.Delivery.CircuitFailureLimit)

	// DKIM defaults.
	assert.Equal(t, "relaymta", cfg.DKIM.Selector)
	assert.Equal(t, 2048, cfg.DKIM.KeyBits)

	// Workers defaults.
	assert.Equal(t, 20, cfg.Workers.Concurrency)

	// Plugins defaults.
	assert.False(t, cfg.Plugins.KVStore.Enabled)
	assert.Equal(t, 4, cfg.Plugins.KVStore.Connections)
	assert.Equal(t, "postgres", cfg.Plugins.RelStore.Driver)

	// DNS defaults.
	assert.Equal(t, "system", cfg.DNS.Resolver)

	// Logging defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearRelaymtaEnv(t)

	// The env transformer replaces ALL underscores with dots, so
	// RELAYMTA_DATABASE_HOST -> database.host (works because each segment is one word).
	t.Setenv("RELAYMTA_DATABASE_HOST", "db.example.com")
	t.Setenv("RELAYMTA_LOGGING_LEVEL", "debug")
	t.Setenv("RELAYMTA_DKIM_SELECTOR", "custom")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "custom", cfg.DKIM.Selector)

	// Verify defaults are still set for keys we didn't override.
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "relaymta",
		Password: "secret",
		DBName:   "relaymta_db",
		SSLMode:  "require",
	}

	dsn := db.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "port=5432")
	assert.Contains(t, dsn, "user=relaymta")
	assert.Contains(t, dsn, "password=secret")
	assert.Contains(t, dsn, "dbname=relaymta_db")
	assert.Contains(t, dsn, "sslmode=require")
}

func TestWorkersConfig_ParseRetryDelays(t *testing.T) {
	t.Run("valid delays", func(t *testing.T) {
		w := WorkersConfig{
			RetryDelays: []string{"30s", "1m", "5m", "30m"},
		}
		delays, err := w.ParseRetryDelays()
		require.NoError(t, err)
		require.Len(t, delays, 4)
	})

	t.Run("invalid delay", func(t *testing.T) {
		w := WorkersConfig{
			RetryDelays: []string{"30s", "invalid"},
		}
		_, err := w.ParseRetryDelays()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid")
	})

	t.Run("empty delays", func(t *testing.T) {
		w := WorkersConfig{
			RetryDelays: []string{},
		}
		delays, err := w.ParseRetryDelays()
		require.NoError(t, err)
		assert.Empty(t, delays)
	})
}
