package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, "COP", cfg.DefaultCurrency)
	require.Equal(t, 10, cfg.HistoryWindow)
	require.Equal(t, 1000, cfg.MaxMessageLength)
	require.False(t, cfg.ModerationEnabled)
	require.Equal(t, time.Hour, cfg.Redis.TTL)
	require.Equal(t, "transfer", cfg.RabbitMQ.TransferQueue)
	require.Equal(t, "transfer-response", cfg.RabbitMQ.ResponseQueue)
	require.Equal(t, 5, cfg.RabbitMQ.ReconnectAttempts)
	require.Equal(t, 5*time.Second, cfg.RabbitMQ.ReconnectDelay)
	require.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	require.Equal(t, 1.0, cfg.OpenAI.Temperature)
	require.Equal(t, 3, cfg.Processor.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Processor.InitialDelay)
}

func TestLoad_NestedPrefixes(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_TTL", "30m")
	t.Setenv("RABBITMQ_TRANSFER_QUEUE", "transfers-dev")
	t.Setenv("OPENAI_TIMEOUT", "3s")
	t.Setenv("OPENAI_TEMPERATURE", "0.2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, 30*time.Minute, cfg.Redis.TTL)
	require.Equal(t, "transfers-dev", cfg.RabbitMQ.TransferQueue)
	require.Equal(t, 3*time.Second, cfg.OpenAI.Timeout)
	require.Equal(t, 0.2, cfg.OpenAI.Temperature)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_DotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STATE_TABLE=from-file\nDEFAULT_CURRENCY=USD\n"), 0o600))
	t.Setenv("DEFAULT_CURRENCY", "EUR")
	t.Setenv("STATE_TABLE", "")
	require.NoError(t, os.Unsetenv("STATE_TABLE"))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.StateTable)
	require.Equal(t, "EUR", cfg.DefaultCurrency)
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	var cfg Config
	err := ParseEnv(&cfg)
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "parse env:"))
}

func TestRequire(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	err = cfg.RequireChat()
	require.ErrorContains(t, err, "STATE_TABLE is required")
	require.ErrorContains(t, err, "OPENAI_API_KEY or PARAM_PREFIX is required")
	require.ErrorContains(t, cfg.RequireProcessor(), "DATABASE_URL is required")

	cfg.StateTable = "conversations"
	cfg.OpenAI.APIKey = "sk-test"
	cfg.DatabaseURL = "sqlite::memory:"
	require.NoError(t, cfg.RequireChat())
	require.NoError(t, cfg.RequireProcessor())
	require.NoError(t, cfg.RequireNotifier())

	cfg.DefaultCurrency = "PESO"
	require.ErrorContains(t, cfg.RequireProcessor(), "DEFAULT_CURRENCY")
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, v string) (string, error) {
	name, ok := strings.CutPrefix(v, "ssm:")
	if !ok {
		return v, nil
	}
	out, found := m[name]
	if !found {
		return "", errors.New("parameter not found")
	}
	return out, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg := Config{DatabaseURL: "ssm:/db", OpenAI: OpenAI{APIKey: "sk-plain"}}
	cfg.RabbitMQ.URL = "ssm:/amqp"

	require.NoError(t, cfg.ResolveSecrets(context.Background(), mapResolver{"/db": "postgres://ledger", "/amqp": "amqp://broker"}))
	require.Equal(t, "postgres://ledger", cfg.DatabaseURL)
	require.Equal(t, "amqp://broker", cfg.RabbitMQ.URL)
	require.Equal(t, "sk-plain", cfg.OpenAI.APIKey)

	cfg.Redis.Password = "ssm:/absent"
	require.ErrorContains(t, cfg.ResolveSecrets(context.Background(), mapResolver{}), "config: resolve secret")
}
