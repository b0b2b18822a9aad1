package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "sql", cfg.Sessions.Backend)
	require.Equal(t, 4, cfg.Queue.Workers)
	require.Equal(t, 300*time.Second, cfg.Queue.AttemptTimeout)
	require.Equal(t, 10*time.Minute, cfg.Queue.LockTTL)
	require.Equal(t, 30*time.Second, cfg.OpenAI.Timeout)
	require.Equal(t, 24*time.Hour, cfg.Conversations.InactivityWindow)
	require.False(t, cfg.Dialogue.EscalateUnknown)
	require.True(t, cfg.WhatsApp.RequireAgent)
	require.Equal(t, DefaultParamPrefix, cfg.ParamPrefix())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
dialogue:
  escalate_unknown: true
whatsapp:
  require_agent: false
  phone_id: "1234"
queue:
  workers: 2
  lock_ttl: 5m
secrets:
  ssm_prefix: /prod/delegate/
`), 0o600))

	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/delegate?sslmode=disable")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TELEGRAM_TOKEN", "tg-token")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTP.Addr)
	require.True(t, cfg.Dialogue.EscalateUnknown)
	require.False(t, cfg.WhatsApp.RequireAgent)
	require.Equal(t, "1234", cfg.WhatsApp.PhoneID)
	require.Equal(t, 8, cfg.Queue.Workers)
	require.Equal(t, 5*time.Minute, cfg.Queue.LockTTL)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "postgres://u:p@localhost:5432/delegate?sslmode=disable", cfg.Database.DSN)
	require.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	require.Equal(t, "tg-token", cfg.Telegram.Token)
	require.Equal(t, "/prod/delegate", cfg.ParamPrefix())
}

func TestLoad_EnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("WHATSAPP_VERIFY_TOKEN=from-file\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("WHATSAPP_VERIFY_TOKEN") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.WhatsApp.VerifyToken)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestLoad_MissingConfigFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "mysql")
	_, err := Load("", "")
	require.ErrorContains(t, err, "database.driver")

	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SESSIONS_BACKEND", "dynamodb")
	_, err = Load("", "")
	require.ErrorContains(t, err, "dynamodb_table")

	t.Setenv("SESSIONS_DYNAMODB_TABLE", "sessions")
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, "sessions", cfg.Sessions.DynamoDBTable)
}
