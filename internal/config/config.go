// Package config loads process settings from defaults, an optional YAML
// file, a .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Sessions      SessionsConfig      `mapstructure:"sessions"`
	Queue         QueueConfig         `mapstructure:"queue"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	WhatsApp      WhatsAppConfig      `mapstructure:"whatsapp"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Dialogue      DialogueConfig      `mapstructure:"dialogue"`
	Conversations ConversationsConfig `mapstructure:"conversations"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SessionsConfig struct {
	// Backend is "sql" or "dynamodb".
	Backend       string `mapstructure:"backend"`
	DynamoDBTable string `mapstructure:"dynamodb_table"`
}

type QueueConfig struct {
	Path           string        `mapstructure:"path"`
	Workers        int           `mapstructure:"workers"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type WhatsAppConfig struct {
	APIToken     string `mapstructure:"api_token"`
	BaseURL      string `mapstructure:"base_url"`
	PhoneID      string `mapstructure:"phone_id"`
	AppSecret    string `mapstructure:"app_secret"`
	VerifyToken  string `mapstructure:"verify_token"`
	RequireAgent bool   `mapstructure:"require_agent"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type DialogueConfig struct {
	EscalateUnknown bool `mapstructure:"escalate_unknown"`
}

type ConversationsConfig struct {
	InactivityWindow time.Duration `mapstructure:"inactivity_window"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

type SecretsConfig struct {
	// SSMPrefix switches secret lookup to AWS Parameter Store.
	SSMPrefix string `mapstructure:"ssm_prefix"`
}

const DefaultParamPrefix = "/delegate-assistant"

// ParamPrefix is the parameter path tokens and the pinned prompt live under.
func (c Config) ParamPrefix() string {
	if p := strings.TrimRight(strings.TrimSpace(c.Secrets.SSMPrefix), "/"); p != "" {
		return p
	}
	return DefaultParamPrefix
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/delegate.db")
	v.SetDefault("sessions.backend", "sql")
	v.SetDefault("sessions.dynamodb_table", "")
	v.SetDefault("queue.path", "data/queue.db")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.attempt_timeout", 300*time.Second)
	v.SetDefault("queue.backoff_base", 2*time.Second)
	v.SetDefault("queue.backoff_max", time.Minute)
	v.SetDefault("queue.poll_interval", 250*time.Millisecond)
	v.SetDefault("queue.lock_ttl", 10*time.Minute)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 500)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", 30*time.Second)
	v.SetDefault("whatsapp.api_token", "")
	v.SetDefault("whatsapp.base_url", "")
	v.SetDefault("whatsapp.phone_id", "")
	v.SetDefault("whatsapp.app_secret", "")
	v.SetDefault("whatsapp.verify_token", "")
	v.SetDefault("whatsapp.require_agent", true)
	v.SetDefault("telegram.token", "")
	v.SetDefault("dialogue.escalate_unknown", false)
	v.SetDefault("conversations.inactivity_window", 24*time.Hour)
	v.SetDefault("conversations.sweep_interval", time.Hour)
	v.SetDefault("secrets.ssm_prefix", "")
}

// Load reads settings. path may be empty; envFile is loaded when it exists
// and never overrides variables already set.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !isNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = dbURL
	}
	if key := v.GetString("OPENAI_API_KEY"); key != "" {
		cfg.OpenAI.APIKey = key
	}
	if token := v.GetString("WHATSAPP_API_TOKEN"); token != "" {
		cfg.WhatsApp.APIToken = token
	}
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.Sessions.Backend {
	case "sql":
	case "dynamodb":
		if c.Sessions.DynamoDBTable == "" {
			return errors.New("config: sessions.dynamodb_table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("config: unknown sessions.backend %q", c.Sessions.Backend)
	}
	if c.Queue.Workers <= 0 {
		return errors.New("config: queue.workers must be positive")
	}
	return nil
}
