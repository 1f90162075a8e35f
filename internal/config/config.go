// Package config loads the runtime configuration from YAML with environment
// variable expansion.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus-core/pkg/nexuserr"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Providers ProvidersConfig `yaml:"providers"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the storage backend. An empty DSN runs fully
// in memory.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic ProviderCredentials `yaml:"anthropic"`
	OpenAI    ProviderCredentials `yaml:"openai"`
	Google    ProviderCredentials `yaml:"google"`
	Ollama    ProviderCredentials `yaml:"ollama"`

	// Timeout bounds one provider call. Default 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderCredentials configures a single LLM provider.
type ProviderCredentials struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ChannelsConfig configures the messaging channel adapters. A channel with
// a zero value stays disabled.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Chatwoot ChatwootConfig `yaml:"chatwoot"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token     string `yaml:"token"`
	ProjectID string `yaml:"project_id"`
}

// Enabled reports whether the adapter should start.
func (c TelegramConfig) Enabled() bool { return c.Token != "" }

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ProjectID string `yaml:"project_id"`
}

// Enabled reports whether the adapter should start.
func (c SlackConfig) Enabled() bool { return c.BotToken != "" }

// WhatsAppConfig configures the WhatsApp Cloud API adapter.
type WhatsAppConfig struct {
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	VerifyToken   string `yaml:"verify_token"`
	ProjectID     string `yaml:"project_id"`
}

// Enabled reports whether the adapter should start.
func (c WhatsAppConfig) Enabled() bool { return c.AccessToken != "" }

// ChatwootConfig configures the Chatwoot adapter.
type ChatwootConfig struct {
	BaseURL       string `yaml:"base_url"`
	AccountID     int    `yaml:"account_id"`
	APIToken      string `yaml:"api_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	ProjectID     string `yaml:"project_id"`
}

// Enabled reports whether the adapter should start.
func (c ChatwootConfig) Enabled() bool { return c.APIToken != "" }

// ApprovalsConfig tunes the approval gate.
type ApprovalsConfig struct {
	// TTL is how long a pending approval stays answerable. Default 24h.
	TTL time.Duration `yaml:"ttl"`

	// PollInterval is the store polling fallback. Default 2s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SweepInterval drives the background expiry sweeper. Default 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SchedulerConfig tunes the cron scheduler.
type SchedulerConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tick    time.Duration `yaml:"tick"`
}

// RuntimeConfig tunes the agent runner and inbound pipeline.
type RuntimeConfig struct {
	// TurnTimeout bounds one queued inbound turn. Default 5m.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// ToolTimeout bounds one tool execution. Default 60s.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default info.
	Level string `yaml:"level"`

	// Format is json or text. Default json.
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expands ${ENV} references, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, "read config", err)
	}
	return Parse(data)
}

// Parse decodes a YAML config document. Unknown fields are rejected so a
// typo fails loudly instead of silently using a default.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, nexuserr.Wrap(nexuserr.KindValidation, "parse config", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnLifetime <= 0 {
		c.Database.ConnLifetime = 30 * time.Minute
	}
	if c.Providers.Timeout <= 0 {
		c.Providers.Timeout = 30 * time.Second
	}
	if c.Approvals.TTL <= 0 {
		c.Approvals.TTL = 24 * time.Hour
	}
	if c.Approvals.PollInterval <= 0 {
		c.Approvals.PollInterval = 2 * time.Second
	}
	if c.Approvals.SweepInterval <= 0 {
		c.Approvals.SweepInterval = time.Minute
	}
	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = time.Minute
	}
	if c.Runtime.TurnTimeout <= 0 {
		c.Runtime.TurnTimeout = 5 * time.Minute
	}
	if c.Runtime.ToolTimeout <= 0 {
		c.Runtime.ToolTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return nexuserr.Newf(nexuserr.KindValidation, "unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return nexuserr.Newf(nexuserr.KindValidation, "unknown log format %q", c.Logging.Format)
	}
	if c.Channels.Telegram.Enabled() && c.Channels.Telegram.ProjectID == "" {
		return missingProject("telegram")
	}
	if c.Channels.Slack.Enabled() && c.Channels.Slack.ProjectID == "" {
		return missingProject("slack")
	}
	if c.Channels.WhatsApp.Enabled() && c.Channels.WhatsApp.ProjectID == "" {
		return missingProject("whatsapp")
	}
	if c.Channels.Chatwoot.Enabled() {
		if c.Channels.Chatwoot.ProjectID == "" {
			return missingProject("chatwoot")
		}
		if c.Channels.Chatwoot.BaseURL == "" || c.Channels.Chatwoot.AccountID <= 0 {
			return nexuserr.New(nexuserr.KindValidation, "chatwoot channel needs base_url and account_id")
		}
	}
	return nil
}

func missingProject(channel string) error {
	return nexuserr.Newf(nexuserr.KindValidation, "%s channel is enabled without a project_id", channel)
}

// String renders the config for diagnostics with credentials redacted.
func (c *Config) String() string {
	redacted := *c
	redacted.Database.DSN = redact(redacted.Database.DSN)
	redacted.Providers.Anthropic.APIKey = redact(redacted.Providers.Anthropic.APIKey)
	redacted.Providers.OpenAI.APIKey = redact(redacted.Providers.OpenAI.APIKey)
	redacted.Providers.Google.APIKey = redact(redacted.Providers.Google.APIKey)
	redacted.Providers.Ollama.APIKey = redact(redacted.Providers.Ollama.APIKey)
	redacted.Channels.Telegram.Token = redact(redacted.Channels.Telegram.Token)
	redacted.Channels.Slack.BotToken = redact(redacted.Channels.Slack.BotToken)
	redacted.Channels.WhatsApp.AccessToken = redact(redacted.Channels.WhatsApp.AccessToken)
	redacted.Channels.WhatsApp.VerifyToken = redact(redacted.Channels.WhatsApp.VerifyToken)
	redacted.Channels.Chatwoot.APIToken = redact(redacted.Channels.Chatwoot.APIToken)
	redacted.Channels.Chatwoot.WebhookSecret = redact(redacted.Channels.Chatwoot.WebhookSecret)
	out, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}
