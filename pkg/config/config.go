package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"chatrelay/pkg/backoff"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	envTelegramBotToken = "CHATRELAY_TELEGRAM_TOKEN"
	envDiscordBotToken  = "CHATRELAY_DISCORD_TOKEN"
	envEmailPassword    = "CHATRELAY_EMAIL_PASSWORD"
	envTwitchToken      = "CHATRELAY_TWITCH_TOKEN"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Agent    AgentConfig    `json:"agent,omitempty"`
	Channels ChannelsConfig `json:"channels"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// AgentConfig selects the message consumer behind the gateway.
type AgentConfig struct {
	Mode string `json:"mode,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// GatewayConfig configures the health/status HTTP bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Email    EmailConfig    `json:"email"`
	Twitch   TwitchConfig   `json:"twitch"`
}

// RoutingConfig controls how group messages are gated before reaching the agent.
type RoutingConfig struct {
	GroupMode          string `json:"group_mode,omitempty"`
	CaptureSelfMessage bool   `json:"capture_self_messages,omitempty"`
}

// DedupConfig overrides the per-adapter duplicate suppression window.
type DedupConfig struct {
	Enabled    *bool `json:"enabled,omitempty"`
	TTLSeconds int   `json:"ttl_seconds,omitempty"`
	MaxSize    int   `json:"max_size,omitempty"`
}

// TTL returns the configured TTL or the supplied fallback.
func (d DedupConfig) TTL(fallback time.Duration) time.Duration {
	if d.TTLSeconds <= 0 {
		return fallback
	}
	return time.Duration(d.TTLSeconds) * time.Second
}

// Size returns the configured cache bound or the supplied fallback.
func (d DedupConfig) Size(fallback int) int {
	if d.MaxSize <= 0 {
		return fallback
	}
	return d.MaxSize
}

// On reports whether dedup is enabled; nil means enabled.
func (d DedupConfig) On() bool {
	return d.Enabled == nil || *d.Enabled
}

// ReconnectConfig tunes the shared backoff machinery for one adapter.
type ReconnectConfig struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	InitialDelaySeconds int     `json:"initial_delay_seconds,omitempty"`
	MaxDelaySeconds     int     `json:"max_delay_seconds,omitempty"`
	Multiplier          float64 `json:"multiplier,omitempty"`
	Jitter              float64 `json:"jitter,omitempty"`
	MaxAttempts         int     `json:"max_attempts,omitempty"`
}

// On reports whether auto-reconnect is enabled; nil means enabled.
func (r ReconnectConfig) On() bool {
	return r.Enabled == nil || *r.Enabled
}

// Backoff maps the overrides onto the stock reconnect tuning.
func (r ReconnectConfig) Backoff() backoff.Config {
	out := backoff.DefaultConfig()
	if r.InitialDelaySeconds > 0 {
		out.InitialDelay = time.Duration(r.InitialDelaySeconds) * time.Second
	}
	if r.MaxDelaySeconds > 0 {
		out.MaxDelay = time.Duration(r.MaxDelaySeconds) * time.Second
	}
	if r.Multiplier >= 1 {
		out.Multiplier = r.Multiplier
	}
	if r.Jitter > 0 && r.Jitter <= 1 {
		out.Jitter = r.Jitter
	}
	if r.MaxAttempts > 0 {
		out.MaxAttempts = r.MaxAttempts
	}
	return out
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool            `json:"enabled"`
	Token     string          `json:"token"`
	AllowFrom []string        `json:"allow_from,omitempty"`
	Routing   RoutingConfig   `json:"routing,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Reconnect ReconnectConfig `json:"reconnect,omitempty"`
}

// DiscordConfig configures Discord channel integration.
type DiscordConfig struct {
	Enabled         bool            `json:"enabled"`
	Token           string          `json:"token"`
	AllowFrom       []string        `json:"allow_from,omitempty"`
	AllowedGuildIDs []string        `json:"allowed_guild_ids,omitempty"`
	Routing         RoutingConfig   `json:"routing,omitempty"`
	Dedup           DedupConfig     `json:"dedup,omitempty"`
	Reconnect       ReconnectConfig `json:"reconnect,omitempty"`
}

// EmailConfig configures the IMAP/SMTP channel.
type EmailConfig struct {
	Enabled             bool            `json:"enabled"`
	IMAPHost            string          `json:"imap_host"`
	IMAPPort            int             `json:"imap_port"`
	SMTPHost            string          `json:"smtp_host"`
	SMTPPort            int             `json:"smtp_port"`
	Username            string          `json:"username"`
	Password            string          `json:"password"`
	Mailbox             string          `json:"mailbox,omitempty"`
	FromAddress         string          `json:"from_address,omitempty"`
	PollIntervalSeconds int             `json:"poll_interval_seconds,omitempty"`
	MarkSeen            bool            `json:"mark_seen,omitempty"`
	AllowFrom           []string        `json:"allow_from,omitempty"`
	Dedup               DedupConfig     `json:"dedup,omitempty"`
	Reconnect           ReconnectConfig `json:"reconnect,omitempty"`
}

// PollInterval returns the mailbox poll cadence.
func (e EmailConfig) PollInterval() time.Duration {
	if e.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

// TwitchConfig configures the Twitch IRC-over-WebSocket channel.
type TwitchConfig struct {
	Enabled   bool            `json:"enabled"`
	Nick      string          `json:"nick"`
	Token     string          `json:"token"`
	Channels  []string        `json:"channels"`
	AllowFrom []string        `json:"allow_from,omitempty"`
	Routing   RoutingConfig   `json:"routing,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Reconnect ReconnectConfig `json:"reconnect,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that every enabled channel carries its required credentials.
func (c *Config) Validate() error {
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		return errors.New("channels.telegram.token is required")
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.Token) == "" {
		return errors.New("channels.discord.token is required")
	}
	if c.Channels.Email.Enabled {
		email := c.Channels.Email
		if strings.TrimSpace(email.IMAPHost) == "" || strings.TrimSpace(email.SMTPHost) == "" {
			return errors.New("channels.email.imap_host and smtp_host are required")
		}
		if strings.TrimSpace(email.Username) == "" || strings.TrimSpace(email.Password) == "" {
			return errors.New("channels.email.username and password are required")
		}
	}
	if c.Channels.Twitch.Enabled {
		twitch := c.Channels.Twitch
		if strings.TrimSpace(twitch.Nick) == "" || strings.TrimSpace(twitch.Token) == "" {
			return errors.New("channels.twitch.nick and token are required")
		}
		if len(twitch.Channels) == 0 {
			return errors.New("channels.twitch.channels must list at least one channel")
		}
	}

	return nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if token := strings.TrimSpace(os.Getenv(envDiscordBotToken)); token != "" {
		cfg.Channels.Discord.Token = token
	}
	if password := strings.TrimSpace(os.Getenv(envEmailPassword)); password != "" {
		cfg.Channels.Email.Password = password
	}
	if token := strings.TrimSpace(os.Getenv(envTwitchToken)); token != "" {
		cfg.Channels.Twitch.Token = token
	}
	if rawAllowFrom := strings.TrimSpace(os.Getenv("CHATRELAY_TELEGRAM_ALLOW_FROM")); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATRELAY_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("CHATRELAY_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("CHATRELAY_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".chatrelay", "config.json"))
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s)", strings.Join(candidates, ", "))
}
