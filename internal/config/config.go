// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server            ServerConfig            `yaml:"server" toml:"server"`
	Tailscale         TailscaleConfig         `yaml:"tailscale" toml:"tailscale"`
	State             StateConfig             `yaml:"state" toml:"state"`
	Dispatch          DispatchConfig          `yaml:"dispatch" toml:"dispatch"`
	Streaming         StreamingConfig         `yaml:"streaming" toml:"streaming"`
	PushSubscriptions PushSubscriptionsConfig `yaml:"push_subscriptions" toml:"push_subscriptions"`
	Platforms         PlatformsConfig         `yaml:"platforms" toml:"platforms"`
	Admin             AdminConfig             `yaml:"admin" toml:"admin"`
	Logging           LoggingConfig           `yaml:"logging" toml:"logging"`
	Metrics           MetricsConfig           `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// PublicURL is the externally reachable base URL, used to derive webhook
	// audiences when a platform does not set one.
	PublicURL string `yaml:"public_url" toml:"public_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Chat backends must reach the webhooks publicly
}

// StateConfig selects the state backend
type StateConfig struct {
	// DSN picks the backend by scheme: memory://, sqlite://, pebble://,
	// redis://, postgres://. A bare path means SQLite.
	DSN       string `yaml:"dsn" toml:"dsn"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// DispatchConfig holds event routing and identity configuration
type DispatchConfig struct {
	BotName               string `yaml:"bot_name" toml:"bot_name"`
	BotHandle             string `yaml:"bot_handle" toml:"bot_handle"`
	AssumeBotSenderIsSelf bool   `yaml:"assume_bot_sender_is_self" toml:"assume_bot_sender_is_self"`

	LockTTL      time.Duration `yaml:"-" toml:"-"`
	UserCacheTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LockTTLRaw      string `yaml:"lock_ttl" toml:"lock_ttl"`
	UserCacheTTLRaw string `yaml:"user_cache_ttl" toml:"user_cache_ttl"`
}

// StreamingConfig holds streamed reply pacing
type StreamingConfig struct {
	MinEditInterval    time.Duration `yaml:"-" toml:"-"`
	MinEditIntervalRaw string        `yaml:"min_edit_interval" toml:"min_edit_interval"`
}

// PushSubscriptionsConfig holds push subscription lifecycle timing
type PushSubscriptionsConfig struct {
	RefreshBuffer   time.Duration `yaml:"-" toml:"-"`
	CacheTTL        time.Duration `yaml:"-" toml:"-"`
	SubscriptionTTL time.Duration `yaml:"-" toml:"-"`

	RefreshBufferRaw   string `yaml:"refresh_buffer" toml:"refresh_buffer"`
	CacheTTLRaw        string `yaml:"cache_ttl" toml:"cache_ttl"`
	SubscriptionTTLRaw string `yaml:"subscription_ttl" toml:"subscription_ttl"`
}

// PlatformsConfig holds configuration for all chat backends
type PlatformsConfig struct {
	GChat  GChatConfig  `yaml:"gchat" toml:"gchat"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
	Feishu FeishuConfig `yaml:"feishu" toml:"feishu"`
}

// GChatConfig holds Google Chat integration configuration
type GChatConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// ProjectNumber is the audience of direct Chat app event tokens.
	ProjectNumber   string `yaml:"project_number" toml:"project_number"`
	CredentialsFile string `yaml:"credentials_file" toml:"credentials_file"`
	// PubSubTopic receives Workspace Events for subscribed spaces. Leave
	// empty to handle mentions only.
	PubSubTopic        string `yaml:"pubsub_topic" toml:"pubsub_topic"`
	PushAudience       string `yaml:"push_audience" toml:"push_audience"`
	PushServiceAccount string `yaml:"push_service_account" toml:"push_service_account"`
	APIBaseURL         string `yaml:"api_base_url" toml:"api_base_url"`
	EventsBaseURL      string `yaml:"events_base_url" toml:"events_base_url"`
}

// MatrixConfig holds Matrix application service configuration
type MatrixConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Homeserver string `yaml:"homeserver" toml:"homeserver"`
	UserID     string `yaml:"user_id" toml:"user_id"`
	ASToken    string `yaml:"as_token" toml:"as_token"` // we send this to the homeserver
	HSToken    string `yaml:"hs_token" toml:"hs_token"` // the homeserver sends this to us
}

// FeishuConfig holds Feishu/Lark app configuration
type FeishuConfig struct {
	Enabled           bool   `yaml:"enabled" toml:"enabled"`
	AppID             string `yaml:"app_id" toml:"app_id"`
	AppSecret         string `yaml:"app_secret" toml:"app_secret"`
	EncryptKey        string `yaml:"encrypt_key" toml:"encrypt_key"`
	VerificationToken string `yaml:"verification_token" toml:"verification_token"`
	// BaseURL selects the Feishu (default) or Lark open platform domain.
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// AdminConfig holds admin API configuration
type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults returns a Config with every optional value filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{HTTPAddr: "0.0.0.0:8080"},
		State:  StateConfig{KeyPrefix: "chat-sdk"},
		Dispatch: DispatchConfig{
			LockTTL:      30 * time.Second,
			UserCacheTTL: 8 * time.Hour,
		},
		PushSubscriptions: PushSubscriptionsConfig{
			RefreshBuffer:   time.Hour,
			CacheTTL:        25 * time.Hour,
			SubscriptionTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// DefaultPath returns the path to the config file.
// Priority: COVEN_CHAT_CONFIG env var > XDG_CONFIG_HOME/coven/chat.yaml > ~/.config/coven/chat.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_CHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "chat.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "chat.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Defaults()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.State.DSN == "" {
		return fmt.Errorf("state.dsn is required")
	}

	if c.Dispatch.LockTTL <= 0 {
		return fmt.Errorf("dispatch.lock_ttl must be positive")
	}
	if c.PushSubscriptions.SubscriptionTTL <= c.PushSubscriptions.RefreshBuffer {
		return fmt.Errorf("push_subscriptions.subscription_ttl must exceed refresh_buffer")
	}

	p := c.Platforms
	if !p.GChat.Enabled && !p.Matrix.Enabled && !p.Feishu.Enabled {
		return fmt.Errorf("at least one platform must be enabled")
	}

	if p.GChat.Enabled {
		if p.GChat.ProjectNumber == "" {
			return fmt.Errorf("platforms.gchat.project_number is required")
		}
		if p.GChat.CredentialsFile == "" {
			return fmt.Errorf("platforms.gchat.credentials_file is required")
		}
		if p.GChat.PubSubTopic != "" && p.GChat.PushAudience == "" && c.Server.PublicURL == "" {
			return fmt.Errorf("platforms.gchat.push_audience (or server.public_url) is required with pubsub_topic")
		}
	}

	if p.Matrix.Enabled {
		switch {
		case p.Matrix.Homeserver == "":
			return fmt.Errorf("platforms.matrix.homeserver is required")
		case p.Matrix.UserID == "":
			return fmt.Errorf("platforms.matrix.user_id is required")
		case p.Matrix.ASToken == "":
			return fmt.Errorf("platforms.matrix.as_token is required")
		case p.Matrix.HSToken == "":
			return fmt.Errorf("platforms.matrix.hs_token is required")
		}
	}

	if p.Feishu.Enabled && (p.Feishu.AppID == "" || p.Feishu.AppSecret == "") {
		return fmt.Errorf("platforms.feishu.app_id and app_secret are required")
	}

	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"lock_ttl", cfg.Dispatch.LockTTLRaw, &cfg.Dispatch.LockTTL},
		{"user_cache_ttl", cfg.Dispatch.UserCacheTTLRaw, &cfg.Dispatch.UserCacheTTL},
		{"min_edit_interval", cfg.Streaming.MinEditIntervalRaw, &cfg.Streaming.MinEditInterval},
		{"refresh_buffer", cfg.PushSubscriptions.RefreshBufferRaw, &cfg.PushSubscriptions.RefreshBuffer},
		{"cache_ttl", cfg.PushSubscriptions.CacheTTLRaw, &cfg.PushSubscriptions.CacheTTL},
		{"subscription_ttl", cfg.PushSubscriptions.SubscriptionTTLRaw, &cfg.PushSubscriptions.SubscriptionTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// PushAudience returns the audience expected on Pub/Sub push tokens.
func (c *Config) PushAudience() string {
	if c.Platforms.GChat.PushAudience != "" {
		return c.Platforms.GChat.PushAudience
	}
	return strings.TrimSuffix(c.Server.PublicURL, "/") + "/webhooks/gchat"
}
