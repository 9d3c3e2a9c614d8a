// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "chat.yaml", `
server:
  http_addr: "0.0.0.0:9090"
  public_url: "https://bot.example.com/"

state:
  dsn: "sqlite:///var/lib/coven/chat.db"

dispatch:
  bot_name: "Coven"
  bot_handle: "coven"
  lock_ttl: "45s"
  user_cache_ttl: "2h"

streaming:
  min_edit_interval: "750ms"

push_subscriptions:
  refresh_buffer: "30m"
  cache_ttl: "12h"
  subscription_ttl: "4h"

platforms:
  gchat:
    enabled: true
    project_number: "123456789"
    credentials_file: "/etc/coven/sa.json"
    pubsub_topic: "projects/p/topics/chat"
  matrix:
    enabled: true
    homeserver: "https://matrix.example.com"
    user_id: "@coven:example.com"
    as_token: "as"
    hs_token: "hs"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.State.DSN != "sqlite:///var/lib/coven/chat.db" {
		t.Errorf("State.DSN = %q", cfg.State.DSN)
	}
	if cfg.State.KeyPrefix != "chat-sdk" {
		t.Errorf("State.KeyPrefix = %q, want default %q", cfg.State.KeyPrefix, "chat-sdk")
	}
	if cfg.Dispatch.BotName != "Coven" || cfg.Dispatch.BotHandle != "coven" {
		t.Errorf("Dispatch bot = %q/%q", cfg.Dispatch.BotName, cfg.Dispatch.BotHandle)
	}

	durations := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"lock_ttl", cfg.Dispatch.LockTTL, 45 * time.Second},
		{"user_cache_ttl", cfg.Dispatch.UserCacheTTL, 2 * time.Hour},
		{"min_edit_interval", cfg.Streaming.MinEditInterval, 750 * time.Millisecond},
		{"refresh_buffer", cfg.PushSubscriptions.RefreshBuffer, 30 * time.Minute},
		{"cache_ttl", cfg.PushSubscriptions.CacheTTL, 12 * time.Hour},
		{"subscription_ttl", cfg.PushSubscriptions.SubscriptionTTL, 4 * time.Hour},
	}
	for _, d := range durations {
		if d.got != d.want {
			t.Errorf("%s = %v, want %v", d.name, d.got, d.want)
		}
	}

	if !cfg.Platforms.GChat.Enabled || cfg.Platforms.GChat.ProjectNumber != "123456789" {
		t.Errorf("Platforms.GChat = %+v", cfg.Platforms.GChat)
	}
	if got := cfg.PushAudience(); got != "https://bot.example.com/webhooks/gchat" {
		t.Errorf("PushAudience() = %q", got)
	}
	if cfg.Platforms.Matrix.HSToken != "hs" {
		t.Errorf("Platforms.Matrix.HSToken = %q", cfg.Platforms.Matrix.HSToken)
	}
	if cfg.Platforms.Feishu.Enabled {
		t.Error("Platforms.Feishu.Enabled should default to false")
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "chat.yaml", `
state:
  dsn: "memory://"
platforms:
  feishu:
    enabled: true
    app_id: "cli_a"
    app_secret: "secret"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Dispatch.LockTTL != 30*time.Second {
		t.Errorf("Dispatch.LockTTL = %v, want 30s", cfg.Dispatch.LockTTL)
	}
	if cfg.Dispatch.UserCacheTTL != 8*time.Hour {
		t.Errorf("Dispatch.UserCacheTTL = %v, want 8h", cfg.Dispatch.UserCacheTTL)
	}
	if cfg.PushSubscriptions.RefreshBuffer != time.Hour ||
		cfg.PushSubscriptions.CacheTTL != 25*time.Hour ||
		cfg.PushSubscriptions.SubscriptionTTL != 24*time.Hour {
		t.Errorf("PushSubscriptions = %+v", cfg.PushSubscriptions)
	}
	if cfg.Streaming.MinEditInterval != 0 {
		t.Errorf("Streaming.MinEditInterval = %v, want 0", cfg.Streaming.MinEditInterval)
	}
	if cfg.Dispatch.AssumeBotSenderIsSelf {
		t.Error("AssumeBotSenderIsSelf should default to false")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "chat.toml", `
[state]
dsn = "redis://localhost:6379/0"

[dispatch]
bot_name = "Coven"
lock_ttl = "10s"

[platforms.matrix]
enabled = true
homeserver = "https://matrix.example.com"
user_id = "@coven:example.com"
as_token = "as"
hs_token = "hs"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.DSN != "redis://localhost:6379/0" {
		t.Errorf("State.DSN = %q", cfg.State.DSN)
	}
	if cfg.Dispatch.LockTTL != 10*time.Second {
		t.Errorf("Dispatch.LockTTL = %v, want 10s", cfg.Dispatch.LockTTL)
	}
	if cfg.Platforms.Matrix.UserID != "@coven:example.com" {
		t.Errorf("Platforms.Matrix.UserID = %q", cfg.Platforms.Matrix.UserID)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HS_TOKEN", "expanded-hs")
	t.Setenv("TEST_STATE_DSN", "memory://")

	configPath := writeConfig(t, "chat.yaml", `
state:
  dsn: "${TEST_STATE_DSN}"
platforms:
  matrix:
    enabled: true
    homeserver: "https://matrix.example.com"
    user_id: "@coven:example.com"
    as_token: "as"
    hs_token: "${TEST_HS_TOKEN}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Platforms.Matrix.HSToken != "expanded-hs" {
		t.Errorf("HSToken = %q, want %q", cfg.Platforms.Matrix.HSToken, "expanded-hs")
	}
	if cfg.State.DSN != "memory://" {
		t.Errorf("State.DSN = %q, want memory://", cfg.State.DSN)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SET_VAR", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${SET_VAR}", "value"},
		{"a-${SET_VAR}-b", "a-value-b"},
		{"${UNSET_VAR_FOR_TEST}", ""},
		{"$SET_VAR", "$SET_VAR"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "chat.yaml", `
state:
  dsn: "memory://"
dispatch:
  lock_ttl: "soon"
platforms:
  feishu:
    enabled: true
    app_id: "a"
    app_secret: "b"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() should fail on an invalid duration")
	}
	if !strings.Contains(err.Error(), "lock_ttl") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "chat.yaml", "state: [unclosed")
	if _, err := Load(configPath); err == nil {
		t.Error("Load() should fail on invalid YAML")
	}
}

func validConfig() Config {
	cfg := Defaults()
	cfg.State.DSN = "memory://"
	cfg.Platforms.Feishu = FeishuConfig{Enabled: true, AppID: "a", AppSecret: "b"}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "coven-chat"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing dsn", func(c *Config) { c.State.DSN = "" }, "state.dsn"},
		{"zero lock ttl", func(c *Config) { c.Dispatch.LockTTL = 0 }, "lock_ttl"},
		{"subscription ttl inside buffer", func(c *Config) { c.PushSubscriptions.SubscriptionTTL = 30 * time.Minute }, "subscription_ttl"},
		{"no platforms", func(c *Config) { c.Platforms.Feishu.Enabled = false }, "at least one platform"},
		{"gchat without project", func(c *Config) {
			c.Platforms.GChat = GChatConfig{Enabled: true, CredentialsFile: "sa.json"}
		}, "project_number"},
		{"gchat push without audience", func(c *Config) {
			c.Platforms.GChat = GChatConfig{Enabled: true, ProjectNumber: "1", CredentialsFile: "sa.json", PubSubTopic: "projects/p/topics/t"}
		}, "push_audience"},
		{"matrix without hs token", func(c *Config) {
			c.Platforms.Matrix = MatrixConfig{Enabled: true, Homeserver: "https://m", UserID: "@b:m", ASToken: "as"}
		}, "hs_token"},
		{"feishu without secret", func(c *Config) { c.Platforms.Feishu.AppSecret = "" }, "app_secret"},
		{"short admin secret", func(c *Config) { c.Admin.JWTSecret = "short" }, "jwt_secret"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_CHAT_CONFIG", "/tmp/explicit.yaml")
	if got := DefaultPath(); got != "/tmp/explicit.yaml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv("COVEN_CHAT_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "chat.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
