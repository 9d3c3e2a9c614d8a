// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chat.yaml
//  3. ~/.config/coven/chat.yaml
//
// Files ending in .toml are parsed as TOML; anything else is YAML. Both use
// the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	platforms:
//	  matrix:
//	    hs_token: "${MATRIX_HS_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to "".
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  public_url: "https://bot.example.com"
//
//	state:
//	  dsn: "sqlite:///var/lib/coven/chat.db"  # memory://, pebble://, redis://, postgres://
//	  key_prefix: "chat-sdk"
//
//	dispatch:
//	  bot_name: "Coven"
//	  bot_handle: "coven"
//	  lock_ttl: "30s"
//	  user_cache_ttl: "8h"
//	  assume_bot_sender_is_self: false
//
//	streaming:
//	  min_edit_interval: "500ms"
//
//	push_subscriptions:
//	  refresh_buffer: "1h"
//	  cache_ttl: "25h"
//	  subscription_ttl: "24h"
//
//	platforms:
//	  gchat:
//	    enabled: true
//	    project_number: "123456789"
//	    credentials_file: "/etc/coven/service-account.json"
//	    pubsub_topic: "projects/my-project/topics/chat-events"
//	  matrix:
//	    enabled: false
//	  feishu:
//	    enabled: false
//
//	admin:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
