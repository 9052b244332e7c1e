// Package config handles configuration loading for coven-sessions.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (TOML when the path ends
// in .toml) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_SESSIONS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/sessions.yaml
//  3. ~/.config/coven/sessions.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  instance_id: "node-a"        # generated when empty
//
//	database:
//	  path: "/var/lib/coven/sessions.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"  # empty disables auth
//	  cookie_name: "coven_session"
//	  first_message_timeout: "10s"
//
//	sessions:
//	  command: "claude"
//	  default_model: ""
//	  default_permission_mode: "default"
//	  idle_timeout: "30m"
//	  sweep_interval: "1m"
//	  broadcast_capacity: 1024
//	  max_concurrent_spawns: 4
//
//	bridge:
//	  enabled: false
//	  url: "nats://localhost:4222"
//	  subject_prefix: "coven.sessions"
//	  request_timeout: "2s"
//
//	websocket:
//	  allowed_origins: []
//	  ping_interval: "30s"
//	  write_timeout: "10s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax and must be positive.
package config
