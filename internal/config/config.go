// ABOUTME: Configuration loading and parsing for coven-sessions
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
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Default values applied to anything the file leaves unset.
const (
	DefaultHTTPAddr             = "localhost:8080"
	DefaultCookieName           = "coven_session"
	DefaultFirstMessageTimeout  = 10 * time.Second
	DefaultCommand              = "claude"
	DefaultPermissionMode       = "default"
	DefaultIdleTimeout          = 30 * time.Minute
	DefaultSweepInterval        = time.Minute
	DefaultBroadcastCapacity    = 1024
	DefaultMaxConcurrentSpawns  = 4
	DefaultSubjectPrefix        = "coven.sessions"
	DefaultBridgeRequestTimeout = 2 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
)

// Config represents the complete coven-sessions configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Bridge    BridgeConfig    `yaml:"bridge" toml:"bridge"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the listener address and this instance's identity
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// InstanceID names this process on the bridge. Generated when empty.
	InstanceID string `yaml:"instance_id" toml:"instance_id"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. An empty JWTSecret disables auth.
type AuthConfig struct {
	JWTSecret           string        `yaml:"jwt_secret" toml:"jwt_secret"`
	CookieName          string        `yaml:"cookie_name" toml:"cookie_name"`
	FirstMessageTimeout time.Duration `yaml:"-" toml:"-"`

	FirstMessageTimeoutRaw string `yaml:"first_message_timeout" toml:"first_message_timeout"`
}

// SessionsConfig controls the assistant subprocesses
type SessionsConfig struct {
	Command               string   `yaml:"command" toml:"command"`
	Args                  []string `yaml:"args" toml:"args"`
	DefaultModel          string   `yaml:"default_model" toml:"default_model"`
	DefaultPermissionMode string   `yaml:"default_permission_mode" toml:"default_permission_mode"`
	BroadcastCapacity     int      `yaml:"broadcast_capacity" toml:"broadcast_capacity"`
	MaxConcurrentSpawns   int      `yaml:"max_concurrent_spawns" toml:"max_concurrent_spawns"`

	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// BridgeConfig holds the cross-instance NATS connection
type BridgeConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	URL            string        `yaml:"url" toml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix" toml:"subject_prefix"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// WebSocketConfig holds chat socket timing and origin checks
type WebSocketConfig struct {
	// AllowedOrigins lists Origin header values accepted on upgrade. Empty allows same-host only.
	AllowedOrigins []string      `yaml:"allowed_origins" toml:"allowed_origins"`
	PingInterval   time.Duration `yaml:"-" toml:"-"`
	WriteTimeout   time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes, applies defaults and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = uuid.NewString()
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = DefaultCookieName
	}
	if c.Auth.FirstMessageTimeout == 0 {
		c.Auth.FirstMessageTimeout = DefaultFirstMessageTimeout
	}
	if c.Sessions.Command == "" {
		c.Sessions.Command = DefaultCommand
	}
	if c.Sessions.DefaultPermissionMode == "" {
		c.Sessions.DefaultPermissionMode = DefaultPermissionMode
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSweepInterval
	}
	if c.Sessions.BroadcastCapacity == 0 {
		c.Sessions.BroadcastCapacity = DefaultBroadcastCapacity
	}
	if c.Sessions.MaxConcurrentSpawns == 0 {
		c.Sessions.MaxConcurrentSpawns = DefaultMaxConcurrentSpawns
	}
	if c.Bridge.SubjectPrefix == "" {
		c.Bridge.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Bridge.RequestTimeout == 0 {
		c.Bridge.RequestTimeout = DefaultBridgeRequestTimeout
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = DefaultPingInterval
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = DefaultWriteTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Sessions.BroadcastCapacity < 1 {
		return fmt.Errorf("sessions.broadcast_capacity must be positive")
	}
	if c.Sessions.MaxConcurrentSpawns < 1 {
		return fmt.Errorf("sessions.max_concurrent_spawns must be positive")
	}

	if c.Bridge.Enabled && c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required when bridge is enabled")
	}
	if strings.ContainsAny(c.Bridge.SubjectPrefix, " *>") {
		return fmt.Errorf("bridge.subject_prefix %q contains invalid characters", c.Bridge.SubjectPrefix)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"auth.first_message_timeout", cfg.Auth.FirstMessageTimeoutRaw, &cfg.Auth.FirstMessageTimeout},
		{"sessions.idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sessions.sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
		{"bridge.request_timeout", cfg.Bridge.RequestTimeoutRaw, &cfg.Bridge.RequestTimeout},
		{"websocket.ping_interval", cfg.WebSocket.PingIntervalRaw, &cfg.WebSocket.PingInterval},
		{"websocket.write_timeout", cfg.WebSocket.WriteTimeoutRaw, &cfg.WebSocket.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
