// Package config handles gateway configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Registry  RegistryConfig  `json:"registry"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Addr                string   `json:"addr"`                            // e.g. ":8080"
	InstanceID          string   `json:"instance_id,omitempty"`           // defaults to hostname plus a random suffix
	TLSCert             string   `json:"tls_cert,omitempty"`
	TLSKey              string   `json:"tls_key,omitempty"`
	AllowedOrigins      []string `json:"allowed_origins,omitempty"`       // WebSocket origin check; default ["*"]
	MaxMessageBytes     int64    `json:"max_message_bytes,omitempty"`     // max inbound WebSocket message; default 64KB
	MaxConnsPerIdentity int      `json:"max_conns_per_identity,omitempty"` // default 10
}

// AuthConfig defines session-token validation settings. The gateway never
// mints tokens; it only validates what the identity system issued.
type AuthConfig struct {
	Provider     string             `json:"provider,omitempty"` // "jwt" (default), "jwks", or "static"
	JWTSecret    string             `json:"jwt_secret,omitempty"`
	Issuer       string             `json:"issuer,omitempty"`       // jwks: issuer base URL serving /.well-known/jwks.json
	StaticTokens []StaticTokenEntry `json:"static_tokens,omitempty"` // static: fixed token→identity pairs (dev/test)
}

// StaticTokenEntry maps an opaque token to an identity for the static provider.
type StaticTokenEntry struct {
	Token   string `json:"token"`
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
}

// RegistryConfig defines the shared connection registry and broadcast medium.
type RegistryConfig struct {
	Driver string   `json:"driver"`        // "redis" (default), "postgres", or "memory"
	URL    string   `json:"url,omitempty"` // redis URL or postgres DSN
	TTL    Duration `json:"ttl,omitempty"` // registry entry TTL; default 60s
}

// QueueConfig defines per-connection outbound queue and circuit breaker behavior.
type QueueConfig struct {
	Capacity          int      `json:"capacity,omitempty"`            // per (connection, channel); default 256
	BreakerThreshold  int      `json:"breaker_threshold,omitempty"`   // consecutive full-queue failures before opening; default 5
	BreakerCooldown   Duration `json:"breaker_cooldown,omitempty"`    // open→half_open delay; default 5s
	BreakerMaxBackoff Duration `json:"breaker_max_backoff,omitempty"` // cap for exponential reopen backoff; default 1m
}

// HeartbeatConfig defines liveness tracking and eviction.
type HeartbeatConfig struct {
	Interval Duration `json:"interval,omitempty"` // monitor sweep interval; default 10s
	Timeout  Duration `json:"timeout,omitempty"`  // max silence before eviction; default 30s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration accepting "30s" or bare seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024
	}
	if c.Server.MaxConnsPerIdentity == 0 {
		c.Server.MaxConnsPerIdentity = 10
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "jwt"
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = "redis"
	}
	if c.Registry.TTL.Duration == 0 {
		c.Registry.TTL.Duration = 60 * time.Second
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 256
	}
	if c.Queue.BreakerThreshold == 0 {
		c.Queue.BreakerThreshold = 5
	}
	if c.Queue.BreakerCooldown.Duration == 0 {
		c.Queue.BreakerCooldown.Duration = 5 * time.Second
	}
	if c.Queue.BreakerMaxBackoff.Duration == 0 {
		c.Queue.BreakerMaxBackoff.Duration = time.Minute
	}
	if c.Heartbeat.Interval.Duration == 0 {
		c.Heartbeat.Interval.Duration = 10 * time.Second
	}
	if c.Heartbeat.Timeout.Duration == 0 {
		c.Heartbeat.Timeout.Duration = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks settings that cannot be defaulted away.
func (c *Config) Validate() error {
	switch c.Auth.Provider {
	case "jwt":
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
	case "jwks":
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required for the jwks provider")
		}
	case "static":
		if len(c.Auth.StaticTokens) == 0 {
			return fmt.Errorf("auth.static_tokens must not be empty for the static provider")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}

	switch c.Registry.Driver {
	case "redis", "postgres":
		if c.Registry.URL == "" {
			return fmt.Errorf("registry.url is required for the %s driver", c.Registry.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unknown registry driver: %q", c.Registry.Driver)
	}

	if c.Heartbeat.Timeout.Duration <= c.Heartbeat.Interval.Duration {
		return fmt.Errorf("heartbeat.timeout must exceed heartbeat.interval")
	}
	return nil
}

// WriteDefault writes a starter config file. Used by "gateway init".
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			Provider:  "jwt",
			JWTSecret: "replace-with-a-random-secret-of-32-chars",
		},
		Registry: RegistryConfig{
			Driver: "redis",
			URL:    "redis://localhost:6379/0",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	cfg.ApplyDefaults()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
