// Package config loads and exposes application configuration (TOML).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultJWTExpiresIn  = "720h"
	DefaultPGHost        = "127.0.0.1"
	DefaultPGPort        = 5432
	DefaultPGUser        = "postgres"
	DefaultPGDatabase    = "pim"
	DefaultPGSSLMode     = "disable"
	DefaultLLMBaseURL    = "https://api.groq.com/openai/v1"
	DefaultLLMModel      = "llama-3.3-70b-versatile"
	DefaultLLMTimeout    = 60
	DefaultMaxAttempts   = 3
	DefaultKeyRPM        = 30
	DefaultKeyRPD        = 1000
	DefaultKeyMinGap     = "2s"
	DefaultMaxTurns      = 30
	DefaultRetentionDays = 30
	DefaultPurgeCron     = "0 30 4 * * *"
	DefaultSnapshotCron  = "0 55 23 * * *"
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Postgres PostgresConfig `toml:"postgres"`
	LLM      LLMConfig      `toml:"llm"`
	Persona  PersonaConfig  `toml:"persona"`
	History  HistoryConfig  `toml:"history"`
	Sweep    SweepConfig    `toml:"sweep"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AuthConfig holds the JWT secret, token expiry, and the device pairing code.
// PairingCodeHash is a bcrypt hash; generate one with `pimctl hash-code`.
type AuthConfig struct {
	JWTSecret       string `toml:"jwt_secret"`
	JWTExpiresIn    string `toml:"jwt_expires_in"`
	PairingCodeHash string `toml:"pairing_code_hash"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// LLMKey is one provider API key in the rotation pool.
type LLMKey struct {
	Label  string `toml:"label"`
	Secret string `toml:"secret"`
}

// LLMLimits holds the per-key budgets shared by every key in the pool.
type LLMLimits struct {
	RequestsPerMinute int    `toml:"requests_per_minute"`
	RequestsPerDay    int    `toml:"requests_per_day"`
	MinGap            string `toml:"min_gap"`
}

// LLMCooldowns holds per-error-class cooldown durations (Go duration strings).
type LLMCooldowns struct {
	RateLimited string `toml:"rate_limited"`
	Server      string `toml:"server"`
	Network     string `toml:"network"`
	Timeout     string `toml:"timeout"`
}

// LLMConfig holds the provider endpoint, model, key pool, and budgets.
type LLMConfig struct {
	BaseURL        string       `toml:"base_url"`
	Model          string       `toml:"model"`
	TimeoutSeconds int          `toml:"timeout_seconds"`
	MaxAttempts    int          `toml:"max_attempts"`
	Keys           []LLMKey     `toml:"keys"`
	Limits         LLMLimits    `toml:"limits"`
	Cooldowns      LLMCooldowns `toml:"cooldowns"`
}

// PersonaConfig holds the reply persona identity and style rules.
type PersonaConfig struct {
	Name       string   `toml:"name"`
	Owner      string   `toml:"owner"`
	ExtraRules []string `toml:"extra_rules"`
}

// HistoryConfig holds the per-thread turn cap and retention window.
type HistoryConfig struct {
	MaxTurns      int `toml:"max_turns"`
	RetentionDays int `toml:"retention_days"`
}

// SweepConfig holds cron patterns for the maintenance jobs.
type SweepConfig struct {
	PurgeCron    string `toml:"purge_cron"`
	SnapshotCron string `toml:"snapshot_cron"`
}

// MinGapDuration parses the configured min gap, falling back to the default.
func (l LLMLimits) MinGapDuration() time.Duration {
	return parseDuration(l.MinGap, DefaultKeyMinGap)
}

// Durations returns the parsed cooldown durations with defaults applied.
func (c LLMCooldowns) Durations() (rateLimited, server, network, timeout time.Duration) {
	return parseDuration(c.RateLimited, "10m"),
		parseDuration(c.Server, "1m"),
		parseDuration(c.Network, "30s"),
		parseDuration(c.Timeout, "30s")
}

// Timeout returns the provider request timeout.
func (c LLMConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultLLMTimeout * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks the fields that have no usable default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if strings.TrimSpace(c.Auth.PairingCodeHash) == "" {
		return fmt.Errorf("auth.pairing_code_hash is required")
	}
	if len(c.LLM.Keys) == 0 {
		return fmt.Errorf("llm.keys must list at least one key")
	}
	for i, key := range c.LLM.Keys {
		if strings.TrimSpace(key.Secret) == "" {
			return fmt.Errorf("llm.keys[%d]: secret is required", i)
		}
	}
	return nil
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		LLM: LLMConfig{
			BaseURL:        DefaultLLMBaseURL,
			Model:          DefaultLLMModel,
			TimeoutSeconds: DefaultLLMTimeout,
			MaxAttempts:    DefaultMaxAttempts,
			Limits: LLMLimits{
				RequestsPerMinute: DefaultKeyRPM,
				RequestsPerDay:    DefaultKeyRPD,
				MinGap:            DefaultKeyMinGap,
			},
		},
		Persona: PersonaConfig{
			Name: "PIM",
		},
		History: HistoryConfig{
			MaxTurns:      DefaultMaxTurns,
			RetentionDays: DefaultRetentionDays,
		},
		Sweep: SweepConfig{
			PurgeCron:    DefaultPurgeCron,
			SnapshotCron: DefaultSnapshotCron,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func parseDuration(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}
