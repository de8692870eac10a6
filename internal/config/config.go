// Package config provides configuration management for the ai-employee
// service.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// environment variables with the AIE_ prefix. Environment always wins, so a
// deployment can ship one file and override secrets per environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ImCalebP/ai-employee/internal/backup"
	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/transport"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// Config holds all configuration settings for the service.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Storage      StorageConfig       `yaml:"storage"`
	Embedding    llm.EmbeddingConfig `yaml:"embedding"`
	Resolution   ResolutionConfig    `yaml:"resolution"`
	Orchestrator OrchestratorConfig  `yaml:"orchestrator"`
	Transport    TransportConfig     `yaml:"transport"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`            // Server port (default: 7070)
	Host           string   `yaml:"host"`            // Server host (default: 127.0.0.1)
	APIToken       string   `yaml:"api_token"`       // Bearer token; empty disables auth
	RateLimit      float64  `yaml:"rate_limit"`      // Requests per second per client (default: 20)
	RateBurst      int      `yaml:"rate_burst"`      // Burst per client (default: 40)
	AllowedOrigins []string `yaml:"allowed_origins"` // WebSocket origin patterns (default: localhost)
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Directory of the SQLite database (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // Required when Engine is postgres

	// Redis, when set, holds pending entities so several processes share them.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// Backups apply to the sqlite engine only.
	BackupDir       string                 `yaml:"backup_dir"`      // default: <data_path>/backups
	BackupInterval  time.Duration          `yaml:"backup_interval"` // Scheduled snapshots while serving; zero disables
	BackupRetention backup.RetentionPolicy `yaml:"backup_retention"`
	BackupVerify    bool                   `yaml:"backup_verify"` // Integrity check after each snapshot (default: true)
}

// ResolutionConfig contains entity resolution and retrieval settings.
type ResolutionConfig struct {
	AcceptThreshold     int           `yaml:"accept_threshold"`     // default: 75
	AmbiguityMargin     int           `yaml:"ambiguity_margin"`     // default: 10
	MaxSuggestions      int           `yaml:"max_suggestions"`      // default: 3
	PendingIdleTimeout  time.Duration `yaml:"pending_idle_timeout"` // default: 24h
	JanitorInterval     time.Duration `yaml:"janitor_interval"`     // default: 10m
	PerTypeLimit        int           `yaml:"per_type_limit"`       // default: 3
	SimilarityThreshold float64       `yaml:"similarity_threshold"` // default: 0.7
}

// OrchestratorConfig contains plan execution settings.
type OrchestratorConfig struct {
	PoolSize           int                                          `yaml:"pool_size"`    // Process-wide step ceiling (default: 5)
	PlanTimeout        time.Duration                                `yaml:"plan_timeout"` // default: 2m
	RateLimits         map[types.ActionType]orchestrator.RateLimit `yaml:"rate_limits"`
	BreakerMaxFailures uint32                                       `yaml:"breaker_max_failures"` // default: 5
	BreakerOpenTimeout time.Duration                                `yaml:"breaker_open_timeout"` // default: 30s
}

// TransportConfig contains conversation notification settings.
type TransportConfig struct {
	WebSocket bool                 `yaml:"websocket"` // Serve /v1/ws (default: true)
	AMQP      transport.AMQPConfig `yaml:"amqp"`      // Publish to RabbitMQ when URL is set

	// Spool hands notifications raised by CLI commands to a running server.
	Spool    bool   `yaml:"spool"`     // default: true
	SpoolDir string `yaml:"spool_dir"` // default: <data_path>/outbox
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Development bool   `yaml:"development"` // Console encoding and stack traces
}

// Default returns the built-in configuration.
func Default() *Config {
	eng := engine.DefaultConfig()
	orch := orchestrator.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:           7070,
			Host:           "127.0.0.1",
			RateLimit:      20,
			RateBurst:      40,
			AllowedOrigins: []string{"localhost:*", "127.0.0.1:*"},
		},
		Storage: StorageConfig{
			Engine:          "sqlite",
			DataPath:        "./data",
			RedisPrefix:     "aie",
			BackupRetention: backup.DefaultRetention(),
			BackupVerify:    true,
		},
		Embedding: llm.EmbeddingConfig{
			Provider: "none",
			Timeout:  10 * time.Second,
		},
		Resolution: ResolutionConfig{
			AcceptThreshold:     eng.AcceptThreshold,
			AmbiguityMargin:     eng.AmbiguityMargin,
			MaxSuggestions:      eng.MaxSuggestions,
			PendingIdleTimeout:  eng.PendingIdleTimeout,
			JanitorInterval:     eng.JanitorInterval,
			PerTypeLimit:        eng.PerTypeLimit,
			SimilarityThreshold: eng.SimilarityThreshold,
		},
		Orchestrator: OrchestratorConfig{
			PoolSize:           5,
			PlanTimeout:        orch.PlanTimeout,
			RateLimits:         orch.RateLimits,
			BreakerMaxFailures: orch.Breaker.MaxFailures,
			BreakerOpenTimeout: orch.Breaker.OpenTimeout,
		},
		Transport: TransportConfig{
			WebSocket: true,
			AMQP:      transport.AMQPConfig{Queue: "aie.notifications", Durable: true},
			Spool:     true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and AIE_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are rejected so typos surface.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("AIE_PORT", c.Server.Port)
	c.Server.Host = getEnv("AIE_HOST", c.Server.Host)
	c.Server.APIToken = getEnv("AIE_API_TOKEN", c.Server.APIToken)
	c.Server.RateLimit = getEnvFloat("AIE_RATE_LIMIT", c.Server.RateLimit)
	if origins := getEnv("AIE_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}

	c.Storage.Engine = getEnv("AIE_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("AIE_DATA_PATH", c.Storage.DataPath)
	c.Storage.PostgresDSN = getEnv("AIE_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.RedisAddr = getEnv("AIE_REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.RedisPassword = getEnv("AIE_REDIS_PASSWORD", c.Storage.RedisPassword)
	c.Storage.RedisDB = getEnvInt("AIE_REDIS_DB", c.Storage.RedisDB)
	c.Storage.BackupDir = getEnv("AIE_BACKUP_DIR", c.Storage.BackupDir)
	c.Storage.BackupInterval = getEnvDuration("AIE_BACKUP_INTERVAL", c.Storage.BackupInterval)

	c.Embedding.Provider = getEnv("AIE_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.Model = getEnv("AIE_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.BaseURL = getEnv("AIE_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("AIE_OPENAI_API_KEY", c.Embedding.APIKey)

	c.Resolution.AcceptThreshold = getEnvInt("AIE_ACCEPT_THRESHOLD", c.Resolution.AcceptThreshold)
	c.Resolution.AmbiguityMargin = getEnvInt("AIE_AMBIGUITY_MARGIN", c.Resolution.AmbiguityMargin)
	c.Resolution.PendingIdleTimeout = getEnvDuration("AIE_PENDING_IDLE_TIMEOUT", c.Resolution.PendingIdleTimeout)

	c.Orchestrator.PoolSize = getEnvInt("AIE_POOL_SIZE", c.Orchestrator.PoolSize)
	c.Orchestrator.PlanTimeout = getEnvDuration("AIE_PLAN_TIMEOUT", c.Orchestrator.PlanTimeout)

	c.Transport.WebSocket = getEnvBool("AIE_WEBSOCKET", c.Transport.WebSocket)
	c.Transport.AMQP.URL = getEnv("AIE_AMQP_URL", c.Transport.AMQP.URL)
	c.Transport.Spool = getEnvBool("AIE_SPOOL", c.Transport.Spool)
	c.Transport.SpoolDir = getEnv("AIE_SPOOL_DIR", c.Transport.SpoolDir)

	c.Logging.Level = getEnv("AIE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Development = getEnvBool("AIE_LOG_DEVELOPMENT", c.Logging.Development)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.PoolSize < 1 {
		return fmt.Errorf("config: orchestrator.pool_size is %d: %w", c.Orchestrator.PoolSize, orchestrator.ErrResourceExhausted)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: storage.postgres_dsn is required for the postgres engine")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	switch c.Embedding.Provider {
	case "", "none", "ollama":
	case "openai":
		if c.Embedding.APIKey == "" {
			return errors.New("config: embedding.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	for action, rl := range c.Orchestrator.RateLimits {
		if !types.IsValidActionType(action) {
			return fmt.Errorf("config: rate limit for unknown action %q", action)
		}
		if rl.PerSecond < 0 || rl.Burst < 0 {
			return fmt.Errorf("config: rate limit for %s must not be negative", action)
		}
	}
	if c.Storage.BackupInterval < 0 {
		return fmt.Errorf("config: storage.backup_interval must not be negative")
	}
	eng := c.EngineConfig()
	if err := eng.Validate(); err != nil {
		return fmt.Errorf("config: resolution: %w", err)
	}
	return nil
}

// EngineConfig returns the resolution settings as an engine.Config.
func (c *Config) EngineConfig() engine.Config {
	eng := engine.DefaultConfig()
	eng.AcceptThreshold = c.Resolution.AcceptThreshold
	eng.AmbiguityMargin = c.Resolution.AmbiguityMargin
	eng.MaxSuggestions = c.Resolution.MaxSuggestions
	eng.PendingIdleTimeout = c.Resolution.PendingIdleTimeout
	eng.JanitorInterval = c.Resolution.JanitorInterval
	eng.PerTypeLimit = c.Resolution.PerTypeLimit
	eng.SimilarityThreshold = c.Resolution.SimilarityThreshold
	return eng
}

// OrchestratorConfig returns the plan execution settings as an orchestrator.Config.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		PlanTimeout: c.Orchestrator.PlanTimeout,
		RateLimits:  c.Orchestrator.RateLimits,
		Breaker: orchestrator.BreakerConfig{
			MaxFailures: c.Orchestrator.BreakerMaxFailures,
			OpenTimeout: c.Orchestrator.BreakerOpenTimeout,
		},
	}
}

// SQLitePath returns the database file inside DataPath. A DataPath of
// ":memory:" selects an in-memory database.
func (c *Config) SQLitePath() string {
	if c.Storage.DataPath == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(c.Storage.DataPath, "aie.db")
}

// BackupDir returns the snapshot directory, or "" when the store has no file
// to back up.
func (c *Config) BackupDir() string {
	if c.Storage.Engine != "sqlite" || c.Storage.DataPath == ":memory:" {
		return ""
	}
	if c.Storage.BackupDir != "" {
		return c.Storage.BackupDir
	}
	return filepath.Join(c.Storage.DataPath, "backups")
}

// SpoolDir returns the notification spool directory, or "" when spooling is
// disabled.
func (c *Config) SpoolDir() string {
	if !c.Transport.Spool {
		return ""
	}
	if c.Transport.SpoolDir != "" {
		return c.Transport.SpoolDir
	}
	if c.Storage.DataPath == ":memory:" {
		return ""
	}
	return filepath.Join(c.Storage.DataPath, "outbox")
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
