// Package config provides configuration handling for crewrunner.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Execution configuration
	Execution ExecutionConfig `json:"execution"`

	// Hub configuration
	Hub HubConfig `json:"hub"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Auth configuration
	Auth AuthConfig `json:"auth"`

	// Files configuration
	Files FilesConfig `json:"files"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`

	// TLS configuration
	TLS TLSConfig `json:"tls"`

	// ShutdownTimeout bounds graceful shutdown, e.g. "15s"
	ShutdownTimeout string `json:"shutdown_timeout"`

	// AllowedOrigins for CORS; empty allows any origin
	AllowedOrigins []string `json:"allowed_origins"`
}

// TLSConfig contains TLS settings
type TLSConfig struct {
	// Enabled indicates whether TLS is enabled
	Enabled bool `json:"enabled"`

	// CertFile is the path to the certificate file
	CertFile string `json:"cert_file"`

	// KeyFile is the path to the key file
	KeyFile string `json:"key_file"`
}

// ExecutionConfig contains runner settings
type ExecutionConfig struct {
	// MaxWorkers bounds concurrently running crew tasks
	MaxWorkers int `json:"max_workers"`

	// StepInterval is the pause between synthesized progress steps
	StepInterval string `json:"step_interval"`

	// StepsFile optionally replaces the built-in step inventory (YAML)
	StepsFile string `json:"steps_file"`

	// AgentsFile optionally replaces the default agent configurations (YAML)
	AgentsFile string `json:"agents_file"`

	// Retention is how long terminal records are kept; "0" keeps them forever
	Retention string `json:"retention"`

	// CleanupSchedule is the cron spec for the retention sweep
	CleanupSchedule string `json:"cleanup_schedule"`

	// LLMTimeout bounds one provider call
	LLMTimeout string `json:"llm_timeout"`
}

// HubConfig contains websocket hub settings
type HubConfig struct {
	// WriteTimeout bounds every websocket write
	WriteTimeout string `json:"write_timeout"`

	// PingInterval is how often connections are pinged
	PingInterval string `json:"ping_interval"`

	// CleanupSchedule is the cron spec for reclaiming inactive connections
	CleanupSchedule string `json:"cleanup_schedule"`
}

// StorageConfig contains credential storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type"` // "memory", "redis", "postgres"

	// Redis configuration
	Redis RedisConfig `json:"redis"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	// Addr is host:port
	Addr string `json:"addr"`

	// Password is optional
	Password string `json:"password"`

	// DB is the database number
	DB int `json:"db"`

	// KeyPrefix namespaces every key
	KeyPrefix string `json:"key_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	// Host is the database host
	Host string `json:"host"`

	// Port is the database port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// User is the database user
	User string `json:"user"`

	// Password is the database password
	Password string `json:"password"`

	// SSLMode is the SSL mode
	SSLMode string `json:"ssl_mode"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	// JWTSecret is the secret for signing admin tokens; empty disables auth
	JWTSecret string `json:"jwt_secret"`

	// TokenExpiration is the token expiration time in hours
	TokenExpiration int `json:"token_expiration"`

	// EncryptionKey is the key for encrypting stored API keys
	EncryptionKey string `json:"encryption_key"`

	// AdminPasswordHash is the bcrypt hash accepted by POST /api/auth/token
	AdminPasswordHash string `json:"admin_password_hash"`
}

// FilesConfig contains upload settings
type FilesConfig struct {
	// MaxUploadBytes caps a single upload
	MaxUploadBytes int64 `json:"max_upload_bytes"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Level is the logging level
	Level string `json:"level"` // "debug", "info", "warn", "error"

	// Format is the log format
	Format string `json:"format"` // "json", "text"

	// Output is the log output
	Output string `json:"output"` // "stdout", "stderr", "file"

	// FilePath is the path to the log file
	FilePath string `json:"file_path"`
}

// LoadConfig loads the configuration from a file. Fields missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8000,
			ShutdownTimeout: "15s",
		},
		Execution: ExecutionConfig{
			MaxWorkers:      4,
			StepInterval:    "2s",
			Retention:       "0",
			CleanupSchedule: "@every 10m",
			LLMTimeout:      "120s",
		},
		Hub: HubConfig{
			WriteTimeout:    "10s",
			PingInterval:    "30s",
			CleanupSchedule: "@every 1m",
		},
		Storage: StorageConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "crewrunner:",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "crewrunner",
				User:     "crewrunner",
				SSLMode:  "disable",
			},
		},
		Auth: AuthConfig{
			TokenExpiration: 24,
		},
		Files: FilesConfig{
			MaxUploadBytes: 10 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	// Create the directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Execution.MaxWorkers <= 0 {
		return fmt.Errorf("execution.max_workers must be positive")
	}

	durations := map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"execution.step_interval": c.Execution.StepInterval,
		"execution.retention":     c.Execution.Retention,
		"execution.llm_timeout":   c.Execution.LLMTimeout,
		"hub.write_timeout":       c.Hub.WriteTimeout,
		"hub.ping_interval":       c.Hub.PingInterval,
	}
	for name, value := range durations {
		if _, err := ParseDuration(value, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch c.Storage.Type {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	return nil
}

// ParseDuration parses a duration string, returning fallback for "".
func ParseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	if value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", value)
	}
	return d, nil
}

// Duration is ParseDuration for values already checked by Validate.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(value, fallback)
	if err != nil {
		return fallback
	}
	return d
}

// Address returns host:port for the HTTP listener.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN builds a lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}
