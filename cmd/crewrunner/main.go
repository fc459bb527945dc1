// Package main is the entry point for the crewrunner server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tcmartin/crewrunner/pkg/config"
	"github.com/tcmartin/crewrunner/pkg/logging"
)

var (
	// Command-line flags
	configPath = flag.String("config", "", "Path to config file")
	version    = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "crewrunner"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, logCloser, err := logging.New(logging.LogConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logCloser.Close()

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", logging.Err(err))
		os.Exit(1)
	}

	// Handle graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Application failed", logging.Err(err))
			os.Exit(1)
		}
	case <-stop:
		logger.Info("Shutting down gracefully")
		ctx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout, 15*time.Second))
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			logger.Error("Error during shutdown", logging.Err(err))
			os.Exit(1)
		}
	}
}

// loadConfig loads the configuration from the flag path or the first standard
// location that exists, falling back to defaults
func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", *configPath, err)
		}
	} else {
		locations := []string{
			"./config.json",
			"./configs/config.json",
			filepath.Join(os.Getenv("HOME"), ".crewrunner", "config.json"),
			"/etc/crewrunner/config.json",
		}
		for _, path := range locations {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			loaded, err := config.LoadConfig(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
			break
		}
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	overrideConfigFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideConfigFromEnv overrides configuration values from environment variables
func overrideConfigFromEnv(cfg *config.Config) {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	// Server
	setString("CREWRUNNER_SERVER_HOST", &cfg.Server.Host)
	setInt("CREWRUNNER_SERVER_PORT", &cfg.Server.Port)
	if origins := os.Getenv("CREWRUNNER_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	// Execution
	setInt("CREWRUNNER_MAX_WORKERS", &cfg.Execution.MaxWorkers)
	setString("CREWRUNNER_STEP_INTERVAL", &cfg.Execution.StepInterval)
	setString("CREWRUNNER_STEPS_FILE", &cfg.Execution.StepsFile)
	setString("CREWRUNNER_AGENTS_FILE", &cfg.Execution.AgentsFile)
	setString("CREWRUNNER_RETENTION", &cfg.Execution.Retention)
	setString("CREWRUNNER_LLM_TIMEOUT", &cfg.Execution.LLMTimeout)

	// Storage
	setString("CREWRUNNER_STORAGE_TYPE", &cfg.Storage.Type)
	setString("CREWRUNNER_REDIS_ADDR", &cfg.Storage.Redis.Addr)
	setString("CREWRUNNER_REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	setInt("CREWRUNNER_REDIS_DB", &cfg.Storage.Redis.DB)
	setString("CREWRUNNER_POSTGRES_HOST", &cfg.Storage.Postgres.Host)
	setInt("CREWRUNNER_POSTGRES_PORT", &cfg.Storage.Postgres.Port)
	setString("CREWRUNNER_POSTGRES_DATABASE", &cfg.Storage.Postgres.Database)
	setString("CREWRUNNER_POSTGRES_USER", &cfg.Storage.Postgres.User)
	setString("CREWRUNNER_POSTGRES_PASSWORD", &cfg.Storage.Postgres.Password)
	setString("CREWRUNNER_POSTGRES_SSL_MODE", &cfg.Storage.Postgres.SSLMode)

	// Auth
	setString("CREWRUNNER_JWT_SECRET", &cfg.Auth.JWTSecret)
	setInt("CREWRUNNER_TOKEN_EXPIRATION", &cfg.Auth.TokenExpiration)
	setString("CREWRUNNER_ENCRYPTION_KEY", &cfg.Auth.EncryptionKey)
	setString("CREWRUNNER_ADMIN_PASSWORD_HASH", &cfg.Auth.AdminPasswordHash)

	// Logging
	setString("CREWRUNNER_LOG_LEVEL", &cfg.Logging.Level)
	setString("CREWRUNNER_LOG_FORMAT", &cfg.Logging.Format)
}
