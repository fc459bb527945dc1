package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tcmartin/crewrunner/pkg/api"
	"github.com/tcmartin/crewrunner/pkg/config"
	"github.com/tcmartin/crewrunner/pkg/crew"
	"github.com/tcmartin/crewrunner/pkg/execution"
	"github.com/tcmartin/crewrunner/pkg/files"
	"github.com/tcmartin/crewrunner/pkg/hub"
	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/maintenance"
	"github.com/tcmartin/crewrunner/pkg/services"
	"github.com/tcmartin/crewrunner/pkg/storage"
)

// App represents the crewrunner application
type App struct {
	config  *config.Config
	logger  logging.Logger
	server  *api.Server
	runner  *execution.Runner
	events  *api.EventMirror
	janitor *maintenance.Janitor

	storageProvider storage.StorageProvider
	stopDispatcher  context.CancelFunc
	dispatcherDone  chan struct{}
}

// NewApp wires every component from cfg
func NewApp(cfg *config.Config, logger logging.Logger) (*App, error) {
	storageProvider, err := newStorageProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := storageProvider.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	encryptionKey, err := loadEncryptionKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	credentials, err := services.NewCredentialService(storageProvider.GetCredentialStore(), encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential service: %w", err)
	}

	tokens, err := newTokenService(cfg, logger)
	if err != nil {
		return nil, err
	}

	steps := execution.DefaultSteps()
	if cfg.Execution.StepsFile != "" {
		if steps, err = execution.LoadSteps(cfg.Execution.StepsFile); err != nil {
			return nil, err
		}
	}
	agents := crew.DefaultAgents()
	if cfg.Execution.AgentsFile != "" {
		if agents, err = crew.LoadAgents(cfg.Execution.AgentsFile); err != nil {
			return nil, err
		}
	}
	catalog := crew.NewCatalog(agents)

	fileService := files.NewService(storageProvider.GetFileStore(), cfg.Files.MaxUploadBytes, logger)
	llm := crew.NewHTTPLLMClient(config.Duration(cfg.Execution.LLMTimeout, 120*time.Second))
	task := crew.NewTask(steps, catalog, credentials, llm, logger)

	// Notification pipeline: registry -> dispatcher -> hub and SSE mirror
	events := api.NewEventMirror(logger)
	dispatcher := execution.NewDispatcher(logger)
	registry := execution.NewRegistry(dispatcher, logger)
	runner := execution.NewRunner(registry, task, func(o *execution.RunnerOptions) {
		o.MaxWorkers = cfg.Execution.MaxWorkers
		o.Progress = execution.NewStepWalker(steps, config.Duration(cfg.Execution.StepInterval, 2*time.Second))
		o.Files = fileService
		o.Logger = logger
	})
	connections := hub.New(runner, hub.Options{
		WriteTimeout: config.Duration(cfg.Hub.WriteTimeout, 10*time.Second),
		Logger:       logger,
	})
	dispatcher.AddSink(connections)
	dispatcher.AddSink(events)

	janitor := maintenance.NewJanitor(logger)
	retention := config.Duration(cfg.Execution.Retention, 0)
	exists := func(executionID string) bool {
		_, ok := registry.Status(executionID)
		return ok
	}
	jobs := []struct {
		name     string
		schedule string
		fn       maintenance.JobFunc
	}{
		{maintenance.JobConnectionCleanup, cfg.Hub.CleanupSchedule, maintenance.ConnectionCleanup(connections)},
		{maintenance.JobExecutionRetention, retentionSchedule(cfg, retention), maintenance.ExecutionRetention(registry, retention)},
		{maintenance.JobEventStreamSweep, retentionSchedule(cfg, retention), maintenance.EventStreamSweep(events, exists)},
	}
	for _, jb := range jobs {
		if err := janitor.Add(jb.name, jb.schedule, jb.fn); err != nil {
			return nil, err
		}
	}

	server := api.NewServer(cfg, api.Dependencies{
		Runner:      runner,
		Hub:         connections,
		Events:      events,
		Credentials: credentials,
		Files:       fileService,
		Agents:      catalog,
		Steps:       steps,
		Tokens:      tokens,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Run(ctx)
	}()

	return &App{
		config:          cfg,
		logger:          logger,
		server:          server,
		runner:          runner,
		events:          events,
		janitor:         janitor,
		storageProvider: storageProvider,
		stopDispatcher:  cancel,
		dispatcherDone:  done,
	}, nil
}

// retentionSchedule disables the retention jobs when nothing is ever pruned
func retentionSchedule(cfg *config.Config, retention time.Duration) string {
	if retention <= 0 {
		return ""
	}
	return cfg.Execution.CleanupSchedule
}

func newStorageProvider(cfg *config.Config, logger logging.Logger) (storage.StorageProvider, error) {
	providerConfig := storage.ProviderConfig{Type: storage.ProviderType(cfg.Storage.Type)}

	switch providerConfig.Type {
	case storage.RedisProviderType:
		providerConfig.Redis = &storage.RedisProviderConfig{
			Addr:      cfg.Storage.Redis.Addr,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		}
	case storage.PostgreSQLProviderType:
		providerConfig.PostgreSQL = &storage.PostgreSQLProviderConfig{
			Host:     cfg.Storage.Postgres.Host,
			Port:     cfg.Storage.Postgres.Port,
			User:     cfg.Storage.Postgres.User,
			Password: cfg.Storage.Postgres.Password,
			Database: cfg.Storage.Postgres.Database,
			SSLMode:  cfg.Storage.Postgres.SSLMode,
		}
	}

	provider, err := storage.NewProvider(providerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage provider: %w", cfg.Storage.Type, err)
	}
	logger.Info("Storage provider ready", logging.F("type", cfg.Storage.Type))
	return provider, nil
}

// loadEncryptionKey decodes auth.encryption_key or generates a process-local
// key. Keys stored under a generated key are unreadable after a restart.
func loadEncryptionKey(cfg *config.Config, logger logging.Logger) ([]byte, error) {
	if cfg.Auth.EncryptionKey != "" {
		key, err := services.EncryptionKeyFromHex(cfg.Auth.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		return key, nil
	}

	key, err := services.GenerateEncryptionKey()
	if err != nil {
		return nil, err
	}
	logger.Warn("No encryption key configured, generated a temporary one",
		logging.F("storage", cfg.Storage.Type))
	return key, nil
}

// newTokenService returns nil when operator auth is disabled. A password hash
// without a secret gets a random secret, so tokens die with the process.
func newTokenService(cfg *config.Config, logger logging.Logger) (*services.JWTService, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		if cfg.Auth.AdminPasswordHash == "" {
			logger.Warn("auth.jwt_secret is not set, operator routes are unauthenticated")
			return nil, nil
		}
		generated, err := generateRandomKey(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		secret = generated
	}
	return services.NewJWTService(secret, cfg.Auth.TokenExpiration, cfg.Auth.AdminPasswordHash), nil
}

// generateRandomKey generates a random key of the specified length
func generateRandomKey(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// Start starts the background jobs and blocks serving HTTP
func (a *App) Start() error {
	a.logger.Info("Starting application", logging.F("name", AppName), logging.F("version", AppVersion))
	a.janitor.Start()
	return a.server.Start()
}

// Stop stops the application gracefully
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil {
		return err
	}
	if err := a.janitor.Stop(ctx); err != nil {
		a.logger.Warn("Maintenance jobs did not stop in time", logging.Err(err))
	}
	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Warn("Executions still running at shutdown", logging.Err(err))
	}

	// Deliver whatever the runner queued before closing the streams
	a.stopDispatcher()
	<-a.dispatcherDone
	a.events.Close()

	if err := a.storageProvider.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
