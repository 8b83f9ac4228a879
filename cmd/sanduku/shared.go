package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jkaninda/sanduku/internal/agent"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/llm"
	"github.com/jkaninda/sanduku/internal/llm/anthropic"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/storage"
	pgstore "github.com/jkaninda/sanduku/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sanduku/internal/storage/sqlite"
	"github.com/jkaninda/sanduku/internal/tools"
)

const defaultSystemPrompt = `You are a coding assistant with access to a remote Python sandbox.
You can create, read and list files in the sandbox, execute Python code, and save
finished files to the user's workspace. Prefer small, verifiable steps: write a file,
run it, inspect the output, then iterate. When execution fails, read the error
carefully and distinguish problems in your code from problems in the environment.
Save a file only when the user asks for it or the work is complete.`

// SharedComponents holds the initialized subsystems that serve and mcp modes
// require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store

	Obs        *observability.Observability
	Provider   llm.Provider
	Manager    *sandbox.Manager
	Dispatcher *tools.Dispatcher
	Runner     *agent.Runner

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs the common initialization shared between serve and mcp
// modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", cfg.DataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Model provider.
	var provider llm.Provider = anthropic.NewClient(
		cfg.Provider.Anthropic.APIKey,
		cfg.Provider.Anthropic.Model,
		logger,
		anthropic.WithHTTPClient(&http.Client{Timeout: cfg.Provider.Anthropic.Timeout()}),
	)
	if obs != nil && obs.Metrics != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Provider = provider

	// Sandbox service and lifecycle manager.
	e2b, err := sandbox.NewE2BClient(sandbox.E2BConfig{
		APIKey:   cfg.Sandbox.E2B.APIKey,
		BaseURL:  cfg.Sandbox.E2B.BaseURL,
		Template: cfg.Sandbox.E2B.Template,
		Timeout:  cfg.Sandbox.E2B.Timeout(),
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox service: %w", err)
	}
	manager := sandbox.NewManager(e2b, logger).WithMetrics(obs.MetricsOrNil())
	sc.Manager = manager
	// Close every live sandbox on shutdown; a TTL of zero treats all handles
	// as idle.
	sc.addCleanup(func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		manager.ReleaseIdle(releaseCtx, 0)
	})

	// Tool dispatcher, recording through the store.
	rec := storage.NewRecorder(store)
	sc.Dispatcher = tools.NewDispatcher(manager, rec, logger).
		WithWorkspace(cfg.Sandbox.Workspace).
		WithMetrics(obs.MetricsOrNil())

	// Agent turn runner.
	sc.Runner = agent.NewRunner(provider, sc.Dispatcher, rec, logger).
		WithSystemPrompt(loadSystemPrompt(cfg, logger)).
		WithMaxIterations(cfg.Agent.MaxIterations).
		WithMaxTokens(cfg.Provider.Anthropic.MaxTokens).
		WithThinkingBudget(cfg.Provider.Anthropic.ThinkingBudget).
		WithMetrics(obs.MetricsOrNil()).
		WithTracer(obs.TracerOrNil().Tracer())

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	return sc, nil
}

// loadSystemPrompt reads the configured prompt file, falling back to the
// built-in default.
func loadSystemPrompt(cfg *config.Config, logger *slog.Logger) string {
	if cfg.Agent.SystemPromptFile == "" {
		return defaultSystemPrompt
	}
	data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
	if err != nil {
		logger.Warn("system prompt file unreadable, using default",
			slog.String("path", cfg.Agent.SystemPromptFile),
			slog.String("error", err.Error()),
		)
		return defaultSystemPrompt
	}
	return string(data)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pgCfg := pgstore.Config{DSN: cfg.Storage.Postgres.DSN}
	if cfg.Storage.Postgres.MaxOpenConns > 0 {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
	}
	if cfg.Storage.Postgres.MaxIdleConns > 0 {
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
	}
	if cfg.Storage.Postgres.ConnMaxLifetimeS > 0 {
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	db, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(db, logger), nil
}
