package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP API gateway with the idle-sandbox sweeper.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveAddr != "" {
		if cfg.Gateway.HTTP == nil {
			cfg.Gateway.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateway.HTTP.Addr = serveAddr
	}

	logger.Info("starting in serve mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Idle sandbox sweeper.
	if cfg.Sweeper != nil && cfg.Sweeper.Enabled {
		sweeper := sandbox.NewSweeper(sc.Manager, cfg.Sweeper.IdleTTL(), cfg.Sweeper.Interval(), logger)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
		logger.Debug("idle sandbox sweeper started",
			slog.Duration("ttl", cfg.Sweeper.IdleTTL()),
			slog.Duration("interval", cfg.Sweeper.Interval()),
		)
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.HTTP.ListenAddr(),
		Model:      cfg.Provider.Anthropic.Model,
	}
	if cfg.Gateway.HTTP != nil {
		gwCfg.APIKeys = cfg.Gateway.HTTP.APIKeys
		gwCfg.EnableDocs = cfg.Gateway.HTTP.EnableDocs
	}
	if sc.Obs != nil {
		if sc.Obs.Metrics != nil {
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			gwCfg.Metrics = sc.Obs.Metrics
			if cfg.Observability != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
		}
		gwCfg.HealthChecker = sc.Obs.Health
		gwCfg.Tracer = sc.Obs.TracerOrNil().Tracer()
	}

	gw := httpapi.NewGateway(gwCfg, sc.Runner, sc.Store, sc.Manager, logger)
	if cfg.Gateway.HTTP != nil && cfg.Gateway.HTTP.RequestsPerMinute > 0 {
		gw.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateway.HTTP.RequestsPerMinute,
		}))
	}

	// Serve until signaled.
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
