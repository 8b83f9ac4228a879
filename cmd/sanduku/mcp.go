package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/mcpserver"
)

var (
	mcpConfigPath string
	mcpChatID     string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox tools over MCP on stdio",
	Long: `Expose the five sandbox tools (create_file, read_file, list_files,
execute_python, save_file) to MCP clients over stdio. All calls run in a single
chat session sharing one sandbox; pass --chat-id to reuse an existing session.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	mcpCmd.Flags().StringVar(&mcpChatID, "chat-id", "", "existing chat ID to bind the session to")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Stdout carries the MCP protocol; logs must go to stderr only.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcpserver.NewServer(sc.Dispatcher, sc.Store, logger, mcpChatID, version)
	return srv.Start(ctx)
}
