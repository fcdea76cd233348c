package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/OpenBMB/IoA/internal/config"
	"github.com/OpenBMB/IoA/internal/directory"
	"github.com/OpenBMB/IoA/internal/router"
	"github.com/OpenBMB/IoA/internal/store"
)

func routerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Run the central router: registry, discovery, relay and archive",
		Run: func(cmd *cobra.Command, args []string) {
			runRouter()
		},
	}
}

func runRouter() {
	logger := setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverDir := filepath.Join(cfg.Storage.Dir, "server")
	db, err := store.Open(filepath.Join(serverDir, "server.db"))
	if err != nil {
		logger.Error("failed to open server store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	embedder := directory.NewEmbedder(cfg.Embedding.APIBase, cfg.Embedding.APIKey, cfg.Embedding.Model)
	index, err := directory.Open(serverDir, "agent_registry", embedder.Func())
	if err != nil {
		logger.Error("failed to open capability index", "error", err)
		os.Exit(1)
	}

	registry, err := router.NewRegistry(ctx, db, index, 0)
	if err != nil {
		logger.Error("failed to build registry", "error", err)
		os.Exit(1)
	}
	sessions, err := router.NewSessionManager(ctx, db, registry)
	if err != nil {
		logger.Error("failed to build session manager", "error", err)
		os.Exit(1)
	}
	archive, err := router.NewChatArchive(ctx, db)
	if err != nil {
		logger.Error("failed to build chat archive", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := router.NewServer(addr, logger, registry, sessions, archive)
	if err := srv.Start(ctx); err != nil {
		logger.Error("router stopped", "error", err)
		os.Exit(1)
	}
}
