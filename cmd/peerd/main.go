package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"ember-chat/go-node/internal/app"
	"ember-chat/go-node/internal/config"
	"ember-chat/go-node/internal/platform/privacylog"
	"ember-chat/go-node/internal/rpc"
	"ember-chat/go-node/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", "", "JSON-RPC listen address (overrides config)")
	configPath := flag.String("config", "", "Path to peerd.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for local data (overrides config)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-RPC-Token (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("peerd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcToken != "" {
		_ = os.Setenv("EMBER_RPC_TOKEN", *rpcToken)
	}

	cfg := config.LoadFromPath(*configPath)
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	svc, err := app.NewService(app.Options{
		Config:     cfg,
		Backend:    transport.NewBus(),
		Log:        logger,
		Registerer: registry,
	})
	if err != nil {
		logger.Error("peerd failed to initialize", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(ctx); err != nil {
		logger.Error("peerd failed to start", "error", err)
		os.Exit(1)
	}
	defer svc.Stop()

	srv := rpc.NewServer(rpc.Options{
		Addr:     cfg.RPC.Addr,
		Service:  svc,
		Log:      logger,
		Gatherer: registry,
	})
	logger.Info("peerd starting", "rpc_addr", cfg.RPC.Addr, "version", version)
	if err := srv.Run(ctx); err != nil {
		logger.Error("peerd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("peerd stopped")
}
