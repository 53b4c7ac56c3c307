/*
chaincopier streams files over plain TCP using tag-framed messages. All I/O
runs as chains of short non-blocking tasks on a millisecond timer scheduler,
so one goroutine drives every connection of a process.

The program operates in two modes:

1. Server Mode: accepts connections and writes every announced file into the
output directory

2. Client Mode: keeps a supervised connection to a server, reconnecting
periodically, and sends the given files over it one after the other
*/
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chaincopier/internal/client"
	"chaincopier/internal/config"
	"chaincopier/internal/logging"
	"chaincopier/internal/server"
)

func main() {
	// Parse command line arguments
	cfg, err := config.ParseFlags()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}

	if err := logging.SetupLogger(cfg); err != nil {
		slog.Error("Failed to setup logging", "error", err)
		os.Exit(1)
	}

	logging.LogConfig(cfg)

	// Cancelled on SIGINT or SIGTERM for a graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		mode := "client"
		if cfg.IsServer {
			mode = "server"
		}
		logging.LogError(err, mode)
		stop()
		os.Exit(1)
	}

	slog.Info("Application shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.IsServer {
		return server.Run(ctx, cfg)
	}
	return client.Run(ctx, cfg)
}
