// Command gateway is the infergate inference proxy server.
//
// It reads configuration from environment variables (or config.yaml) and
// starts an OpenAI-compatible HTTP gateway on the configured address.
//
// Quick-start (one in-process mock backend, no external services):
//
//	./gateway
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quorixlabs/infergate/internal/app"
	"github.com/quorixlabs/infergate/internal/config"
	"github.com/quorixlabs/infergate/internal/logger"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration. Exit code 2 marks a configuration problem as
	// distinct from a runtime failure.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Build the structured logger. All subsystems share this instance.
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
