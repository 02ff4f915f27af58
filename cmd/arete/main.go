package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arete-ai/arete"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes, one per startup failure class.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
	exitMigration  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	level := slog.LevelInfo
	if os.Getenv("ARETE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := arete.New(
		arete.WithVersion(version),
		arete.WithLogger(logger),
	)
	if err != nil {
		logger.Error("startup failed", "error", err)
		switch {
		case errors.Is(err, arete.ErrConfig):
			return exitConfig
		case errors.Is(err, arete.ErrMigration):
			return exitMigration
		default:
			return exitDependency
		}
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return exitDependency
	}
	return exitOK
}
