// Package app owns the application lifecycle: it wires the infrastructure
// adapters, assembles the trading pipeline for the configured mode, and
// supervises the goroutines until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/quantfold/windarb/internal/config"
)

const version = "0.3.0"

// App is the root application object.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	paused  atomic.Bool
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// TogglePause flips the operator pause flag and returns the new state.
// While paused the machines keep tracking windows but never execute.
func (a *App) TogglePause() bool {
	for {
		old := a.paused.Load()
		if a.paused.CompareAndSwap(old, !old) {
			a.logger.Info("pause toggled", slog.Bool("paused", !old))
			return !old
		}
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("version", version),
		slog.String("mode", a.cfg.Mode),
		slog.Bool("dry_run", a.cfg.Strategy.DryRun),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	defer a.Close()

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		return a.TradeMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	case "server":
		return a.ServerMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
