// Package app assembles perpbot: it builds the configured backends once and
// then runs either the trading engines or a bars-only monitor until the
// context ends.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/perpbot/internal/config"
)

type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	"trade":   (*App).TradeMode,
	"monitor": (*App).MonitorMode,
}

// App owns the configuration and the teardown of everything Wire built.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.Mutex
	teardown func()
}

// New returns an App. Nothing is connected until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run wires the backends and blocks in the configured mode. Backends stay
// open after Run returns; call Close to release them.
func (a *App) Run(ctx context.Context) error {
	run, ok := modes[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "app: starting",
		slog.String("mode", a.cfg.Mode),
		slog.Int("engines", len(a.cfg.Engines)),
		slog.String("ledger", a.cfg.Ledger.Backend),
	)
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.mu.Lock()
	a.teardown = cleanup
	a.mu.Unlock()

	return run(a, ctx, deps)
}

// Close releases the backends. Later calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	teardown := a.teardown
	a.teardown = nil
	a.mu.Unlock()

	if teardown != nil {
		a.logger.Info("app: releasing backends")
		teardown()
	}
}
