package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/feed"
	"github.com/alanyoungcy/perpbot/internal/server"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/service"
)

const shutdownTimeout = 10 * time.Second

// slot is one configured strategy: its engine and the reporter fed by the
// engine's callbacks.
type slot struct {
	engine   *engine.Engine
	reporter *service.Reporter
}

// TradeMode runs one position engine per configured strategy on the trade
// feed, plus the bar recorder, the command listener and the HTTP API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting trade mode", slog.Int("engines", len(a.cfg.Engines)))

	slots, err := a.buildEngines(ctx, deps)
	if err != nil {
		return err
	}
	defer stopAll(slots)

	g, ctx := errgroup.WithContext(ctx)

	tradeFeed := a.newFeed(deps)
	for _, s := range slots {
		tradeFeed.Track(s.engine.Symbol(), s.engine)
		g.Go(func() error {
			return s.reporter.Run(ctx)
		})
	}
	a.startBarRecorder(ctx, g, deps, tradeFeed)
	g.Go(func() error {
		return tradeFeed.Run(ctx)
	})

	engines := make([]handler.Engine, 0, len(slots))
	traders := make([]feed.Trader, 0, len(slots))
	for _, s := range slots {
		engines = append(engines, s.engine)
		traders = append(traders, s.engine)
	}

	// Commands from other processes over the signal bus.
	if deps.SignalBus != nil && a.cfg.Redis.Commands {
		listener := feed.NewCommandListener(deps.SignalBus, traders, a.logger)
		g.Go(func() error {
			return listener.Run(ctx)
		})
	}

	a.startServer(ctx, g, deps, engines, tradeFeed)

	return g.Wait()
}

// MonitorMode streams trades into bars for every configured symbol without
// running any engine. Bars are recorded and served over the HTTP API.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting monitor mode", slog.Any("symbols", a.cfg.Symbols()))

	g, ctx := errgroup.WithContext(ctx)

	tradeFeed := a.newFeed(deps)
	for _, sym := range a.cfg.Symbols() {
		tradeFeed.Track(sym)
	}
	a.startBarRecorder(ctx, g, deps, tradeFeed)
	g.Go(func() error {
		return tradeFeed.Run(ctx)
	})
	a.startServer(ctx, g, deps, nil, tradeFeed)

	return g.Wait()
}

// buildEngines creates and restores an engine per configured strategy. A
// failed restore aborts startup so an open position is never forgotten.
func (a *App) buildEngines(ctx context.Context, deps *Dependencies) ([]slot, error) {
	var gateway domain.Gateway
	if deps.Gateway != nil {
		gateway = deps.Gateway
	}

	slots := make([]slot, 0, len(a.cfg.Engines))
	for _, ec := range a.cfg.Engines {
		reporter := service.NewReporter(ec.Strategy, service.ReporterDeps{
			Notifier: deps.Notifier,
			Bus:      deps.SignalBus,
			Audit:    deps.Audit,
			Archiver: deps.Archiver,
			Metrics:  deps.Metrics,
		}, a.logger)

		cfg := engine.Config{
			Strategy:    ec.Strategy,
			Symbol:      strings.ToUpper(ec.Symbol),
			Capital:     ec.Capital,
			TradeCap:    ec.TradeCap,
			Leverage:    ec.Leverage,
			Live:        ec.Live,
			TrailingPct: ec.TrailingPct,
		}
		if ec.HasTPSL() {
			cfg.TPSL = &engine.TPSL{
				TakeProfitPct: ec.TakeProfitPct,
				StopLossPct:   ec.StopLossPct,
			}
		}

		eng, err := engine.New(cfg, engine.Deps{
			Gateway:     gateway,
			Ledger:      deps.Ledger,
			Locks:       deps.LockManager,
			Instruments: deps.Instruments,
			Callbacks:   reporter.Callbacks(),
			Logger:      a.logger,
		})
		if err != nil {
			stopAll(slots)
			return nil, fmt.Errorf("app: engine %s: %w", ec.Strategy, err)
		}
		if err := eng.Restore(ctx); err != nil {
			eng.Stop()
			stopAll(slots)
			return nil, fmt.Errorf("app: restore %s: %w", ec.Strategy, err)
		}
		if view, ok := eng.CurrentPosition(); ok {
			a.logger.InfoContext(ctx, "app: restored open position",
				slog.String("strategy", ec.Strategy),
				slog.String("id", view.ID),
				slog.String("side", string(view.Side)),
				slog.Float64("price", view.Price),
			)
		}
		slots = append(slots, slot{engine: eng, reporter: reporter})
	}
	return slots, nil
}

func stopAll(slots []slot) {
	for _, s := range slots {
		s.engine.Stop()
	}
}

func (a *App) newFeed(deps *Dependencies) *feed.TradeFeed {
	opts := []feed.Option{feed.WithMetrics(deps.Metrics)}
	if deps.PriceCache != nil {
		opts = append(opts, feed.WithPriceCache(deps.PriceCache, 0))
	}
	return feed.NewTradeFeed(deps.Stream, a.cfg.Candle.Period.Duration, a.cfg.Candle.Retain, a.logger, opts...)
}

// startBarRecorder persists completed bars when a sink or a bar archive is
// configured.
func (a *App) startBarRecorder(ctx context.Context, g *errgroup.Group, deps *Dependencies, tradeFeed *feed.TradeFeed) {
	var archiver domain.Archiver
	if a.cfg.S3.ArchiveBars {
		archiver = deps.Archiver
	}
	if deps.BarSink == nil && archiver == nil {
		return
	}
	recorder := service.NewBarRecorder(deps.BarSink, archiver, a.cfg.Candle.Period.Duration,
		a.cfg.Candle.Batch, a.cfg.Candle.FlushInterval.Duration, a.logger)
	tradeFeed.OnBar(recorder.Record)
	g.Go(func() error {
		return recorder.Run(ctx)
	})
}

// startServer runs the HTTP API until ctx ends, then shuts it down.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engines []handler.Engine, bars handler.BarSource) {
	if !a.cfg.Server.Enabled {
		return
	}
	h := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, a.logger),
		Engines: handler.NewEngineHandler(engines, a.logger),
		Bars:    handler.NewBarsHandler(bars),
	}
	if deps.PriceCache != nil {
		h.Engines.WithPrices(deps.PriceCache)
	}
	if deps.Audit != nil {
		h.Audit = handler.NewAuditHandler(deps.Audit, a.logger)
	}
	if deps.SignalBus != nil {
		h.Events = handler.NewEventsHandler(deps.SignalBus, service.PositionsStream, a.logger)
	}
	if deps.Metrics != nil {
		h.Metrics = deps.Metrics.Handler()
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, h, deps.RateLimiter, deps.Metrics, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
