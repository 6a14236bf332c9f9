// Package service binds engine events to the outside world and persists
// market data side products.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/notify"
)

const (
	// PositionsChannel carries live position events on the signal bus.
	PositionsChannel = "perpbot:positions"
	// PositionsStream keeps a replayable copy of the same events.
	PositionsStream = "perpbot:positions:stream"

	reportQueue   = 256
	reportTimeout = 10 * time.Second
)

// PositionEvent is the bus payload for one lifecycle change.
type PositionEvent struct {
	Event    string           `json:"event"`
	Strategy string           `json:"strategy"`
	Position *domain.Position `json:"position,omitempty"`
	Net      float64          `json:"net,omitempty"`
	Error    string           `json:"error,omitempty"`
	Time     time.Time        `json:"time"`
}

// Reporter turns engine callbacks into notifications, bus events, audit
// entries, archives and metrics. Every sink is optional and a failing sink
// is logged, never propagated. Events are handled in order on Run.
type Reporter struct {
	strategy string
	notifier *notify.Notifier
	bus      domain.SignalBus
	audit    domain.AuditStore
	archiver domain.Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	queue chan PositionEvent
}

// ReporterDeps lists the sinks a Reporter writes to.
type ReporterDeps struct {
	Notifier *notify.Notifier
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Archiver domain.Archiver
	Metrics  *metrics.Metrics
}

// NewReporter creates a Reporter for one strategy.
func NewReporter(strategy string, deps ReporterDeps, logger *slog.Logger) *Reporter {
	return &Reporter{
		strategy: strategy,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		audit:    deps.Audit,
		archiver: deps.Archiver,
		metrics:  deps.Metrics,
		logger:   logger.With(slog.String("component", "reporter"), slog.String("strategy", strategy)),
		now:      time.Now,
		queue:    make(chan PositionEvent, reportQueue),
	}
}

// Callbacks returns engine callbacks feeding this reporter.
func (r *Reporter) Callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnOpen: func(pos domain.Position) {
			r.enqueue(PositionEvent{Event: notify.EventOpened, Position: &pos})
		},
		OnClose: func(pos domain.Position, net float64) {
			r.enqueue(PositionEvent{Event: notify.EventClosed, Position: &pos, Net: net})
		},
		OnUnopened: func(pos domain.Position) {
			r.enqueue(PositionEvent{Event: notify.EventUnopened, Position: &pos})
		},
		OnError: func(err error) {
			r.enqueue(PositionEvent{Event: notify.EventError, Error: err.Error()})
		},
	}
}

func (r *Reporter) enqueue(ev PositionEvent) {
	ev.Strategy = r.strategy
	ev.Time = r.now()
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("reporter: queue full, dropping event", slog.String("event", ev.Event))
	}
}

// Run handles queued events until ctx is done, then drains what is left.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-r.queue:
			r.handle(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.handle(context.Background(), ev)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Reporter) handle(parent context.Context, ev PositionEvent) {
	ctx, cancel := context.WithTimeout(parent, reportTimeout)
	defer cancel()

	r.record(ev)
	r.publish(ctx, ev)
	r.auditLog(ctx, ev)
	if ev.Event == notify.EventClosed && r.archiver != nil && ev.Position != nil {
		if err := r.archiver.ArchivePosition(ctx, *ev.Position); err != nil {
			r.logger.Warn("reporter: archive position failed",
				slog.String("id", ev.Position.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := r.notifier.Notify(ctx, ev.Event, title(ev), describe(ev)); err != nil {
		r.logger.Warn("reporter: notify failed", slog.String("error", err.Error()))
	}
}

func (r *Reporter) record(ev PositionEvent) {
	switch ev.Event {
	case notify.EventOpened:
		r.metrics.Opened(r.strategy)
	case notify.EventClosed:
		r.metrics.Closed(r.strategy, ev.Net)
	case notify.EventUnopened:
		r.metrics.Unopened(r.strategy)
	case notify.EventError:
		r.metrics.EngineError(r.strategy)
	}
}

func (r *Reporter) publish(ctx context.Context, ev PositionEvent) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("reporter: marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Publish(ctx, PositionsChannel, payload); err != nil {
		r.logger.Warn("reporter: publish event failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
	if err := r.bus.StreamAppend(ctx, PositionsStream, payload); err != nil {
		r.logger.Warn("reporter: stream append failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reporter) auditLog(ctx context.Context, ev PositionEvent) {
	if r.audit == nil {
		return
	}
	detail := map[string]any{}
	if p := ev.Position; p != nil {
		detail["id"] = p.ID
		detail["symbol"] = p.Symbol
		detail["side"] = string(p.Side)
		detail["price"] = p.Price
		detail["amount"] = p.Amount
		if p.ClosePrice != nil {
			detail["close_price"] = *p.ClosePrice
			detail["net"] = ev.Net
		}
	}
	if ev.Error != "" {
		detail["error"] = ev.Error
	}
	entry := domain.AuditEntry{Strategy: ev.Strategy, Event: ev.Event, Detail: detail}
	if err := r.audit.Log(ctx, entry); err != nil {
		r.logger.Warn("reporter: audit log failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()),
		)
	}
}

func title(ev PositionEvent) string {
	switch ev.Event {
	case notify.EventOpened:
		return "Position opened"
	case notify.EventClosed:
		return "Position closed"
	case notify.EventUnopened:
		return "Position not opened"
	default:
		return "Engine error"
	}
}

func describe(ev PositionEvent) string {
	p := ev.Position
	switch {
	case ev.Event == notify.EventError:
		return fmt.Sprintf("%s: %s", ev.Strategy, ev.Error)
	case p == nil:
		return ev.Strategy
	case ev.Event == notify.EventClosed && p.ClosePrice != nil:
		return fmt.Sprintf("%s %s %s %g @ %g -> %g, net %.2f",
			ev.Strategy, p.Symbol, p.Side, p.Amount, p.Price, *p.ClosePrice, ev.Net)
	default:
		return fmt.Sprintf("%s %s %s %g @ %g, sl %g",
			ev.Strategy, p.Symbol, p.Side, p.Amount, p.Price, p.StopLoss)
	}
}
