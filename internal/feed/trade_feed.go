// Package feed moves market data and operator commands into the engines.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/perpbot/internal/candle"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/platform/binance"
)

const (
	tickBuffer        = 4096
	defaultPriceEvery = 250 * time.Millisecond
	connectRetry      = 2 * time.Second
)

// TradeSource delivers trades for subscribed symbols.
type TradeSource interface {
	Connect(ctx context.Context) error
	SubscribeTrades(symbols []string) error
	OnTrade(handler binance.TradeHandler)
	Close() error
}

// PositionChecker reacts to market data. *engine.Engine satisfies it.
type PositionChecker interface {
	CheckPosition(ctx context.Context, low, high float64, at time.Time) error
	CheckPositionRt(ctx context.Context, price float64, at time.Time) error
}

// BarHandler receives every completed bar.
type BarHandler func(ctx context.Context, symbol string, bar domain.Bar)

type book struct {
	agg      *candle.Aggregator
	checkers []PositionChecker
	closed   []domain.Bar
	cachedAt time.Time
}

// TradeFeed fans trades out to per-symbol bar aggregators, the position
// checkers tracking that symbol and the last-price cache. All processing
// happens on the Run goroutine.
type TradeFeed struct {
	source     TradeSource
	period     time.Duration
	retain     int
	prices     domain.PriceCache
	priceEvery time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu    sync.RWMutex
	books map[string]*book
	onBar []BarHandler

	ticks   chan domain.Tick
	dropped atomic.Int64
}

// Option configures a TradeFeed.
type Option func(*TradeFeed)

// WithPriceCache mirrors the last price of each symbol into pc, at most once
// per every.
func WithPriceCache(pc domain.PriceCache, every time.Duration) Option {
	return func(f *TradeFeed) {
		f.prices = pc
		if every > 0 {
			f.priceEvery = every
		}
	}
}

// WithMetrics records tick and bar counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *TradeFeed) { f.metrics = m }
}

// NewTradeFeed builds a feed producing bars of the given period, retaining
// retain of them per symbol.
func NewTradeFeed(source TradeSource, period time.Duration, retain int, logger *slog.Logger, opts ...Option) *TradeFeed {
	f := &TradeFeed{
		source:     source,
		period:     period,
		retain:     retain,
		priceEvery: defaultPriceEvery,
		logger:     logger.With(slog.String("component", "trade_feed")),
		books:      make(map[string]*book),
		ticks:      make(chan domain.Tick, tickBuffer),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Track subscribes symbol and routes its data to checkers. It may be called
// several times for the same symbol. Call before Run.
func (f *TradeFeed) Track(symbol string, checkers ...PositionChecker) {
	symbol = strings.ToUpper(symbol)
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[symbol]
	if !ok {
		b = &book{}
		b.agg = candle.New(f.period, f.retain, func(bar domain.Bar) {
			b.closed = append(b.closed, bar)
		})
		f.books[symbol] = b
	}
	b.checkers = append(b.checkers, checkers...)
}

// OnBar registers a handler for completed bars.
func (f *TradeFeed) OnBar(h BarHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onBar = append(f.onBar, h)
}

// Symbols returns the tracked symbols.
func (f *TradeFeed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.books))
	for s := range f.books {
		out = append(out, s)
	}
	return out
}

// Bars returns the retained bars of symbol, oldest first.
func (f *TradeFeed) Bars(symbol string) ([]domain.Bar, bool) {
	f.mu.RLock()
	b, ok := f.books[strings.ToUpper(symbol)]
	f.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return b.agg.History(), true
}

// Period returns the bar duration.
func (f *TradeFeed) Period() time.Duration {
	return f.period
}

// Run connects the source and processes trades until ctx is done.
func (f *TradeFeed) Run(ctx context.Context) error {
	symbols := f.Symbols()
	if len(symbols) == 0 {
		f.logger.Info("trade_feed: no symbols tracked, exiting")
		return nil
	}
	f.source.OnTrade(func(t domain.Tick) {
		select {
		case f.ticks <- t:
		default:
			if n := f.dropped.Add(1); n%1000 == 1 {
				f.logger.Warn("trade_feed: tick buffer full, dropping", slog.Int64("dropped", n))
			}
		}
	})
	if err := f.connect(ctx, symbols); err != nil {
		return err
	}
	defer f.source.Close()
	f.logger.Info("trade_feed: started", slog.Any("symbols", symbols), slog.Duration("period", f.period))

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("trade_feed: stopped")
			return nil
		case t := <-f.ticks:
			f.handleTick(ctx, t)
		}
	}
}

// connect retries until the first connection succeeds. Later drops are
// handled by the source itself.
func (f *TradeFeed) connect(ctx context.Context, symbols []string) error {
	for {
		err := f.source.Connect(ctx)
		if err == nil {
			err = f.source.SubscribeTrades(symbols)
			if err == nil {
				return nil
			}
			_ = f.source.Close()
		}
		f.logger.Warn("trade_feed: connect failed, retrying",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", connectRetry),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("trade_feed: connect: %w", ctx.Err())
		case <-time.After(connectRetry):
		}
	}
}

func (f *TradeFeed) handleTick(ctx context.Context, t domain.Tick) {
	f.mu.RLock()
	b, ok := f.books[t.Symbol]
	handlers := f.onBar
	f.mu.RUnlock()
	if !ok {
		return
	}
	f.metrics.Tick(t.Symbol, t.Price)

	b.agg.Push(t.Price, t.Volume, t.Time)
	bars := b.closed
	b.closed = nil
	for _, bar := range bars {
		f.metrics.Bar(t.Symbol)
		for _, c := range b.checkers {
			if err := c.CheckPosition(ctx, bar.Low, bar.High, bar.End); err != nil {
				f.logger.Warn("trade_feed: bar check failed",
					slog.String("symbol", t.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
		for _, h := range handlers {
			h(ctx, t.Symbol, bar)
		}
	}

	for _, c := range b.checkers {
		if err := c.CheckPositionRt(ctx, t.Price, t.Time); err != nil {
			f.logger.Warn("trade_feed: tick check failed",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	if f.prices != nil && t.Time.Sub(b.cachedAt) >= f.priceEvery {
		b.cachedAt = t.Time
		if err := f.prices.SetPrice(ctx, t.Symbol, t.Price, t.Time); err != nil {
			f.logger.Debug("trade_feed: cache price failed", slog.String("error", err.Error()))
		}
	}
}
