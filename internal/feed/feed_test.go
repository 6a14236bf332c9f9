package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/platform/binance"
)

var discard = slog.New(slog.DiscardHandler)

type fakeSource struct {
	mu         sync.Mutex
	handler    binance.TradeHandler
	subscribed []string
	connects   int
	failFirst  bool
}

func (s *fakeSource) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.failFirst && s.connects == 1 {
		return errors.New("dial refused")
	}
	return nil
}

func (s *fakeSource) SubscribeTrades(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, symbols...)
	return nil
}

func (s *fakeSource) OnTrade(h binance.TradeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) emit(t domain.Tick) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(t)
}

type barCheck struct {
	low, high float64
	at        time.Time
}

type fakeChecker struct {
	mu    sync.Mutex
	bars  []barCheck
	ticks []float64
	seen  chan struct{}
}

func (c *fakeChecker) CheckPosition(_ context.Context, low, high float64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bars = append(c.bars, barCheck{low, high, at})
	return nil
}

func (c *fakeChecker) CheckPositionRt(_ context.Context, price float64, _ time.Time) error {
	c.mu.Lock()
	c.ticks = append(c.ticks, price)
	c.mu.Unlock()
	if c.seen != nil {
		c.seen <- struct{}{}
	}
	return nil
}

type fakePrices struct {
	sets int
	last float64
}

func (p *fakePrices) SetPrice(_ context.Context, _ string, price float64, _ time.Time) error {
	p.sets++
	p.last = price
	return nil
}

func (p *fakePrices) GetPrice(context.Context, string) (float64, time.Time, error) {
	return p.last, time.Time{}, nil
}

func TestHandleTickBuildsBarsAndChecks(t *testing.T) {
	prices := &fakePrices{}
	f := NewTradeFeed(&fakeSource{}, time.Minute, 10, discard, WithPriceCache(prices, time.Second))
	chk := &fakeChecker{}
	f.Track("btcusdt", chk)

	var got []domain.Bar
	f.OnBar(func(_ context.Context, symbol string, bar domain.Bar) {
		if symbol != "BTCUSDT" {
			t.Errorf("symbol = %q", symbol)
		}
		got = append(got, bar)
	})

	base := time.UnixMilli(1_700_000_040_000).Truncate(time.Minute)
	ctx := context.Background()
	f.handleTick(ctx, domain.Tick{Symbol: "BTCUSDT", Price: 100, Volume: 1, Time: base})
	f.handleTick(ctx, domain.Tick{Symbol: "BTCUSDT", Price: 101, Volume: 2, Time: base.Add(500 * time.Millisecond)})
	f.handleTick(ctx, domain.Tick{Symbol: "BTCUSDT", Price: 99.5, Volume: 1, Time: base.Add(30 * time.Second)})
	f.handleTick(ctx, domain.Tick{Symbol: "BTCUSDT", Price: 98, Volume: 1, Time: base.Add(70 * time.Second)})
	f.handleTick(ctx, domain.Tick{Symbol: "ETHUSDT", Price: 2000, Volume: 1, Time: base})

	if len(got) != 1 {
		t.Fatalf("bars = %d, want 1", len(got))
	}
	bar := got[0]
	if bar.Open != 100 || bar.Close != 99.5 || bar.Low != 99.5 || bar.High != 101 || bar.Trades != 3 || bar.Volume != 4 {
		t.Errorf("bar = %+v", bar)
	}
	if !bar.End.Equal(base.Add(time.Minute)) {
		t.Errorf("bar end = %v", bar.End)
	}
	if len(chk.bars) != 1 || chk.bars[0].low != 99.5 || chk.bars[0].high != 101 {
		t.Errorf("bar checks = %+v", chk.bars)
	}
	if len(chk.ticks) != 4 || chk.ticks[3] != 98 {
		t.Errorf("tick checks = %v", chk.ticks)
	}
	// second tick is within the cache interval of the first
	if prices.sets != 3 || prices.last != 98 {
		t.Errorf("price cache sets = %d last = %v", prices.sets, prices.last)
	}
	if bars, ok := f.Bars("BTCUSDT"); !ok || len(bars) != 1 {
		t.Errorf("retained bars = %v %v", bars, ok)
	}
	if _, ok := f.Bars("ETHUSDT"); ok {
		t.Error("untracked symbol has bars")
	}
}

func TestRunRetriesConnectAndDispatches(t *testing.T) {
	src := &fakeSource{failFirst: true}
	f := NewTradeFeed(src, time.Minute, 0, discard)
	chk := &fakeChecker{seen: make(chan struct{}, 1)}
	f.Track("BTCUSDT", chk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		src.mu.Lock()
		ready := len(src.subscribed) > 0
		src.mu.Unlock()
		if ready {
			break
		}
		select {
		case <-deadline:
			t.Fatal("feed never subscribed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	src.emit(domain.Tick{Symbol: "BTCUSDT", Price: 42, Time: time.Now()})
	select {
	case <-chk.seen:
	case <-deadline:
		t.Fatal("tick not dispatched")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if src.connects != 2 || src.subscribed[0] != "BTCUSDT" {
		t.Errorf("connects = %d subscribed = %v", src.connects, src.subscribed)
	}
}

type fakeTrader struct {
	name   string
	last   float64
	opened []float64
	sides  []domain.Side
	closes []engine.CloseOptions
}

func (f *fakeTrader) Strategy() string   { return f.name }
func (f *fakeTrader) LastPrice() float64 { return f.last }

func (f *fakeTrader) OpenPosition(_ context.Context, price float64, side domain.Side, _ time.Time) error {
	f.opened = append(f.opened, price)
	f.sides = append(f.sides, side)
	return nil
}

func (f *fakeTrader) ClosePosition(_ context.Context, _ float64, opts engine.CloseOptions) error {
	f.closes = append(f.closes, opts)
	return nil
}

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestCommandListenerHandle(t *testing.T) {
	tr := &fakeTrader{name: "trend_btc", last: 30000}
	l := NewCommandListener(&chanBus{}, []Trader{tr}, discard)
	ctx := context.Background()

	if err := l.handle(ctx, []byte(`{"action":"open","side":"buy"}`)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(tr.opened) != 1 || tr.opened[0] != 30000 || tr.sides[0] != domain.SideBuy {
		t.Errorf("opened = %v %v", tr.opened, tr.sides)
	}
	if err := l.handle(ctx, []byte(`{"strategy":"trend_btc","action":"close","price":30100,"reopen":true,"market":true}`)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(tr.closes) != 1 || !tr.closes[0].Reopen || !tr.closes[0].ForceMarket {
		t.Errorf("closes = %+v", tr.closes)
	}

	if err := l.handle(ctx, []byte(`{"strategy":"other","action":"open"}`)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown strategy err = %v", err)
	}
	if err := l.handle(ctx, []byte(`{"action":"flip"}`)); err == nil {
		t.Error("unknown action accepted")
	}
	if err := l.handle(ctx, []byte(`{`)); err == nil {
		t.Error("bad json accepted")
	}

	tr.last = 0
	if err := l.handle(ctx, []byte(`{"action":"open","side":"SELL"}`)); err == nil {
		t.Error("open without any price accepted")
	}
}

func TestCommandListenerRunStopsWhenChannelCloses(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1)}
	tr := &fakeTrader{name: "a", last: 10}
	l := NewCommandListener(bus, []Trader{tr}, discard)

	bus.ch <- []byte(`{"action":"open","side":"SELL"}`)
	close(bus.ch)
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if len(tr.sides) != 1 || tr.sides[0] != domain.SideSell {
		t.Errorf("sides = %v", tr.sides)
	}
}

func TestCommandListenerDropsDuplicateIDs(t *testing.T) {
	tr := &fakeTrader{name: "a", last: 10}
	l := NewCommandListener(&chanBus{}, []Trader{tr}, discard)
	now := time.Unix(1_700_000_000, 0)
	l.seen.now = func() time.Time { return now }
	ctx := context.Background()

	cmd := []byte(`{"id":"op-1","action":"open","side":"BUY"}`)
	for range 2 {
		if err := l.handle(ctx, cmd); err != nil {
			t.Fatal(err)
		}
	}
	if len(tr.opened) != 1 {
		t.Fatalf("opened %d times, want 1", len(tr.opened))
	}

	now = now.Add(commandDedupTTL)
	if err := l.handle(ctx, cmd); err != nil {
		t.Fatal(err)
	}
	if len(tr.opened) != 2 {
		t.Errorf("expired id not accepted again: %d opens", len(tr.opened))
	}
}
