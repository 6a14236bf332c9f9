package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// manualClock is a Clock and Scheduler whose time only moves on Advance.
type manualClock struct {
	mu    sync.Mutex
	now   time.Time
	tasks []*manualTask
}

type manualTask struct {
	c       *manualClock
	at      time.Time
	every   time.Duration
	fn      func()
	stopped bool
}

func (t *manualTask) Stop() {
	t.c.mu.Lock()
	t.stopped = true
	t.c.mu.Unlock()
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Every(d time.Duration, fn func()) Task {
	return c.add(d, d, fn)
}

func (c *manualClock) After(d time.Duration, fn func()) Task {
	return c.add(d, 0, fn)
}

func (c *manualClock) add(d, every time.Duration, fn func()) Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTask{c: c, at: c.now.Add(d), every: every, fn: fn}
	c.tasks = append(c.tasks, t)
	return t
}

// Advance moves time forward by d, running due tasks in time order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *manualTask
		for _, t := range c.tasks {
			if t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		if next.every > 0 {
			next.at = next.at.Add(next.every)
		} else {
			next.stopped = true
		}
		c.mu.Unlock()
		next.fn()
	}
}

// fakeGateway answers exchange calls from scripted functions.
type fakeGateway struct {
	mu         sync.Mutex
	orders     []domain.OrderSpec
	gets       int
	cancels    int
	cancelAlls int
	openFn     func(n int, spec domain.OrderSpec) (domain.OrderRecord, error)
	getFn      func(n int, ref domain.OrderRef) (domain.OrderRecord, error)
	cancelFn   func(ref domain.OrderRef) error
	history    []domain.OrderRecord
}

func (g *fakeGateway) OpenOrder(_ context.Context, spec domain.OrderSpec) (domain.OrderRecord, error) {
	g.mu.Lock()
	n := len(g.orders)
	g.orders = append(g.orders, spec)
	fn := g.openFn
	g.mu.Unlock()
	if fn == nil {
		return filled(spec, spec.Price), nil
	}
	return fn(n, spec)
}

func (g *fakeGateway) GetOrder(_ context.Context, ref domain.OrderRef) (domain.OrderRecord, error) {
	g.mu.Lock()
	n := g.gets
	g.gets++
	fn := g.getFn
	g.mu.Unlock()
	if fn == nil {
		return domain.OrderRecord{OrderID: ref.OrderID, Status: domain.OrderStatusNew}, nil
	}
	return fn(n, ref)
}

func (g *fakeGateway) CancelOrder(_ context.Context, ref domain.OrderRef) error {
	g.mu.Lock()
	g.cancels++
	fn := g.cancelFn
	g.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ref)
}

func (g *fakeGateway) CancelAllOpenOrders(context.Context, string) error {
	g.mu.Lock()
	g.cancelAlls++
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) AllOrders(_ context.Context, _ string, limit int) ([]domain.OrderRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.history) <= limit {
		return g.history, nil
	}
	return g.history[len(g.history)-limit:], nil
}

func (g *fakeGateway) sent() []domain.OrderSpec {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderSpec(nil), g.orders...)
}

func (g *fakeGateway) getCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gets
}

func filled(spec domain.OrderSpec, avg float64) domain.OrderRecord {
	return domain.OrderRecord{
		OrderID:       1,
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Status:        domain.OrderStatusFilled,
		Price:         spec.Price,
		AvgPrice:      avg,
		OrigQty:       spec.Quantity,
		ExecutedQty:   spec.Quantity,
	}
}

func resting(spec domain.OrderSpec) domain.OrderRecord {
	return domain.OrderRecord{
		OrderID:       2,
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Status:        domain.OrderStatusNew,
		Price:         spec.Price,
		OrigQty:       spec.Quantity,
	}
}

// memLedger keeps records in memory.
type memLedger struct {
	mu     sync.Mutex
	recs   []domain.Position
	writes int
}

func (l *memLedger) Read(context.Context) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.recs) == 0 {
		return nil, nil
	}
	return append([]domain.Position(nil), l.recs...), nil
}

func (l *memLedger) Write(_ context.Context, recs []domain.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append([]domain.Position(nil), recs...)
	l.writes++
	return nil
}

func (l *memLedger) records() []domain.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Position(nil), l.recs...)
}

// recorder counts callback invocations.
type recorder struct {
	mu       sync.Mutex
	opens    int
	closes   []float64
	unopened int
	errs     []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen: func(domain.Position) {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
		},
		OnClose: func(_ domain.Position, net float64) {
			r.mu.Lock()
			r.closes = append(r.closes, net)
			r.mu.Unlock()
		},
		OnUnopened: func(domain.Position) {
			r.mu.Lock()
			r.unopened++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) counts() (opens, closes, unopened, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, len(r.closes), r.unopened, len(r.errs)
}

type harness struct {
	eng    *Engine
	clock  *manualClock
	gw     *fakeGateway
	ledger *memLedger
	rec    *recorder
}

func newHarness(t *testing.T, cfg Config, live bool) *harness {
	t.Helper()
	h := &harness{
		clock:  newManualClock(),
		ledger: &memLedger{},
		rec:    &recorder{},
	}
	deps := Deps{
		Ledger:    h.ledger,
		Clock:     h.clock,
		Scheduler: h.clock,
		Callbacks: h.rec.callbacks(),
		Logger:    slog.New(slog.DiscardHandler),
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "BTCUSDT"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "trend_btc"
	}
	if live {
		h.gw = &fakeGateway{}
		deps.Gateway = h.gw
		cfg.Live = true
	}
	eng, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(eng.Stop)
	h.eng = eng
	return h
}
