// Package engine drives the lifecycle of a single leveraged position: sizing
// and exit levels on entry, tick and bar driven triggers, and, in live mode,
// reconciliation of order state against the exchange.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	openTimeout    = 5 * time.Second
	openPoll       = time.Second
	closePoll      = 2 * time.Second
	deferDelay     = time.Second
	maxSkewRetries = 5
	marketAfter    = 2 // close attempts before switching to a market order
	maxIDLen       = 36
)

// TPSL enables take-profit and an explicit stop-loss. Both are percentages of
// margin; zero disables the corresponding level.
type TPSL struct {
	TakeProfitPct float64
	StopLossPct   float64
}

// Config is fixed for the lifetime of an engine.
type Config struct {
	Strategy    string
	Symbol      string
	Capital     float64
	TradeCap    float64 // per-trade capital cap, zero for none
	Leverage    float64
	Live        bool
	Backtest    bool // no ledger writes, no callbacks, no logs
	TPSL        *TPSL
	TrailingPct float64
}

// Callbacks receive lifecycle notifications. Each is optional and is
// invoked without engine locks held.
type Callbacks struct {
	OnOpen     func(pos domain.Position)
	OnClose    func(pos domain.Position, net float64)
	OnUnopened func(pos domain.Position)
	OnError    func(err error)
}

// TimeFormatter renders timestamps for the display fields of ledger records.
type TimeFormatter interface {
	Format(t time.Time) string
}

// TimeFormatterFunc adapts a function to TimeFormatter.
type TimeFormatterFunc func(time.Time) string

func (f TimeFormatterFunc) Format(t time.Time) string { return f(t) }

// DefaultTimeFormatter renders local wall-clock time.
var DefaultTimeFormatter = TimeFormatterFunc(func(t time.Time) string {
	return t.Local().Format(time.DateTime)
})

// Deps are the collaborators of an engine. Gateway is required in live mode,
// everything else has a usable default or is optional.
type Deps struct {
	Gateway     domain.Gateway
	Ledger      domain.Ledger
	Locks       domain.LockManager
	Instruments domain.InstrumentTable
	Clock       Clock
	Scheduler   Scheduler
	Times       TimeFormatter
	Callbacks   Callbacks
	Logger      *slog.Logger
}

type guard int

const (
	guardNone guard = iota
	guardOpen
	guardClose
)

func (g guard) String() string {
	switch g {
	case guardOpen:
		return "open"
	case guardClose:
		return "close"
	default:
		return "none"
	}
}

// Engine manages at most one position at a time.
type Engine struct {
	cfg    Config
	inst   domain.Instrument
	price  pricer
	gw     domain.Gateway
	ledger domain.Ledger
	locks  domain.LockManager
	clock  Clock
	sched  Scheduler
	times  TimeFormatter
	cb     Callbacks
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	pos      *domain.Position
	state    domain.PositionState
	recon    guard
	inFlight bool
	stopped  bool
	openJob  *openJob
	closeJob *closeJob
	tasks    []Task

	openFee  float64
	closeFee float64

	now       float64
	lastPrice float64
	bestPrice float64

	result  domain.AggregateResult
	dd      drawdown
	history *domain.AggregateResult
	lastID  string

	dirty []domain.Position
	later []func()
}

// New builds an engine. Call Restore before feeding prices to pick up an
// open position left by a previous run.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.Strategy == "" {
		cfg.Strategy = "test-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	table := deps.Instruments
	if table == nil {
		table = domain.DefaultInstruments()
	}
	inst, err := table.Lookup(cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("engine: instrument %q: %w", cfg.Symbol, err)
	}
	if cfg.Live && deps.Gateway == nil {
		return nil, fmt.Errorf("engine: live mode requires a gateway")
	}

	e := &Engine{
		cfg:      cfg,
		inst:     inst,
		price:    newPricer(cfg, inst.PricePrecision),
		gw:       deps.Gateway,
		ledger:   deps.Ledger,
		locks:    deps.Locks,
		clock:    deps.Clock,
		sched:    deps.Scheduler,
		times:    deps.Times,
		cb:       deps.Callbacks,
		logger:   deps.Logger,
		state:    domain.StateIdle,
		openFee:  defaultFee,
		closeFee: defaultFee,
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.sched == nil {
		e.sched = timerScheduler{}
	}
	if e.times == nil {
		e.times = DefaultTimeFormatter
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if cfg.Backtest {
		e.logger = slog.New(slog.DiscardHandler)
		e.cb = Callbacks{}
	}
	e.logger = e.logger.With(
		slog.String("component", "engine"),
		slog.String("strategy", cfg.Strategy),
		slog.String("symbol", cfg.Symbol),
	)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.start = e.clock.Now()
	e.result.Wallet = cfg.Capital
	e.dd = newDrawdown(cfg.Capital)
	return e, nil
}

// Strategy returns the ledger partition key of this engine.
func (e *Engine) Strategy() string { return e.cfg.Strategy }

// Symbol returns the traded instrument.
func (e *Engine) Symbol() string { return e.cfg.Symbol }

// Live reports whether orders are routed to the exchange.
func (e *Engine) Live() bool { return e.live() }

func (e *Engine) live() bool { return e.cfg.Live && e.gw != nil }

// Stop cancels every scheduled task and any in-progress exchange call.
// It is safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.stopPolling()
	for i := range e.tasks {
		e.tasks[i].Stop()
	}
	e.tasks = nil
	e.recon = guardNone
	e.mu.Unlock()
	e.cancel()
}

// Active reports whether a position attempt is in progress.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Active()
}

// State returns the lifecycle state of the current attempt.
func (e *Engine) State() domain.PositionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Side returns the direction of the current position, if any.
func (e *Engine) Side() (domain.Side, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil {
		return "", false
	}
	return e.pos.Side, true
}

// LastPrice returns the most recent tick seen by CheckPositionRt.
func (e *Engine) LastPrice() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// CurrentPosition returns the open position with unrealized figures at the
// last observed price.
func (e *Engine) CurrentPosition() (domain.PositionView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos == nil || !e.pos.Open || !e.state.Active() {
		return domain.PositionView{}, false
	}
	v := domain.PositionView{
		Position:  *e.pos,
		State:     e.state,
		LastPrice: e.now,
		BestPrice: e.bestPrice,
	}
	if e.now != 0 {
		gross := roundTo(e.pos.Delta(e.now)*e.pos.Amount, 2)
		fees := (e.now*e.closeFee + e.pos.Price*e.openFee) * e.pos.Amount
		v.PnL = roundTo(gross-fees, 2)
		if e.pos.Cost > 0 {
			v.PnLPercent = roundTo(gross/e.pos.Cost*100, 0)
		}
	}
	return v, true
}

// CurrentResult returns the running aggregate since the engine started.
func (e *Engine) CurrentResult() domain.ResultView {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.result
	r.Wallet = roundTo(r.Wallet, 2)
	r.Drawdown = e.dd.current()
	r.PeakValue = roundTo(e.dd.peak, 2)
	r.Profit.Amount = roundTo(r.Profit.Amount, 2)
	r.Profit.BuyAmt = roundTo(r.Profit.BuyAmt, 2)
	r.Profit.SellAmt = roundTo(r.Profit.SellAmt, 2)
	r.Loss.Amount = roundTo(r.Loss.Amount, 2)
	r.Loss.BuyAmt = roundTo(r.Loss.BuyAmt, 2)
	r.Loss.SellAmt = roundTo(r.Loss.SellAmt, 2)
	return domain.ResultView{
		AggregateResult: r,
		Strategy:        e.cfg.Strategy,
		Net:             roundTo(e.result.Net(), 2),
		Start:           e.cfg.Capital,
		Since:           e.start,
		Uptime:          e.clock.Now().Sub(e.start),
	}
}

// HistoryResult returns the snapshot computed from stored records at Restore.
func (e *Engine) HistoryResult() (domain.AggregateResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.history == nil {
		return domain.AggregateResult{}, false
	}
	return *e.history, true
}

// newID builds a client order id from the strategy tag and the clock.
// Caller holds e.mu.
func (e *Engine) newID() string {
	tag := e.cfg.Strategy
	if i := strings.IndexByte(tag, '_'); i >= 0 {
		tag = tag[i:]
	}
	id := truncate(tag+"-"+strconv.FormatInt(e.clock.Now().UnixMilli(), 10), maxIDLen)
	if id == e.lastID {
		id = truncate(tag+"-"+uuid.NewString()[:8]+"-"+strconv.FormatInt(e.clock.Now().UnixMilli(), 10), maxIDLen)
	}
	e.lastID = id
	return id
}

func closeID(id string) string {
	return truncate("c-"+id, maxIDLen)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// after queues fn to run after the engine lock is released. Caller holds e.mu.
func (e *Engine) after(fn func()) {
	e.later = append(e.later, fn)
}

// unlock releases e.mu and runs the queued functions.
func (e *Engine) unlock() {
	fns := e.later
	e.later = nil
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// schedule runs fn after d unless the engine is stopped first. A fired task
// drops its own handle. Caller holds e.mu.
func (e *Engine) schedule(d time.Duration, fn func()) {
	if e.stopped {
		return
	}
	var task Task
	task = e.sched.After(d, func() {
		e.mu.Lock()
		e.tasks = slices.DeleteFunc(e.tasks, func(t Task) bool { return t == task })
		e.mu.Unlock()
		fn()
	})
	e.tasks = append(e.tasks, task)
}

// report logs err and passes it to OnError. Caller must not hold e.mu.
func (e *Engine) report(msg string, err error) {
	e.logger.Error("engine: "+msg, slog.String("error", err.Error()))
	if e.cb.OnError != nil {
		e.cb.OnError(fmt.Errorf("engine: %s: %w", msg, err))
	}
}

// reportLater queues report until e.mu is released.
func (e *Engine) reportLater(msg string, err error) {
	e.after(func() { e.report(msg, err) })
}

// notifyOpen queues the open callback with a snapshot of the position.
func (e *Engine) notifyOpen() {
	snap := *e.pos
	e.after(func() {
		e.logger.Info("engine: position opened",
			slog.String("id", snap.ID),
			slog.String("side", string(snap.Side)),
			slog.Float64("price", snap.Price),
			slog.Float64("amount", snap.Amount),
			slog.Float64("sl", snap.StopLoss),
		)
		if e.cb.OnOpen != nil {
			e.cb.OnOpen(snap)
		}
	})
}

// markUnopened terminates a pending attempt that never filled. Caller holds e.mu.
func (e *Engine) markUnopened(count bool) {
	e.stopPolling()
	e.recon = guardNone
	e.state = domain.StateUnopened
	if count {
		e.result.Unopened++
	}
	if e.pos == nil {
		return
	}
	snap := *e.pos
	e.after(func() {
		e.logger.Info("engine: position not opened", slog.String("id", snap.ID))
		if e.cb.OnUnopened != nil {
			e.cb.OnUnopened(snap)
		}
	})
}

func (e *Engine) stopPolling() {
	if e.openJob != nil {
		stopTask(&e.openJob.poll)
	}
	if e.closeJob != nil {
		stopTask(&e.closeJob.poll)
	}
}

// persistAsync writes the current record from a background path, reporting
// failures through OnError.
func (e *Engine) persistAsync() {
	if err := e.persist(e.ctx); err != nil {
		e.report("persist position", err)
	}
}
