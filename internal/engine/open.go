package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// openJob is the exchange side of one open attempt.
type openJob struct {
	ref       domain.OrderRef
	submitted time.Time
	market    bool // the outstanding order was sent at market
	hopped    bool // the single market resubmission after a timeout was used
	poll      Task
}

// OpenPosition starts a position at price on side, sized from the available
// capital. In simulated mode a non-zero at opens the position immediately at
// that time; otherwise the position waits in pending_open until a bar or tick
// confirms the entry. In live mode the entry is routed to the exchange and the
// position opens once the order fills.
//
// If a close is still reconciling, the call is retried after a short delay
// and nil is returned.
func (e *Engine) OpenPosition(ctx context.Context, price float64, side domain.Side, at time.Time) error {
	if !side.Valid() {
		return fmt.Errorf("engine: open position: invalid side %q", side)
	}
	if price <= 0 {
		return fmt.Errorf("engine: open position: invalid price %v", price)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return domain.ErrEngineStopped
	}
	if e.recon == guardClose {
		e.schedule(deferDelay, func() {
			if err := e.OpenPosition(e.ctx, price, side, time.Time{}); err != nil && !errors.Is(err, domain.ErrEngineStopped) {
				e.logger.Warn("engine: deferred open failed", slog.String("error", err.Error()))
			}
		})
		e.mu.Unlock()
		e.logger.Debug("engine: open deferred while close reconciles")
		return nil
	}
	if e.state.Active() {
		e.mu.Unlock()
		return domain.ErrPositionActive
	}

	usable := e.result.Wallet
	if e.cfg.TradeCap > 0 && usable > e.cfg.TradeCap {
		usable = e.cfg.TradeCap
	}
	qty := quantityFor(usable, e.cfg.Leverage, price, e.inst.QtyPrecision)
	if qty <= 0 {
		e.mu.Unlock()
		e.report("open position", domain.ErrInsufficientCapital)
		return fmt.Errorf("engine: open position: %w", domain.ErrInsufficientCapital)
	}

	e.openFee, e.closeFee = defaultFee, defaultFee
	ts := at
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	pos := &domain.Position{
		ID:         e.newID(),
		Strategy:   e.cfg.Strategy,
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Price:      price,
		Amount:     qty,
		OrigAmount: qty,
		Leverage:   e.cfg.Leverage,
		Cost:       roundTo(price*qty/e.cfg.Leverage, 2),
		OpenType:   domain.OrderTypeLimit,
		OpenFee:    e.openFee,
		CloseFee:   e.closeFee,
		Time:       ts,
	}
	e.price.levels(pos)
	e.pos = pos
	e.state = domain.StatePendingOpen
	e.bestPrice = 0

	if !e.live() {
		if !at.IsZero() {
			e.confirmOpen()
		}
		e.markDirty()
		e.unlock()
		return e.persist(ctx)
	}

	e.recon = guardOpen
	e.openJob = &openJob{}
	e.markDirty()
	e.unlock()

	err := e.submitOpen(ctx, false)
	return errors.Join(err, e.persist(ctx))
}

// confirmOpen marks the pending position open. It runs at most once per
// position. Caller holds e.mu.
func (e *Engine) confirmOpen() {
	if e.pos == nil || e.state == domain.StateOpen || e.pos.Open {
		return
	}
	e.pos.Open = true
	e.state = domain.StateOpen
	e.result.Opened++
	e.markDirty()
	e.notifyOpen()
}

// submitOpen places the entry order, retrying clock-skew rejections and
// falling back to a market order once the limit retries are exhausted.
func (e *Engine) submitOpen(ctx context.Context, market bool) error {
	skew := 0
	for {
		e.mu.Lock()
		job := e.openJob
		if e.stopped || job == nil || e.pos == nil {
			e.mu.Unlock()
			return domain.ErrEngineStopped
		}
		p := e.pos
		spec := domain.OrderSpec{
			Symbol:        e.cfg.Symbol,
			Side:          p.Side,
			Type:          domain.OrderTypeLimit,
			Quantity:      p.Amount,
			Price:         roundTo(p.Price, e.inst.PricePrecision),
			ClientOrderID: p.ID,
		}
		if market {
			spec.Type = domain.OrderTypeMarket
			spec.Price = 0
		}
		job.market = market
		e.inFlight = true
		e.mu.Unlock()

		rec, err := e.gw.OpenOrder(ctx, spec)

		e.mu.Lock()
		e.inFlight = false
		if e.openJob != job {
			e.mu.Unlock()
			return domain.ErrEngineStopped
		}
		if err == nil {
			job.submitted = e.clock.Now()
			job.ref = domain.OrderRef{Symbol: e.cfg.Symbol, ClientOrderID: spec.ClientOrderID, OrderID: rec.OrderID}
			e.handleOpenRecord(rec)
			e.unlock()
			return nil
		}
		if domain.IsClockSkew(err) {
			skew++
			if skew < maxSkewRetries {
				e.mu.Unlock()
				continue
			}
			if !market {
				market, skew = true, 0
				e.mu.Unlock()
				e.logger.Warn("engine: clock skew on every limit attempt, falling back to market",
					slog.Int("attempts", maxSkewRetries),
				)
				continue
			}
		}
		e.abandonOpen(false)
		e.unlock()
		e.report("submit open order", err)
		return fmt.Errorf("engine: submit open order: %w", err)
	}
}

// handleOpenRecord applies an order state reported by the exchange. Caller
// holds e.mu.
func (e *Engine) handleOpenRecord(rec domain.OrderRecord) {
	switch {
	case rec.Filled():
		e.applyOpenFill(rec)
		e.endOpenJob()
		e.confirmOpen()
	case rec.PartiallyFilled():
		e.applyOpenFill(rec)
		e.state = domain.StatePartiallyOpen
		e.markDirty()
		e.ensureOpenPoll()
	default:
		e.ensureOpenPoll()
	}
}

// applyOpenFill adopts the confirmed quantity and price. A fill away from the
// requested price means the order executed at market, so the exit levels are
// recomputed and the market fee applies. Caller holds e.mu.
func (e *Engine) applyOpenFill(rec domain.OrderRecord) {
	p := e.pos
	p.PartiallyFilled = rec.PartiallyFilled()
	if rec.ExecutedQty > 0 && rec.ExecutedQty <= p.OrigAmount {
		p.Amount = rec.ExecutedQty
	}
	marketFill := rec.AvgPrice > 0 && rec.AvgPrice != p.Price
	if marketFill || (e.openJob != nil && e.openJob.market) {
		e.openFee = marketFee
		p.OpenFee = marketFee
		p.OpenType = domain.OrderTypeMarket
	}
	if marketFill {
		p.Price = rec.AvgPrice
	}
	if p.OpenType == domain.OrderTypeMarket {
		e.price.levels(p)
	}
	p.Cost = roundTo(p.Price*p.Amount/p.Leverage, 2)
	if !rec.UpdateTime.IsZero() {
		p.Time = rec.UpdateTime
	}
}

func (e *Engine) ensureOpenPoll() {
	if e.openJob != nil && e.openJob.poll == nil && !e.stopped {
		e.openJob.poll = e.sched.Every(openPoll, e.pollOpen)
	}
}

func (e *Engine) endOpenJob() {
	if e.openJob != nil {
		stopTask(&e.openJob.poll)
	}
	e.openJob = nil
	if e.recon == guardOpen {
		e.recon = guardNone
	}
}

// abandonOpen ends the attempt. A partial fill is kept as an open position
// of the filled size; anything else becomes unopened. Caller holds e.mu.
func (e *Engine) abandonOpen(count bool) {
	e.endOpenJob()
	if e.pos != nil && e.state == domain.StatePartiallyOpen && e.pos.Amount > 0 {
		e.confirmOpen()
		return
	}
	e.markUnopened(count)
	e.markDirty()
}

// pollOpen checks the outstanding entry order once.
func (e *Engine) pollOpen() {
	e.mu.Lock()
	job := e.openJob
	if e.stopped || job == nil || e.recon != guardOpen || e.inFlight {
		e.mu.Unlock()
		return
	}
	ref := job.ref
	e.inFlight = true
	e.mu.Unlock()

	rec, err := e.gw.GetOrder(e.ctx, ref)

	e.mu.Lock()
	e.inFlight = false
	if e.openJob != job {
		e.unlock()
		return
	}
	switch {
	case err != nil && (domain.IsOrderNotFound(err) || domain.IsClockSkew(err)):
		e.unlock()
		return
	case err != nil:
		e.abandonOpen(false)
		e.unlock()
		if serr := e.gw.CancelAllOpenOrders(e.ctx, e.cfg.Symbol); serr != nil {
			e.report("cancel open orders", serr)
		}
		e.report("query open order", err)
		e.persistAsync()
		return
	case rec.Filled(), rec.PartiallyFilled():
		e.handleOpenRecord(rec)
		e.unlock()
		e.persistAsync()
		return
	}

	if e.clock.Now().Sub(job.submitted) < openTimeout {
		e.unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()
	e.cancelOpen(job, ref)
}

// cancelOpen withdraws an entry order that did not fill in time. The first
// timeout resubmits once at market; a second one gives up.
func (e *Engine) cancelOpen(job *openJob, ref domain.OrderRef) {
	cerr := e.gw.CancelOrder(e.ctx, ref)

	e.mu.Lock()
	e.inFlight = false
	if e.openJob != job {
		e.unlock()
		return
	}
	switch {
	case cerr == nil && !job.hopped:
		job.hopped = true
		stopTask(&job.poll)
		e.unlock()
		e.logger.Info("engine: entry order timed out, resubmitting at market",
			slog.String("client_order_id", ref.ClientOrderID),
		)
		_ = e.submitOpen(e.ctx, true)
		e.persistAsync()
	case cerr == nil:
		e.abandonOpen(true)
		e.unlock()
		e.persistAsync()
	case domain.IsOrderNotFound(cerr):
		e.abandonOpen(true)
		e.unlock()
		if serr := e.gw.CancelAllOpenOrders(e.ctx, e.cfg.Symbol); serr != nil {
			e.report("cancel open orders", serr)
		}
		e.persistAsync()
	default:
		e.abandonOpen(false)
		e.unlock()
		e.report("cancel open order", cerr)
		e.persistAsync()
	}
}
