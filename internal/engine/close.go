package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

var errCloseStalled = errors.New("close order not filled after market resubmission")

// CloseOptions adjust a single close request.
type CloseOptions struct {
	Reopen      bool      // open the opposite side at the exit price once closed
	ForceMarket bool      // skip the limit order and exit at market
	OnDone      func()    // called once the close is booked
	At          time.Time // close time recorded for simulated positions
}

// closeJob is the exchange side of one close attempt.
type closeJob struct {
	price     float64 // requested exit price
	exit      float64 // confirmed exit price
	opts      CloseOptions
	attempt   int
	total     float64 // quantity open when the close began
	base      float64 // quantity closed by earlier legs
	ref       domain.OrderRef
	submitted time.Time
	hopped    bool
	poll      Task
}

// ClosePosition exits the open position at price. In live mode a reduce-only
// order is placed on the opposite side and reconciled until filled. If the
// entry is still reconciling the call is retried shortly and nil returned.
// A second close while one is reconciling fails with ErrCloseInProgress.
func (e *Engine) ClosePosition(ctx context.Context, price float64, opts CloseOptions) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return domain.ErrEngineStopped
	}
	switch e.recon {
	case guardOpen:
		e.schedule(deferDelay, func() {
			if err := e.ClosePosition(e.ctx, price, opts); err != nil && !errors.Is(err, domain.ErrEngineStopped) {
				e.logger.Warn("engine: deferred close failed", slog.String("error", err.Error()))
			}
		})
		e.mu.Unlock()
		e.logger.Debug("engine: close deferred while entry reconciles")
		return nil
	case guardClose:
		e.mu.Unlock()
		e.logger.Warn("engine: close rejected", slog.String("reconciling", guardClose.String()))
		return domain.ErrCloseInProgress
	}
	if e.pos == nil || e.state != domain.StateOpen {
		e.mu.Unlock()
		return domain.ErrNoPosition
	}

	if !e.live() {
		snap, ok := e.finalize(price, opts.At, opts.OnDone)
		e.unlock()
		if !ok {
			return nil
		}
		return e.afterClose(ctx, snap, opts)
	}

	job := e.beginClose(price, opts)
	e.mu.Unlock()
	return e.runClose(ctx, job)
}

// beginClose reserves the engine for a close. Caller holds e.mu.
func (e *Engine) beginClose(price float64, opts CloseOptions) *closeJob {
	p := e.pos
	job := &closeJob{
		price: price,
		exit:  price,
		opts:  opts,
		total: roundTo(p.Amount+p.ClosedAmount, e.inst.QtyPrecision),
		base:  p.ClosedAmount,
	}
	e.closeJob = job
	e.recon = guardClose
	e.state = domain.StatePendingClose
	return job
}

// triggerClose starts a close from price ingestion without blocking the
// caller. Caller holds e.mu.
func (e *Engine) triggerClose(price float64, opts CloseOptions) {
	job := e.beginClose(price, opts)
	e.schedule(0, func() {
		err := e.runClose(e.ctx, job)
		if errors.Is(err, errPersist) {
			e.report("close position", err)
		}
	})
}

// runClose submits the exit order, retrying clock-skew rejections. The first
// attempts use a limit order at the requested price; later ones go to market.
func (e *Engine) runClose(ctx context.Context, job *closeJob) error {
	for {
		e.mu.Lock()
		if e.stopped || e.closeJob != job {
			e.mu.Unlock()
			return domain.ErrEngineStopped
		}
		p := e.pos
		sweep := p.PartiallyFilled
		spec := e.closeSpec(job.price, job.opts.ForceMarket || job.attempt >= marketAfter)
		e.inFlight = true
		e.mu.Unlock()

		if sweep {
			if err := e.gw.CancelAllOpenOrders(ctx, e.cfg.Symbol); err != nil {
				e.report("cancel open orders", err)
			}
		}
		rec, raced, err := e.placeClose(ctx, spec)

		e.mu.Lock()
		e.inFlight = false
		if e.closeJob != job {
			e.unlock()
			return domain.ErrEngineStopped
		}
		if err == nil {
			job.ref = domain.OrderRef{Symbol: e.cfg.Symbol, ClientOrderID: spec.ClientOrderID, OrderID: rec.OrderID}
			job.submitted = e.clock.Now()
			snap, closed := e.handleCloseRecord(job, rec, raced)
			e.unlock()
			if closed {
				return e.afterClose(ctx, snap, job.opts)
			}
			return e.persist(ctx)
		}
		if domain.IsClockSkew(err) {
			job.attempt++
			if job.attempt < maxSkewRetries {
				e.mu.Unlock()
				continue
			}
		}
		e.abortClose()
		e.unlock()
		e.report("submit close order", err)
		return fmt.Errorf("engine: submit close order: %w", err)
	}
}

// closeSpec builds a reduce-only order for the outstanding quantity and
// records the order type on the position. Caller holds e.mu.
func (e *Engine) closeSpec(price float64, market bool) domain.OrderSpec {
	p := e.pos
	spec := domain.OrderSpec{
		Symbol:        e.cfg.Symbol,
		Side:          p.Side.Opposite(),
		Type:          domain.OrderTypeLimit,
		Quantity:      p.Amount,
		Price:         roundTo(price, e.inst.PricePrecision),
		ReduceOnly:    true,
		ClientOrderID: closeID(p.ID),
	}
	if market {
		spec.Type = domain.OrderTypeMarket
		spec.Price = 0
	}
	p.CloseType = spec.Type
	return spec
}

// placeClose submits spec. When the exchange reports the position already
// closed, the most recent order is fetched and returned with raced set.
func (e *Engine) placeClose(ctx context.Context, spec domain.OrderSpec) (domain.OrderRecord, bool, error) {
	rec, err := e.gw.OpenOrder(ctx, spec)
	if err == nil || !domain.IsAlreadyClosed(err) {
		return rec, false, err
	}
	recs, lerr := e.gw.AllOrders(ctx, e.cfg.Symbol, 1)
	if lerr != nil || len(recs) == 0 {
		return domain.OrderRecord{}, false, err
	}
	e.logger.Info("engine: position already closed on exchange, reconciling from last order",
		slog.Int64("order_id", recs[len(recs)-1].OrderID),
	)
	return recs[len(recs)-1], true, nil
}

// handleCloseRecord applies an exit order state. It returns the closed
// position when the close was booked. Caller holds e.mu.
func (e *Engine) handleCloseRecord(job *closeJob, rec domain.OrderRecord, raced bool) (domain.Position, bool) {
	switch {
	case rec.Filled() || (raced && !rec.PartiallyFilled()):
		e.applyCloseFill(job, rec)
		e.pos.Amount = job.total
		e.pos.ClosedAmount = job.total
		e.pos.Cost = roundTo(e.pos.Price*e.pos.Amount/e.pos.Leverage, 2)
		return e.finalize(job.exit, job.opts.At, job.opts.OnDone)
	case rec.PartiallyFilled():
		e.applyCloseFill(job, rec)
		e.state = domain.StatePartiallyClosed
		e.markDirty()
		e.ensureClosePoll()
	default:
		e.ensureClosePoll()
	}
	return domain.Position{}, false
}

// applyCloseFill folds the executed quantity of the current leg into the
// position. Caller holds e.mu.
func (e *Engine) applyCloseFill(job *closeJob, rec domain.OrderRecord) {
	p := e.pos
	p.PartiallyFilled = rec.PartiallyFilled()
	closed := job.base + rec.ExecutedQty
	if closed > job.total {
		closed = job.total
	}
	p.ClosedAmount = roundTo(closed, e.inst.QtyPrecision)
	p.Amount = roundTo(job.total-closed, e.inst.QtyPrecision)
	if p.Amount <= 0 {
		p.Amount = job.total
	}
	if rec.AvgPrice > 0 && rec.AvgPrice != job.price {
		p.CloseType = domain.OrderTypeMarket
		e.closeFee = marketFee
		p.CloseFee = marketFee
		job.exit = rec.AvgPrice
	}
	p.Cost = roundTo(p.Price*p.Amount/p.Leverage, 2)
}

func (e *Engine) ensureClosePoll() {
	if e.closeJob != nil && e.closeJob.poll == nil && !e.stopped {
		e.closeJob.poll = e.sched.Every(closePoll, e.pollClose)
	}
}

func (e *Engine) endCloseJob() {
	if e.closeJob != nil {
		stopTask(&e.closeJob.poll)
	}
	e.closeJob = nil
	if e.recon == guardClose {
		e.recon = guardNone
	}
}

// abortClose gives up the current close. Whatever is still outstanding stays
// open so a later trigger can close it. Caller holds e.mu.
func (e *Engine) abortClose() {
	e.endCloseJob()
	if e.pos != nil && !e.pos.Closed() {
		e.state = domain.StateOpen
		e.markDirty()
	}
}

// pollClose checks the outstanding exit order once.
func (e *Engine) pollClose() {
	e.mu.Lock()
	job := e.closeJob
	if e.stopped || job == nil || e.recon != guardClose || e.inFlight {
		e.mu.Unlock()
		return
	}
	ref := job.ref
	e.inFlight = true
	e.mu.Unlock()

	rec, err := e.gw.GetOrder(e.ctx, ref)

	e.mu.Lock()
	e.inFlight = false
	if e.closeJob != job {
		e.unlock()
		return
	}
	switch {
	case err != nil && (domain.IsOrderNotFound(err) || domain.IsClockSkew(err)):
		e.unlock()
		return
	case err != nil:
		e.abortClose()
		e.unlock()
		if serr := e.gw.CancelAllOpenOrders(e.ctx, e.cfg.Symbol); serr != nil {
			e.report("cancel open orders", serr)
		}
		e.report("query close order", err)
		e.persistAsync()
		return
	case rec.Filled(), rec.PartiallyFilled():
		snap, closed := e.handleCloseRecord(job, rec, false)
		e.unlock()
		if closed {
			e.afterCloseAsync(snap, job.opts)
		} else {
			e.persistAsync()
		}
		return
	}

	if e.clock.Now().Sub(job.submitted) < openTimeout {
		e.unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()
	e.expireClose(job, ref)
}

// expireClose cancels an exit order that did not fill in time and sends the
// remainder at market once.
func (e *Engine) expireClose(job *closeJob, ref domain.OrderRef) {
	cerr := e.gw.CancelOrder(e.ctx, ref)

	e.mu.Lock()
	if e.closeJob != job {
		e.inFlight = false
		e.unlock()
		return
	}
	if cerr != nil && !domain.IsOrderNotFound(cerr) {
		e.inFlight = false
		e.abortClose()
		e.unlock()
		e.report("cancel close order", cerr)
		e.persistAsync()
		return
	}
	if job.hopped {
		e.inFlight = false
		e.abortClose()
		e.unlock()
		e.report("close position", errCloseStalled)
		e.persistAsync()
		return
	}
	job.hopped = true
	job.base = e.pos.ClosedAmount
	stopTask(&job.poll)
	spec := e.closeSpec(job.price, true)
	e.mu.Unlock()

	e.logger.Info("engine: exit order timed out, resubmitting at market",
		slog.String("client_order_id", ref.ClientOrderID),
	)
	rec, raced, err := e.placeClose(e.ctx, spec)

	e.mu.Lock()
	e.inFlight = false
	if e.closeJob != job {
		e.unlock()
		return
	}
	if err != nil {
		e.abortClose()
		e.unlock()
		e.report("resubmit close order", err)
		e.persistAsync()
		return
	}
	job.ref = domain.OrderRef{Symbol: e.cfg.Symbol, ClientOrderID: spec.ClientOrderID, OrderID: rec.OrderID}
	job.submitted = e.clock.Now()
	snap, closed := e.handleCloseRecord(job, rec, raced)
	e.unlock()
	if closed {
		e.afterCloseAsync(snap, job.opts)
	} else {
		e.persistAsync()
	}
}

// finalize books the realized result of the position at price. It returns
// false when the position was already closed, so a repeated fill report is
// not counted twice. Caller holds e.mu.
func (e *Engine) finalize(price float64, at time.Time, onDone func()) (domain.Position, bool) {
	p := e.pos
	if p == nil || p.Closed() || e.state == domain.StateClosed {
		return domain.Position{}, false
	}
	fees := (price*e.closeFee + p.Price*e.openFee) * p.Amount
	res := p.Delta(price)*p.Amount - fees
	e.record(p.Side, res)

	if at.IsZero() {
		at = e.clock.Now()
	}
	exit := price
	p.ClosePrice = &exit
	p.CloseTime = &at
	p.CloseFee = e.closeFee
	p.Net = roundTo(res, 2)
	p.PartiallyFilled = false

	e.state = domain.StateClosed
	e.endCloseJob()
	e.bestPrice = 0
	e.lastPrice = 0
	e.markDirty()

	snap := *p
	e.after(func() {
		e.logger.Info("engine: position closed",
			slog.String("id", snap.ID),
			slog.String("side", string(snap.Side)),
			slog.Float64("entry", snap.Price),
			slog.Float64("exit", exit),
			slog.Float64("net", snap.Net),
		)
		if onDone != nil {
			onDone()
		}
		if e.cb.OnClose != nil {
			e.cb.OnClose(snap, snap.Net)
		}
	})
	return snap, true
}

// afterClose persists the closed record and, when requested, opens the
// opposite side at the exit price.
func (e *Engine) afterClose(ctx context.Context, closed domain.Position, opts CloseOptions) error {
	err := e.persist(ctx)
	if opts.Reopen {
		err = errors.Join(err, e.OpenPosition(ctx, *closed.ClosePrice, closed.Side.Opposite(), opts.At))
	}
	return err
}

func (e *Engine) afterCloseAsync(closed domain.Position, opts CloseOptions) {
	if err := e.persist(e.ctx); err != nil {
		e.report("persist position", err)
	}
	if opts.Reopen {
		if err := e.OpenPosition(e.ctx, *closed.ClosePrice, closed.Side.Opposite(), opts.At); err != nil {
			e.logger.Warn("engine: reopen after close failed", slog.String("error", err.Error()))
		}
	}
}
