package engine

import (
	"context"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// CheckPosition evaluates a completed bar. A pending entry opens when its
// price lies within [low, high] and is dropped otherwise; an open position
// closes at its stop-loss when the bar spans it.
func (e *Engine) CheckPosition(ctx context.Context, low, high float64, at time.Time) error {
	e.mu.Lock()
	p := e.pos
	if e.stopped || p == nil || e.recon != guardNone {
		e.mu.Unlock()
		return nil
	}
	switch e.state {
	case domain.StatePendingOpen:
		if within(p.Price, low, high) {
			e.confirmOpen()
		} else {
			e.markUnopened(true)
		}
		e.unlock()
		return e.persist(ctx)
	case domain.StateOpen:
		if !within(p.StopLoss, low, high) {
			e.mu.Unlock()
			return nil
		}
		opts := CloseOptions{At: at}
		if e.live() {
			e.triggerClose(p.StopLoss, opts)
			e.unlock()
			return nil
		}
		snap, ok := e.finalize(p.StopLoss, at, nil)
		e.unlock()
		if !ok {
			return nil
		}
		return e.afterClose(ctx, snap, opts)
	}
	e.mu.Unlock()
	return nil
}

// CheckPositionRt evaluates a single trade price. It tracks the best price
// since entry, ratchets the trailing stop, confirms simulated entries and
// triggers exits on stop-loss, take-profit or trailing-stop.
func (e *Engine) CheckPositionRt(ctx context.Context, price float64, at time.Time) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.lastPrice, e.now = e.now, price
	p := e.pos
	if p == nil || !e.state.Active() {
		e.mu.Unlock()
		return nil
	}
	if p.Open {
		e.trackBest(price)
	}

	if e.state == domain.StatePendingOpen && !e.live() {
		switch {
		case e.clock.Now().Sub(p.Time) >= openTimeout:
			e.markUnopened(true)
		case e.entryReached(price):
			e.confirmOpen()
		default:
			e.mu.Unlock()
			return nil
		}
		e.unlock()
		return e.persist(ctx)
	}
	if e.state != domain.StateOpen || e.recon != guardNone {
		e.mu.Unlock()
		return nil
	}

	e.trail()
	if !e.exitReached(price) {
		e.mu.Unlock()
		return nil
	}
	if e.live() {
		e.triggerClose(price, CloseOptions{ForceMarket: !(e.price.hasTPSL && e.price.hasTrail)})
		e.unlock()
		return nil
	}
	opts := CloseOptions{At: at}
	snap, ok := e.finalize(price, at, nil)
	e.unlock()
	if !ok {
		return nil
	}
	return e.afterClose(ctx, snap, opts)
}

func within(v, low, high float64) bool {
	return v >= low && v <= high
}

// trackBest keeps the most favorable price since entry. Caller holds e.mu.
func (e *Engine) trackBest(price float64) {
	switch {
	case e.bestPrice == 0:
		e.bestPrice = price
	case e.pos.Side == domain.SideSell && price < e.bestPrice:
		e.bestPrice = price
	case e.pos.Side == domain.SideBuy && price > e.bestPrice:
		e.bestPrice = price
	}
}

// trail moves the trailing stop behind the best price once the trigger has
// been passed. The level only ever tightens. Caller holds e.mu.
func (e *Engine) trail() {
	p := e.pos
	if !e.price.hasTrail || p.TrailingTrigger == 0 || e.now == 0 || e.lastPrice == 0 {
		return
	}
	switch p.Side {
	case domain.SideSell:
		if e.now < e.lastPrice && e.now <= p.TrailingTrigger {
			lvl := e.price.trailingLevel(p.Side, e.bestPrice, e.openFee)
			if p.TrailingStop == 0 || lvl < p.TrailingStop {
				p.TrailingStop = lvl
			}
		}
	case domain.SideBuy:
		if e.now > e.lastPrice && e.now >= p.TrailingTrigger {
			lvl := e.price.trailingLevel(p.Side, e.bestPrice, e.openFee)
			if p.TrailingStop == 0 || lvl > p.TrailingStop {
				p.TrailingStop = lvl
			}
		}
	}
}

// entryReached reports whether a resting limit entry at the position price
// would have filled at price. Caller holds e.mu.
func (e *Engine) entryReached(price float64) bool {
	if e.pos.Side == domain.SideSell {
		return price >= e.pos.Price
	}
	return price <= e.pos.Price
}

// exitReached reports whether price crosses an exit level. Caller holds e.mu.
func (e *Engine) exitReached(price float64) bool {
	p := e.pos
	short := p.Side == domain.SideSell
	switch {
	case e.price.hasTrail && p.TrailingStop != 0:
		if short {
			return price >= p.StopLoss || price > p.TrailingStop
		}
		return price <= p.StopLoss || price < p.TrailingStop
	case e.price.hasTPSL && p.TakeProfit != 0:
		if short {
			return price >= p.StopLoss || price < p.TakeProfit
		}
		return price <= p.StopLoss || price > p.TakeProfit
	}
	if short {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}
