package engine

import "github.com/alanyoungcy/perpbot/internal/domain"

const (
	defaultFee = 0.0002 // limit (maker) rate
	marketFee  = 0.0004 // rate for legs executed at market
	maxPct     = 98.5
	slBuffer   = 0.015
)

// pricer computes exit levels. Percentages are of margin, so they are
// stored already capped and divided by leverage.
type pricer struct {
	leverage float64
	places   int32

	stopPct  float64
	takePct  float64
	trailPct float64
	hasTPSL  bool
	hasTrail bool
}

func newPricer(cfg Config, places int32) pricer {
	p := pricer{leverage: cfg.Leverage, places: places}
	if cfg.TPSL != nil {
		p.hasTPSL = true
		p.stopPct = marginPct(cfg.TPSL.StopLossPct, cfg.Leverage)
		p.takePct = marginPct(cfg.TPSL.TakeProfitPct, cfg.Leverage)
	}
	if cfg.TrailingPct > 0 {
		p.hasTrail = true
		p.trailPct = marginPct(cfg.TrailingPct, cfg.Leverage)
	}
	return p
}

func marginPct(pct, leverage float64) float64 {
	if pct <= 0 {
		return 0
	}
	if pct > maxPct {
		pct = maxPct
	}
	return pct / 100 / leverage
}

// stopLoss returns the stop level for a position entered at price. The result
// always lies on the losing side of the entry.
func (p pricer) stopLoss(side domain.Side, price, openFee float64) float64 {
	f := openFee + marketFee
	var sl float64
	switch {
	case p.stopPct > 0 && side == domain.SideSell:
		sl = price * (p.stopPct + 1 - f) / (1 + f)
	case p.stopPct > 0:
		sl = price * (1 + f - p.stopPct) / (1 - f)
	case side == domain.SideSell:
		sl = (price*(1+f) + price/p.leverage) / (1 - f) * (1 - slBuffer)
	default:
		sl = (price*(1-f) - price/p.leverage) / (1 + f) * (1 + slBuffer)
	}
	sl = floorTo(sl, p.places)

	tick := tickSize(p.places)
	if side == domain.SideSell && sl <= price {
		sl = roundTo(price+tick, p.places)
	}
	if side == domain.SideBuy && sl >= price {
		sl = roundTo(price-tick, p.places)
	}
	return sl
}

// target returns the fee-adjusted level pct of margin beyond price in the
// profitable direction.
func (p pricer) target(side domain.Side, price, pct, openFee float64) float64 {
	f := openFee + marketFee
	if side == domain.SideSell {
		return floorTo(price*(1-pct-f)/(1+f), p.places)
	}
	return floorTo(price*(pct+1+f)/(1-f), p.places)
}

func (p pricer) takeProfit(side domain.Side, price, openFee float64) float64 {
	if p.takePct <= 0 {
		return 0
	}
	return p.target(side, price, p.takePct, openFee)
}

func (p pricer) trailingTrigger(side domain.Side, price, openFee float64) float64 {
	if !p.hasTrail {
		return 0
	}
	return p.target(side, price, p.trailPct, openFee)
}

// trailingLevel is the stop carried behind the best price reached.
func (p pricer) trailingLevel(side domain.Side, best, openFee float64) float64 {
	f := openFee + marketFee
	if side == domain.SideSell {
		return floorTo(best*(p.trailPct+1-f)/(1+f), p.places)
	}
	return floorTo(best*(1+f-p.trailPct)/(1-f), p.places)
}

// levels recomputes every exit level of pos from its entry price.
func (p pricer) levels(pos *domain.Position) {
	pos.StopLoss = p.stopLoss(pos.Side, pos.Price, pos.OpenFee)
	pos.TakeProfit = 0
	pos.TrailingTrigger = 0
	if p.hasTPSL && !p.hasTrail {
		pos.TakeProfit = p.takeProfit(pos.Side, pos.Price, pos.OpenFee)
	}
	if p.hasTrail {
		pos.TrailingTrigger = p.trailingTrigger(pos.Side, pos.Price, pos.OpenFee)
	}
}
