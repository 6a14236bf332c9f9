package engine

import "github.com/alanyoungcy/perpbot/internal/domain"

// drawdown tracks the largest peak-to-trough fall of the wallet.
type drawdown struct {
	peak      float64
	trough    float64
	hasTrough bool // false while the wallet is at its peak
	max       float64
}

func newDrawdown(start float64) drawdown {
	return drawdown{peak: start}
}

func (d *drawdown) observe(wallet float64) {
	if wallet > d.peak {
		if d.hasTrough {
			d.settle()
			d.hasTrough = false
		}
		d.peak = wallet
	}
	if wallet < d.peak && (!d.hasTrough || wallet < d.trough) {
		d.trough = wallet
		d.hasTrough = true
	}
}

func (d *drawdown) settle() {
	if d.peak <= 0 {
		return
	}
	if fall := (d.peak - d.trough) / d.peak; fall > d.max {
		d.max = fall
	}
}

// current includes the fall in progress.
func (d drawdown) current() float64 {
	if d.hasTrough {
		d.settle()
	}
	return d.max
}

// record applies a realized result to the running aggregate. Caller holds e.mu.
func (e *Engine) record(side domain.Side, res float64) {
	e.result.Wallet += res
	e.dd.observe(e.result.Wallet)
	e.result.Drawdown = e.dd.current()
	e.result.PeakValue = e.dd.peak
	if res > 0 {
		e.result.Profit.Add(side, res)
	} else {
		e.result.Loss.Add(side, res)
	}
}

// summarize builds the historical aggregate from stored records of one
// strategy. Loss amounts stay negative so Net is the plain sum.
func summarize(records []domain.Position) domain.AggregateResult {
	var r domain.AggregateResult
	r.Opened = len(records)
	for _, p := range records {
		if !p.Open {
			r.Unopened++
		}
		if !p.Closed() {
			continue
		}
		if p.Net > 0 {
			r.Profit.Add(p.Side, p.Net)
		} else {
			r.Loss.Add(p.Side, p.Net)
		}
	}
	for _, b := range []*domain.Bucket{&r.Profit, &r.Loss} {
		b.Amount = roundTo(b.Amount, 2)
		b.BuyAmt = roundTo(b.BuyAmt, 2)
		b.SellAmt = roundTo(b.SellAmt, 2)
	}
	return r
}
