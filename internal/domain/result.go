package domain

import "time"

// Bucket holds per-side counters for one outcome class.
type Bucket struct {
	Count   int     `json:"count"`
	Amount  float64 `json:"amount"`
	Buy     int     `json:"buy"`
	Sell    int     `json:"sell"`
	BuyAmt  float64 `json:"buyAmount"`
	SellAmt float64 `json:"sellAmount"`
}

// Add records one realized result on the given side.
func (b *Bucket) Add(side Side, res float64) {
	b.Count++
	b.Amount += res
	if side == SideBuy {
		b.Buy++
		b.BuyAmt += res
	} else {
		b.Sell++
		b.SellAmt += res
	}
}

// AggregateResult is the running tally of closed positions. It is mutated only
// when a position closes.
type AggregateResult struct {
	Profit    Bucket  `json:"profit"`
	Loss      Bucket  `json:"loss"`
	Opened    int     `json:"all"`
	Unopened  int     `json:"notOpened"`
	Wallet    float64 `json:"wallet"`
	Drawdown  float64 `json:"drawdown"`
	PeakValue float64 `json:"peak"`
}

// Net is the summed realized result across both buckets.
func (r AggregateResult) Net() float64 {
	return r.Profit.Amount + r.Loss.Amount
}

// ResultView is the externally visible aggregate snapshot.
type ResultView struct {
	AggregateResult
	Strategy string        `json:"name"`
	Net      float64       `json:"net"`
	Start    float64       `json:"start"`
	Since    time.Time     `json:"since"`
	Uptime   time.Duration `json:"uptime"`
}
