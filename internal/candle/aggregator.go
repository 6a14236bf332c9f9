// Package candle turns a stream of trades into fixed-duration OHLCV bars.
package candle

import (
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultRetention is the number of completed bars kept when none is configured.
const DefaultRetention = 1000

// BarHandler is called once for every completed bar.
type BarHandler func(domain.Bar)

// Aggregator buckets trades into bars aligned to multiples of the period
// since the Unix epoch. It is safe for concurrent use; the handler runs
// outside the internal lock.
type Aggregator struct {
	mu       sync.Mutex
	periodMs int64
	retain   int
	onBar    BarHandler

	started bool
	start   int64 // bucket start, unix ms, inclusive
	end     int64 // bucket end, unix ms, exclusive

	trades []float64
	low    float64
	high   float64
	volume float64

	hist []domain.Bar
}

// New creates an Aggregator. A retain value <= 0 selects DefaultRetention.
func New(period time.Duration, retain int, onBar BarHandler) *Aggregator {
	if retain <= 0 {
		retain = DefaultRetention
	}
	ms := period.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return &Aggregator{
		periodMs: ms,
		retain:   retain,
		onBar:    onBar,
	}
}

// Period returns the bucket duration.
func (a *Aggregator) Period() time.Duration {
	return time.Duration(a.periodMs) * time.Millisecond
}

// Push adds one trade. Trades older than the current bucket are ignored.
func (a *Aggregator) Push(price, volume float64, ts time.Time) {
	t := ts.UnixMilli()

	a.mu.Lock()
	if !a.started {
		a.started = true
		a.align(t)
	}

	var (
		bar     domain.Bar
		emitted bool
	)
	switch {
	case t < a.start:
		// late trade for a bucket already closed
	case t < a.end:
		a.add(price, volume)
	case len(a.trades) == 0:
		// nothing to close; the trade is dropped and the window moves past it
		a.align(t)
		a.start += a.periodMs
		a.end += a.periodMs
	default:
		bar = a.closeBucket()
		emitted = true
		a.align(t)
		a.add(price, volume)
	}
	handler := a.onBar
	a.mu.Unlock()

	if emitted && handler != nil {
		handler(bar)
	}
}

// History returns the retained bars oldest first, or nil when none closed yet.
func (a *Aggregator) History() []domain.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.hist) == 0 {
		return nil
	}
	out := make([]domain.Bar, len(a.hist))
	copy(out, a.hist)
	return out
}

// Last returns the most recent completed bar.
func (a *Aggregator) Last() (domain.Bar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.hist) == 0 {
		return domain.Bar{}, false
	}
	return a.hist[len(a.hist)-1], true
}

// align sets the bucket containing t. Go's % truncates toward zero, so the
// remainder is floored for timestamps before the epoch.
func (a *Aggregator) align(t int64) {
	m := t % a.periodMs
	if m < 0 {
		m += a.periodMs
	}
	a.start = t - m
	a.end = a.start + a.periodMs
}

func (a *Aggregator) add(price, volume float64) {
	if len(a.trades) == 0 {
		a.low, a.high = price, price
	} else {
		if price < a.low {
			a.low = price
		}
		if price > a.high {
			a.high = price
		}
	}
	a.trades = append(a.trades, price)
	a.volume += volume
}

// closeBucket freezes the in-progress bucket into history and resets the
// accumulators. Caller holds a.mu.
func (a *Aggregator) closeBucket() domain.Bar {
	open := a.trades[0]
	cls := a.trades[len(a.trades)-1]
	bar := domain.Bar{
		Open:   open,
		Close:  cls,
		Low:    a.low,
		High:   a.high,
		End:    time.UnixMilli(a.end),
		Volume: a.volume,
		Trades: len(a.trades),
		Up:     cls >= open,
	}
	if len(a.hist) >= a.retain {
		a.hist = a.hist[1:]
	}
	a.hist = append(a.hist, bar)

	a.trades = a.trades[:0]
	a.volume = 0
	return bar
}
