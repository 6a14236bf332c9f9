package candle

import (
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func at(sec int64) time.Time { return time.Unix(sec, 0) }

func TestAggregatorClosesFirstBucket(t *testing.T) {
	var got []domain.Bar
	agg := New(time.Minute, 10, func(b domain.Bar) { got = append(got, b) })

	agg.Push(10, 0, at(0))
	agg.Push(12, 0, at(10))
	agg.Push(11, 0, at(20))
	if len(got) != 0 {
		t.Fatalf("bars before boundary = %d, want 0", len(got))
	}
	if agg.History() != nil {
		t.Fatalf("History() should be nil before the first bar closes")
	}

	agg.Push(15, 0, at(70))
	if len(got) != 1 {
		t.Fatalf("bars after t=70 = %d, want 1", len(got))
	}
	b := got[0]
	if b.Open != 10 || b.Close != 11 || b.Low != 10 || b.High != 12 {
		t.Errorf("bar = o%v c%v l%v h%v, want o10 c11 l10 h12", b.Open, b.Close, b.Low, b.High)
	}
	if b.Trades != 3 {
		t.Errorf("trades = %d, want 3", b.Trades)
	}
	if !b.End.Equal(at(60)) {
		t.Errorf("end = %v, want %v", b.End, at(60))
	}
	if !b.Up {
		t.Errorf("close >= open should mark the bar up")
	}

	// The t=130 trade crosses the [60,120) boundary and starts [120,180).
	agg.Push(20, 0, at(130))
	if len(got) != 2 {
		t.Fatalf("bars after t=130 = %d, want 2", len(got))
	}
	if got[0] != b {
		t.Errorf("first bar changed after later pushes")
	}
	if got[1].Open != 15 || got[1].Close != 15 || got[1].Trades != 1 {
		t.Errorf("second bar = %+v, want single trade at 15", got[1])
	}

	agg.Push(21, 0, at(179))
	if len(got) != 2 {
		t.Fatalf("bucket [120,180) closed early")
	}
	agg.Push(19, 0, at(180))
	if len(got) != 3 {
		t.Fatalf("bars after t=180 = %d, want 3", len(got))
	}
	if got[2].Open != 20 || got[2].Close != 21 || got[2].Low != 20 || got[2].High != 21 {
		t.Errorf("third bar = %+v", got[2])
	}
}

func TestAggregatorVolumeAndDirection(t *testing.T) {
	var got []domain.Bar
	agg := New(time.Minute, 10, func(b domain.Bar) { got = append(got, b) })

	agg.Push(100, 1.5, at(600))
	agg.Push(90, 2, at(610))
	agg.Push(95, 0.5, at(659))
	agg.Push(96, 1, at(660))

	if len(got) != 1 {
		t.Fatalf("bars = %d, want 1", len(got))
	}
	if got[0].Volume != 4 {
		t.Errorf("volume = %v, want 4", got[0].Volume)
	}
	if got[0].Up {
		t.Errorf("close < open should not be marked up")
	}
	if got[0].Low != 90 || got[0].High != 100 {
		t.Errorf("low/high = %v/%v, want 90/100", got[0].Low, got[0].High)
	}
}

func TestAggregatorIgnoresLateTrades(t *testing.T) {
	var n int
	agg := New(time.Minute, 10, func(domain.Bar) { n++ })

	agg.Push(10, 0, at(120))
	agg.Push(99, 0, at(60)) // older than the current bucket
	agg.Push(11, 0, at(180))

	h := agg.History()
	if len(h) != 1 || n != 1 {
		t.Fatalf("history = %d bars, callbacks = %d, want 1/1", len(h), n)
	}
	if h[0].High != 10 {
		t.Errorf("late trade leaked into bar: %+v", h[0])
	}
}

func TestAggregatorRetention(t *testing.T) {
	agg := New(time.Second, 3, nil)
	for i := int64(0); i < 6; i++ {
		agg.Push(float64(i), 0, at(i))
	}
	h := agg.History()
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
	if h[0].Open != 2 || h[2].Open != 4 {
		t.Errorf("history = %v..%v, want oldest 2 newest 4", h[0].Open, h[2].Open)
	}
	last, ok := agg.Last()
	if !ok || last.Open != 4 {
		t.Errorf("Last() = %+v %v", last, ok)
	}
}

func TestAggregatorAlignsBeforeEpoch(t *testing.T) {
	var got []domain.Bar
	agg := New(time.Minute, 10, func(b domain.Bar) { got = append(got, b) })

	// [-60,0) holds both trades; t=0 opens the next bucket.
	agg.Push(10, 0, at(-30))
	agg.Push(11, 0, at(-1))
	if len(got) != 0 {
		t.Fatalf("bucket [-60,0) closed early")
	}
	agg.Push(12, 0, at(0))
	if len(got) != 1 {
		t.Fatalf("bars after t=0 = %d, want 1", len(got))
	}
	if !got[0].End.Equal(at(0)) || got[0].Trades != 2 {
		t.Errorf("bar end/trades = %v/%d, want %v/2", got[0].End, got[0].Trades, at(0))
	}
}
