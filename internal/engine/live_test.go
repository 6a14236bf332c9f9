package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func skewErr() error {
	return &domain.ExchangeError{Code: domain.CodeInvalidTimestamp, Msg: "Timestamp for this request is outside of the recvWindow."}
}

func TestLiveOpenAndCloseFilledImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)

	if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	view, ok := h.eng.CurrentPosition()
	if !ok || view.State != domain.StateOpen {
		t.Fatalf("position not open: %+v", view)
	}
	if view.OpenType != domain.OrderTypeLimit || view.OpenFee != defaultFee {
		t.Errorf("open type/fee = %s/%v", view.OpenType, view.OpenFee)
	}

	if err := h.eng.ClosePosition(ctx, 110, CloseOptions{}); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	sent := h.gw.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d orders, want 2", len(sent))
	}
	if o := sent[0]; o.Type != domain.OrderTypeLimit || o.Side != domain.SideBuy || o.Quantity != 10 || o.ClientOrderID != view.ID {
		t.Errorf("entry order = %+v", o)
	}
	if o := sent[1]; !o.ReduceOnly || o.Side != domain.SideSell || o.Price != 110 || o.ClientOrderID != "c-"+view.ID {
		t.Errorf("exit order = %+v", o)
	}
	if h.eng.State() != domain.StateClosed {
		t.Fatalf("state = %s, want closed", h.eng.State())
	}
	if net := h.eng.CurrentResult().Net; net != 99.58 {
		t.Errorf("net = %v, want 99.58", net)
	}
}

func TestLiveOpenFallsBackToMarketOnClockSkew(t *testing.T) {
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	h.gw.openFn = func(n int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		if n < maxSkewRetries {
			return domain.OrderRecord{}, skewErr()
		}
		return filled(spec, 100), nil
	}

	if err := h.eng.OpenPosition(context.Background(), 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	sent := h.gw.sent()
	if len(sent) != maxSkewRetries+1 {
		t.Fatalf("sent %d orders, want %d", len(sent), maxSkewRetries+1)
	}
	for i, o := range sent[:maxSkewRetries] {
		if o.Type != domain.OrderTypeLimit {
			t.Errorf("attempt %d type = %s, want LIMIT", i, o.Type)
		}
	}
	if last := sent[maxSkewRetries]; last.Type != domain.OrderTypeMarket || last.Price != 0 {
		t.Errorf("fallback order = %+v", last)
	}
	view, ok := h.eng.CurrentPosition()
	if !ok {
		t.Fatal("position not open")
	}
	if view.OpenType != domain.OrderTypeMarket || view.OpenFee != marketFee {
		t.Errorf("open type/fee = %s/%v, want MARKET/%v", view.OpenType, view.OpenFee, marketFee)
	}
	if _, _, _, errs := h.rec.counts(); errs != 0 {
		t.Errorf("skew retries reported %d errors", errs)
	}
}

func TestLiveOpenTimeoutResubmitsAtMarket(t *testing.T) {
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	h.gw.openFn = func(n int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		if n == 0 {
			return resting(spec), nil
		}
		return filled(spec, 100.5), nil
	}

	if err := h.eng.OpenPosition(context.Background(), 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if h.eng.State() != domain.StatePendingOpen {
		t.Fatalf("state = %s, want pending_open", h.eng.State())
	}

	h.clock.Advance(openTimeout - time.Second)
	if h.gw.cancels != 0 {
		t.Fatal("entry cancelled before the timeout")
	}
	h.clock.Advance(time.Second)

	if h.gw.cancels != 1 {
		t.Errorf("cancels = %d, want 1", h.gw.cancels)
	}
	sent := h.gw.sent()
	if len(sent) != 2 || sent[1].Type != domain.OrderTypeMarket {
		t.Fatalf("orders = %+v", sent)
	}
	view, ok := h.eng.CurrentPosition()
	if !ok {
		t.Fatal("position not open after the market fill")
	}
	if view.Price != 100.5 || view.OpenType != domain.OrderTypeMarket || view.Cost != 1005 {
		t.Errorf("price/type/cost = %v/%s/%v", view.Price, view.OpenType, view.Cost)
	}
	if view.StopLoss >= 100.5 {
		t.Errorf("stop-loss %v not recomputed below the fill", view.StopLoss)
	}

	gets := h.gw.getCount()
	h.clock.Advance(10 * time.Second)
	if h.gw.getCount() != gets {
		t.Error("entry still polled after the fill")
	}
}

func TestLiveOpenCancelUnknownOrder(t *testing.T) {
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	h.gw.openFn = func(_ int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		return resting(spec), nil
	}
	h.gw.cancelFn = func(domain.OrderRef) error {
		return &domain.ExchangeError{Code: domain.CodeUnknownOrder, Msg: "Unknown order sent."}
	}

	if err := h.eng.OpenPosition(context.Background(), 100, domain.SideSell, time.Time{}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(openTimeout)

	if h.eng.State() != domain.StateUnopened {
		t.Fatalf("state = %s, want unopened", h.eng.State())
	}
	if h.gw.cancelAlls != 1 {
		t.Errorf("cancel-all sweeps = %d, want 1", h.gw.cancelAlls)
	}
	if got := h.eng.CurrentResult().Unopened; got != 1 {
		t.Errorf("unopened = %d, want 1", got)
	}
	if _, _, unopened, _ := h.rec.counts(); unopened != 1 {
		t.Errorf("OnUnopened called %d times", unopened)
	}
	recs := h.ledger.records()
	if len(recs) != 1 || recs[0].Open {
		t.Errorf("ledger = %+v", recs)
	}
}

func TestLiveOpenPartialThenFilled(t *testing.T) {
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	h.gw.openFn = func(_ int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		rec := resting(spec)
		rec.Status = domain.OrderStatusPartiallyFilled
		rec.ExecutedQty = 4
		rec.AvgPrice = 100
		return rec, nil
	}
	h.gw.getFn = func(_ int, ref domain.OrderRef) (domain.OrderRecord, error) {
		return domain.OrderRecord{
			OrderID:     ref.OrderID,
			Status:      domain.OrderStatusFilled,
			AvgPrice:    100,
			OrigQty:     10,
			ExecutedQty: 10,
		}, nil
	}

	if err := h.eng.OpenPosition(context.Background(), 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if h.eng.State() != domain.StatePartiallyOpen {
		t.Fatalf("state = %s, want partially_open", h.eng.State())
	}
	if opens, _, _, _ := h.rec.counts(); opens != 0 {
		t.Fatal("OnOpen fired on a partial fill")
	}

	h.clock.Advance(openPoll)

	view, ok := h.eng.CurrentPosition()
	if !ok || view.State != domain.StateOpen {
		t.Fatalf("position not open after the fill: %+v", view)
	}
	if view.Amount != 10 || view.PartiallyFilled {
		t.Errorf("amount = %v partially = %v", view.Amount, view.PartiallyFilled)
	}
	if opens, _, _, _ := h.rec.counts(); opens != 1 {
		t.Errorf("OnOpen called %d times, want 1", opens)
	}
	if h.eng.CurrentResult().Opened != 1 {
		t.Error("open counted more than once")
	}
}

func TestLiveOpenFatalErrorLeavesEngineReusable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	h.gw.openFn = func(n int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		if n == 0 {
			return domain.OrderRecord{}, &domain.ExchangeError{Code: -2019, Msg: "Margin is insufficient."}
		}
		return filled(spec, spec.Price), nil
	}

	err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{})
	var xe *domain.ExchangeError
	if !errors.As(err, &xe) || xe.Code != -2019 {
		t.Fatalf("err = %v, want exchange error -2019", err)
	}
	if h.eng.State() != domain.StateUnopened {
		t.Fatalf("state = %s, want unopened", h.eng.State())
	}
	if _, _, unopened, errs := h.rec.counts(); unopened != 1 || errs != 1 {
		t.Errorf("unopened/errors callbacks = %d/%d, want 1/1", unopened, errs)
	}

	if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if h.eng.State() != domain.StateOpen {
		t.Errorf("state after retry = %s", h.eng.State())
	}
}

func TestLiveCloseAlreadyClosedOnExchange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatal(err)
	}

	h.gw.openFn = func(int, domain.OrderSpec) (domain.OrderRecord, error) {
		return domain.OrderRecord{}, &domain.ExchangeError{Code: domain.CodeReduceOnlyReject, Msg: "ReduceOnly Order is rejected."}
	}
	h.gw.history = []domain.OrderRecord{
		{OrderID: 8, Status: domain.OrderStatusFilled, AvgPrice: 100, ExecutedQty: 10},
		{OrderID: 9, Status: domain.OrderStatusFilled, Side: domain.SideSell, AvgPrice: 109, ExecutedQty: 10},
	}

	if err := h.eng.ClosePosition(ctx, 110, CloseOptions{}); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if h.eng.State() != domain.StateClosed {
		t.Fatalf("state = %s, want closed", h.eng.State())
	}
	recs := h.ledger.records()
	last := recs[len(recs)-1]
	if *last.ClosePrice != 109 || last.CloseType != domain.OrderTypeMarket || last.CloseFee != marketFee {
		t.Errorf("close price/type/fee = %v/%s/%v", *last.ClosePrice, last.CloseType, last.CloseFee)
	}
	// (109-100)*10 - (109*0.0004 + 100*0.0002)*10
	if last.Net != 89.36 {
		t.Errorf("net = %v, want 89.36", last.Net)
	}
}

func TestLiveClosePollsUntilFilled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatal(err)
	}

	h.gw.openFn = func(_ int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		return resting(spec), nil
	}
	h.gw.getFn = func(n int, ref domain.OrderRef) (domain.OrderRecord, error) {
		if n == 0 {
			return domain.OrderRecord{OrderID: ref.OrderID, Status: domain.OrderStatusNew}, nil
		}
		return domain.OrderRecord{OrderID: ref.OrderID, Status: domain.OrderStatusFilled, AvgPrice: 110, ExecutedQty: 10}, nil
	}

	if err := h.eng.ClosePosition(ctx, 110, CloseOptions{}); err != nil {
		t.Fatal(err)
	}
	if h.eng.State() != domain.StatePendingClose {
		t.Fatalf("state = %s, want pending_close", h.eng.State())
	}
	if err := h.eng.ClosePosition(ctx, 111, CloseOptions{}); !errors.Is(err, domain.ErrCloseInProgress) {
		t.Errorf("overlapping close err = %v, want ErrCloseInProgress", err)
	}

	h.clock.Advance(closePoll)
	if h.eng.State() != domain.StatePendingClose {
		t.Fatalf("closed on an unfilled poll")
	}
	h.clock.Advance(closePoll)
	if h.eng.State() != domain.StateClosed {
		t.Fatalf("state = %s, want closed", h.eng.State())
	}
	if net := h.eng.CurrentResult().Net; net != 99.58 {
		t.Errorf("net = %v, want 99.58", net)
	}

	h.clock.Advance(10 * time.Second)
	if got := h.gw.getCount(); got != 2 {
		t.Errorf("GetOrder called %d times, want 2", got)
	}
}

func TestLiveClosePartialFillsAccumulate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatal(err)
	}

	h.gw.openFn = func(_ int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		rec := resting(spec)
		rec.Status = domain.OrderStatusPartiallyFilled
		rec.ExecutedQty = 4
		rec.AvgPrice = 110
		return rec, nil
	}
	h.gw.getFn = func(_ int, ref domain.OrderRef) (domain.OrderRecord, error) {
		return domain.OrderRecord{OrderID: ref.OrderID, Status: domain.OrderStatusFilled, AvgPrice: 110, ExecutedQty: 10}, nil
	}

	if err := h.eng.ClosePosition(ctx, 110, CloseOptions{}); err != nil {
		t.Fatal(err)
	}
	if h.eng.State() != domain.StatePartiallyClosed {
		t.Fatalf("state = %s, want partially_closed", h.eng.State())
	}
	recs := h.ledger.records()
	if p := recs[len(recs)-1]; p.Amount != 6 || p.ClosedAmount != 4 {
		t.Errorf("after partial: amount %v closed %v, want 6/4", p.Amount, p.ClosedAmount)
	}

	h.clock.Advance(closePoll)
	recs = h.ledger.records()
	p := recs[len(recs)-1]
	if !p.Closed() || p.Amount != 10 || p.Net != 99.58 {
		t.Errorf("after fill: closed=%v amount=%v net=%v", p.Closed(), p.Amount, p.Net)
	}
}

func TestLiveCloseSkewExhaustedReturnsToOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	if err := h.eng.OpenPosition(ctx, 100, domain.SideSell, time.Time{}); err != nil {
		t.Fatal(err)
	}
	h.gw.openFn = func(int, domain.OrderSpec) (domain.OrderRecord, error) {
		return domain.OrderRecord{}, skewErr()
	}

	if err := h.eng.ClosePosition(ctx, 95, CloseOptions{}); !domain.IsClockSkew(err) {
		t.Fatalf("err = %v, want clock skew", err)
	}
	sent := h.gw.sent()[1:]
	if len(sent) != maxSkewRetries {
		t.Fatalf("close attempts = %d, want %d", len(sent), maxSkewRetries)
	}
	want := []domain.OrderType{domain.OrderTypeLimit, domain.OrderTypeLimit, domain.OrderTypeMarket, domain.OrderTypeMarket, domain.OrderTypeMarket}
	for i, o := range sent {
		if o.Type != want[i] || o.Side != domain.SideBuy || !o.ReduceOnly {
			t.Errorf("attempt %d = %+v", i, o)
		}
	}
	if h.eng.State() != domain.StateOpen {
		t.Errorf("state = %s, want open", h.eng.State())
	}
	if _, _, _, errs := h.rec.counts(); errs != 1 {
		t.Errorf("OnError called %d times, want 1", errs)
	}
}

func TestLiveTickTriggersMarketClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 2, TPSL: &TPSL{StopLossPct: 2}}, true)
	if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatal(err)
	}
	view, _ := h.eng.CurrentPosition()
	if view.StopLoss != 99.11 {
		t.Fatalf("stop-loss = %v, want 99.11", view.StopLoss)
	}

	h.gw.openFn = func(_ int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		return filled(spec, 98.9), nil
	}
	if err := h.eng.CheckPositionRt(ctx, 99, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if h.eng.State() != domain.StatePendingClose {
		t.Fatalf("state = %s, want pending_close before the close runs", h.eng.State())
	}
	// Ticks arriving while the close reconciles are ignored.
	if err := h.eng.CheckPositionRt(ctx, 98, time.Time{}); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(0)
	sent := h.gw.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d orders, want 2", len(sent))
	}
	if o := sent[1]; o.Type != domain.OrderTypeMarket || o.Side != domain.SideSell || !o.ReduceOnly || o.Quantity != 20 {
		t.Errorf("exit order = %+v", o)
	}
	if h.eng.State() != domain.StateClosed {
		t.Fatalf("state = %s, want closed", h.eng.State())
	}
	if res := h.eng.CurrentResult(); res.Loss.Buy != 1 {
		t.Errorf("loss not booked: %+v", res.AggregateResult)
	}
}

func TestLiveOpenDeferredWhileClosing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
	if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
		t.Fatal(err)
	}
	h.gw.openFn = func(n int, spec domain.OrderSpec) (domain.OrderRecord, error) {
		if n == 1 {
			return resting(spec), nil
		}
		return filled(spec, spec.Price), nil
	}
	h.gw.getFn = func(_ int, ref domain.OrderRef) (domain.OrderRecord, error) {
		return domain.OrderRecord{OrderID: ref.OrderID, Status: domain.OrderStatusFilled, AvgPrice: 105, ExecutedQty: 10}, nil
	}

	if err := h.eng.ClosePosition(ctx, 105, CloseOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := h.eng.OpenPosition(ctx, 105, domain.SideSell, time.Time{}); err != nil {
		t.Fatalf("deferred open returned %v", err)
	}
	if len(h.gw.sent()) != 2 {
		t.Fatal("entry sent while the close was reconciling")
	}

	h.clock.Advance(closePoll)
	if h.eng.State() != domain.StateOpen {
		t.Fatalf("state = %s, want the deferred entry open", h.eng.State())
	}
	if side, _ := h.eng.Side(); side != domain.SideSell {
		t.Errorf("side = %s, want SELL", side)
	}
	h.eng.mu.Lock()
	pending := len(h.eng.tasks)
	h.eng.mu.Unlock()
	if pending != 0 {
		t.Errorf("%d fired tasks still tracked", pending)
	}
}

func TestLiveOpenReconciliationErrors(t *testing.T) {
	fatal := &domain.ExchangeError{Code: -1000, Msg: "An unknown error occurred while processing the request."}
	tests := []struct {
		name        string
		getFn       func(n int, ref domain.OrderRef) (domain.OrderRecord, error)
		cancelFn    func(domain.OrderRef) error
		advance     time.Duration
		wantGets    int
		wantCancels int
		wantSweeps  int
	}{
		{
			name: "race errors ignored until a fatal query",
			getFn: func(n int, ref domain.OrderRef) (domain.OrderRecord, error) {
				switch n {
				case 0:
					return domain.OrderRecord{}, &domain.ExchangeError{Code: domain.CodeNoSuchOrder, Msg: "Order does not exist."}
				case 1:
					return domain.OrderRecord{}, skewErr()
				default:
					return domain.OrderRecord{}, fatal
				}
			},
			advance:    3 * openPoll,
			wantGets:   3,
			wantSweeps: 1,
		},
		{
			name:        "cancel rejected on timeout",
			cancelFn:    func(domain.OrderRef) error { return fatal },
			advance:     openTimeout,
			wantGets:    int(openTimeout / openPoll),
			wantCancels: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
			h.gw.openFn = func(_ int, spec domain.OrderSpec) (domain.OrderRecord, error) {
				return resting(spec), nil
			}
			h.gw.getFn = tt.getFn
			h.gw.cancelFn = tt.cancelFn

			if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
				t.Fatal(err)
			}
			h.clock.Advance(tt.advance - openPoll)
			if h.eng.State() != domain.StatePendingOpen {
				t.Fatalf("state before the failing call = %s, want pending_open", h.eng.State())
			}
			h.clock.Advance(openPoll)

			if h.eng.State() != domain.StateUnopened {
				t.Fatalf("state = %s, want unopened", h.eng.State())
			}
			if got := h.gw.getCount(); got != tt.wantGets {
				t.Errorf("GetOrder calls = %d, want %d", got, tt.wantGets)
			}
			if h.gw.cancels != tt.wantCancels || h.gw.cancelAlls != tt.wantSweeps {
				t.Errorf("cancels/sweeps = %d/%d, want %d/%d", h.gw.cancels, h.gw.cancelAlls, tt.wantCancels, tt.wantSweeps)
			}
			if n := len(h.gw.sent()); n != 1 {
				t.Errorf("orders sent = %d, want only the entry", n)
			}
			if _, _, unopened, errs := h.rec.counts(); unopened != 1 || errs != 1 {
				t.Errorf("unopened/errors callbacks = %d/%d, want 1/1", unopened, errs)
			}

			h.clock.Advance(10 * time.Second)
			if got := h.gw.getCount(); got != tt.wantGets {
				t.Errorf("polling continued: %d calls", got)
			}

			h.gw.openFn = nil
			if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
				t.Fatalf("reopen: %v", err)
			}
			if h.eng.State() != domain.StateOpen {
				t.Errorf("state after reopen = %s", h.eng.State())
			}
		})
	}
}

func TestLiveCloseReconciliation(t *testing.T) {
	fatal := &domain.ExchangeError{Code: -1000, Msg: "An unknown error occurred while processing the request."}
	tests := []struct {
		name       string
		getFn      func(n int, ref domain.OrderRef) (domain.OrderRecord, error)
		advance    time.Duration
		wantState  domain.PositionState
		wantOrders int
		wantSweeps int
		wantErrs   int
	}{
		{
			name: "timeout resubmits at market",
			getFn: func(_ int, ref domain.OrderRef) (domain.OrderRecord, error) {
				return domain.OrderRecord{OrderID: ref.OrderID, Status: domain.OrderStatusNew}, nil
			},
			advance:    3 * closePoll,
			wantState:  domain.StateClosed,
			wantOrders: 3,
		},
		{
			name: "fatal query aborts the close",
			getFn: func(int, domain.OrderRef) (domain.OrderRecord, error) {
				return domain.OrderRecord{}, fatal
			},
			advance:    closePoll,
			wantState:  domain.StateOpen,
			wantOrders: 2,
			wantSweeps: 1,
			wantErrs:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{Capital: 1000, Leverage: 1}, true)
			if err := h.eng.OpenPosition(ctx, 100, domain.SideBuy, time.Time{}); err != nil {
				t.Fatal(err)
			}
			h.gw.openFn = func(n int, spec domain.OrderSpec) (domain.OrderRecord, error) {
				if n == 1 {
					return resting(spec), nil
				}
				return filled(spec, 109), nil
			}
			h.gw.getFn = tt.getFn

			if err := h.eng.ClosePosition(ctx, 110, CloseOptions{}); err != nil {
				t.Fatal(err)
			}
			h.clock.Advance(tt.advance)

			if h.eng.State() != tt.wantState {
				t.Fatalf("state = %s, want %s", h.eng.State(), tt.wantState)
			}
			sent := h.gw.sent()
			if len(sent) != tt.wantOrders {
				t.Fatalf("orders = %d, want %d", len(sent), tt.wantOrders)
			}
			if h.gw.cancelAlls != tt.wantSweeps {
				t.Errorf("sweeps = %d, want %d", h.gw.cancelAlls, tt.wantSweeps)
			}
			if _, _, _, errs := h.rec.counts(); errs != tt.wantErrs {
				t.Errorf("errors = %d, want %d", errs, tt.wantErrs)
			}

			gets := h.gw.getCount()
			h.clock.Advance(10 * time.Second)
			if got := h.gw.getCount(); got != gets {
				t.Errorf("polling continued: %d -> %d", gets, got)
			}

			if tt.wantState != domain.StateClosed {
				return
			}
			last := sent[len(sent)-1]
			if last.Type != domain.OrderTypeMarket || !last.ReduceOnly {
				t.Errorf("resubmitted order = %+v", last)
			}
			if h.gw.cancels != 1 {
				t.Errorf("cancels = %d, want 1", h.gw.cancels)
			}
			// (109-100)*10 - (109*0.0004 + 100*0.0002)*10
			if net := h.eng.CurrentResult().Net; net != 89.36 {
				t.Errorf("net = %v, want 89.36", net)
			}
		})
	}
}
