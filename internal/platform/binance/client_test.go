package binance

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, &crypto.HMACAuth{Key: "api-key", Secret: "api-secret"})
	c.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return c
}

func TestOpenOrderSignsAndDecodes(t *testing.T) {
	auth := &crypto.HMACAuth{Secret: "api-secret"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "api-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-MBX-APIKEY"))
		}
		q := r.URL.Query()
		want := map[string]string{
			"symbol":           "BTCUSDT",
			"side":             "SELL",
			"type":             "LIMIT",
			"quantity":         "0.012",
			"price":            "30000.50",
			"timeInForce":      "GTC",
			"reduceOnly":       "true",
			"newClientOrderId": "c-_btc-1",
			"recvWindow":       "10000",
			"timestamp":        "1700000000000",
		}
		for k, v := range want {
			if got := q.Get(k); got != v {
				t.Errorf("param %s = %q, want %q", k, got, v)
			}
		}
		unsigned, sig, _ := strings.Cut(r.URL.RawQuery, "&signature=")
		if sig != auth.Sign(unsigned) {
			t.Error("signature does not match the query")
		}
		w.Write([]byte(`{"orderId":42,"clientOrderId":"c-_btc-1","symbol":"BTCUSDT","side":"SELL","type":"LIMIT",
			"status":"PARTIALLY_FILLED","price":"30000.50","avgPrice":"30000.50","origQty":"0.012","executedQty":"0.004",
			"reduceOnly":true,"updateTime":1700000000500}`))
	})

	rec, err := c.OpenOrder(context.Background(), domain.OrderSpec{
		Symbol:        "BTCUSDT",
		Side:          domain.SideSell,
		Type:          domain.OrderTypeLimit,
		Quantity:      0.012,
		Price:         30000.5,
		ReduceOnly:    true,
		ClientOrderID: "c-_btc-1",
	})
	if err != nil {
		t.Fatalf("OpenOrder: %v", err)
	}
	if rec.OrderID != 42 || !rec.PartiallyFilled() || rec.ExecutedQty != 0.004 || rec.AvgPrice != 30000.5 {
		t.Errorf("record = %+v", rec)
	}
	if !rec.UpdateTime.Equal(time.UnixMilli(1_700_000_000_500)) {
		t.Errorf("update time = %v", rec.UpdateTime)
	}
}

func TestMarketOrderOmitsPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Has("price") || q.Has("timeInForce") || q.Has("reduceOnly") {
			t.Errorf("market order carries limit fields: %s", r.URL.RawQuery)
		}
		if q.Get("quantity") != "3" {
			t.Errorf("quantity = %q", q.Get("quantity"))
		}
		w.Write([]byte(`{"orderId":7,"status":"FILLED","avgPrice":"0.07123","executedQty":"3"}`))
	})
	rec, err := c.OpenOrder(context.Background(), domain.OrderSpec{
		Symbol: "DOGEUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Filled() || rec.AvgPrice != 0.07123 {
		t.Errorf("record = %+v", rec)
	}
}

func TestExchangeErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"clock skew", http.StatusBadRequest, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`, domain.IsClockSkew},
		{"already closed", http.StatusBadRequest, `{"code":-2022,"msg":"ReduceOnly Order is rejected."}`, domain.IsAlreadyClosed},
		{"unknown order", http.StatusBadRequest, `{"code":-2011,"msg":"Unknown order sent."}`, domain.IsOrderNotFound},
		{"rate limited", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, func(err error) bool {
			return errors.Is(err, domain.ErrRateLimited)
		}},
		{"plain 5xx", http.StatusBadGateway, `bad gateway`, func(err error) bool {
			var xe *domain.ExchangeError
			return err != nil && !errors.As(err, &xe)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			err := c.CancelOrder(context.Background(), domain.OrderRef{Symbol: "BTCUSDT", ClientOrderID: "x"})
			if err == nil || !tt.check(err) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestOrderRefPrefersVenueID(t *testing.T) {
	var queries []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		w.Write([]byte(`{"orderId":5,"status":"NEW"}`))
	})
	ctx := context.Background()
	if _, err := c.GetOrder(ctx, domain.OrderRef{Symbol: "BTCUSDT", ClientOrderID: "abc", OrderID: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrder(ctx, domain.OrderRef{Symbol: "BTCUSDT", ClientOrderID: "abc"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(queries[0], "orderId=5") || strings.Contains(queries[0], "origClientOrderId") {
		t.Errorf("first query = %s", queries[0])
	}
	if !strings.Contains(queries[1], "origClientOrderId=abc") {
		t.Errorf("second query = %s", queries[1])
	}
}

func TestAllOrders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/allOrders" || r.URL.Query().Get("limit") != "1" {
			t.Errorf("request = %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Write([]byte(`[{"orderId":9,"status":"FILLED","avgPrice":"101.5","executedQty":"2"}]`))
	})
	recs, err := c.AllOrders(context.Background(), "BTCUSDT", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].OrderID != 9 || recs[0].AvgPrice != 101.5 {
		t.Errorf("records = %+v", recs)
	}
}

func TestUnsignedClientRefuses(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil)
	err := c.CancelAllOpenOrders(context.Background(), "BTCUSDT")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestHandleTradeMessages(t *testing.T) {
	w := NewWSClient(DefaultStreamURL, slog.New(slog.DiscardHandler))
	var got []domain.Tick
	w.OnTrade(func(t domain.Tick) { got = append(got, t) })

	w.handleMessage([]byte(`{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":1,"p":"30000.10","q":"0.5","T":1700000000090,"m":true}`))
	w.handleMessage([]byte(`{"stream":"ethusdt@aggTrade","data":{"e":"aggTrade","s":"ETHUSDT","p":"2000","q":"1.25","T":1700000000200}}`))
	w.handleMessage([]byte(`{"result":null,"id":1}`))
	w.handleMessage([]byte(`not json`))

	if len(got) != 2 {
		t.Fatalf("got %d ticks, want 2", len(got))
	}
	if got[0].Symbol != "BTCUSDT" || got[0].Price != 30000.1 || got[0].Volume != 0.5 || got[0].Time.UnixMilli() != 1700000000090 {
		t.Errorf("first tick = %+v", got[0])
	}
	if got[1].Symbol != "ETHUSDT" || got[1].Price != 2000 || got[1].Volume != 1.25 {
		t.Errorf("second tick = %+v", got[1])
	}
}
