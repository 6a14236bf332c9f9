package binance

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// --------------------------------------------------------------------------
// USDⓈ-M futures REST DTOs
// --------------------------------------------------------------------------

// orderResponse is the order object returned by the order endpoints.
// Numeric fields arrive as strings.
type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Price         decimal.Decimal `json:"price"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	ReduceOnly    bool            `json:"reduceOnly"`
	Time          int64           `json:"time"`
	UpdateTime    int64           `json:"updateTime"`
}

// toRecord converts the wire order into the domain record.
func (o orderResponse) toRecord() domain.OrderRecord {
	rec := domain.OrderRecord{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.Side(o.Side),
		Type:          domain.OrderType(o.Type),
		Status:        domain.OrderStatus(o.Status),
		Price:         o.Price.InexactFloat64(),
		AvgPrice:      o.AvgPrice.InexactFloat64(),
		OrigQty:       o.OrigQty.InexactFloat64(),
		ExecutedQty:   o.ExecutedQty.InexactFloat64(),
		ReduceOnly:    o.ReduceOnly,
	}
	if o.Time > 0 {
		rec.Time = time.UnixMilli(o.Time)
	}
	if o.UpdateTime > 0 {
		rec.UpdateTime = time.UnixMilli(o.UpdateTime)
	}
	return rec
}

// errorResponse is the venue's error body.
type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// --------------------------------------------------------------------------
// Market stream DTOs
// --------------------------------------------------------------------------

// aggTradeEvent is a single aggregated trade from the <symbol>@aggTrade stream.
type aggTradeEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	TradeID   int64           `json:"a"`
	Price     decimal.Decimal `json:"p"`
	Quantity  decimal.Decimal `json:"q"`
	TradeTime int64           `json:"T"`
	BuyerMM   bool            `json:"m"`
}

func (e aggTradeEvent) toTick() domain.Tick {
	return domain.Tick{
		Symbol: e.Symbol,
		Price:  e.Price.InexactFloat64(),
		Volume: e.Quantity.InexactFloat64(),
		Time:   time.UnixMilli(e.TradeTime),
	}
}

// combinedEnvelope wraps events delivered on the combined-stream endpoint.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsCommand is a SUBSCRIBE/UNSUBSCRIBE request on the market stream.
type wsCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// formatDecimal renders v with exactly places decimals, the form the order
// endpoint accepts for price and quantity.
func formatDecimal(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
