package domain

import "time"

// Side indicates the direction of an order or a position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that reduces exposure opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus tracks the venue-side order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// OrderSpec is a request to place a single order on the venue.
type OrderSpec struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // ignored for market orders
	ReduceOnly    bool
	ClientOrderID string
}

// OrderRef identifies an existing order, by client id or by venue id.
type OrderRef struct {
	Symbol        string
	ClientOrderID string
	OrderID       int64
}

// OrderRecord is the venue's view of an order.
type OrderRecord struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Price         float64
	AvgPrice      float64
	OrigQty       float64
	ExecutedQty   float64
	ReduceOnly    bool
	Time          time.Time
	UpdateTime    time.Time
}

// Filled reports whether the order is completely executed.
func (r OrderRecord) Filled() bool {
	return r.Status == OrderStatusFilled
}

// PartiallyFilled reports whether the order has some but not all quantity executed.
func (r OrderRecord) PartiallyFilled() bool {
	return r.Status == OrderStatusPartiallyFilled
}
