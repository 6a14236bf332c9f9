package domain

import "time"

// PositionState is the lifecycle stage of the engine's current position attempt.
type PositionState string

const (
	StateIdle            PositionState = "idle"
	StatePendingOpen     PositionState = "pending_open"
	StatePartiallyOpen   PositionState = "partially_open"
	StateOpen            PositionState = "open"
	StatePendingClose    PositionState = "pending_close"
	StatePartiallyClosed PositionState = "partially_closed"
	StateClosed          PositionState = "closed"
	StateUnopened        PositionState = "unopened"
)

// Active reports whether the state belongs to a live (not terminal) attempt.
func (s PositionState) Active() bool {
	switch s {
	case StatePendingOpen, StatePartiallyOpen, StateOpen, StatePendingClose, StatePartiallyClosed:
		return true
	default:
		return false
	}
}

// Position is a single directional exposure from open attempt to close. Once
// ClosePrice is set the PnL-relevant fields are frozen.
type Position struct {
	ID              string     `json:"id"`
	Strategy        string     `json:"name"`
	Symbol          string     `json:"symbol"`
	Side            Side       `json:"side"`
	Price           float64    `json:"price"`
	Open            bool       `json:"open"`
	Amount          float64    `json:"amount"`
	OrigAmount      float64    `json:"origAmount"`
	ClosedAmount    float64    `json:"closedAmount,omitempty"`
	Leverage        float64    `json:"leverage"`
	Cost            float64    `json:"cost"`
	StopLoss        float64    `json:"sl"`
	TakeProfit      float64    `json:"tp,omitempty"`
	TrailingTrigger float64    `json:"tslTrigger,omitempty"`
	TrailingStop    float64    `json:"tsl,omitempty"`
	OpenType        OrderType  `json:"openType"`
	CloseType       OrderType  `json:"closeType,omitempty"`
	OpenFee         float64    `json:"openFee"`
	CloseFee        float64    `json:"closeFee"`
	PartiallyFilled bool       `json:"partiallyFilled"`
	Time            time.Time  `json:"time"`
	CloseTime       *time.Time `json:"closeTime,omitempty"`
	ClosePrice      *float64   `json:"closePrice,omitempty"`
	Net             float64    `json:"net"`
	HumanTime       string     `json:"humanTime,omitempty"`
	HumanCloseTime  string     `json:"humanCloseTime,omitempty"`
}

// Closed reports whether the position has a recorded exit.
func (p Position) Closed() bool {
	return p.ClosePrice != nil
}

// Delta returns the per-unit result of exiting at price, signed by direction.
func (p Position) Delta(price float64) float64 {
	if p.Side == SideBuy {
		return price - p.Price
	}
	return p.Price - price
}

// PositionView is a read-only snapshot of the current position with
// unrealized figures computed at the last observed price.
type PositionView struct {
	Position
	State      PositionState `json:"state"`
	LastPrice  float64       `json:"lastPrice"`
	BestPrice  float64       `json:"bestPrice"`
	PnL        float64       `json:"pnl"`
	PnLPercent float64       `json:"pnlPercent"`
}
