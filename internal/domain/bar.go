package domain

import "time"

// Bar is a completed OHLCV bucket of trades.
type Bar struct {
	Open   float64   `json:"o"`
	Close  float64   `json:"c"`
	Low    float64   `json:"l"`
	High   float64   `json:"h"`
	End    time.Time `json:"end"`
	Volume float64   `json:"vol"`
	Trades int       `json:"count"`
	Up     bool      `json:"up"`
}

// Tick is a single trade observation from the market feed.
type Tick struct {
	Symbol string
	Price  float64
	Volume float64
	Time   time.Time
}
