package domain

import "context"

// Gateway is the set of venue operations the position engine depends on.
// Failures carry *ExchangeError when the venue answered with an error body.
type Gateway interface {
	OpenOrder(ctx context.Context, spec OrderSpec) (OrderRecord, error)
	GetOrder(ctx context.Context, ref OrderRef) (OrderRecord, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	AllOrders(ctx context.Context, symbol string, limit int) ([]OrderRecord, error)
}
