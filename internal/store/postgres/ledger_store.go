package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// LedgerStore implements domain.Ledger on the positions table. The table
// holds the records of every strategy sharing the database.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var ledgerColumns = []string{
	"seq", "id", "strategy", "symbol", "side", "price", "open",
	"amount", "orig_amount", "closed_amount", "leverage", "cost",
	"stop_loss", "take_profit", "trailing_trigger", "trailing_stop",
	"open_type", "close_type", "open_fee", "close_fee", "partially_filled",
	"opened_at", "closed_at", "close_price", "net", "human_time", "human_close_time",
}

const ledgerSelect = `SELECT id, strategy, symbol, side, price, open,
	amount, orig_amount, closed_amount, leverage, cost,
	stop_loss, take_profit, trailing_trigger, trailing_stop,
	open_type, close_type, open_fee, close_fee, partially_filled,
	opened_at, closed_at, close_price, net, human_time, human_close_time
	FROM positions ORDER BY seq`

// Read returns all records in the order they were written.
func (s *LedgerStore) Read(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, ledgerSelect)
	if err != nil {
		return nil, fmt.Errorf("postgres: read ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var side, openType, closeType string
		if err := rows.Scan(
			&p.ID, &p.Strategy, &p.Symbol, &side, &p.Price, &p.Open,
			&p.Amount, &p.OrigAmount, &p.ClosedAmount, &p.Leverage, &p.Cost,
			&p.StopLoss, &p.TakeProfit, &p.TrailingTrigger, &p.TrailingStop,
			&openType, &closeType, &p.OpenFee, &p.CloseFee, &p.PartiallyFilled,
			&p.Time, &p.CloseTime, &p.ClosePrice, &p.Net, &p.HumanTime, &p.HumanCloseTime,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan ledger row: %w", err)
		}
		p.Side = domain.Side(side)
		p.OpenType = domain.OrderType(openType)
		p.CloseType = domain.OrderType(closeType)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read ledger rows: %w", err)
	}
	return out, nil
}

// Write replaces the stored set with records inside one transaction, so a
// concurrent reader sees either the old or the new set.
func (s *LedgerStore) Write(ctx context.Context, records []domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin ledger write: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("postgres: clear ledger: %w", err)
	}

	rows := make([][]any, len(records))
	for i, p := range records {
		rows[i] = []any{
			i, p.ID, p.Strategy, p.Symbol, string(p.Side), p.Price, p.Open,
			p.Amount, p.OrigAmount, p.ClosedAmount, p.Leverage, p.Cost,
			p.StopLoss, p.TakeProfit, p.TrailingTrigger, p.TrailingStop,
			string(p.OpenType), string(p.CloseType), p.OpenFee, p.CloseFee, p.PartiallyFilled,
			p.Time, p.CloseTime, p.ClosePrice, p.Net, p.HumanTime, p.HumanCloseTime,
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"positions"}, ledgerColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("postgres: copy ledger rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger write: %w", err)
	}
	return nil
}
