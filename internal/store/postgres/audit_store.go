package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// AuditStore keeps the per-strategy trail of engine events in the audit_log
// table.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore returns an AuditStore on the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one event. Detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, entry domain.AuditEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("postgres: encode audit detail for %s: %w", entry.Event, err)
	}

	const q = `INSERT INTO audit_log (strategy, event, detail) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, entry.Strategy, entry.Event, detail); err != nil {
		return fmt.Errorf("postgres: append audit %s/%s: %w", entry.Strategy, entry.Event, err)
	}
	return nil
}

// List returns entries newest first, optionally narrowed to one strategy.
// A non-positive limit means no limit.
func (s *AuditStore) List(ctx context.Context, strategy string, limit int) ([]domain.AuditEntry, error) {
	q := `SELECT id, strategy, event, detail, created_at
	        FROM audit_log
	       WHERE ($1::text = '' OR strategy = $1)
	       ORDER BY created_at DESC, id DESC`
	args := []any{strategy}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit log: %w", err)
	}

	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: read audit log: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e   domain.AuditEntry
		raw []byte
	)
	if err := row.Scan(&e.ID, &e.Strategy, &e.Event, &raw, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return e, fmt.Errorf("decode detail of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}
