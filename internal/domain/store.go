package domain

import (
	"context"
	"time"
)

// Ledger persists the full set of position records shared by every engine
// that points at the same backing store. Write replaces the whole set, so
// callers must merge with what Read returned.
type Ledger interface {
	// Read returns all stored records in insertion order; nil when empty.
	Read(ctx context.Context) ([]Position, error)
	// Write atomically replaces the stored set with records.
	Write(ctx context.Context, records []Position) error
}

// AuditEntry is one engine lifecycle event.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Strategy  string         `json:"strategy"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only trail of engine events.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	// List returns the newest entries first. An empty strategy matches all.
	List(ctx context.Context, strategy string, limit int) ([]AuditEntry, error)
}

// BarSink stores completed bars for later analysis.
type BarSink interface {
	InsertBars(ctx context.Context, symbol string, period time.Duration, bars []Bar) error
}
