package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Ledger implements domain.Ledger as a single JSON object. A PutObject
// replaces the object whole, so readers see either the old or the new set.
type Ledger struct {
	objects interface {
		domain.BlobReader
		domain.BlobWriter
	}
	key       string
	multipart int
}

// NewLedger stores the ledger at key, "ledger/positions.json" when empty.
func NewLedger(objects interface {
	domain.BlobReader
	domain.BlobWriter
}, key string) *Ledger {
	if key == "" {
		key = "ledger/positions.json"
	}
	return &Ledger{objects: objects, key: key, multipart: multipartThreshold}
}

// Read returns the stored records; a missing object reads as nil.
func (l *Ledger) Read(ctx context.Context) ([]domain.Position, error) {
	body, err := l.objects.Get(ctx, l.key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: read ledger: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read ledger body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var recs []domain.Position
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("s3blob: decode ledger: %w", err)
	}
	return recs, nil
}

// Write uploads records as the new ledger object.
func (l *Ledger) Write(ctx context.Context, records []domain.Position) error {
	if records == nil {
		records = []domain.Position{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("s3blob: encode ledger: %w", err)
	}
	if err := upload(ctx, l.objects, l.key, data, "application/json", l.multipart); err != nil {
		return fmt.Errorf("s3blob: write ledger: %w", err)
	}
	return nil
}
