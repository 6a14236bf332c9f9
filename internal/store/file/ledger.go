// Package file keeps the position ledger in a local JSON document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Ledger implements domain.Ledger as a JSON array on disk. Writes go to a
// temporary file in the same directory which is then renamed over the
// target, so readers never observe a torn file.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// NewLedger returns a ledger stored at path. The file is created on first write.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the backing file.
func (l *Ledger) Path() string {
	return l.path
}

// Read returns every stored record. A missing or empty file reads as nil.
func (l *Ledger) Read(_ context.Context) ([]domain.Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: read ledger: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var recs []domain.Position
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("file: decode ledger %s: %w", l.path, err)
	}
	return recs, nil
}

// Write replaces the file contents with records.
func (l *Ledger) Write(ctx context.Context, records []domain.Position) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []domain.Position{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("file: encode ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("file: create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("file: create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("file: write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file: sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file: close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		return fmt.Errorf("file: replace ledger: %w", err)
	}
	return nil
}
