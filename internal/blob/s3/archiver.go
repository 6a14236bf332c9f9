package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const ndjson = "application/x-ndjson"

// Payloads at or above this size go through the multipart uploader.
const multipartThreshold = 16 << 20

// upload picks a single PutObject or a multipart upload by payload size.
func upload(ctx context.Context, w domain.BlobWriter, path string, data []byte, contentType string, threshold int) error {
	if threshold > 0 && len(data) >= threshold {
		return w.PutMultipart(ctx, path, bytes.NewReader(data), contentType, minPartSize)
	}
	return w.Put(ctx, path, bytes.NewReader(data), contentType)
}

// Archiver implements domain.Archiver. Closed positions land one object per
// record under archive/positions/<strategy>/<yyyy-mm>/, bars as one JSONL
// object per flush under archive/bars/<symbol>/<yyyy-mm-dd>/.
type Archiver struct {
	writer    domain.BlobWriter
	prefix    string
	multipart int
}

// NewArchiver returns an archiver writing below prefix ("archive" when empty).
func NewArchiver(writer domain.BlobWriter, prefix string) *Archiver {
	if prefix == "" {
		prefix = "archive"
	}
	return &Archiver{
		writer:    writer,
		prefix:    strings.TrimSuffix(prefix, "/"),
		multipart: multipartThreshold,
	}
}

// ArchivePosition uploads a closed position as JSON. Open positions are
// rejected since their PnL fields are not final.
func (a *Archiver) ArchivePosition(ctx context.Context, pos domain.Position) error {
	if !pos.Closed() {
		return fmt.Errorf("s3blob: archive position %s: still open", pos.ID)
	}
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("s3blob: marshal position %s: %w", pos.ID, err)
	}
	if err := a.writer.Put(ctx, a.positionPath(pos), bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive position: %w", err)
	}
	return nil
}

// ArchiveBars uploads bars as JSONL and returns how many were written.
func (a *Archiver) ArchiveBars(ctx context.Context, symbol string, bars []domain.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	buf, err := marshalJSONL(bars)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal bars: %w", err)
	}
	if err := upload(ctx, a.writer, a.barsPath(symbol, bars), buf, ndjson, a.multipart); err != nil {
		return 0, fmt.Errorf("s3blob: archive bars: %w", err)
	}
	return len(bars), nil
}

func (a *Archiver) positionPath(pos domain.Position) string {
	return fmt.Sprintf("%s/positions/%s/%s/%s.json",
		a.prefix, pos.Strategy, pos.CloseTime.UTC().Format("2006-01"), pos.ID)
}

// barsPath is keyed by the first and last bar end so repeated flushes of the
// same range overwrite each other.
func (a *Archiver) barsPath(symbol string, bars []domain.Bar) string {
	first, last := bars[0].End.UTC(), bars[len(bars)-1].End.UTC()
	return fmt.Sprintf("%s/bars/%s/%s/%d-%d.jsonl",
		a.prefix, symbol, first.Format("2006-01-02"), first.UnixMilli(), last.UnixMilli())
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
