package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	// PutMultipart uploads in partSize chunks, for payloads too large for a
	// single request.
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// Archiver copies closed trading records and bars to cold storage.
type Archiver interface {
	ArchivePosition(ctx context.Context, pos Position) error
	ArchiveBars(ctx context.Context, symbol string, bars []Bar) (int, error)
}
