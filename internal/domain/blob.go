package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter stores archive objects. Large payloads go through PutMultipart.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader fetches objects such as edge simulation results. Get on a
// missing object returns ErrNotFound.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves closed positions older than a cutoff out of the ledger.
type Archiver interface {
	ArchivePositions(ctx context.Context, before time.Time) (int64, error)
}
