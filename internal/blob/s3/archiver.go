package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Objects above multipartThreshold are uploaded in parts of multipartPartSize.
const (
	multipartThreshold int64 = 64 * 1024 * 1024
	multipartPartSize  int64 = 16 * 1024 * 1024
)

// ArchiveConfig controls the background archive loop.
type ArchiveConfig struct {
	// Retention is how long closed positions stay in the ledger.
	Retention time.Duration
	Interval  time.Duration
}

// Archiver copies closed positions to monthly JSONL objects and then drops
// them from the ledger. Rows are only deleted after every upload succeeded.
type Archiver struct {
	cfg     ArchiveConfig
	writer  domain.BlobWriter
	history domain.PositionHistory
	audit   domain.AuditStore
	logger  *slog.Logger
	now     func() time.Time

	multipartAbove int64
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(cfg ArchiveConfig, writer domain.BlobWriter, history domain.PositionHistory, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	return &Archiver{
		cfg:     cfg,
		writer:  writer,
		history: history,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     time.Now,

		multipartAbove: multipartThreshold,
	}
}

// ArchivePositions uploads every position closed before the cutoff,
// one object per close month, and returns how many rows left the ledger.
func (a *Archiver) ArchivePositions(ctx context.Context, before time.Time) (int64, error) {
	closed, err := a.history.ListClosed(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive query: %w", err)
	}

	byMonth := make(map[string][]domain.Position)
	for _, p := range closed {
		if p.CloseDate == nil || !p.CloseDate.Before(before) {
			continue
		}
		m := p.CloseDate.UTC().Format("2006-01")
		byMonth[m] = append(byMonth[m], p)
	}
	if len(byMonth) == 0 {
		return 0, nil
	}

	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	paths := make([]string, 0, len(months))
	for _, m := range months {
		rows := byMonth[m]
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		buf, err := marshalJSONL(rows)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive marshal %s: %w", m, err)
		}
		path := archivePath(m, before)
		if err := a.upload(ctx, path, buf); err != nil {
			return 0, fmt.Errorf("s3blob: archive upload: %w", err)
		}
		paths = append(paths, path)
	}

	n, err := a.history.DeleteClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive prune: %w", err)
	}
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.positions", map[string]any{
			"paths":  paths,
			"count":  n,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return n, fmt.Errorf("s3blob: archive audit: %w", err)
		}
	}
	a.logger.Info("s3blob: archived closed positions",
		slog.Int64("count", n), slog.Int("objects", len(paths)))
	return n, nil
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte) error {
	if int64(len(buf)) > a.multipartAbove {
		return a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), multipartPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// Run archives once per interval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cutoff := a.now().Add(-a.cfg.Retention)
			if _, err := a.ArchivePositions(ctx, cutoff); err != nil {
				a.logger.Error("s3blob: archive run failed", slog.Any("error", err))
			}
		}
	}
}

// archivePath keys an object by close month and the cutoff, so repeated
// runs never overwrite an earlier upload:
//
//	archive/positions/2026-09/1760000000.jsonl
func archivePath(month string, before time.Time) string {
	return fmt.Sprintf("archive/positions/%s/%d.jsonl", month, before.Unix())
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
