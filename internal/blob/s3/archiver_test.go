package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/store/memory"
	"github.com/alanyoungcy/tradecore/internal/testutil"
)

type memWriter struct {
	mu      sync.Mutex
	objects   map[string][]byte
	multipart []string
	err       error
}

func (w *memWriter) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.objects == nil {
		w.objects = map[string][]byte{}
	}
	w.objects[path] = b
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	w.mu.Lock()
	w.multipart = append(w.multipart, path)
	w.mu.Unlock()
	return w.Put(ctx, path, data, "")
}

func closedAt(t *testing.T, store *memory.PositionStore, pair string, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	pos := domain.Position{Pair: pair, Amount: 1, OpenRate: 1, StakeAmount: 1, IsOpen: true, OpenDate: at.Add(-time.Hour)}
	require.NoError(t, store.Create(ctx, &pos))
	pos.IsOpen = false
	pos.CloseDate = &at
	pos.CloseRate = 1.1
	pos.SellReason = domain.SellReasonROI
	require.NoError(t, store.Update(ctx, pos))
	return pos.ID
}

func decodeLines(t *testing.T, b []byte) []domain.Position {
	t.Helper()
	var out []domain.Position
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var p domain.Position
		require.NoError(t, json.Unmarshal(sc.Bytes(), &p))
		out = append(out, p)
	}
	return out
}

func TestArchivePositionsByMonth(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	audit := memory.NewAuditStore()
	w := &memWriter{}
	a := NewArchiver(ArchiveConfig{}, w, store, audit, testutil.Logger())

	aug := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	sep := time.Date(2026, 9, 3, 12, 0, 0, 0, time.UTC)
	cutoff := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	id1 := closedAt(t, store, "ETH/BTC", aug)
	id2 := closedAt(t, store, "LTC/BTC", sep)
	recent := closedAt(t, store, "XRP/BTC", cutoff.Add(time.Hour))
	open := domain.Position{Pair: "ADA/BTC", Amount: 1, IsOpen: true, OpenDate: aug}
	require.NoError(t, store.Create(ctx, &open))

	n, err := a.ArchivePositions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.Len(t, w.objects, 2)
	augRows := decodeLines(t, w.objects[archivePath("2026-08", cutoff)])
	require.Len(t, augRows, 1)
	assert.Equal(t, id1, augRows[0].ID)
	sepRows := decodeLines(t, w.objects[archivePath("2026-09", cutoff)])
	require.Len(t, sepRows, 1)
	assert.Equal(t, id2, sepRows[0].ID)

	_, err = store.GetByID(ctx, id1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.GetByID(ctx, recent)
	assert.NoError(t, err)
	_, err = store.GetByID(ctx, open.ID)
	assert.NoError(t, err)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "archive.positions", entries[0].Event)
}

func TestArchivePositionsKeepsRowsOnUploadFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	w := &memWriter{err: errors.New("bucket gone")}
	a := NewArchiver(ArchiveConfig{}, w, store, nil, testutil.Logger())

	id := closedAt(t, store, "ETH/BTC", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	_, err := a.ArchivePositions(ctx, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)

	_, err = store.GetByID(ctx, id)
	assert.NoError(t, err)
}

func TestArchivePositionsLargeObjectsUseMultipart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPositionStore()
	w := &memWriter{}
	a := NewArchiver(ArchiveConfig{}, w, store, nil, testutil.Logger())
	a.multipartAbove = 1

	closedAt(t, store, "ETH/BTC", time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))
	n, err := a.ArchivePositions(ctx, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.Len(t, w.multipart, 1)
	assert.Contains(t, w.objects, w.multipart[0])
}

func TestArchivePositionsNothingToDo(t *testing.T) {
	w := &memWriter{}
	a := NewArchiver(ArchiveConfig{}, w, memory.NewPositionStore(), nil, testutil.Logger())
	n, err := a.ArchivePositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", endpointURL("e2.example.com", true))
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
	assert.Equal(t, "http://minio:9000", endpointURL("http://minio:9000", true))
}
