package edge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// BlobTradeSource reads simulated trades stored as JSON lines in object
// storage.
type BlobTradeSource struct {
	reader domain.BlobReader
	path   string
}

// NewBlobTradeSource reads trades from path through reader.
func NewBlobTradeSource(reader domain.BlobReader, path string) *BlobTradeSource {
	return &BlobTradeSource{reader: reader, path: path}
}

// Load downloads and decodes every trade in the object. Blank lines are
// skipped; a malformed line fails the whole load. A missing object returns
// domain.ErrNotFound without a download attempt.
func (s *BlobTradeSource) Load(ctx context.Context) ([]domain.SimulatedTrade, error) {
	ok, err := s.reader.Exists(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("edge: stat %s: %w", s.path, err)
	}
	if !ok {
		return nil, fmt.Errorf("edge: %s: %w", s.path, domain.ErrNotFound)
	}
	rc, err := s.reader.Get(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("edge: get %s: %w", s.path, err)
	}
	defer rc.Close()

	var trades []domain.SimulatedTrade
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var t domain.SimulatedTrade
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("edge: decode line %d: %w", line, err)
		}
		trades = append(trades, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("edge: read %s: %w", s.path, err)
	}
	return trades, nil
}

// StaticTradeSource serves a fixed set of trades.
type StaticTradeSource []domain.SimulatedTrade

// Load returns the trades.
func (s StaticTradeSource) Load(context.Context) ([]domain.SimulatedTrade, error) {
	return s, nil
}
