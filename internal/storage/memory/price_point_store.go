package memory

import (
	"context"
	"sync"

	"ledgersync/internal/storage"
)

// PricePointStore is an in-memory implementation of storage.PricePointStore.
type PricePointStore struct {
	mu   sync.RWMutex
	data map[string][]*storage.PricePoint // keyed by asset id
}

// NewPricePointStore creates a new in-memory price point store.
func NewPricePointStore() *PricePointStore {
	return &PricePointStore{data: make(map[string][]*storage.PricePoint)}
}

// InsertBulk records observed prices.
func (s *PricePointStore) InsertBulk(_ context.Context, points []*storage.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		cp := *p
		s.data[p.AssetID] = append(s.data[p.AssetID], &cp)
	}
	return nil
}

// GetNearest returns the observation closest to timestampMs within
// +/- toleranceMs.
func (s *PricePointStore) GetNearest(_ context.Context, assetID string, timestampMs, toleranceMs int64) (*storage.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *storage.PricePoint
	var bestDist int64
	for _, p := range s.data[assetID] {
		dist := p.TimestampMs - timestampMs
		if dist < 0 {
			dist = -dist
		}
		if dist > toleranceMs {
			continue
		}
		if best == nil || dist < bestDist {
			cp := *p
			best = &cp
			bestDist = dist
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return best, nil
}

var _ storage.PricePointStore = (*PricePointStore)(nil)
