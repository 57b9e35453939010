package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[string]*domain.PortfolioSnapshot
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{data: make(map[string]*domain.PortfolioSnapshot)}
}

func snapshotKey(s *domain.PortfolioSnapshot) string {
	return fmt.Sprintf("%s|%s|%s|%d", s.UserID, s.AssetID, s.Method, s.TaxYear)
}

// Upsert inserts or fully replaces the snapshot for its key.
func (s *SnapshotStore) Upsert(_ context.Context, snap *domain.PortfolioSnapshot) error {
	if snap == nil || snap.UserID == "" || snap.AssetID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	s.data[snapshotKey(snap)] = &cp
	return nil
}

// MarkStale flags all snapshots of a user before a recompute.
func (s *SnapshotStore) MarkStale(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range s.data {
		if snap.UserID == userID {
			snap.Stale = true
		}
	}
	return nil
}

// DeleteStale removes snapshots still stale after a recompute.
func (s *SnapshotStore) DeleteStale(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, snap := range s.data {
		if snap.UserID == userID && snap.Stale {
			delete(s.data, key)
		}
	}
	return nil
}

// GetByUser retrieves snapshots for a user; taxYear 0 means all years.
func (s *SnapshotStore) GetByUser(_ context.Context, userID string, taxYear int) ([]*domain.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PortfolioSnapshot
	for _, snap := range s.data {
		if snap.UserID != userID {
			continue
		}
		if taxYear != 0 && snap.TaxYear != taxYear {
			continue
		}
		cp := *snap
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.AssetID != b.AssetID {
			return a.AssetID < b.AssetID
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		return a.TaxYear < b.TaxYear
	})
	return result, nil
}

var _ storage.SnapshotStore = (*SnapshotStore)(nil)
