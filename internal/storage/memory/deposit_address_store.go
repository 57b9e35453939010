package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// DepositAddressStore is an in-memory implementation of
// storage.DepositAddressStore.
type DepositAddressStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.DepositAddress // keyed by composite key
	nextID int64
}

// NewDepositAddressStore creates a new in-memory deposit address store.
func NewDepositAddressStore() *DepositAddressStore {
	return &DepositAddressStore{data: make(map[string]*domain.DepositAddress)}
}

func addressKey(a *domain.DepositAddress) string {
	return fmt.Sprintf("%s|%s|%s|%s", a.ConnectionID, a.Asset, a.Network, a.Address)
}

// Upsert records an address; re-harvesting the same address is a no-op.
func (s *DepositAddressStore) Upsert(_ context.Context, a *domain.DepositAddress) error {
	if a == nil || a.ConnectionID == "" || a.Address == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := addressKey(a)
	if _, exists := s.data[key]; exists {
		return nil
	}

	cp := *a
	s.nextID++
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.data[key] = &cp
	return nil
}

// GetByConnection retrieves all known addresses of a connection.
func (s *DepositAddressStore) GetByConnection(_ context.Context, connectionID string) ([]*domain.DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.DepositAddress
	for _, a := range s.data {
		if a.ConnectionID == connectionID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

// FindByAddress looks an address up across connections.
func (s *DepositAddressStore) FindByAddress(_ context.Context, address string) (*domain.DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.data {
		if a.Address == address {
			cp := *a
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

var _ storage.DepositAddressStore = (*DepositAddressStore)(nil)
