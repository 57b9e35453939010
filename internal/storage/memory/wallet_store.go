package memory

import (
	"context"
	"fmt"
	"sync"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// WalletStore is an in-memory implementation of storage.WalletStore.
type WalletStore struct {
	mu     sync.RWMutex
	data   map[string]*domain.Wallet
	byAddr map[string]struct{} // chain|address
}

// NewWalletStore creates a new in-memory wallet store.
func NewWalletStore() *WalletStore {
	return &WalletStore{
		data:   make(map[string]*domain.Wallet),
		byAddr: make(map[string]struct{}),
	}
}

// Insert adds a wallet. Returns ErrDuplicateKey if (chain, address) exists.
func (s *WalletStore) Insert(_ context.Context, w *domain.Wallet) error {
	if w == nil || w.ID == "" || w.Address == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	addrKey := fmt.Sprintf("%s|%s", w.Chain, w.Address)
	if _, exists := s.data[w.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.byAddr[addrKey]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *w
	s.data[w.ID] = &cp
	s.byAddr[addrKey] = struct{}{}
	return nil
}

// GetByID retrieves a wallet. Returns ErrNotFound if not exists.
func (s *WalletStore) GetByID(_ context.Context, id string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// GetByUser retrieves all wallets of a user.
func (s *WalletStore) GetByUser(_ context.Context, userID string) ([]*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Wallet
	for _, w := range s.data {
		if w.UserID == userID {
			cp := *w
			result = append(result, &cp)
		}
	}
	return result, nil
}

var _ storage.WalletStore = (*WalletStore)(nil)
