package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// ReviewItemStore is an in-memory implementation of storage.ReviewItemStore.
type ReviewItemStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.ReviewItem
	dedupe map[string]struct{} // kind|transaction_id
	nextID int64
}

// NewReviewItemStore creates a new in-memory review item store.
func NewReviewItemStore() *ReviewItemStore {
	return &ReviewItemStore{
		data:   make(map[int64]*domain.ReviewItem),
		dedupe: make(map[string]struct{}),
	}
}

// Insert adds a review item. Returns ErrDuplicateKey when an item of the
// same kind already references the transaction.
func (s *ReviewItemStore) Insert(_ context.Context, item *domain.ReviewItem) error {
	if item == nil || item.Kind == "" || item.TransactionID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s|%s", item.Kind, item.TransactionID)
	if _, exists := s.dedupe[key]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *item
	s.nextID++
	cp.ID = s.nextID
	if cp.Status == "" {
		cp.Status = domain.ReviewPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.data[cp.ID] = &cp
	s.dedupe[key] = struct{}{}
	return nil
}

// GetPendingByUser retrieves unresolved items for a user.
func (s *ReviewItemStore) GetPendingByUser(_ context.Context, userID string) ([]*domain.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ReviewItem
	for _, item := range s.data {
		if item.UserID == userID && item.Status == domain.ReviewPending {
			cp := *item
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Resolve marks an item handled.
func (s *ReviewItemStore) Resolve(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	item.Status = domain.ReviewResolved
	return nil
}

var _ storage.ReviewItemStore = (*ReviewItemStore)(nil)
