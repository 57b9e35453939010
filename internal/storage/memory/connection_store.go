package memory

import (
	"context"
	"sync"
	"time"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// ConnectionStore is an in-memory implementation of storage.ConnectionStore.
type ConnectionStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Connection
}

// NewConnectionStore creates a new in-memory connection store.
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{data: make(map[string]*domain.Connection)}
}

// Insert adds a new connection. Returns ErrDuplicateKey if id exists.
func (s *ConnectionStore) Insert(_ context.Context, c *domain.Connection) error {
	if c == nil || c.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[c.ID]; exists {
		return storage.ErrDuplicateKey
	}

	cp := cloneConnection(c)
	s.data[c.ID] = cp
	return nil
}

// GetByID retrieves a connection. Returns ErrNotFound if not exists.
func (s *ConnectionStore) GetByID(_ context.Context, id string) (*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneConnection(c), nil
}

// GetByUser retrieves all connections for a user.
func (s *ConnectionStore) GetByUser(_ context.Context, userID string) ([]*domain.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Connection
	for _, c := range s.data {
		if c.UserID == userID {
			result = append(result, cloneConnection(c))
		}
	}
	return result, nil
}

// UpdateCursor persists the sync cursor bag.
func (s *ConnectionStore) UpdateCursor(_ context.Context, id string, cursor domain.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.SyncCursor = cursor.Clone()
	c.UpdatedAt = time.Now()
	return nil
}

// UpdateStatus sets the user-visible status and lastError.
func (s *ConnectionStore) UpdateStatus(_ context.Context, id string, status domain.ConnectionStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = status
	c.LastError = lastError
	c.UpdatedAt = time.Now()
	return nil
}

// SetLastSyncAt records the completion time of the last sync pass.
func (s *ConnectionStore) SetLastSyncAt(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := at
	c.LastSyncAt = &t
	c.UpdatedAt = time.Now()
	return nil
}

func cloneConnection(c *domain.Connection) *domain.Connection {
	cp := *c
	cp.SyncCursor = c.SyncCursor.Clone()
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		cp.LastSyncAt = &t
	}
	cp.EncryptedAPIKey = append([]byte(nil), c.EncryptedAPIKey...)
	cp.EncryptedAPISecret = append([]byte(nil), c.EncryptedAPISecret...)
	return &cp
}

var _ storage.ConnectionStore = (*ConnectionStore)(nil)
