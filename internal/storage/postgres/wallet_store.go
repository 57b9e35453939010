package postgres

import (
	"context"
	"fmt"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// WalletStore implements storage.WalletStore using PostgreSQL.
type WalletStore struct {
	pool *Pool
}

// NewWalletStore creates a new WalletStore.
func NewWalletStore(pool *Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

// Compile-time interface check.
var _ storage.WalletStore = (*WalletStore)(nil)

// Insert adds a wallet. Returns ErrDuplicateKey if (chain, address) exists.
func (s *WalletStore) Insert(ctx context.Context, w *domain.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (id, user_id, chain, address) VALUES ($1, $2, $3, $4)`,
		w.ID, w.UserID, w.Chain, w.Address)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// GetByID retrieves a wallet. Returns ErrNotFound if not exists.
func (s *WalletStore) GetByID(ctx context.Context, id string) (*domain.Wallet, error) {
	var w domain.Wallet
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, chain, address, created_at FROM wallets WHERE id = $1`, id).
		Scan(&w.ID, &w.UserID, &w.Chain, &w.Address, &w.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get wallet by id: %w", err)
	}
	return &w, nil
}

// GetByUser retrieves all wallets of a user.
func (s *WalletStore) GetByUser(ctx context.Context, userID string) ([]*domain.Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, chain, address, created_at FROM wallets WHERE user_id = $1 ORDER BY created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("get wallets by user: %w", err)
	}
	defer rows.Close()

	var result []*domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.ID, &w.UserID, &w.Chain, &w.Address, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet row: %w", err)
		}
		result = append(result, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallet rows: %w", err)
	}
	return result, nil
}
