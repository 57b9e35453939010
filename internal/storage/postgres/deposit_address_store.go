package postgres

import (
	"context"
	"fmt"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// DepositAddressStore implements storage.DepositAddressStore using PostgreSQL.
type DepositAddressStore struct {
	pool *Pool
}

// NewDepositAddressStore creates a new DepositAddressStore.
func NewDepositAddressStore(pool *Pool) *DepositAddressStore {
	return &DepositAddressStore{pool: pool}
}

// Compile-time interface check.
var _ storage.DepositAddressStore = (*DepositAddressStore)(nil)

// Upsert records an address; re-harvesting the same address is a no-op.
func (s *DepositAddressStore) Upsert(ctx context.Context, a *domain.DepositAddress) error {
	query := `
		INSERT INTO deposit_addresses (connection_id, asset, network, address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (connection_id, asset, network, address) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query, a.ConnectionID, a.Asset, a.Network, a.Address)
	if err != nil {
		return fmt.Errorf("upsert deposit address: %w", err)
	}
	return nil
}

// GetByConnection retrieves all known addresses of a connection.
func (s *DepositAddressStore) GetByConnection(ctx context.Context, connectionID string) ([]*domain.DepositAddress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, connection_id, asset, network, address, created_at
		 FROM deposit_addresses WHERE connection_id = $1 ORDER BY id ASC`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("get deposit addresses: %w", err)
	}
	defer rows.Close()

	var result []*domain.DepositAddress
	for rows.Next() {
		var a domain.DepositAddress
		if err := rows.Scan(&a.ID, &a.ConnectionID, &a.Asset, &a.Network, &a.Address, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deposit address row: %w", err)
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deposit address rows: %w", err)
	}
	return result, nil
}

// FindByAddress looks an address up across connections.
func (s *DepositAddressStore) FindByAddress(ctx context.Context, address string) (*domain.DepositAddress, error) {
	var a domain.DepositAddress
	err := s.pool.QueryRow(ctx,
		`SELECT id, connection_id, asset, network, address, created_at
		 FROM deposit_addresses WHERE address = $1 LIMIT 1`, address).
		Scan(&a.ID, &a.ConnectionID, &a.Asset, &a.Network, &a.Address, &a.CreatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("find deposit address: %w", err)
	}
	return &a, nil
}
