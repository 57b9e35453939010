package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// ConnectionStore implements storage.ConnectionStore using PostgreSQL.
type ConnectionStore struct {
	pool *Pool
}

// NewConnectionStore creates a new ConnectionStore.
func NewConnectionStore(pool *Pool) *ConnectionStore {
	return &ConnectionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ConnectionStore = (*ConnectionStore)(nil)

// Insert adds a new connection. Returns ErrDuplicateKey if id exists.
func (s *ConnectionStore) Insert(ctx context.Context, c *domain.Connection) error {
	cursor, err := c.SyncCursor.Encode()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO connections (
			id, user_id, exchange, encrypted_api_key, encrypted_api_secret,
			status, last_error, last_sync_at, sync_cursor
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = s.pool.Exec(ctx, query,
		c.ID,
		c.UserID,
		c.Exchange,
		c.EncryptedAPIKey,
		c.EncryptedAPISecret,
		string(c.Status),
		c.LastError,
		c.LastSyncAt,
		cursor,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// GetByID retrieves a connection. Returns ErrNotFound if not exists.
func (s *ConnectionStore) GetByID(ctx context.Context, id string) (*domain.Connection, error) {
	query := `
		SELECT id, user_id, exchange, encrypted_api_key, encrypted_api_secret,
		       status, last_error, last_sync_at, sync_cursor, created_at, updated_at
		FROM connections
		WHERE id = $1
	`

	row := s.pool.QueryRow(ctx, query, id)
	c, err := scanConnection(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get connection by id: %w", err)
	}
	return c, nil
}

// GetByUser retrieves all connections for a user.
func (s *ConnectionStore) GetByUser(ctx context.Context, userID string) ([]*domain.Connection, error) {
	query := `
		SELECT id, user_id, exchange, encrypted_api_key, encrypted_api_secret,
		       status, last_error, last_sync_at, sync_cursor, created_at, updated_at
		FROM connections
		WHERE user_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("get connections by user: %w", err)
	}
	defer rows.Close()

	var result []*domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection rows: %w", err)
	}
	return result, nil
}

// UpdateCursor persists the sync cursor bag as one jsonb value.
func (s *ConnectionStore) UpdateCursor(ctx context.Context, id string, cursor domain.SyncCursor) error {
	data, err := cursor.Encode()
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE connections SET sync_cursor = $2, updated_at = now() WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("update sync cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateStatus sets the user-visible status and lastError.
func (s *ConnectionStore) UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE connections SET status = $2, last_error = $3, updated_at = now() WHERE id = $1`,
		id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetLastSyncAt records the completion time of the last sync pass.
func (s *ConnectionStore) SetLastSyncAt(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE connections SET last_sync_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set last sync at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanConnection scans one row into a Connection.
func scanConnection(row pgx.Row) (*domain.Connection, error) {
	var c domain.Connection
	var status string
	var cursor []byte

	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Exchange,
		&c.EncryptedAPIKey,
		&c.EncryptedAPISecret,
		&status,
		&c.LastError,
		&c.LastSyncAt,
		&cursor,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = domain.ConnectionStatus(status)
	c.SyncCursor, err = domain.ParseSyncCursor(cursor)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
