package postgres

import (
	"context"
	"fmt"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// ReviewItemStore implements storage.ReviewItemStore using PostgreSQL.
type ReviewItemStore struct {
	pool *Pool
}

// NewReviewItemStore creates a new ReviewItemStore.
func NewReviewItemStore(pool *Pool) *ReviewItemStore {
	return &ReviewItemStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ReviewItemStore = (*ReviewItemStore)(nil)

// Insert adds a review item. Returns ErrDuplicateKey when an item of the
// same kind already references the transaction.
func (s *ReviewItemStore) Insert(ctx context.Context, item *domain.ReviewItem) error {
	status := item.Status
	if status == "" {
		status = domain.ReviewPending
	}

	query := `
		INSERT INTO review_items (user_id, kind, transaction_id, related_tx_id, detail, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query,
		item.UserID, item.Kind, item.TransactionID, item.RelatedTxID, item.Detail, string(status))
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert review item: %w", err)
	}
	return nil
}

// GetPendingByUser retrieves unresolved items for a user.
func (s *ReviewItemStore) GetPendingByUser(ctx context.Context, userID string) ([]*domain.ReviewItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, transaction_id, related_tx_id, detail, status, created_at
		 FROM review_items WHERE user_id = $1 AND status = 'PENDING' ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get pending review items: %w", err)
	}
	defer rows.Close()

	var result []*domain.ReviewItem
	for rows.Next() {
		var item domain.ReviewItem
		var status string
		err := rows.Scan(&item.ID, &item.UserID, &item.Kind, &item.TransactionID,
			&item.RelatedTxID, &item.Detail, &status, &item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan review item row: %w", err)
		}
		item.Status = domain.ReviewItemStatus(status)
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review item rows: %w", err)
	}
	return result, nil
}

// Resolve marks an item handled.
func (s *ReviewItemStore) Resolve(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE review_items SET status = 'RESOLVED' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("resolve review item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
