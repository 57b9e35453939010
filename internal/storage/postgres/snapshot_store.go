package postgres

import (
	"context"
	"fmt"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using PostgreSQL.
type SnapshotStore struct {
	pool *Pool
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(pool *Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// Upsert inserts or fully replaces the snapshot for its key.
func (s *SnapshotStore) Upsert(ctx context.Context, snap *domain.PortfolioSnapshot) error {
	query := `
		INSERT INTO portfolio_snapshots (
			user_id, asset_id, method, tax_year,
			proceeds_usd, cost_basis_usd, gain_short_term_usd, gain_long_term_usd,
			disposal_count, remaining_quantity, remaining_cost_usd, stale, computed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, asset_id, method, tax_year) DO UPDATE SET
			proceeds_usd = EXCLUDED.proceeds_usd,
			cost_basis_usd = EXCLUDED.cost_basis_usd,
			gain_short_term_usd = EXCLUDED.gain_short_term_usd,
			gain_long_term_usd = EXCLUDED.gain_long_term_usd,
			disposal_count = EXCLUDED.disposal_count,
			remaining_quantity = EXCLUDED.remaining_quantity,
			remaining_cost_usd = EXCLUDED.remaining_cost_usd,
			stale = EXCLUDED.stale,
			computed_at = EXCLUDED.computed_at
	`

	_, err := s.pool.Exec(ctx, query,
		snap.UserID,
		snap.AssetID,
		string(snap.Method),
		snap.TaxYear,
		snap.ProceedsUSD,
		snap.CostBasisUSD,
		snap.GainShortTermUSD,
		snap.GainLongTermUSD,
		snap.DisposalCount,
		snap.RemainingQuantity,
		snap.RemainingCostUSD,
		snap.Stale,
		snap.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// MarkStale flags all snapshots of a user before a recompute.
func (s *SnapshotStore) MarkStale(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE portfolio_snapshots SET stale = true WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("mark snapshots stale: %w", err)
	}
	return nil
}

// DeleteStale removes snapshots still stale after a recompute.
func (s *SnapshotStore) DeleteStale(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM portfolio_snapshots WHERE user_id = $1 AND stale`, userID)
	if err != nil {
		return fmt.Errorf("delete stale snapshots: %w", err)
	}
	return nil
}

// GetByUser retrieves snapshots for a user; taxYear 0 means all years.
func (s *SnapshotStore) GetByUser(ctx context.Context, userID string, taxYear int) ([]*domain.PortfolioSnapshot, error) {
	query := `
		SELECT user_id, asset_id, method, tax_year,
		       proceeds_usd, cost_basis_usd, gain_short_term_usd, gain_long_term_usd,
		       disposal_count, remaining_quantity, remaining_cost_usd, stale, computed_at
		FROM portfolio_snapshots
		WHERE user_id = $1 AND ($2 = 0 OR tax_year = $2)
		ORDER BY asset_id ASC, method ASC, tax_year ASC
	`

	rows, err := s.pool.Query(ctx, query, userID, taxYear)
	if err != nil {
		return nil, fmt.Errorf("get snapshots by user: %w", err)
	}
	defer rows.Close()

	var result []*domain.PortfolioSnapshot
	for rows.Next() {
		var snap domain.PortfolioSnapshot
		var method string

		err := rows.Scan(
			&snap.UserID, &snap.AssetID, &method, &snap.TaxYear,
			&snap.ProceedsUSD, &snap.CostBasisUSD, &snap.GainShortTermUSD, &snap.GainLongTermUSD,
			&snap.DisposalCount, &snap.RemainingQuantity, &snap.RemainingCostUSD, &snap.Stale, &snap.ComputedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		snap.Method = domain.CostBasisMethod(method)
		result = append(result, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}
	return result, nil
}
