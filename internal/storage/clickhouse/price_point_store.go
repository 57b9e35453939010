package clickhouse

import (
	"context"
	"fmt"

	"ledgersync/internal/storage"
)

// PricePointStore implements storage.PricePointStore using ClickHouse.
// Price observations are append-only and deduplicated lazily by the
// ReplacingMergeTree engine; readers only ever ask for the nearest point.
type PricePointStore struct {
	conn *Conn
}

// NewPricePointStore creates a new PricePointStore.
func NewPricePointStore(conn *Conn) *PricePointStore {
	return &PricePointStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PricePointStore = (*PricePointStore)(nil)

// InsertBulk records observed prices.
func (s *PricePointStore) InsertBulk(ctx context.Context, points []*storage.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_points (asset_id, timestamp_ms, price_usd)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range points {
		if err := batch.Append(p.AssetID, uint64(p.TimestampMs), p.PriceUSD); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetNearest returns the observation closest to timestampMs within
// +/- toleranceMs.
func (s *PricePointStore) GetNearest(ctx context.Context, assetID string, timestampMs, toleranceMs int64) (*storage.PricePoint, error) {
	query := `
		SELECT asset_id, timestamp_ms, price_usd
		FROM price_points
		WHERE asset_id = ?
		  AND timestamp_ms >= ?
		  AND timestamp_ms <= ?
		ORDER BY abs(toInt64(timestamp_ms) - ?) ASC
		LIMIT 1
	`

	lo := timestampMs - toleranceMs
	hi := timestampMs + toleranceMs

	rows, err := s.conn.Query(ctx, query, assetID, uint64(lo), uint64(hi), timestampMs)
	if err != nil {
		return nil, fmt.Errorf("query nearest price point: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, storage.ErrNotFound
	}

	var p storage.PricePoint
	var ts uint64
	if err := rows.Scan(&p.AssetID, &ts, &p.PriceUSD); err != nil {
		return nil, fmt.Errorf("scan price point: %w", err)
	}
	p.TimestampMs = int64(ts)
	return &p, nil
}
