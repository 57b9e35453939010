package storage

import "context"

// PricePoint is one historical USD price observation for an asset.
type PricePoint struct {
	AssetID     string
	TimestampMs int64
	PriceUSD    float64
}

// PricePointStore persists historical price observations so repeated syncs
// and cost-basis runs do not re-query the upstream oracle. Implementations
// may deduplicate on (asset_id, timestamp_ms) but are not required to:
// price points are idempotent observations, not ledger facts.
type PricePointStore interface {
	// InsertBulk records observed prices.
	InsertBulk(ctx context.Context, points []*PricePoint) error

	// GetNearest returns the observation closest to timestampMs within
	// +/- toleranceMs. Returns ErrNotFound when nothing is close enough.
	GetNearest(ctx context.Context, assetID string, timestampMs, toleranceMs int64) (*PricePoint, error)
}
