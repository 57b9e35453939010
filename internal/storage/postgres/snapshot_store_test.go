package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage/postgres"
)

func snapshot(userID, assetID string, method domain.CostBasisMethod, year int) *domain.PortfolioSnapshot {
	return &domain.PortfolioSnapshot{
		UserID:            userID,
		AssetID:           assetID,
		Method:            method,
		TaxYear:           year,
		ProceedsUSD:       300,
		CostBasisUSD:      140,
		GainShortTermUSD:  160,
		DisposalCount:     1,
		RemainingQuantity: "0.8",
		RemainingCostUSD:  160,
		ComputedAt:        time.Now().UTC(),
	}
}

func TestSnapshotUpsertReplaces(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewSnapshotStore(pool)
	require.NoError(t, store.Upsert(ctx, snapshot("user-1", "BTC", domain.MethodFIFO, 2024)))

	replaced := snapshot("user-1", "BTC", domain.MethodFIFO, 2024)
	replaced.ProceedsUSD = 500
	replaced.GainShortTermUSD = 360
	replaced.DisposalCount = 2
	require.NoError(t, store.Upsert(ctx, replaced))

	got, err := store.GetByUser(ctx, "user-1", 2024)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 500.0, got[0].ProceedsUSD)
	assert.Equal(t, 360.0, got[0].GainShortTermUSD)
	assert.Equal(t, 2, got[0].DisposalCount)
}

func TestSnapshotStaleLifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewSnapshotStore(pool)
	require.NoError(t, store.Upsert(ctx, snapshot("user-1", "BTC", domain.MethodFIFO, 2023)))
	require.NoError(t, store.Upsert(ctx, snapshot("user-1", "BTC", domain.MethodFIFO, 2024)))
	require.NoError(t, store.Upsert(ctx, snapshot("user-2", "BTC", domain.MethodFIFO, 2024)))

	// Recompute touches only 2024; the untouched 2023 row is swept.
	require.NoError(t, store.MarkStale(ctx, "user-1"))
	fresh := snapshot("user-1", "BTC", domain.MethodFIFO, 2024)
	fresh.Stale = false
	require.NoError(t, store.Upsert(ctx, fresh))
	require.NoError(t, store.DeleteStale(ctx, "user-1"))

	got, err := store.GetByUser(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2024, got[0].TaxYear)
	assert.False(t, got[0].Stale)

	// Other users are untouched.
	other, err := store.GetByUser(ctx, "user-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestSnapshotGetByUserOrderingAndFilter(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewSnapshotStore(pool)
	require.NoError(t, store.Upsert(ctx, snapshot("user-1", "ETH", domain.MethodFIFO, 2024)))
	require.NoError(t, store.Upsert(ctx, snapshot("user-1", "BTC", domain.MethodLIFO, 2024)))
	require.NoError(t, store.Upsert(ctx, snapshot("user-1", "BTC", domain.MethodFIFO, 2023)))
	require.NoError(t, store.Upsert(ctx, snapshot("user-1", "BTC", domain.MethodFIFO, 2024)))

	got, err := store.GetByUser(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "BTC", got[0].AssetID)
	assert.Equal(t, domain.MethodFIFO, got[0].Method)
	assert.Equal(t, 2023, got[0].TaxYear)
	assert.Equal(t, 2024, got[1].TaxYear)
	assert.Equal(t, domain.MethodLIFO, got[2].Method)
	assert.Equal(t, "ETH", got[3].AssetID)

	got, err = store.GetByUser(ctx, "user-1", 2024)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, s := range got {
		assert.Equal(t, 2024, s.TaxYear)
	}
}
