package memory

import (
	"context"
	"testing"

	"ledgersync/internal/domain"
)

func TestSnapshotStore_UpsertSupersedes(t *testing.T) {
	store := NewSnapshotStore()
	ctx := context.Background()

	snap := &domain.PortfolioSnapshot{
		UserID:  "user1",
		AssetID: "BTC",
		Method:  domain.MethodFIFO,
		TaxYear: 2025,

		GainShortTermUSD: 100,
	}
	if err := store.Upsert(ctx, snap); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	snap2 := *snap
	snap2.GainShortTermUSD = 250
	if err := store.Upsert(ctx, &snap2); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	got, err := store.GetByUser(ctx, "user1", 2025)
	if err != nil {
		t.Fatalf("GetByUser failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 snapshot, got %d", len(got))
	}
	if got[0].GainShortTermUSD != 250 {
		t.Errorf("Upsert did not supersede: got %f, want 250", got[0].GainShortTermUSD)
	}
}

func TestSnapshotStore_StaleLifecycle(t *testing.T) {
	store := NewSnapshotStore()
	ctx := context.Background()

	for _, asset := range []string{"BTC", "ETH"} {
		if err := store.Upsert(ctx, &domain.PortfolioSnapshot{
			UserID: "user1", AssetID: asset, Method: domain.MethodFIFO, TaxYear: 2025,
		}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	if err := store.MarkStale(ctx, "user1"); err != nil {
		t.Fatalf("MarkStale failed: %v", err)
	}

	// Recompute touches only BTC; ETH stays stale and is dropped.
	if err := store.Upsert(ctx, &domain.PortfolioSnapshot{
		UserID: "user1", AssetID: "BTC", Method: domain.MethodFIFO, TaxYear: 2025,
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.DeleteStale(ctx, "user1"); err != nil {
		t.Fatalf("DeleteStale failed: %v", err)
	}

	got, _ := store.GetByUser(ctx, "user1", 2025)
	if len(got) != 1 || got[0].AssetID != "BTC" {
		t.Errorf("Expected only fresh BTC snapshot, got %d snapshots", len(got))
	}
}
