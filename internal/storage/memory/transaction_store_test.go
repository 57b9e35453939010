package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

func exchangeTx(id, connID, externalID string, ts int64) *domain.CanonicalTransaction {
	return &domain.CanonicalTransaction{
		ID:           id,
		Source:       domain.SourceExchange,
		ConnectionID: connID,
		UserID:       "user1",
		ExternalID:   externalID,
		Type:         domain.TxTrade,
		Timestamp:    ts,
	}
}

func TestTransactionStore_InsertAndGet(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	tx := exchangeTx("tx1", "conn1", "ext1", 1000)
	flows := []*domain.Flow{
		{AssetID: "BTC", Amount: decimal.NewFromFloat(0.5), Direction: domain.FlowIn},
		{AssetID: "USDT", Amount: decimal.NewFromFloat(15000), Direction: domain.FlowOut},
	}

	if err := store.Insert(ctx, tx, flows); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByID(ctx, "tx1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.ExternalID != "ext1" {
		t.Errorf("ExternalID mismatch: got %s, want ext1", got.ExternalID)
	}

	gotFlows, err := store.GetFlows(ctx, "tx1")
	if err != nil {
		t.Fatalf("GetFlows failed: %v", err)
	}
	if len(gotFlows) != 2 {
		t.Errorf("Expected 2 flows, got %d", len(gotFlows))
	}
	if gotFlows[0].TransactionID != "tx1" {
		t.Errorf("Flow not bound to transaction: %s", gotFlows[0].TransactionID)
	}
}

func TestTransactionStore_DedupeByConnectionAndExternalID(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	if err := store.Insert(ctx, exchangeTx("tx1", "conn1", "ext1", 1000), nil); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	// Same (connection, external id) under a different derived id must be
	// rejected: ingestion re-runs add zero new transactions.
	err := store.Insert(ctx, exchangeTx("tx2", "conn1", "ext1", 1000), nil)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}

	// Same external id on a different connection is fine.
	if err := store.Insert(ctx, exchangeTx("tx3", "conn2", "ext1", 1000), nil); err != nil {
		t.Errorf("Insert on other connection failed: %v", err)
	}

	exists, err := store.Exists(ctx, domain.SourceExchange, "conn1", "ext1")
	if err != nil || !exists {
		t.Errorf("Exists = (%v, %v), want (true, nil)", exists, err)
	}
}

func TestTransactionStore_LinkPairSymmetry(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	dep := exchangeTx("dep", "conn1", "ext-dep", 1000)
	dep.Type = domain.TxDeposit
	onchain := &domain.CanonicalTransaction{
		ID:         "chain",
		Source:     domain.SourceOnChain,
		WalletID:   "w1",
		UserID:     "user1",
		ExternalID: "0xabc:0",
		Type:       domain.TxWithdrawal,
		Timestamp:  900,
	}

	for _, tx := range []*domain.CanonicalTransaction{dep, onchain} {
		if err := store.Insert(ctx, tx, nil); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	if err := store.LinkPair(ctx, "dep", "chain"); err != nil {
		t.Fatalf("LinkPair failed: %v", err)
	}

	a, _ := store.GetByID(ctx, "dep")
	b, _ := store.GetByID(ctx, "chain")
	if a.LinkedTransactionID == nil || *a.LinkedTransactionID != "chain" {
		t.Errorf("dep link = %v, want chain", a.LinkedTransactionID)
	}
	if b.LinkedTransactionID == nil || *b.LinkedTransactionID != "dep" {
		t.Errorf("chain link = %v, want dep", b.LinkedTransactionID)
	}

	// Re-linking either side must fail: at most one link per transaction.
	third := exchangeTx("tx3", "conn1", "ext3", 1000)
	if err := store.Insert(ctx, third, nil); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.LinkPair(ctx, "dep", "tx3"); !errors.Is(err, storage.ErrAlreadyLinked) {
		t.Errorf("Expected ErrAlreadyLinked, got %v", err)
	}
}

func TestTransactionStore_GetOnChainTransfers_Filters(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	mk := func(id, wallet string, ts int64, asset string) *domain.CanonicalTransaction {
		tx := &domain.CanonicalTransaction{
			ID:         id,
			Source:     domain.SourceOnChain,
			WalletID:   wallet,
			UserID:     "user1",
			ExternalID: id,
			Type:       domain.TxDeposit,
			Timestamp:  ts,
		}
		flows := []*domain.Flow{{AssetID: asset, Amount: decimal.NewFromInt(1), Direction: domain.FlowIn}}
		if err := store.Insert(ctx, tx, flows); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		return tx
	}

	mk("a", "w1", 1000, "BTC")
	mk("b", "w1", 2000, "ETH")
	mk("c", "w2", 3000, "BTC")

	got, err := store.GetOnChainTransfers(ctx, storage.TransferQuery{
		WalletIDs: []string{"w1"},
		AssetID:   "BTC",
		Type:      domain.TxDeposit,
		StartMs:   500,
		EndMs:     2500,
	})
	if err != nil {
		t.Fatalf("GetOnChainTransfers failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("Expected only tx a, got %d results", len(got))
	}
}

func TestTransactionStore_GetLedgerByUser_Ordering(t *testing.T) {
	store := NewTransactionStore()
	ctx := context.Background()

	t2 := exchangeTx("t2", "conn1", "e2", 2000)
	t1 := exchangeTx("t1", "conn1", "e1", 1000)
	for _, tx := range []*domain.CanonicalTransaction{t2, t1} {
		flows := []*domain.Flow{{AssetID: "BTC", Amount: decimal.NewFromInt(1), Direction: domain.FlowIn}}
		if err := store.Insert(ctx, tx, flows); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	entries, err := store.GetLedgerByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetLedgerByUser failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Transaction.ID != "t1" || entries[1].Transaction.ID != "t2" {
		t.Errorf("Ledger not ordered by timestamp: %s, %s",
			entries[0].Transaction.ID, entries[1].Transaction.ID)
	}
}
