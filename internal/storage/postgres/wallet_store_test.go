package postgres_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
	"ledgersync/internal/storage/postgres"
)

func TestWalletInsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewWalletStore(pool)
	w := &domain.Wallet{ID: "wal-1", UserID: "user-1", Chain: "ethereum", Address: "0xabc"}
	require.NoError(t, store.Insert(ctx, w))

	got, err := store.GetByID(ctx, "wal-1")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", got.Chain)
	assert.Equal(t, "0xabc", got.Address)
	assert.False(t, got.CreatedAt.IsZero())

	// Same (chain, address) for another user is rejected.
	dup := &domain.Wallet{ID: "wal-2", UserID: "user-2", Chain: "ethereum", Address: "0xabc"}
	assert.ErrorIs(t, store.Insert(ctx, dup), storage.ErrDuplicateKey)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	wallets, err := store.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, "wal-1", wallets[0].ID)
}

func TestOnChainTransferQuery(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	wallets := postgres.NewWalletStore(pool)
	require.NoError(t, wallets.Insert(ctx, &domain.Wallet{ID: "wal-1", UserID: "user-1", Chain: "ethereum", Address: "0xabc"}))
	require.NoError(t, wallets.Insert(ctx, &domain.Wallet{ID: "wal-2", UserID: "user-1", Chain: "ethereum", Address: "0xdef"}))
	seedConnection(t, pool, "conn-1", "user-1")

	store := postgres.NewTransactionStore(pool)

	onchain := func(id, walletID string, ts int64, hash string) *domain.CanonicalTransaction {
		tx := makeTransaction(id, "", "user-1", domain.TxTransfer, ts)
		tx.Source = domain.SourceOnChain
		tx.WalletID = walletID
		tx.OnChainTxID = hash
		return tx
	}
	flows := []*domain.Flow{{AssetID: "ETH", Amount: decimal.NewFromInt(1), Direction: domain.FlowIn}}

	require.NoError(t, store.Insert(ctx, onchain("oc-1", "wal-1", 1000, "0xhash1"), flows))
	require.NoError(t, store.Insert(ctx, onchain("oc-2", "wal-2", 2000, "0xhash2"), flows))
	require.NoError(t, store.Insert(ctx, onchain("oc-3", "wal-1", 3000,
		"0xhash3"), []*domain.Flow{{AssetID: "DAI", Amount: decimal.NewFromInt(5), Direction: domain.FlowIn}}))
	// Exchange-side rows never match the on-chain query.
	require.NoError(t, store.Insert(ctx, makeTransaction("ex-1", "conn-1", "user-1", domain.TxTransfer, 1500), flows))

	got, err := store.GetOnChainTransfers(ctx, storage.TransferQuery{
		WalletIDs: []string{"wal-1", "wal-2"},
		Type:      domain.TxTransfer,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "oc-1", got[0].ID)
	assert.Equal(t, "oc-3", got[2].ID)

	// Time window and asset filters narrow the candidates.
	got, err = store.GetOnChainTransfers(ctx, storage.TransferQuery{
		WalletIDs: []string{"wal-1"},
		StartMs:   500,
		EndMs:     1500,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "oc-1", got[0].ID)

	got, err = store.GetOnChainTransfers(ctx, storage.TransferQuery{AssetID: "DAI"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "oc-3", got[0].ID)

	// Linked rows drop out of the unlinked-only view.
	require.NoError(t, store.LinkPair(ctx, "oc-1", "ex-1"))
	got, err = store.GetOnChainTransfers(ctx, storage.TransferQuery{
		WalletIDs:    []string{"wal-1"},
		UnlinkedOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "oc-3", got[0].ID)

	byHash, err := store.GetByOnChainTxID(ctx, "0xhash2")
	require.NoError(t, err)
	require.Len(t, byHash, 1)
	assert.Equal(t, "oc-2", byHash[0].ID)
}
