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

func TestTransactionInsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedConnection(t, pool, "conn-1", "user-1")
	store := postgres.NewTransactionStore(pool)

	tx := makeTransaction("tx-1", "conn-1", "user-1", domain.TxTrade, 1700000000000)
	tx.TotalValueUSD = ptr(1234.5)
	flows := []*domain.Flow{
		{AssetID: "BTC", Decimals: 8, RawAmount: "100000000", Amount: decimal.NewFromInt(1), Direction: domain.FlowIn, ValueUSD: ptr(1234.5)},
		{AssetID: "USDT", Amount: decimal.NewFromFloat(1234.5), Direction: domain.FlowOut, ValueUSD: ptr(1234.5)},
		{AssetID: "BNB", Amount: decimal.NewFromFloat(0.001), Direction: domain.FlowOut, IsFee: true},
	}
	require.NoError(t, store.Insert(ctx, tx, flows))

	got, err := store.GetByID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExchange, got.Source)
	assert.Equal(t, "conn-1", got.ConnectionID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, domain.TxTrade, got.Type)
	assert.Equal(t, int64(1700000000000), got.Timestamp)
	require.NotNil(t, got.TotalValueUSD)
	assert.Equal(t, 1234.5, *got.TotalValueUSD)
	assert.Nil(t, got.LinkedTransactionID)

	gotFlows, err := store.GetFlows(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, gotFlows, 3)
	assert.Equal(t, "BTC", gotFlows[0].AssetID)
	assert.Equal(t, 8, gotFlows[0].Decimals)
	assert.Equal(t, "100000000", gotFlows[0].RawAmount)
	assert.True(t, gotFlows[0].Amount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, domain.FlowIn, gotFlows[0].Direction)
	assert.True(t, gotFlows[2].IsFee)
	assert.Nil(t, gotFlows[2].ValueUSD)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransactionDuplicateKey(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedConnection(t, pool, "conn-1", "user-1")
	store := postgres.NewTransactionStore(pool)

	tx := makeTransaction("tx-1", "conn-1", "user-1", domain.TxDeposit, 1)
	require.NoError(t, store.Insert(ctx, tx, nil))

	// Same id.
	assert.ErrorIs(t, store.Insert(ctx, tx, nil), storage.ErrDuplicateKey)

	// Different id, same (source, owner, external_id) dedupe key.
	dup := makeTransaction("tx-2", "conn-1", "user-1", domain.TxDeposit, 1)
	dup.ExternalID = tx.ExternalID
	assert.ErrorIs(t, store.Insert(ctx, dup, nil), storage.ErrDuplicateKey)

	exists, err := store.Exists(ctx, domain.SourceExchange, "conn-1", tx.ExternalID)
	require.NoError(t, err)
	assert.True(t, exists)

	count, err := store.CountByConnection(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTransactionLinkPair(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedConnection(t, pool, "conn-1", "user-1")
	seedConnection(t, pool, "conn-2", "user-1")
	store := postgres.NewTransactionStore(pool)

	require.NoError(t, store.Insert(ctx, makeTransaction("tx-a", "conn-1", "user-1", domain.TxWithdrawal, 100), nil))
	require.NoError(t, store.Insert(ctx, makeTransaction("tx-b", "conn-2", "user-1", domain.TxDeposit, 200), nil))
	require.NoError(t, store.Insert(ctx, makeTransaction("tx-c", "conn-2", "user-1", domain.TxDeposit, 300), nil))

	require.NoError(t, store.LinkPair(ctx, "tx-a", "tx-b"))

	a, err := store.GetByID(ctx, "tx-a")
	require.NoError(t, err)
	b, err := store.GetByID(ctx, "tx-b")
	require.NoError(t, err)
	require.NotNil(t, a.LinkedTransactionID)
	require.NotNil(t, b.LinkedTransactionID)
	assert.Equal(t, "tx-b", *a.LinkedTransactionID)
	assert.Equal(t, "tx-a", *b.LinkedTransactionID)

	// Either side already linked blocks the pair and leaves tx-c untouched.
	assert.ErrorIs(t, store.LinkPair(ctx, "tx-a", "tx-c"), storage.ErrAlreadyLinked)
	c, err := store.GetByID(ctx, "tx-c")
	require.NoError(t, err)
	assert.Nil(t, c.LinkedTransactionID)

	assert.ErrorIs(t, store.LinkPair(ctx, "tx-c", "missing"), storage.ErrNotFound)
	assert.ErrorIs(t, store.LinkPair(ctx, "tx-c", "tx-c"), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.LinkPair(ctx, "", "tx-c"), storage.ErrInvalidInput)
}

func TestTransactionUpdateType(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedConnection(t, pool, "conn-1", "user-1")
	store := postgres.NewTransactionStore(pool)

	require.NoError(t, store.Insert(ctx, makeTransaction("tx-1", "conn-1", "user-1", domain.TxWithdrawal, 1), nil))
	require.NoError(t, store.UpdateType(ctx, "tx-1", domain.TxFiatSell))

	got, err := store.GetByID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxFiatSell, got.Type)

	assert.ErrorIs(t, store.UpdateType(ctx, "missing", domain.TxFiatSell), storage.ErrNotFound)
}

func TestTransactionGetExchangeTransfers(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedConnection(t, pool, "conn-1", "user-1")
	store := postgres.NewTransactionStore(pool)

	require.NoError(t, store.Insert(ctx, makeTransaction("tx-w", "conn-1", "user-1", domain.TxWithdrawal, 300), nil))
	require.NoError(t, store.Insert(ctx, makeTransaction("tx-d", "conn-1", "user-1", domain.TxDeposit, 100), nil))
	require.NoError(t, store.Insert(ctx, makeTransaction("tx-t", "conn-1", "user-1", domain.TxTrade, 200), nil))

	transfers, err := store.GetExchangeTransfers(ctx, "conn-1")
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	assert.Equal(t, "tx-d", transfers[0].ID)
	assert.Equal(t, "tx-w", transfers[1].ID)
}

func TestTransactionGetLedgerByUser(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedConnection(t, pool, "conn-1", "user-1")
	seedConnection(t, pool, "conn-9", "user-9")
	store := postgres.NewTransactionStore(pool)

	late := makeTransaction("tx-late", "conn-1", "user-1", domain.TxFiatSell, 2000)
	early := makeTransaction("tx-early", "conn-1", "user-1", domain.TxFiatBuy, 1000)
	other := makeTransaction("tx-other", "conn-9", "user-9", domain.TxFiatBuy, 1500)

	buy := []*domain.Flow{{AssetID: "ETH", Amount: decimal.NewFromInt(2), Direction: domain.FlowIn, ValueUSD: ptr(4000.0)}}
	sell := []*domain.Flow{
		{AssetID: "ETH", Amount: decimal.NewFromInt(1), Direction: domain.FlowOut, ValueUSD: ptr(2500.0)},
		{AssetID: "USD", Amount: decimal.NewFromInt(2500), Direction: domain.FlowIn, ValueUSD: ptr(2500.0)},
	}
	require.NoError(t, store.Insert(ctx, late, sell))
	require.NoError(t, store.Insert(ctx, early, buy))
	require.NoError(t, store.Insert(ctx, other, buy))

	ledger, err := store.GetLedgerByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, ledger, 3)

	// Ordered by timestamp, then flow id within a transaction.
	assert.Equal(t, "tx-early", ledger[0].Transaction.ID)
	assert.Equal(t, "ETH", ledger[0].Flow.AssetID)
	assert.Equal(t, domain.FlowIn, ledger[0].Flow.Direction)
	assert.Equal(t, "tx-late", ledger[1].Transaction.ID)
	assert.Equal(t, domain.FlowOut, ledger[1].Flow.Direction)
	assert.Equal(t, "tx-late", ledger[2].Transaction.ID)
	assert.Equal(t, "USD", ledger[2].Flow.AssetID)
	assert.True(t, ledger[2].Flow.Amount.Equal(decimal.NewFromInt(2500)))
}
