package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
	"ledgersync/internal/storage/postgres"
)

func TestConnectionInsertAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewConnectionStore(pool)
	conn := &domain.Connection{
		ID:                 "conn-1",
		UserID:             "user-1",
		Exchange:           "kraken",
		EncryptedAPIKey:    []byte{0x01, 0x02},
		EncryptedAPISecret: []byte{0x03, 0x04},
		Status:             domain.ConnectionActive,
		SyncCursor:         domain.NewSyncCursor(),
	}
	require.NoError(t, store.Insert(ctx, conn))
	assert.ErrorIs(t, store.Insert(ctx, conn), storage.ErrDuplicateKey)

	got, err := store.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "kraken", got.Exchange)
	assert.Equal(t, []byte{0x01, 0x02}, got.EncryptedAPIKey)
	assert.Equal(t, []byte{0x03, 0x04}, got.EncryptedAPISecret)
	assert.Equal(t, domain.ConnectionActive, got.Status)
	assert.Nil(t, got.LastSyncAt)
	assert.Empty(t, got.SyncCursor.PhaseStatuses())
	assert.False(t, got.CreatedAt.IsZero())

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConnectionCursorRoundTrip(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewConnectionStore(pool)
	seedConnection(t, pool, "conn-1", "user-1")

	cursor := domain.NewSyncCursor()
	cursor.SetPhaseStatus(1, domain.PhaseDone)
	cursor.SetPhaseStatus(2, domain.PhaseInProgress)
	cursor.SetPhaseCursor(1, json.RawMessage(`{"trades":{"BTCUSDT":1700000000000}}`))
	require.NoError(t, store.UpdateCursor(ctx, "conn-1", cursor))

	got, err := store.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	statuses := got.SyncCursor.PhaseStatuses()
	assert.Equal(t, domain.PhaseDone, statuses[1])
	assert.Equal(t, domain.PhaseInProgress, statuses[2])
	assert.JSONEq(t, `{"trades":{"BTCUSDT":1700000000000}}`, string(got.SyncCursor.PhaseCursor(1)))
	assert.Nil(t, got.SyncCursor.PhaseCursor(3))

	assert.ErrorIs(t, store.UpdateCursor(ctx, "missing", cursor), storage.ErrNotFound)
}

func TestConnectionStatusAndLastSync(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewConnectionStore(pool)
	seedConnection(t, pool, "conn-1", "user-1")

	require.NoError(t, store.UpdateStatus(ctx, "conn-1", domain.ConnectionError, "phase 2 failed: 429"))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SetLastSyncAt(ctx, "conn-1", at))

	got, err := store.GetByID(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionError, got.Status)
	assert.Equal(t, "phase 2 failed: 429", got.LastError)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(at))

	assert.ErrorIs(t, store.UpdateStatus(ctx, "missing", domain.ConnectionActive, ""), storage.ErrNotFound)
	assert.ErrorIs(t, store.SetLastSyncAt(ctx, "missing", at), storage.ErrNotFound)
}

func TestConnectionGetByUser(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	store := postgres.NewConnectionStore(pool)
	seedConnection(t, pool, "conn-1", "user-1")
	seedConnection(t, pool, "conn-2", "user-1")
	seedConnection(t, pool, "conn-3", "user-2")

	conns, err := store.GetByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, "conn-1", conns[0].ID)
	assert.Equal(t, "conn-2", conns[1].ID)

	conns, err = store.GetByUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, conns)
}
