package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage/migrations"
	"ledgersync/internal/storage/postgres"
)

// setupTestDB spins up a throwaway PostgreSQL container with the schema
// applied and returns a pool plus a cleanup function.
func setupTestDB(t *testing.T) (*postgres.Pool, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "connection string")

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err, "connect pool")

	err = migrations.RunPostgresMigrations(ctx, pool)
	require.NoError(t, err, "apply migrations")

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	}
	return pool, cleanup
}

// seedConnection inserts a minimal connection so transaction rows can
// reference it.
func seedConnection(t *testing.T, pool *postgres.Pool, id, userID string) {
	t.Helper()
	err := postgres.NewConnectionStore(pool).Insert(context.Background(), &domain.Connection{
		ID:                 id,
		UserID:             userID,
		Exchange:           "binance",
		EncryptedAPIKey:    []byte("sealed-key"),
		EncryptedAPISecret: []byte("sealed-secret"),
		Status:             domain.ConnectionActive,
		SyncCursor:         domain.NewSyncCursor(),
	})
	require.NoError(t, err)
}

// makeTransaction builds an exchange-side transaction with defaults suitable
// for a seedConnection row.
func makeTransaction(id, connID, userID string, typ domain.TransactionType, ts int64) *domain.CanonicalTransaction {
	return &domain.CanonicalTransaction{
		ID:           id,
		Source:       domain.SourceExchange,
		ConnectionID: connID,
		UserID:       userID,
		ExternalID:   "ext-" + id,
		Type:         typ,
		Timestamp:    ts,
		Raw:          json.RawMessage(`{}`),
	}
}

func ptr[T any](v T) *T {
	return &v
}
