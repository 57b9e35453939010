// Package main runs one synchronous sync pass for a single connection.
// Useful for backfills and debugging a connector without the service.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"ledgersync/internal/connector"
	"ledgersync/internal/connector/binance"
	"ledgersync/internal/connector/coinbase"
	"ledgersync/internal/connector/kraken"
	"ledgersync/internal/reconcile"
	"ledgersync/internal/secrets"
	"ledgersync/internal/storage/migrations"
	pgstore "ledgersync/internal/storage/postgres"
	"ledgersync/internal/syncer"
)

func main() {
	_ = godotenv.Load()

	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	connectionID := flag.String("connection", "", "Connection id to sync")
	full := flag.Bool("full", false, "Reset phase cursors and re-fetch the full history")
	timeout := flag.Duration("timeout", 2*time.Hour, "Abort the pass after this long")
	flag.Parse()

	logger := log.New(os.Stdout, "[sync] ", log.LstdFlags)

	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}
	if *connectionID == "" {
		logger.Fatal("--connection is required")
	}
	keyHex := os.Getenv("LEDGERSYNC_ENC_KEY")
	if keyHex == "" {
		logger.Fatal("LEDGERSYNC_ENC_KEY is required (hex, 32 bytes)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		logger.Fatalf("LEDGERSYNC_ENC_KEY is not valid hex: %v", err)
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		logger.Fatalf("Bad encryption key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("Connect to postgres: %v", err)
	}
	defer pool.Close()
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		logger.Fatalf("Postgres migrations: %v", err)
	}

	connections := pgstore.NewConnectionStore(pool)
	transactions := pgstore.NewTransactionStore(pool)
	addresses := pgstore.NewDepositAddressStore(pool)
	reviews := pgstore.NewReviewItemStore(pool)

	registry := connector.NewRegistry()
	binance.Register(registry)
	kraken.Register(registry)
	coinbase.Register(registry)

	reconciler := reconcile.NewEngine(reconcile.Options{
		Transactions: transactions,
		Wallets:      pgstore.NewWalletStore(pool),
		Addresses:    addresses,
		Reviews:      reviews,
		Config:       reconcile.DefaultConfig(),
		Logger:       logger,
	})

	service, err := syncer.NewService(syncer.Options{
		Registry:     registry,
		Cipher:       cipher,
		Connections:  connections,
		Transactions: transactions,
		Addresses:    addresses,
		Reviews:      reviews,
		Reconciler:   reconciler,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("Create sync service: %v", err)
	}

	service.Start(ctx, 1)
	jobID, err := service.StartSync(ctx, *connectionID, *full)
	if err != nil {
		logger.Fatalf("Start sync: %v", err)
	}
	logger.Printf("Job %s started (connection %s, full=%v)", jobID, *connectionID, *full)

	if err := waitForJob(ctx, service, *connectionID); err != nil {
		logger.Fatalf("Sync: %v", err)
	}
	if err := service.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("Worker pool stop: %v", err)
	}

	status, err := service.Status(context.Background(), *connectionID)
	if err != nil {
		logger.Fatalf("Read status: %v", err)
	}
	logger.Printf("Done: status=%s transactions=%d", status.Overall, status.TotalTransactions)
	for phase, ps := range status.PerPhase {
		logger.Printf("  phase %d: %s", phase, ps)
	}
	if status.LastError != "" {
		logger.Printf("  last error: %s", status.LastError)
		os.Exit(1)
	}
}

func waitForJob(ctx context.Context, service *syncer.Service, connectionID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out: %w", ctx.Err())
		case <-ticker.C:
			status, err := service.Status(ctx, connectionID)
			if err != nil {
				return err
			}
			if !status.Syncing {
				return nil
			}
		}
	}
}
