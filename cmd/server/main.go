// Package main runs the ledger-sync service:
// - Sync worker pool: drives exchange connections through their fetch phases
// - Reconciliation: links exchange transfers to on-chain counterparts
// - Cost basis: full-replay snapshot recomputation
// - Admin HTTP: health, metrics, status and job triggers
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ledgersync/internal/canonical"
	"ledgersync/internal/connector"
	"ledgersync/internal/connector/binance"
	"ledgersync/internal/connector/coinbase"
	"ledgersync/internal/connector/kraken"
	"ledgersync/internal/costbasis"
	"ledgersync/internal/observability"
	"ledgersync/internal/pricing"
	"ledgersync/internal/reconcile"
	"ledgersync/internal/secrets"
	"ledgersync/internal/storage"
	chstore "ledgersync/internal/storage/clickhouse"
	"ledgersync/internal/storage/memory"
	"ledgersync/internal/storage/migrations"
	pgstore "ledgersync/internal/storage/postgres"
	"ledgersync/internal/syncer"
)

// allStores holds all storage implementations.
type allStores struct {
	connections  storage.ConnectionStore
	transactions storage.TransactionStore
	snapshots    storage.SnapshotStore
	wallets      storage.WalletStore
	addresses    storage.DepositAddressStore
	reviews      storage.ReviewItemStore
	prices       storage.PricePointStore
}

func main() {
	// Load .env file if exists; system env vars take precedence.
	_ = godotenv.Load()

	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (price points)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	addr := flag.String("addr", ":9090", "Admin HTTP address (health, metrics, status, triggers)")
	workers := flag.Int("workers", 4, "Concurrent sync jobs across connections")
	retries := flag.Uint("retries", 3, "Job-level retry attempts")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

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

	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, cleanup, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	registry := connector.NewRegistry()
	binance.Register(registry)
	kraken.Register(registry)
	coinbase.Register(registry)
	logger.Printf("Registered connectors: %v", registry.Names())

	oracle := pricing.NewStoreOracle(stores.prices, pricing.StoreOracleOptions{})
	reconciler := reconcile.NewEngine(reconcile.Options{
		Transactions: stores.transactions,
		Wallets:      stores.wallets,
		Addresses:    stores.addresses,
		Reviews:      stores.reviews,
		Config:       reconcile.DefaultConfig(),
		Logger:       log.New(os.Stdout, "[reconcile] ", log.LstdFlags),
	})
	costBasis, err := costbasis.NewEngine(costbasis.Options{
		Transactions: stores.transactions,
		Snapshots:    stores.snapshots,
		Oracle:       oracle,
		Logger:       log.New(os.Stdout, "[costbasis] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to create cost-basis engine: %v", err)
	}

	service, err := syncer.NewService(syncer.Options{
		Registry:      registry,
		Cipher:        cipher,
		Mapper:        canonical.NewMapper(nil),
		Connections:   stores.connections,
		Transactions:  stores.transactions,
		Addresses:     stores.addresses,
		Reviews:       stores.reviews,
		Reconciler:    reconciler,
		CostBasis:     costBasis,
		RetryAttempts: *retries,
		Logger:        log.New(os.Stdout, "[syncer] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("Failed to create sync service: %v", err)
	}
	service.Start(ctx, *workers)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(*addr, service, logger)
	}()
	logger.Printf("Ledger sync service running on %s", *addr)

	select {
	case sig := <-sigCh:
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-httpErr:
		logger.Printf("HTTP server error: %v", err)
	}

	cancel()
	stopDone := make(chan struct{})
	go func() {
		if err := service.Stop(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("Worker pool stop: %v", err)
		}
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-time.After(30 * time.Second):
		logger.Println("Graceful shutdown timed out after 30s, forcing exit")
		os.Exit(1)
	}
	logger.Println("Shutdown complete")
}

// createStores creates all required stores.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*allStores, func(), error) {
	if useMemory {
		stores := &allStores{
			connections:  memory.NewConnectionStore(),
			transactions: memory.NewTransactionStore(),
			snapshots:    memory.NewSnapshotStore(),
			wallets:      memory.NewWalletStore(),
			addresses:    memory.NewDepositAddressStore(),
			reviews:      memory.NewReviewItemStore(),
			prices:       memory.NewPricePointStore(),
		}
		return stores, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	stores := &allStores{
		connections:  pgstore.NewConnectionStore(pool),
		transactions: pgstore.NewTransactionStore(pool),
		snapshots:    pgstore.NewSnapshotStore(pool),
		wallets:      pgstore.NewWalletStore(pool),
		addresses:    pgstore.NewDepositAddressStore(pool),
		reviews:      pgstore.NewReviewItemStore(pool),
		prices:       chstore.NewPricePointStore(chConn),
	}
	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}

// runHTTPServer serves the admin surface. The real user-facing API lives in
// a separate service; these endpoints exist for operations and debugging.
func runHTTPServer(addr string, service *syncer.Service, logger *log.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		connID := r.URL.Query().Get("connection")
		if connID == "" {
			http.Error(w, "connection query parameter required", http.StatusBadRequest)
			return
		}
		status, err := service.Status(r.Context(), connID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, status)
	})

	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		connID := r.URL.Query().Get("connection")
		if connID == "" {
			http.Error(w, "connection query parameter required", http.StatusBadRequest)
			return
		}
		full := r.URL.Query().Get("full") == "1"
		jobID, err := service.StartSync(r.Context(), connID, full)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"jobId": jobID})
	})

	mux.HandleFunc("/reconcile", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		connID := r.URL.Query().Get("connection")
		if connID == "" {
			http.Error(w, "connection query parameter required", http.StatusBadRequest)
			return
		}
		res, err := service.TriggerReconciliation(r.Context(), connID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, res)
	})

	mux.HandleFunc("/taxlots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "user query parameter required", http.StatusBadRequest)
			return
		}
		jobID, err := service.ComputeTaxLots(userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]string{"jobId": jobID})
	})

	logger.Printf("Starting HTTP server on %s", addr)
	return http.ListenAndServe(addr, mux)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
