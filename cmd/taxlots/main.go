// Package main recomputes a user's cost-basis snapshots and prints them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"ledgersync/internal/costbasis"
	"ledgersync/internal/pricing"
	chstore "ledgersync/internal/storage/clickhouse"
	"ledgersync/internal/storage/migrations"
	pgstore "ledgersync/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string (price points, optional)")
	userID := flag.String("user", "", "User id to recompute")
	taxYear := flag.Int("year", 0, "Tax year filter for the printed report (0 = all years)")
	longTermDays := flag.Int("long-term-days", 0, "Long-term holding threshold in days (0 = 365)")
	flag.Parse()

	logger := log.New(os.Stdout, "[taxlots] ", log.LstdFlags)

	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}
	if *userID == "" {
		logger.Fatal("--user is required")
	}

	ctx := context.Background()
	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("Connect to postgres: %v", err)
	}
	defer pool.Close()
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		logger.Fatalf("Postgres migrations: %v", err)
	}

	var oracle pricing.Oracle
	if *clickhouseDSN != "" {
		chConn, err := migrations.RunClickhouseMigrations(ctx, *clickhouseDSN)
		if err != nil {
			logger.Fatalf("Clickhouse migrations: %v", err)
		}
		defer chConn.Close()
		oracle = pricing.NewStoreOracle(chstore.NewPricePointStore(chConn), pricing.StoreOracleOptions{})
	}

	snapshots := pgstore.NewSnapshotStore(pool)
	engine, err := costbasis.NewEngine(costbasis.Options{
		Transactions: pgstore.NewTransactionStore(pool),
		Snapshots:    snapshots,
		Oracle:       oracle,
		LongTermDays: *longTermDays,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("Create engine: %v", err)
	}

	if err := engine.ComputeForUser(ctx, *userID); err != nil {
		logger.Fatalf("Recompute: %v", err)
	}

	snaps, err := snapshots.GetByUser(ctx, *userID, *taxYear)
	if err != nil {
		logger.Fatalf("Read snapshots: %v", err)
	}
	if len(snaps) == 0 {
		logger.Println("No snapshots (no ledger activity for this user)")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ASSET\tMETHOD\tYEAR\tPROCEEDS\tBASIS\tGAIN_SHORT\tGAIN_LONG\tDISPOSALS\tREMAINING\tREMAINING_COST")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%d\t%s\t%.2f\n",
			s.AssetID, s.Method, s.TaxYear,
			s.ProceedsUSD, s.CostBasisUSD,
			s.GainShortTermUSD, s.GainLongTermUSD,
			s.DisposalCount, s.RemainingQuantity, s.RemainingCostUSD)
	}
}
