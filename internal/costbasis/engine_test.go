package costbasis

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgersync/internal/domain"
	"ledgersync/internal/idhash"
	"ledgersync/internal/storage/memory"
)

var (
	jan1 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	feb1 = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	mar1 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
)

type fixture struct {
	engine       *Engine
	transactions *memory.TransactionStore
	snapshots    *memory.SnapshotStore
	seq          int
}

func newFixture(t *testing.T, methods ...domain.CostBasisMethod) *fixture {
	t.Helper()
	f := &fixture{
		transactions: memory.NewTransactionStore(),
		snapshots:    memory.NewSnapshotStore(),
	}
	engine, err := NewEngine(Options{
		Transactions: f.transactions,
		Snapshots:    f.snapshots,
		Methods:      methods,
		Logger:       log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.engine = engine
	return f
}

// add inserts a single-flow transaction. valueUSD < 0 means unpriced.
func (f *fixture) add(t *testing.T, typ domain.TransactionType, ts int64, asset, amount string, dir domain.FlowDirection, valueUSD float64) *domain.CanonicalTransaction {
	t.Helper()
	f.seq++
	externalID := fmt.Sprintf("row-%d", f.seq)
	tx := &domain.CanonicalTransaction{
		ID:           idhash.ComputeTransactionID("EXCHANGE", "conn-1", externalID),
		Source:       domain.SourceExchange,
		ConnectionID: "conn-1",
		UserID:       "user-1",
		ExternalID:   externalID,
		Type:         typ,
		Timestamp:    ts,
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		t.Fatal(err)
	}
	flow := &domain.Flow{TransactionID: tx.ID, AssetID: asset, Decimals: 8, Amount: amt, Direction: dir}
	if valueUSD >= 0 {
		v := valueUSD
		flow.ValueUSD = &v
	}
	if err := f.transactions.Insert(context.Background(), tx, []*domain.Flow{flow}); err != nil {
		t.Fatal(err)
	}
	return tx
}

func (f *fixture) acquire(t *testing.T, ts int64, asset, amount string, valueUSD float64) {
	t.Helper()
	f.add(t, domain.TxFiatBuy, ts, asset, amount, domain.FlowIn, valueUSD)
}

func (f *fixture) sell(t *testing.T, ts int64, asset, amount string, valueUSD float64) {
	t.Helper()
	f.add(t, domain.TxFiatSell, ts, asset, amount, domain.FlowOut, valueUSD)
}

func (f *fixture) compute(t *testing.T) {
	t.Helper()
	if err := f.engine.ComputeForUser(context.Background(), "user-1"); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) snapshot(t *testing.T, method domain.CostBasisMethod, asset string, year int) *domain.PortfolioSnapshot {
	t.Helper()
	snaps, err := f.snapshots.GetByUser(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range snaps {
		if s.Method == method && s.AssetID == asset && s.TaxYear == year {
			return s
		}
	}
	t.Fatalf("no snapshot for %s/%s/%d", method, asset, year)
	return nil
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestFIFODisposal(t *testing.T) {
	f := newFixture(t, domain.MethodFIFO)
	f.acquire(t, jan1, "exchange:BTC", "1.0", 100)
	f.acquire(t, feb1, "exchange:BTC", "1.0", 200)
	f.sell(t, mar1, "exchange:BTC", "1.2", 300)
	f.compute(t)

	s := f.snapshot(t, domain.MethodFIFO, "exchange:BTC", 2024)
	if !near(s.CostBasisUSD, 140) {
		t.Errorf("cost basis = %v, want 140", s.CostBasisUSD)
	}
	if !near(s.ProceedsUSD, 300) {
		t.Errorf("proceeds = %v, want 300", s.ProceedsUSD)
	}
	if !near(s.GainShortTermUSD, 160) {
		t.Errorf("short-term gain = %v, want 160", s.GainShortTermUSD)
	}
	if s.GainLongTermUSD != 0 {
		t.Errorf("long-term gain = %v, want 0", s.GainLongTermUSD)
	}
	if s.DisposalCount != 1 {
		t.Errorf("disposal count = %d, want 1", s.DisposalCount)
	}
	if s.RemainingQuantity != "0.8" {
		t.Errorf("remaining quantity = %q, want 0.8", s.RemainingQuantity)
	}
	if !near(s.RemainingCostUSD, 160) {
		t.Errorf("remaining cost = %v, want 160", s.RemainingCostUSD)
	}
}

func TestLIFODisposal(t *testing.T) {
	f := newFixture(t, domain.MethodLIFO)
	f.acquire(t, jan1, "exchange:BTC", "1.0", 100)
	f.acquire(t, feb1, "exchange:BTC", "1.0", 200)
	f.sell(t, mar1, "exchange:BTC", "1.2", 300)
	f.compute(t)

	s := f.snapshot(t, domain.MethodLIFO, "exchange:BTC", 2024)
	if !near(s.CostBasisUSD, 220) {
		t.Errorf("cost basis = %v, want 220", s.CostBasisUSD)
	}
	if !near(s.GainShortTermUSD, 80) {
		t.Errorf("short-term gain = %v, want 80", s.GainShortTermUSD)
	}
	if !near(s.RemainingCostUSD, 80) {
		t.Errorf("remaining cost = %v, want 80", s.RemainingCostUSD)
	}
}

func TestWACDisposal(t *testing.T) {
	f := newFixture(t, domain.MethodWAC)
	f.acquire(t, jan1, "exchange:BTC", "1", 100)
	f.acquire(t, feb1, "exchange:BTC", "1", 200)
	f.sell(t, mar1, "exchange:BTC", "1", 180)
	f.compute(t)

	s := f.snapshot(t, domain.MethodWAC, "exchange:BTC", 2024)
	if !near(s.CostBasisUSD, 150) {
		t.Errorf("cost basis = %v, want 150 (blended)", s.CostBasisUSD)
	}
	if !near(s.GainShortTermUSD, 30) {
		t.Errorf("short-term gain = %v, want 30", s.GainShortTermUSD)
	}
	if !near(s.RemainingCostUSD, 150) {
		t.Errorf("remaining cost = %v, want 150", s.RemainingCostUSD)
	}
	if s.RemainingQuantity != "1" {
		t.Errorf("remaining quantity = %q, want 1", s.RemainingQuantity)
	}
}

func TestLongTermSplit(t *testing.T) {
	f := newFixture(t, domain.MethodFIFO)
	late := jan1 + 400*24*int64(time.Hour/time.Millisecond)
	f.acquire(t, jan1, "exchange:ETH", "2", 2000)
	f.sell(t, late, "exchange:ETH", "2", 5000)
	f.compute(t)

	year := time.UnixMilli(late).UTC().Year()
	s := f.snapshot(t, domain.MethodFIFO, "exchange:ETH", year)
	if !near(s.GainLongTermUSD, 3000) {
		t.Errorf("long-term gain = %v, want 3000", s.GainLongTermUSD)
	}
	if s.GainShortTermUSD != 0 {
		t.Errorf("short-term gain = %v, want 0", s.GainShortTermUSD)
	}
}

func TestInternalTransferExcluded(t *testing.T) {
	f := newFixture(t, domain.MethodFIFO)
	f.acquire(t, jan1, "exchange:BTC", "1", 100)

	// Reconciled withdrawal/deposit pair between the user's own positions;
	// the nominal USD values on the legs must not leak into the basis.
	wd := f.add(t, domain.TxWithdrawal, feb1, "exchange:BTC", "1", domain.FlowOut, 500)
	dep := f.add(t, domain.TxDeposit, feb1+600_000, "exchange:BTC", "1", domain.FlowIn, 500)
	if err := f.transactions.LinkPair(context.Background(), wd.ID, dep.ID); err != nil {
		t.Fatal(err)
	}

	f.sell(t, mar1, "exchange:BTC", "1", 300)
	f.compute(t)

	s := f.snapshot(t, domain.MethodFIFO, "exchange:BTC", 2024)
	if !near(s.CostBasisUSD, 100) {
		t.Errorf("cost basis = %v, want 100 (transfer legs excluded)", s.CostBasisUSD)
	}
	if !near(s.GainShortTermUSD, 200) {
		t.Errorf("gain = %v, want 200", s.GainShortTermUSD)
	}
	if s.RemainingQuantity != "0" {
		t.Errorf("remaining quantity = %q, want 0", s.RemainingQuantity)
	}
}

func TestUnpricedDisposalRealizesNothing(t *testing.T) {
	f := newFixture(t, domain.MethodFIFO)
	f.acquire(t, jan1, "exchange:BTC", "1", 100)
	f.add(t, domain.TxFiatSell, mar1, "exchange:BTC", "1", domain.FlowOut, -1)
	f.compute(t)

	s := f.snapshot(t, domain.MethodFIFO, "exchange:BTC", 2024)
	if !near(s.ProceedsUSD, 100) || !near(s.CostBasisUSD, 100) {
		t.Errorf("proceeds/basis = %v/%v, want 100/100", s.ProceedsUSD, s.CostBasisUSD)
	}
	if s.GainShortTermUSD != 0 || s.GainLongTermUSD != 0 {
		t.Errorf("gain = %v/%v, want zero", s.GainShortTermUSD, s.GainLongTermUSD)
	}
}

func TestUnlinkedWithdrawalNotADisposal(t *testing.T) {
	f := newFixture(t, domain.MethodFIFO)
	f.acquire(t, jan1, "exchange:BTC", "1", 100)
	f.add(t, domain.TxWithdrawal, feb1, "exchange:BTC", "0.4", domain.FlowOut, 900)
	f.compute(t)

	s := f.snapshot(t, domain.MethodFIFO, "exchange:BTC", 2024)
	if s.DisposalCount != 0 {
		t.Errorf("disposal count = %d, want 0", s.DisposalCount)
	}
	if s.ProceedsUSD != 0 {
		t.Errorf("proceeds = %v, want 0", s.ProceedsUSD)
	}
	if s.RemainingQuantity != "0.6" {
		t.Errorf("remaining quantity = %q, want 0.6", s.RemainingQuantity)
	}
	if !near(s.RemainingCostUSD, 60) {
		t.Errorf("remaining cost = %v, want 60", s.RemainingCostUSD)
	}
}

func TestOverDisposalZeroBasis(t *testing.T) {
	f := newFixture(t, domain.MethodFIFO)
	f.acquire(t, jan1, "exchange:BTC", "1", 100)
	f.sell(t, mar1, "exchange:BTC", "1.5", 450) // 300/unit
	f.compute(t)

	s := f.snapshot(t, domain.MethodFIFO, "exchange:BTC", 2024)
	if !near(s.CostBasisUSD, 100) {
		t.Errorf("cost basis = %v, want 100", s.CostBasisUSD)
	}
	if !near(s.ProceedsUSD, 450) {
		t.Errorf("proceeds = %v, want 450", s.ProceedsUSD)
	}
	if !near(s.GainShortTermUSD, 350) {
		t.Errorf("gain = %v, want 350", s.GainShortTermUSD)
	}
}

func TestRecomputeIdempotent(t *testing.T) {
	f := newFixture(t)
	f.acquire(t, jan1, "exchange:BTC", "1.0", 100)
	f.acquire(t, feb1, "exchange:BTC", "1.0", 200)
	f.sell(t, mar1, "exchange:BTC", "1.2", 300)

	f.compute(t)
	first, err := f.snapshots.GetByUser(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	f.compute(t)
	second, err := f.snapshots.GetByUser(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("snapshot counts = %d/%d, want 3 (one per method)", len(first), len(second))
	}
	for i := range second {
		if second[i].Stale {
			t.Errorf("snapshot %s/%s still stale after recompute", second[i].Method, second[i].AssetID)
		}
		if !near(second[i].CostBasisUSD, first[i].CostBasisUSD) ||
			!near(second[i].GainShortTermUSD, first[i].GainShortTermUSD) {
			t.Errorf("recompute changed %s/%s results", second[i].Method, second[i].AssetID)
		}
	}
}
