package costbasis

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"ledgersync/internal/domain"
	"ledgersync/internal/pricing"
	"ledgersync/internal/storage"
)

const defaultLongTermDays = 365

// excludedTypes never produce acquisitions or disposals: they move assets
// between positions of the same user, or represent debt rather than
// ownership changes.
var excludedTypes = map[domain.TransactionType]bool{
	domain.TxTransfer:     true,
	domain.TxStake:        true,
	domain.TxUnstake:      true,
	domain.TxMarginBorrow: true,
	domain.TxMarginRepay:  true,
}

// defaultMethods are recomputed for every user on each run.
var defaultMethods = []domain.CostBasisMethod{
	domain.MethodFIFO,
	domain.MethodLIFO,
	domain.MethodWAC,
}

// Options configures an Engine.
type Options struct {
	Transactions storage.TransactionStore
	Snapshots    storage.SnapshotStore

	// Oracle fills in per-unit USD values for flows the mapper could not
	// price. Optional; unpriced disposals realize zero gain.
	Oracle pricing.Oracle

	// LongTermDays is the holding-period threshold: strictly longer is
	// long-term. Zero means 365.
	LongTermDays int

	// Methods overrides the replayed cost-basis methods. Empty means all.
	Methods []domain.CostBasisMethod

	Logger *log.Logger
}

// Engine replays a user's flow ledger into portfolio snapshots. Lot pools
// are process-local and rebuilt from durable history on every run; nothing
// incremental survives between computations.
type Engine struct {
	txs       storage.TransactionStore
	snapshots storage.SnapshotStore
	oracle    pricing.Oracle
	methods   []domain.CostBasisMethod
	longTerm  time.Duration
	logger    *log.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Transactions == nil || opts.Snapshots == nil {
		return nil, fmt.Errorf("costbasis: transaction and snapshot stores are required")
	}
	days := opts.LongTermDays
	if days == 0 {
		days = defaultLongTermDays
	}
	methods := opts.Methods
	if len(methods) == 0 {
		methods = defaultMethods
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[costbasis] ", log.LstdFlags)
	}
	return &Engine{
		txs:       opts.Transactions,
		snapshots: opts.Snapshots,
		oracle:    opts.Oracle,
		methods:   methods,
		longTerm:  time.Duration(days) * 24 * time.Hour,
		logger:    logger,
	}, nil
}

// ComputeForUser recomputes every snapshot of a user from scratch. Existing
// snapshots are marked stale first; keys untouched by the replay (assets the
// user no longer trades) are deleted at the end, so a full run always leaves
// the store consistent with the ledger.
func (e *Engine) ComputeForUser(ctx context.Context, userID string) error {
	if err := e.snapshots.MarkStale(ctx, userID); err != nil {
		return fmt.Errorf("mark stale: %w", err)
	}

	entries, err := e.txs.GetLedgerByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	now := time.Now().UTC()
	total := 0
	for _, method := range e.methods {
		snaps := e.replay(ctx, entries, method)
		for _, s := range snaps {
			s.UserID = userID
			s.Method = method
			s.Stale = false
			s.ComputedAt = now
			if err := e.snapshots.Upsert(ctx, s); err != nil {
				return fmt.Errorf("upsert snapshot %s/%s/%d: %w", s.AssetID, method, s.TaxYear, err)
			}
		}
		total += len(snaps)
	}

	if err := e.snapshots.DeleteStale(ctx, userID); err != nil {
		return fmt.Errorf("delete stale: %w", err)
	}
	e.logger.Printf("user %s: %d ledger entries replayed, %d snapshots", userID, len(entries), total)
	return nil
}

// replay runs one method over the full ledger and returns snapshots keyed
// by (asset, taxYear).
func (e *Engine) replay(ctx context.Context, entries []*storage.LedgerEntry, method domain.CostBasisMethod) []*domain.PortfolioSnapshot {
	pools := make(map[string]*lotPool)
	snaps := make(map[string]*domain.PortfolioSnapshot)
	lastYear := make(map[string]int)

	for _, entry := range entries {
		tx, f := entry.Transaction, entry.Flow
		if e.excluded(tx) {
			continue
		}
		if f.Amount.Cmp(epsilon) <= 0 {
			continue
		}

		pool := pools[f.AssetID]
		if pool == nil {
			pool = newLotPool(method)
			pools[f.AssetID] = pool
		}
		lastYear[f.AssetID] = time.UnixMilli(tx.Timestamp).UTC().Year()

		switch f.Direction {
		case domain.FlowIn:
			pool.acquire(f.Amount, e.unitUSD(ctx, f, tx), tx.Timestamp)

		case domain.FlowOut:
			if tx.Type == domain.TxWithdrawal && !f.IsFee {
				// An unlinked withdrawal moves the asset off-platform
				// without a known counterparty. Not a taxable event:
				// remove the quantity at cost, realize nothing.
				pool.dispose(f.Amount, tx.Timestamp)
				continue
			}
			e.dispose(ctx, pool, f, tx, snaps)
		}
	}

	// Open holdings attach to the latest year the asset was active in.
	for assetID, pool := range pools {
		qty := pool.remainingQuantity()
		if qty.Cmp(epsilon) <= 0 {
			continue
		}
		s := snapshotFor(snaps, assetID, lastYear[assetID])
		s.RemainingQuantity = qty.String()
		s.RemainingCostUSD = pool.remainingCost()
	}

	out := make([]*domain.PortfolioSnapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.RemainingQuantity == "" {
			s.RemainingQuantity = "0"
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].TaxYear < out[j].TaxYear
	})
	return out
}

// dispose consumes lots for one OUT flow and accumulates realized results
// into the snapshot of the disposal year.
func (e *Engine) dispose(ctx context.Context, pool *lotPool, f *domain.Flow, tx *domain.CanonicalTransaction, snaps map[string]*domain.PortfolioSnapshot) {
	proceedsPerUnit, priced := e.unitUSDKnown(ctx, f, tx)
	year := time.UnixMilli(tx.Timestamp).UTC().Year()
	s := snapshotFor(snaps, f.AssetID, year)
	s.DisposalCount++

	for _, c := range pool.dispose(f.Amount, tx.Timestamp) {
		amt, _ := c.amount.Float64()
		basis := amt * c.costPerUnit
		proceeds := basis // unpriced disposals realize zero gain
		if priced {
			proceeds = amt * proceedsPerUnit
		}
		gain := proceeds - basis

		s.ProceedsUSD += proceeds
		s.CostBasisUSD += basis
		held := time.Duration(tx.Timestamp-c.acquiredAt) * time.Millisecond
		if held > e.longTerm {
			s.GainLongTermUSD += gain
		} else {
			s.GainShortTermUSD += gain
		}
	}
}

// excluded reports whether a transaction contributes no acquisitions or
// disposals: internal transfers between positions of the same user, and
// types that never change ownership.
func (e *Engine) excluded(tx *domain.CanonicalTransaction) bool {
	if excludedTypes[tx.Type] {
		return true
	}
	return tx.LinkedTransactionID != nil
}

// unitUSD resolves a per-unit USD value for a flow, falling back to the
// oracle and finally to zero.
func (e *Engine) unitUSD(ctx context.Context, f *domain.Flow, tx *domain.CanonicalTransaction) float64 {
	v, ok := e.unitUSDKnown(ctx, f, tx)
	if !ok {
		return 0
	}
	return v
}

func (e *Engine) unitUSDKnown(ctx context.Context, f *domain.Flow, tx *domain.CanonicalTransaction) (float64, bool) {
	if f.ValueUSD != nil {
		amt, _ := f.Amount.Float64()
		if amt > 0 {
			return *f.ValueUSD / amt, true
		}
		return 0, false
	}
	if e.oracle == nil {
		return 0, false
	}
	p, err := e.oracle.Price(ctx, f.AssetID, tx.Timestamp)
	if err != nil {
		e.logger.Printf("price lookup %s: %v", f.AssetID, err)
		return 0, false
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

func snapshotFor(snaps map[string]*domain.PortfolioSnapshot, assetID string, year int) *domain.PortfolioSnapshot {
	key := fmt.Sprintf("%s|%d", assetID, year)
	s := snaps[key]
	if s == nil {
		s = &domain.PortfolioSnapshot{AssetID: assetID, TaxYear: year}
		snaps[key] = s
	}
	return s
}
