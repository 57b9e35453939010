// Package reconcile links exchange-side transfers with their on-chain
// counterparts and raises heuristic findings for manual review.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/tidwall/gjson"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// Engine runs reconciliation passes. A pass never mutates transaction rows
// beyond links, reclassification, and review items, so a failing pass cannot
// roll back synced data.
type Engine struct {
	transactions storage.TransactionStore
	wallets      storage.WalletStore
	addresses    storage.DepositAddressStore
	reviews      storage.ReviewItemStore
	cfg          Config
	logger       *log.Logger
}

// Options configures NewEngine.
type Options struct {
	Transactions storage.TransactionStore
	Wallets      storage.WalletStore
	Addresses    storage.DepositAddressStore
	Reviews      storage.ReviewItemStore
	Config       Config
	Logger       *log.Logger
}

func NewEngine(opts Options) *Engine {
	cfg := opts.Config
	if cfg.AmountWeight == 0 && cfg.TimeWeight == 0 {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[reconcile] ", log.LstdFlags)
	}
	return &Engine{
		transactions: opts.Transactions,
		wallets:      opts.Wallets,
		addresses:    opts.Addresses,
		reviews:      opts.Reviews,
		cfg:          cfg,
		logger:       logger,
	}
}

// Result summarizes one pass.
type Result struct {
	Examined     int
	DirectLinks  int
	ScoredLinks  int
	OffRamps     int
	Reclassified int
}

// Run reconciles every unlinked exchange transfer of the connection, then
// runs off-ramp detection and address-based classification. Re-running
// against the same data is a no-op: linked transfers are skipped and review
// items deduplicate.
func (e *Engine) Run(ctx context.Context, conn *domain.Connection) (*Result, error) {
	res := &Result{}

	userWallets, err := e.wallets.GetByUser(ctx, conn.UserID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: wallets of %s: %w", conn.UserID, err)
	}
	walletIDs := make([]string, 0, len(userWallets))
	for _, w := range userWallets {
		walletIDs = append(walletIDs, w.ID)
	}

	transfers, err := e.transactions.GetExchangeTransfers(ctx, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: exchange transfers of %s: %w", conn.ID, err)
	}

	// Candidates linked earlier in this pass must not match twice.
	taken := make(map[string]bool)

	for _, transfer := range transfers {
		if transfer.LinkedTransactionID != nil {
			continue
		}
		res.Examined++

		linked, direct, err := e.matchTransfer(ctx, transfer, walletIDs, taken)
		if err != nil {
			e.logger.Printf("match %s: %v", transfer.ID, err)
			continue
		}
		if linked == "" {
			continue
		}
		taken[linked] = true
		if direct {
			res.DirectLinks++
		} else {
			res.ScoredLinks++
		}
	}

	offRamps, err := e.detectOffRamps(ctx, conn, transfers)
	if err != nil {
		e.logger.Printf("off-ramp detection: %v", err)
	}
	res.OffRamps = offRamps

	reclassified, err := e.classifyByAddress(ctx, walletIDs)
	if err != nil {
		e.logger.Printf("address classification: %v", err)
	}
	res.Reclassified = reclassified

	return res, nil
}

// matchTransfer links one exchange transfer. Returns the linked on-chain id
// and whether the match was a direct tx-hash reference.
func (e *Engine) matchTransfer(ctx context.Context, transfer *domain.CanonicalTransaction, walletIDs []string, taken map[string]bool) (string, bool, error) {
	if transfer.OnChainTxID != "" {
		id, err := e.matchDirect(ctx, transfer, walletIDs, taken)
		if err != nil || id != "" {
			return id, true, err
		}
		// No on-chain row carries the hash yet; fall through to scoring.
	}
	id, err := e.matchScored(ctx, transfer, walletIDs, taken)
	return id, false, err
}

func (e *Engine) matchDirect(ctx context.Context, transfer *domain.CanonicalTransaction, walletIDs []string, taken map[string]bool) (string, error) {
	candidates, err := e.transactions.GetByOnChainTxID(ctx, transfer.OnChainTxID)
	if err != nil {
		return "", err
	}
	for _, cand := range candidates {
		if cand.Source != domain.SourceOnChain || cand.LinkedTransactionID != nil || taken[cand.ID] {
			continue
		}
		if !containsString(walletIDs, cand.WalletID) {
			continue
		}
		if err := e.link(ctx, transfer, cand); err != nil {
			return "", err
		}
		return cand.ID, nil
	}
	return "", nil
}

func (e *Engine) matchScored(ctx context.Context, transfer *domain.CanonicalTransaction, walletIDs []string, taken map[string]bool) (string, error) {
	amount, assetID, err := e.primary(ctx, transfer.ID)
	if err != nil || assetID == "" {
		return "", err
	}

	// The counterpart direction and window depend on the transfer side.
	var counterTypes []domain.TransactionType
	var startMs, endMs, windowMs int64
	if transfer.Type == domain.TxDeposit {
		// An on-chain send funds an exchange deposit; it precedes it. Sends
		// already reclassified to TRANSFER remain candidates.
		counterTypes = []domain.TransactionType{domain.TxWithdrawal, domain.TxTransfer}
		windowMs = e.cfg.DepositLookbackMs
		startMs, endMs = transfer.Timestamp-windowMs, transfer.Timestamp
	} else {
		counterTypes = []domain.TransactionType{domain.TxDeposit}
		windowMs = e.cfg.WithdrawalLookaheadMs
		startMs, endMs = transfer.Timestamp, transfer.Timestamp+windowMs
	}

	type scored struct {
		id    string
		score float64
	}
	var candidates []scored

	for _, typ := range counterTypes {
		rows, err := e.transactions.GetOnChainTransfers(ctx, storage.TransferQuery{
			WalletIDs:    walletIDs,
			AssetID:      assetID,
			Type:         typ,
			StartMs:      startMs,
			EndMs:        endMs,
			UnlinkedOnly: true,
		})
		if err != nil {
			return "", err
		}
		for _, cand := range rows {
			if taken[cand.ID] {
				continue
			}
			candAmount, candAsset, err := e.primary(ctx, cand.ID)
			if err != nil {
				return "", err
			}
			if candAsset != assetID {
				continue
			}
			amountDiff := relativeDiff(amount, candAmount)
			if amountDiff > e.cfg.AmountTolerance {
				continue
			}
			timeDiff := math.Abs(float64(transfer.Timestamp-cand.Timestamp)) / float64(windowMs)
			score := e.cfg.AmountWeight*amountDiff + e.cfg.TimeWeight*timeDiff
			candidates = append(candidates, scored{id: cand.ID, score: score})
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	for _, cand := range candidates {
		err := e.transactions.LinkPair(ctx, transfer.ID, cand.id)
		if err == nil {
			return cand.id, nil
		}
		if errors.Is(err, storage.ErrAlreadyLinked) {
			continue // raced or stale; try the next best
		}
		return "", err
	}
	return "", nil
}

func (e *Engine) link(ctx context.Context, a, b *domain.CanonicalTransaction) error {
	if err := e.transactions.LinkPair(ctx, a.ID, b.ID); err != nil {
		if errors.Is(err, storage.ErrAlreadyLinked) {
			return nil
		}
		return err
	}
	return nil
}

// primary returns the amount and asset of the transaction's main (non-fee)
// flow.
func (e *Engine) primary(ctx context.Context, txID string) (float64, string, error) {
	flows, err := e.transactions.GetFlows(ctx, txID)
	if err != nil {
		return 0, "", err
	}
	for _, f := range flows {
		if f.IsFee {
			continue
		}
		amount, _ := f.Amount.Float64()
		return amount, f.AssetID, nil
	}
	return 0, "", nil
}

// detectOffRamps raises a review item for every linked deposit followed by a
// sale of the same asset within the configured window. The pattern suggests
// a self-custody off-ramp but false-positives, so it is never an automatic
// tax event.
func (e *Engine) detectOffRamps(ctx context.Context, conn *domain.Connection, transfers []*domain.CanonicalTransaction) (int, error) {
	raised := 0
	for _, transfer := range transfers {
		if transfer.Type != domain.TxDeposit || transfer.LinkedTransactionID == nil {
			continue
		}
		_, assetID, err := e.primary(ctx, transfer.ID)
		if err != nil {
			return raised, err
		}

		for _, saleType := range []domain.TransactionType{domain.TxFiatSell, domain.TxTrade} {
			sales, err := e.transactions.GetByConnectionAndType(ctx, conn.ID, saleType,
				transfer.Timestamp, transfer.Timestamp+e.cfg.OffRampWindowMs)
			if err != nil {
				return raised, err
			}
			for _, sale := range sales {
				disposes, err := e.disposesAsset(ctx, sale.ID, assetID)
				if err != nil {
					return raised, err
				}
				if !disposes {
					continue
				}
				err = e.reviews.Insert(ctx, &domain.ReviewItem{
					UserID:        conn.UserID,
					Kind:          "OFF_RAMP",
					TransactionID: transfer.ID,
					RelatedTxID:   sale.ID,
					Detail:        fmt.Sprintf("deposit followed by %s of %s within window", saleType, assetID),
					Status:        domain.ReviewPending,
				})
				if err != nil {
					if errors.Is(err, storage.ErrDuplicateKey) {
						continue
					}
					return raised, err
				}
				raised++
			}
		}
	}
	return raised, nil
}

// disposesAsset reports whether the transaction has a non-fee OUT flow of
// the asset.
func (e *Engine) disposesAsset(ctx context.Context, txID, assetID string) (bool, error) {
	flows, err := e.transactions.GetFlows(ctx, txID)
	if err != nil {
		return false, err
	}
	for _, f := range flows {
		if !f.IsFee && f.Direction == domain.FlowOut && f.AssetID == assetID {
			return true, nil
		}
	}
	return false, nil
}

// classifyByAddress reclassifies on-chain sends whose destination is a known
// exchange deposit address. This recovers transfers the exchange API no
// longer returns because its retention window is shorter than chain history.
func (e *Engine) classifyByAddress(ctx context.Context, walletIDs []string) (int, error) {
	sends, err := e.transactions.GetOnChainTransfers(ctx, storage.TransferQuery{
		WalletIDs: walletIDs,
		Type:      domain.TxWithdrawal,
	})
	if err != nil {
		return 0, err
	}

	reclassified := 0
	for _, send := range sends {
		dest := destinationAddress(send.Raw)
		if dest == "" {
			continue
		}
		if _, err := e.addresses.FindByAddress(ctx, dest); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return reclassified, err
		}
		if err := e.transactions.UpdateType(ctx, send.ID, domain.TxTransfer); err != nil {
			return reclassified, err
		}
		reclassified++
	}
	return reclassified, nil
}

// destinationAddress probes the indexer payload for the receiving address.
func destinationAddress(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	doc := gjson.ParseBytes(raw)
	for _, path := range []string{"to", "toAddress", "destination", "to.address"} {
		if v := doc.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func relativeDiff(a, b float64) float64 {
	max := math.Max(math.Abs(a), math.Abs(b))
	if max == 0 {
		return 0
	}
	return math.Abs(a-b) / max
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
