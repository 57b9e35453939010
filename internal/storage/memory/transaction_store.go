package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// TransactionStore is an in-memory implementation of storage.TransactionStore.
type TransactionStore struct {
	mu     sync.RWMutex
	txs    map[string]*domain.CanonicalTransaction // keyed by transaction id
	dedupe map[string]struct{}                     // keyed by source|owner|external
	flows  map[string][]*domain.Flow               // keyed by transaction id
	nextID int64
}

// NewTransactionStore creates a new in-memory transaction store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		txs:    make(map[string]*domain.CanonicalTransaction),
		dedupe: make(map[string]struct{}),
		flows:  make(map[string][]*domain.Flow),
	}
}

func dedupeKey(source domain.TransactionSource, ownerID, externalID string) string {
	return fmt.Sprintf("%s|%s|%s", source, ownerID, externalID)
}

func ownerOf(tx *domain.CanonicalTransaction) string {
	if tx.Source == domain.SourceOnChain {
		return tx.WalletID
	}
	return tx.ConnectionID
}

// Insert adds a transaction together with its flows atomically.
func (s *TransactionStore) Insert(_ context.Context, tx *domain.CanonicalTransaction, flows []*domain.Flow) error {
	if tx == nil || tx.ID == "" || tx.ExternalID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupeKey(tx.Source, ownerOf(tx), tx.ExternalID)
	if _, exists := s.txs[tx.ID]; exists {
		return storage.ErrDuplicateKey
	}
	if _, exists := s.dedupe[key]; exists {
		return storage.ErrDuplicateKey
	}

	cp := *tx
	s.txs[tx.ID] = &cp
	s.dedupe[key] = struct{}{}

	stored := make([]*domain.Flow, 0, len(flows))
	for _, f := range flows {
		fc := *f
		s.nextID++
		fc.ID = s.nextID
		fc.TransactionID = tx.ID
		stored = append(stored, &fc)
	}
	s.flows[tx.ID] = stored
	return nil
}

// Exists checks the dedupe key without fetching the row.
func (s *TransactionStore) Exists(_ context.Context, source domain.TransactionSource, ownerID, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.dedupe[dedupeKey(source, ownerID, externalID)]
	return ok, nil
}

// GetByID retrieves a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByID(_ context.Context, id string) (*domain.CanonicalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

// GetFlows retrieves the flows of a transaction ordered by id.
func (s *TransactionStore) GetFlows(_ context.Context, transactionID string) ([]*domain.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Flow
	for _, f := range s.flows[transactionID] {
		fc := *f
		result = append(result, &fc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CountByConnection returns how many transactions a connection has.
func (s *TransactionStore) CountByConnection(_ context.Context, connectionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, tx := range s.txs {
		if tx.ConnectionID == connectionID {
			count++
		}
	}
	return count, nil
}

// GetExchangeTransfers retrieves DEPOSIT/WITHDRAWAL transactions of a
// connection ordered by timestamp ASC.
func (s *TransactionStore) GetExchangeTransfers(_ context.Context, connectionID string) ([]*domain.CanonicalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CanonicalTransaction
	for _, tx := range s.txs {
		if tx.ConnectionID != connectionID {
			continue
		}
		if tx.Type != domain.TxDeposit && tx.Type != domain.TxWithdrawal {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sortTransactions(result)
	return result, nil
}

// GetByConnectionAndType retrieves a connection's transactions of one type
// within [startMs, endMs], ordered by timestamp ASC.
func (s *TransactionStore) GetByConnectionAndType(_ context.Context, connectionID string, typ domain.TransactionType, startMs, endMs int64) ([]*domain.CanonicalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CanonicalTransaction
	for _, tx := range s.txs {
		if tx.ConnectionID != connectionID || tx.Type != typ {
			continue
		}
		if tx.Timestamp < startMs || tx.Timestamp > endMs {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sortTransactions(result)
	return result, nil
}

// GetOnChainTransfers retrieves on-chain transfer candidates matching the
// query, ordered by timestamp ASC.
func (s *TransactionStore) GetOnChainTransfers(_ context.Context, q storage.TransferQuery) ([]*domain.CanonicalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallets := make(map[string]struct{}, len(q.WalletIDs))
	for _, w := range q.WalletIDs {
		wallets[w] = struct{}{}
	}

	var result []*domain.CanonicalTransaction
	for _, tx := range s.txs {
		if tx.Source != domain.SourceOnChain {
			continue
		}
		if len(wallets) > 0 {
			if _, ok := wallets[tx.WalletID]; !ok {
				continue
			}
		}
		if q.Type != "" && tx.Type != q.Type {
			continue
		}
		if q.StartMs != 0 && tx.Timestamp < q.StartMs {
			continue
		}
		if q.EndMs != 0 && tx.Timestamp > q.EndMs {
			continue
		}
		if q.UnlinkedOnly && tx.LinkedTransactionID != nil {
			continue
		}
		if q.AssetID != "" && !s.touchesAsset(tx.ID, q.AssetID) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sortTransactions(result)
	return result, nil
}

// touchesAsset reports whether any flow of the transaction moves the asset.
// Caller holds the lock.
func (s *TransactionStore) touchesAsset(txID, assetID string) bool {
	for _, f := range s.flows[txID] {
		if f.AssetID == assetID {
			return true
		}
	}
	return false
}

// GetByOnChainTxID retrieves transactions carrying the given on-chain hash.
func (s *TransactionStore) GetByOnChainTxID(_ context.Context, txID string) ([]*domain.CanonicalTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.CanonicalTransaction
	for _, tx := range s.txs {
		if txID != "" && tx.OnChainTxID == txID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sortTransactions(result)
	return result, nil
}

// LinkPair commits a bidirectional link between two transactions in one
// atomic update. Returns ErrAlreadyLinked if either side carries a link.
func (s *TransactionStore) LinkPair(_ context.Context, aID, bID string) error {
	if aID == "" || bID == "" || aID == bID {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.txs[aID]
	if !ok {
		return storage.ErrNotFound
	}
	b, ok := s.txs[bID]
	if !ok {
		return storage.ErrNotFound
	}
	if a.LinkedTransactionID != nil || b.LinkedTransactionID != nil {
		return storage.ErrAlreadyLinked
	}

	la, lb := bID, aID
	a.LinkedTransactionID = &la
	b.LinkedTransactionID = &lb
	return nil
}

// UpdateType reclassifies a transaction.
func (s *TransactionStore) UpdateType(_ context.Context, id string, typ domain.TransactionType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return storage.ErrNotFound
	}
	tx.Type = typ
	return nil
}

// GetLedgerByUser retrieves every flow of a user joined with its transaction,
// ordered by (timestamp, transaction id, flow id) ASC.
func (s *TransactionStore) GetLedgerByUser(_ context.Context, userID string) ([]*storage.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.LedgerEntry
	for _, tx := range s.txs {
		if tx.UserID != userID {
			continue
		}
		for _, f := range s.flows[tx.ID] {
			txCopy := *tx
			fCopy := *f
			result = append(result, &storage.LedgerEntry{Flow: &fCopy, Transaction: &txCopy})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Transaction.Timestamp != b.Transaction.Timestamp {
			return a.Transaction.Timestamp < b.Transaction.Timestamp
		}
		if a.Transaction.ID != b.Transaction.ID {
			return a.Transaction.ID < b.Transaction.ID
		}
		return a.Flow.ID < b.Flow.ID
	})
	return result, nil
}

func sortTransactions(txs []*domain.CanonicalTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Timestamp != txs[j].Timestamp {
			return txs[i].Timestamp < txs[j].Timestamp
		}
		return txs[i].ID < txs[j].ID
	})
}

var _ storage.TransactionStore = (*TransactionStore)(nil)
