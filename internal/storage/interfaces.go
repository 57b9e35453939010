package storage

import (
	"context"
	"time"

	"ledgersync/internal/domain"
)

// ConnectionStore provides access to exchange connection records.
type ConnectionStore interface {
	// Insert adds a new connection. Returns ErrDuplicateKey if id exists.
	Insert(ctx context.Context, c *domain.Connection) error

	// GetByID retrieves a connection. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Connection, error)

	// GetByUser retrieves all connections for a user.
	GetByUser(ctx context.Context, userID string) ([]*domain.Connection, error)

	// UpdateCursor persists the sync cursor bag. Full read-modify-write;
	// safe under the single-active-job-per-connection invariant.
	UpdateCursor(ctx context.Context, id string, cursor domain.SyncCursor) error

	// UpdateStatus sets the user-visible status and lastError.
	UpdateStatus(ctx context.Context, id string, status domain.ConnectionStatus, lastError string) error

	// SetLastSyncAt records the completion time of the last sync pass.
	SetLastSyncAt(ctx context.Context, id string, at time.Time) error
}

// TransferQuery selects on-chain transfer candidates for reconciliation.
type TransferQuery struct {
	WalletIDs    []string
	AssetID      string
	Type         domain.TransactionType
	StartMs      int64
	EndMs        int64
	UnlinkedOnly bool
}

// LedgerEntry is a flow joined with its owning transaction, the read model
// consumed by the cost-basis engine.
type LedgerEntry struct {
	Flow        *domain.Flow
	Transaction *domain.CanonicalTransaction
}

// TransactionStore provides access to canonical transactions and their flows.
type TransactionStore interface {
	// Insert adds a transaction together with its flows atomically.
	// Returns ErrDuplicateKey if (connection_id, external_id) - or the
	// derived transaction id - already exists.
	Insert(ctx context.Context, tx *domain.CanonicalTransaction, flows []*domain.Flow) error

	// Exists checks the dedupe key without fetching the row.
	Exists(ctx context.Context, source domain.TransactionSource, ownerID, externalID string) (bool, error)

	// GetByID retrieves a transaction. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.CanonicalTransaction, error)

	// GetFlows retrieves the flows of a transaction ordered by id.
	GetFlows(ctx context.Context, transactionID string) ([]*domain.Flow, error)

	// CountByConnection returns how many transactions a connection has.
	CountByConnection(ctx context.Context, connectionID string) (int, error)

	// GetExchangeTransfers retrieves DEPOSIT/WITHDRAWAL transactions of a
	// connection ordered by timestamp ASC.
	GetExchangeTransfers(ctx context.Context, connectionID string) ([]*domain.CanonicalTransaction, error)

	// GetByConnectionAndType retrieves a connection's transactions of one
	// type within [startMs, endMs], ordered by timestamp ASC.
	GetByConnectionAndType(ctx context.Context, connectionID string, typ domain.TransactionType, startMs, endMs int64) ([]*domain.CanonicalTransaction, error)

	// GetOnChainTransfers retrieves on-chain transfer candidates matching
	// the query, ordered by timestamp ASC.
	GetOnChainTransfers(ctx context.Context, q TransferQuery) ([]*domain.CanonicalTransaction, error)

	// GetByOnChainTxID retrieves transactions carrying the given on-chain
	// hash, both sources.
	GetByOnChainTxID(ctx context.Context, txID string) ([]*domain.CanonicalTransaction, error)

	// LinkPair commits a bidirectional link between two transactions in one
	// atomic update. Returns ErrAlreadyLinked if either side carries a link.
	LinkPair(ctx context.Context, aID, bID string) error

	// UpdateType reclassifies a transaction (address-based classification).
	UpdateType(ctx context.Context, id string, typ domain.TransactionType) error

	// GetLedgerByUser retrieves every flow of a user joined with its
	// transaction, ordered by (timestamp, transaction_id, flow id) ASC.
	GetLedgerByUser(ctx context.Context, userID string) ([]*LedgerEntry, error)
}

// SnapshotStore provides access to portfolio snapshots.
type SnapshotStore interface {
	// Upsert inserts or fully replaces the snapshot for its key.
	Upsert(ctx context.Context, s *domain.PortfolioSnapshot) error

	// MarkStale flags all snapshots of a user before a recompute.
	MarkStale(ctx context.Context, userID string) error

	// DeleteStale removes snapshots still stale after a recompute (assets
	// the user no longer holds or trades).
	DeleteStale(ctx context.Context, userID string) error

	// GetByUser retrieves snapshots for a user; taxYear 0 means all years.
	GetByUser(ctx context.Context, userID string, taxYear int) ([]*domain.PortfolioSnapshot, error)
}

// WalletStore provides access to user wallets.
type WalletStore interface {
	// Insert adds a wallet. Returns ErrDuplicateKey if (chain, address) exists.
	Insert(ctx context.Context, w *domain.Wallet) error

	// GetByID retrieves a wallet. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Wallet, error)

	// GetByUser retrieves all wallets of a user.
	GetByUser(ctx context.Context, userID string) ([]*domain.Wallet, error)
}

// DepositAddressStore provides access to harvested exchange deposit addresses.
type DepositAddressStore interface {
	// Upsert records an address, deduplicating on
	// (connection_id, asset, network, address). Re-harvesting is a no-op.
	Upsert(ctx context.Context, a *domain.DepositAddress) error

	// GetByConnection retrieves all known addresses of a connection.
	GetByConnection(ctx context.Context, connectionID string) ([]*domain.DepositAddress, error)

	// FindByAddress looks an address up across connections. Returns
	// ErrNotFound if unknown.
	FindByAddress(ctx context.Context, address string) (*domain.DepositAddress, error)
}

// ReviewItemStore provides access to the manual-review queue.
type ReviewItemStore interface {
	// Insert adds a review item. Returns ErrDuplicateKey when an item of
	// the same kind already references the transaction, so repeated
	// reconciliation runs do not re-raise resolved findings.
	Insert(ctx context.Context, item *domain.ReviewItem) error

	// GetPendingByUser retrieves unresolved items for a user.
	GetPendingByUser(ctx context.Context, userID string) ([]*domain.ReviewItem, error)

	// Resolve marks an item handled.
	Resolve(ctx context.Context, id int64) error
}
