package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"ledgersync/internal/domain"
	"ledgersync/internal/storage"
)

// TransactionStore implements storage.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new TransactionStore.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TransactionStore = (*TransactionStore)(nil)

const txColumns = `
	id, source, connection_id, wallet_id, user_id, external_id, type,
	timestamp_ms, total_value_usd, linked_transaction_id, onchain_tx_id, raw, created_at
`

// Insert adds a transaction together with its flows atomically.
func (s *TransactionStore) Insert(ctx context.Context, t *domain.CanonicalTransaction, flows []*domain.Flow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO transactions (
			id, source, connection_id, wallet_id, user_id, external_id, type,
			timestamp_ms, total_value_usd, linked_transaction_id, onchain_tx_id, raw
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = tx.Exec(ctx, query,
		t.ID,
		string(t.Source),
		nullIfEmpty(t.ConnectionID),
		nullIfEmpty(t.WalletID),
		t.UserID,
		t.ExternalID,
		string(t.Type),
		t.Timestamp,
		t.TotalValueUSD,
		t.LinkedTransactionID,
		nullIfEmpty(t.OnChainTxID),
		[]byte(t.Raw),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	flowQuery := `
		INSERT INTO flows (
			transaction_id, asset_id, decimals, raw_amount, amount,
			direction, value_usd, is_fee
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	for _, f := range flows {
		_, err = tx.Exec(ctx, flowQuery,
			t.ID,
			f.AssetID,
			f.Decimals,
			f.RawAmount,
			f.Amount.String(),
			string(f.Direction),
			f.ValueUSD,
			f.IsFee,
		)
		if err != nil {
			return fmt.Errorf("insert flow: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Exists checks the dedupe key without fetching the row.
func (s *TransactionStore) Exists(ctx context.Context, source domain.TransactionSource, ownerID, externalID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE source = $1
			  AND coalesce(connection_id, wallet_id) = $2
			  AND external_id = $3
		)
	`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, string(source), ownerID, externalID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check transaction exists: %w", err)
	}
	return exists, nil
}

// GetByID retrieves a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByID(ctx context.Context, id string) (*domain.CanonicalTransaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by id: %w", err)
	}
	return t, nil
}

// GetFlows retrieves the flows of a transaction ordered by id.
func (s *TransactionStore) GetFlows(ctx context.Context, transactionID string) ([]*domain.Flow, error) {
	query := `
		SELECT id, transaction_id, asset_id, decimals, raw_amount, amount,
		       direction, value_usd, is_fee
		FROM flows
		WHERE transaction_id = $1
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("get flows: %w", err)
	}
	defer rows.Close()

	return scanFlows(rows)
}

// CountByConnection returns how many transactions a connection has.
func (s *TransactionStore) CountByConnection(ctx context.Context, connectionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM transactions WHERE connection_id = $1`, connectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

// GetExchangeTransfers retrieves DEPOSIT/WITHDRAWAL transactions of a
// connection ordered by timestamp ASC.
func (s *TransactionStore) GetExchangeTransfers(ctx context.Context, connectionID string) ([]*domain.CanonicalTransaction, error) {
	query := `SELECT ` + txColumns + `
		FROM transactions
		WHERE connection_id = $1 AND type IN ('DEPOSIT', 'WITHDRAWAL')
		ORDER BY timestamp_ms ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("get exchange transfers: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetByConnectionAndType retrieves a connection's transactions of one type
// within [startMs, endMs], ordered by timestamp ASC.
func (s *TransactionStore) GetByConnectionAndType(ctx context.Context, connectionID string, typ domain.TransactionType, startMs, endMs int64) ([]*domain.CanonicalTransaction, error) {
	query := `SELECT ` + txColumns + `
		FROM transactions
		WHERE connection_id = $1 AND type = $2
		  AND timestamp_ms >= $3 AND timestamp_ms <= $4
		ORDER BY timestamp_ms ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, connectionID, string(typ), startMs, endMs)
	if err != nil {
		return nil, fmt.Errorf("get transactions by type: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetOnChainTransfers retrieves on-chain transfer candidates matching the
// query, ordered by timestamp ASC.
func (s *TransactionStore) GetOnChainTransfers(ctx context.Context, q storage.TransferQuery) ([]*domain.CanonicalTransaction, error) {
	query := `SELECT DISTINCT ` + txColumns + `
		FROM transactions t
		WHERE t.source = 'ONCHAIN'
		  AND ($1::text[] IS NULL OR t.wallet_id = ANY($1))
		  AND ($2::text = '' OR t.type = $2)
		  AND ($3::bigint = 0 OR t.timestamp_ms >= $3)
		  AND ($4::bigint = 0 OR t.timestamp_ms <= $4)
		  AND (NOT $5::bool OR t.linked_transaction_id IS NULL)
		  AND ($6::text = '' OR EXISTS (
			SELECT 1 FROM flows f WHERE f.transaction_id = t.id AND f.asset_id = $6
		  ))
		ORDER BY timestamp_ms ASC, id ASC
	`

	var wallets []string
	if len(q.WalletIDs) > 0 {
		wallets = q.WalletIDs
	}

	rows, err := s.pool.Query(ctx, query,
		wallets, string(q.Type), q.StartMs, q.EndMs, q.UnlinkedOnly, q.AssetID)
	if err != nil {
		return nil, fmt.Errorf("get onchain transfers: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetByOnChainTxID retrieves transactions carrying the given on-chain hash.
func (s *TransactionStore) GetByOnChainTxID(ctx context.Context, txID string) ([]*domain.CanonicalTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE onchain_tx_id = $1 ORDER BY timestamp_ms ASC, id ASC`, txID)
	if err != nil {
		return nil, fmt.Errorf("get transactions by onchain tx id: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// LinkPair commits a bidirectional link between two transactions in one
// atomic update. Returns ErrAlreadyLinked if either side carries a link.
func (s *TransactionStore) LinkPair(ctx context.Context, aID, bID string) error {
	if aID == "" || bID == "" || aID == bID {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Both rows must exist and be unlinked; the conditional update either
	// flips both or neither.
	query := `
		UPDATE transactions
		SET linked_transaction_id = CASE WHEN id = $1 THEN $2 ELSE $1 END
		WHERE id IN ($1, $2) AND linked_transaction_id IS NULL
	`
	tag, err := tx.Exec(ctx, query, aID, bID)
	if err != nil {
		return fmt.Errorf("link pair: %w", err)
	}

	if tag.RowsAffected() != 2 {
		var existing int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM transactions WHERE id IN ($1, $2)`, aID, bID).Scan(&existing); err != nil {
			return fmt.Errorf("link pair precheck: %w", err)
		}
		if existing != 2 {
			return storage.ErrNotFound
		}
		return storage.ErrAlreadyLinked
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpdateType reclassifies a transaction.
func (s *TransactionStore) UpdateType(ctx context.Context, id string, typ domain.TransactionType) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET type = $2 WHERE id = $1`, id, string(typ))
	if err != nil {
		return fmt.Errorf("update transaction type: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetLedgerByUser retrieves every flow of a user joined with its transaction,
// ordered by (timestamp, transaction id, flow id) ASC.
func (s *TransactionStore) GetLedgerByUser(ctx context.Context, userID string) ([]*storage.LedgerEntry, error) {
	query := `
		SELECT t.id, t.source, t.connection_id, t.wallet_id, t.user_id, t.external_id, t.type,
		       t.timestamp_ms, t.total_value_usd, t.linked_transaction_id, t.onchain_tx_id, t.raw, t.created_at,
		       f.id, f.transaction_id, f.asset_id, f.decimals, f.raw_amount, f.amount,
		       f.direction, f.value_usd, f.is_fee
		FROM transactions t
		JOIN flows f ON f.transaction_id = t.id
		WHERE t.user_id = $1
		ORDER BY t.timestamp_ms ASC, t.id ASC, f.id ASC
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("get ledger by user: %w", err)
	}
	defer rows.Close()

	var result []*storage.LedgerEntry
	for rows.Next() {
		var t domain.CanonicalTransaction
		var f domain.Flow
		var source, typ, direction, amount string
		var connID, walletID, onchainID *string
		var raw []byte

		err := rows.Scan(
			&t.ID, &source, &connID, &walletID, &t.UserID, &t.ExternalID, &typ,
			&t.Timestamp, &t.TotalValueUSD, &t.LinkedTransactionID, &onchainID, &raw, &t.CreatedAt,
			&f.ID, &f.TransactionID, &f.AssetID, &f.Decimals, &f.RawAmount, &amount,
			&direction, &f.ValueUSD, &f.IsFee,
		)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}

		t.Source = domain.TransactionSource(source)
		t.Type = domain.TransactionType(typ)
		t.ConnectionID = deref(connID)
		t.WalletID = deref(walletID)
		t.OnChainTxID = deref(onchainID)
		t.Raw = raw
		f.Direction = domain.FlowDirection(direction)
		f.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse flow amount %q: %w", amount, err)
		}

		result = append(result, &storage.LedgerEntry{Flow: &f, Transaction: &t})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return result, nil
}

// scanTransaction scans one row into a CanonicalTransaction.
func scanTransaction(row pgx.Row) (*domain.CanonicalTransaction, error) {
	var t domain.CanonicalTransaction
	var source, typ string
	var connID, walletID, onchainID *string
	var raw []byte

	err := row.Scan(
		&t.ID, &source, &connID, &walletID, &t.UserID, &t.ExternalID, &typ,
		&t.Timestamp, &t.TotalValueUSD, &t.LinkedTransactionID, &onchainID, &raw, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Source = domain.TransactionSource(source)
	t.Type = domain.TransactionType(typ)
	t.ConnectionID = deref(connID)
	t.WalletID = deref(walletID)
	t.OnChainTxID = deref(onchainID)
	t.Raw = raw
	return &t, nil
}

// scanTransactions scans multiple rows.
func scanTransactions(rows pgx.Rows) ([]*domain.CanonicalTransaction, error) {
	var result []*domain.CanonicalTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return result, nil
}

// scanFlows scans multiple flow rows.
func scanFlows(rows pgx.Rows) ([]*domain.Flow, error) {
	var result []*domain.Flow
	for rows.Next() {
		var f domain.Flow
		var direction, amount string

		err := rows.Scan(
			&f.ID, &f.TransactionID, &f.AssetID, &f.Decimals, &f.RawAmount, &amount,
			&direction, &f.ValueUSD, &f.IsFee,
		)
		if err != nil {
			return nil, fmt.Errorf("scan flow row: %w", err)
		}

		f.Direction = domain.FlowDirection(direction)
		f.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse flow amount %q: %w", amount, err)
		}
		result = append(result, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow rows: %w", err)
	}
	return result, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
