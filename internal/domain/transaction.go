package domain

import (
	"encoding/json"
	"time"
)

// TransactionSource identifies which side of the ledger produced a transaction.
type TransactionSource string

const (
	SourceExchange TransactionSource = "EXCHANGE"
	SourceOnChain  TransactionSource = "ONCHAIN"
)

// TransactionType is the canonical taxonomy shared by exchange-side and
// on-chain-side events.
type TransactionType string

const (
	TxTrade             TransactionType = "TRADE"
	TxDeposit           TransactionType = "DEPOSIT"
	TxWithdrawal        TransactionType = "WITHDRAWAL"
	TxFee               TransactionType = "FEE"
	TxFiatBuy           TransactionType = "FIAT_BUY"
	TxFiatSell          TransactionType = "FIAT_SELL"
	TxConvert           TransactionType = "CONVERT"
	TxDustConvert       TransactionType = "DUST_CONVERT"
	TxC2CTrade          TransactionType = "C2C_TRADE"
	TxStake             TransactionType = "STAKE"
	TxUnstake           TransactionType = "UNSTAKE"
	TxInterest          TransactionType = "INTEREST"
	TxDividend          TransactionType = "DIVIDEND"
	TxMarginBorrow      TransactionType = "MARGIN_BORROW"
	TxMarginRepay       TransactionType = "MARGIN_REPAY"
	TxMarginInterest    TransactionType = "MARGIN_INTEREST"
	TxMarginLiquidation TransactionType = "MARGIN_LIQUIDATION"
	TxMining            TransactionType = "MINING"
	TxTransfer          TransactionType = "TRANSFER"
)

// FlowDirection marks an asset movement as entering or leaving the account.
type FlowDirection string

const (
	FlowIn  FlowDirection = "IN"
	FlowOut FlowDirection = "OUT"
)

// CanonicalTransaction is the source-agnostic, deduplicated representation of
// one economic event. (ConnectionID, ExternalID) uniquely identifies a
// transaction; the storage layer rejects duplicates.
type CanonicalTransaction struct {
	ID           string // deterministic hash, see idhash.ComputeTransactionID
	Source       TransactionSource
	ConnectionID string // exchange connection for EXCHANGE, empty for ONCHAIN
	WalletID     string // owning wallet for ONCHAIN, empty for EXCHANGE
	UserID       string
	ExternalID   string // vendor-side id: trade id, tx hash, ledger entry id
	Type         TransactionType

	Timestamp     int64 // unix ms
	TotalValueUSD *float64

	// LinkedTransactionID points to the matched counterpart on the other
	// side of a transfer. Symmetric, at most one link per transaction,
	// written only through TransactionStore.LinkPair.
	LinkedTransactionID *string

	// OnChainTxID is the on-chain hash embedded in an exchange record, when
	// the vendor reports one. Used for direct-reference reconciliation.
	OnChainTxID string

	Raw       json.RawMessage
	CreatedAt time.Time
}

// Time returns the event timestamp as time.Time.
func (t *CanonicalTransaction) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// IsTransfer reports whether the transaction moves an asset across an
// account boundary and is therefore a reconciliation candidate.
func (t *CanonicalTransaction) IsTransfer() bool {
	switch t.Type {
	case TxDeposit, TxWithdrawal, TxTransfer:
		return true
	}
	return false
}
