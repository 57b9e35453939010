package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// RecordType enumerates the raw activity kinds a connector can emit.
type RecordType string

const (
	RecordTrade             RecordType = "TRADE"
	RecordDeposit           RecordType = "DEPOSIT"
	RecordWithdrawal        RecordType = "WITHDRAWAL"
	RecordFee               RecordType = "FEE"
	RecordFiatBuy           RecordType = "FIAT_BUY"
	RecordFiatSell          RecordType = "FIAT_SELL"
	RecordConvert           RecordType = "CONVERT"
	RecordDustConvert       RecordType = "DUST_CONVERT"
	RecordC2CTrade          RecordType = "C2C_TRADE"
	RecordStake             RecordType = "STAKE"
	RecordUnstake           RecordType = "UNSTAKE"
	RecordInterest          RecordType = "INTEREST"
	RecordDividend          RecordType = "DIVIDEND"
	RecordMarginBorrow      RecordType = "MARGIN_BORROW"
	RecordMarginRepay       RecordType = "MARGIN_REPAY"
	RecordMarginInterest    RecordType = "MARGIN_INTEREST"
	RecordMarginLiquidation RecordType = "MARGIN_LIQUIDATION"
	RecordMining            RecordType = "MINING"
)

// TradeSide for TRADE records.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// ExchangeRecord is the raw, immutable unit of activity emitted by a
// connector before canonical mapping. ExternalID must be stable across
// re-fetches of the same vendor record.
type ExchangeRecord struct {
	Type       RecordType
	ExternalID string
	Timestamp  int64 // unix ms

	Asset  string
	Amount decimal.Decimal

	// Optional, type-dependent.
	Price       decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
	Side        TradeSide
	Pair        string
	QuoteAsset  string
	QuoteAmount decimal.Decimal
	Network     string
	TxID        string // on-chain hash, when the venue reports one
	Address     string // on-chain address, when the venue reports one

	Raw json.RawMessage
}
