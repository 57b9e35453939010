package domain

import "github.com/shopspring/decimal"

// Flow is one directional asset movement owned by a CanonicalTransaction.
// A transaction owns 0..N flows (a trade owns an IN, an OUT and optionally a
// fee OUT; a plain deposit owns a single IN).
type Flow struct {
	ID            int64
	TransactionID string
	AssetID       string
	Decimals      int
	RawAmount     string // base units as reported by the venue
	Amount        decimal.Decimal
	Direction     FlowDirection
	ValueUSD      *float64 // non-negative when present, nil when price unknown
	IsFee         bool
}

// SignedAmount returns the amount negated for OUT flows.
func (f *Flow) SignedAmount() decimal.Decimal {
	if f.Direction == FlowOut {
		return f.Amount.Neg()
	}
	return f.Amount
}
