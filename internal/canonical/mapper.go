// Package canonical turns raw exchange records into canonical transactions
// with their flows. Mapping is a pure function of the record and the owning
// connection; it performs no I/O.
package canonical

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"ledgersync/internal/domain"
	"ledgersync/internal/idhash"
)

// ErrUnmappedType marks a record whose vendor kind has no canonical mapping.
// Callers queue these for manual review instead of dropping them.
var ErrUnmappedType = errors.New("canonical: unmapped record type")

// Mapper builds canonical transactions from exchange records.
type Mapper struct {
	resolver AssetResolver
}

func NewMapper(resolver AssetResolver) *Mapper {
	if resolver == nil {
		resolver = PseudoResolver{}
	}
	return &Mapper{resolver: resolver}
}

// shape builds the flows for one record type. Returning the flows unvalued
// is fine; valuation is layered on afterwards.
type shape func(m *Mapper, b *builder, rec *domain.ExchangeRecord)

var shapes = map[domain.RecordType]shape{
	domain.RecordTrade:             mapTrade,
	domain.RecordMarginLiquidation: mapTrade,
	domain.RecordDeposit:           mapSingle(domain.FlowIn, false),
	domain.RecordFiatBuy:           mapSingle(domain.FlowIn, false),
	domain.RecordInterest:          mapSingle(domain.FlowIn, false),
	domain.RecordDividend:          mapSingle(domain.FlowIn, false),
	domain.RecordMining:            mapSingle(domain.FlowIn, false),
	domain.RecordMarginBorrow:      mapSingle(domain.FlowIn, false),
	domain.RecordUnstake:           mapSingle(domain.FlowIn, false),
	domain.RecordWithdrawal:        mapSingle(domain.FlowOut, false),
	domain.RecordFiatSell:          mapSingle(domain.FlowOut, false),
	domain.RecordMarginRepay:       mapSingle(domain.FlowOut, false),
	domain.RecordStake:             mapSingle(domain.FlowOut, false),
	domain.RecordFee:               mapSingle(domain.FlowOut, true),
	domain.RecordMarginInterest:    mapSingle(domain.FlowOut, true),
	domain.RecordConvert:           mapConvert,
	domain.RecordDustConvert:       mapConvert,
	domain.RecordC2CTrade:          mapConvert,
}

// txTypes maps record kinds onto the canonical taxonomy.
var txTypes = map[domain.RecordType]domain.TransactionType{
	domain.RecordTrade:             domain.TxTrade,
	domain.RecordDeposit:           domain.TxDeposit,
	domain.RecordWithdrawal:        domain.TxWithdrawal,
	domain.RecordFee:               domain.TxFee,
	domain.RecordFiatBuy:           domain.TxFiatBuy,
	domain.RecordFiatSell:          domain.TxFiatSell,
	domain.RecordConvert:           domain.TxConvert,
	domain.RecordDustConvert:       domain.TxDustConvert,
	domain.RecordC2CTrade:          domain.TxC2CTrade,
	domain.RecordStake:             domain.TxStake,
	domain.RecordUnstake:           domain.TxUnstake,
	domain.RecordInterest:          domain.TxInterest,
	domain.RecordDividend:          domain.TxDividend,
	domain.RecordMarginBorrow:      domain.TxMarginBorrow,
	domain.RecordMarginRepay:       domain.TxMarginRepay,
	domain.RecordMarginInterest:    domain.TxMarginInterest,
	domain.RecordMarginLiquidation: domain.TxMarginLiquidation,
	domain.RecordMining:            domain.TxMining,
}

// Map converts one exchange record. The transaction id is deterministic in
// (connection, externalID), so re-mapping the same record is idempotent.
func (m *Mapper) Map(conn *domain.Connection, rec *domain.ExchangeRecord) (*domain.CanonicalTransaction, []domain.Flow, error) {
	txType, ok := txTypes[rec.Type]
	buildShape := shapes[rec.Type]
	if !ok || buildShape == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnmappedType, rec.Type)
	}

	tx := &domain.CanonicalTransaction{
		ID:           idhash.ComputeTransactionID(string(domain.SourceExchange), conn.ID, rec.ExternalID),
		Source:       domain.SourceExchange,
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		ExternalID:   rec.ExternalID,
		Type:         txType,
		Timestamp:    rec.Timestamp,
		OnChainTxID:  rec.TxID,
		Raw:          rec.Raw,
	}

	b := &builder{mapper: m, exchange: conn.Exchange, tx: tx}
	buildShape(m, b, rec)

	total := totalValueUSD(b.flows, rec.Raw)
	tx.TotalValueUSD = total
	return tx, b.flows, nil
}

// builder accumulates flows for one transaction.
type builder struct {
	mapper   *Mapper
	exchange string
	tx       *domain.CanonicalTransaction
	flows    []domain.Flow
}

func (b *builder) add(symbol string, amount decimal.Decimal, dir domain.FlowDirection, valueUSD *float64, isFee bool) {
	if amount.IsZero() {
		return
	}
	assetID, decimals := b.mapper.resolver.Resolve(b.exchange, symbol)
	b.flows = append(b.flows, domain.Flow{
		TransactionID: b.tx.ID,
		AssetID:       assetID,
		Decimals:      decimals,
		RawAmount:     amount.Shift(int32(decimals)).Truncate(0).String(),
		Amount:        amount,
		Direction:     dir,
		ValueUSD:      valueUSD,
		IsFee:         isFee,
	})
}

func (b *builder) addFee(rec *domain.ExchangeRecord) {
	if rec.Fee.IsZero() {
		return
	}
	feeAsset := rec.FeeAsset
	if feeAsset == "" {
		feeAsset = rec.Asset
	}
	b.add(feeAsset, rec.Fee, domain.FlowOut, stableValue(feeAsset, rec.Fee), true)
}

// mapSingle covers the record kinds that move exactly one asset.
func mapSingle(dir domain.FlowDirection, isFee bool) shape {
	return func(m *Mapper, b *builder, rec *domain.ExchangeRecord) {
		b.add(rec.Asset, rec.Amount, dir, stableValue(rec.Asset, rec.Amount), isFee)
		if !isFee {
			b.addFee(rec)
		}
	}
}

// mapTrade covers TRADE-shaped records: base leg, quote leg, optional fee.
func mapTrade(m *Mapper, b *builder, rec *domain.ExchangeRecord) {
	baseDir, quoteDir := domain.FlowIn, domain.FlowOut
	if rec.Side == domain.SideSell {
		baseDir, quoteDir = domain.FlowOut, domain.FlowIn
	}

	quoteAmount := rec.QuoteAmount
	if quoteAmount.IsZero() && !rec.Price.IsZero() {
		quoteAmount = rec.Amount.Mul(rec.Price)
	}

	// With a USD-pegged quote, both legs are worth the quote amount.
	var baseValue, quoteValue *float64
	if IsStablecoin(rec.QuoteAsset) && !quoteAmount.IsZero() {
		v, _ := quoteAmount.Float64()
		baseValue, quoteValue = &v, cloneFloat(v)
	}

	b.add(rec.Asset, rec.Amount, baseDir, baseValue, false)
	b.add(rec.QuoteAsset, quoteAmount, quoteDir, quoteValue, false)
	b.addFee(rec)
}

// mapConvert covers conversion-shaped records: OUT of the source asset, IN
// of the target asset. Either leg may be absent when a venue reports the
// legs as separate records.
func mapConvert(m *Mapper, b *builder, rec *domain.ExchangeRecord) {
	var inValue, outValue *float64
	switch {
	case IsStablecoin(rec.QuoteAsset) && !rec.QuoteAmount.IsZero():
		v, _ := rec.QuoteAmount.Float64()
		inValue, outValue = &v, cloneFloat(v)
	case IsStablecoin(rec.Asset) && !rec.Amount.IsZero():
		v, _ := rec.Amount.Float64()
		inValue, outValue = &v, cloneFloat(v)
	}

	b.add(rec.Asset, rec.Amount, domain.FlowIn, inValue, false)
	b.add(rec.QuoteAsset, rec.QuoteAmount, domain.FlowOut, outValue, false)
	b.addFee(rec)
}

// totalValueUSD implements the valuation fallback chain: sum of non-fee flow
// values when any leg is valued, else a heuristic probe of the raw payload.
func totalValueUSD(flows []domain.Flow, raw []byte) *float64 {
	var inSum, outSum float64
	var inKnown, outKnown bool
	for _, f := range flows {
		if f.IsFee || f.ValueUSD == nil {
			continue
		}
		if f.Direction == domain.FlowIn {
			inSum += *f.ValueUSD
			inKnown = true
		} else {
			outSum += *f.ValueUSD
			outKnown = true
		}
	}
	switch {
	case inKnown:
		return &inSum
	case outKnown:
		return &outSum
	}
	return probeRawUSD(raw)
}

// probeRawUSD extracts a USD total from vendor payload fields some venues
// embed, e.g. Coinbase's native_amount.
func probeRawUSD(raw []byte) *float64 {
	if len(raw) == 0 {
		return nil
	}
	doc := gjson.ParseBytes(raw)
	for _, path := range []string{"native_amount.amount", "usdValue", "amountUsd"} {
		if v := doc.Get(path); v.Exists() {
			f := v.Float()
			if f < 0 {
				f = -f
			}
			if f > 0 {
				return &f
			}
		}
	}
	return nil
}

func stableValue(asset string, amount decimal.Decimal) *float64 {
	if !IsStablecoin(asset) || amount.IsZero() {
		return nil
	}
	v, _ := amount.Abs().Float64()
	return &v
}

func cloneFloat(v float64) *float64 { return &v }
