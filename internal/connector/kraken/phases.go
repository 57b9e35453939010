package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"ledgersync/internal/connector"
	"ledgersync/internal/domain"
)

const (
	// Kraken history endpoints return at most 50 rows per offset page.
	pageSize = 50

	// History queries have no upstream span cap; 90-day slices bound how
	// much progress a failed slice can lose.
	windowSpan = 90 * 24 * int64(time.Hour/time.Millisecond)
)

// ledgerEndpoint binds one Ledgers query type to its record mapping.
type ledgerEndpoint struct {
	name       string
	ledgerType string
	mapRow     func(id string, row gjson.Result) *domain.ExchangeRecord
}

var phaseEndpoints = map[int][]ledgerEndpoint{
	connector.PhaseCore: {
		{name: "deposits", ledgerType: "deposit", mapRow: mapDeposit},
		{name: "withdrawals", ledgerType: "withdrawal", mapRow: mapWithdrawal},
	},
	connector.PhaseConversions: {
		{name: "spend", ledgerType: "spend", mapRow: mapFlowRow(domain.RecordFiatSell)},
		{name: "receive", ledgerType: "receive", mapRow: mapFlowRow(domain.RecordFiatBuy)},
	},
	connector.PhasePassive: {
		{name: "staking-rewards", ledgerType: "staking", mapRow: mapFlowRow(domain.RecordInterest)},
		{name: "staking-transfers", ledgerType: "transfer", mapRow: mapStakingTransfer},
		{name: "dividends", ledgerType: "dividend", mapRow: mapFlowRow(domain.RecordDividend)},
	},
	connector.PhaseMargin: {
		{name: "margin", ledgerType: "margin", mapRow: mapMarginFee},
		{name: "rollover", ledgerType: "rollover", mapRow: mapMarginFee},
	},
}

// phaseCursor is the generic resume state: one covered range per endpoint.
type phaseCursor struct {
	Ranges map[string]connector.SyncRange `json:"ranges,omitempty"`
}

// FetchPhase runs the phase's ledger endpoints, plus trade history in the
// core phase.
func (c *Connector) FetchPhase(ctx context.Context, phase int, opts connector.FetchOptions) (*connector.PhaseResult, error) {
	endpoints, ok := phaseEndpoints[phase]
	if !ok {
		return nil, fmt.Errorf("kraken: unknown phase %d", phase)
	}
	res := &connector.PhaseResult{Phase: phase}

	var cur phaseCursor
	if !opts.FullSync && len(opts.Cursor) > 0 {
		if err := json.Unmarshal(opts.Cursor, &cur); err != nil {
			return nil, fmt.Errorf("kraken: phase %d cursor: %w", phase, err)
		}
	}
	if cur.Ranges == nil {
		cur.Ranges = make(map[string]connector.SyncRange)
	}
	now := time.Now().UnixMilli()

	if phase == connector.PhaseCore {
		res.Run("trades", func() error {
			r := cur.Ranges["trades"]
			err := r.Sync(ctx, opts.Since, now, windowSpan, 0,
				func(ctx context.Context, w connector.Window) (int, error) {
					return c.fetchTrades(ctx, w, res)
				})
			cur.Ranges["trades"] = r
			return err
		})
	}

	for _, ep := range endpoints {
		ep := ep
		res.Run(ep.name, func() error {
			r := cur.Ranges[ep.name]
			err := r.Sync(ctx, opts.Since, now, windowSpan, 0,
				func(ctx context.Context, w connector.Window) (int, error) {
					return c.fetchLedgers(ctx, w, ep, res)
				})
			cur.Ranges[ep.name] = r
			return err
		})
	}

	cursor, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("kraken: encode phase %d cursor: %w", phase, err)
	}
	res.Cursor = cursor
	return res, nil
}

// TestConnection verifies credentials with a balance query.
func (c *Connector) TestConnection(ctx context.Context) error {
	_, err := c.call(ctx, "Balance", nil)
	return err
}

// FetchBalances returns non-zero account balances.
func (c *Connector) FetchBalances(ctx context.Context) ([]domain.Balance, error) {
	result, err := c.call(ctx, "Balance", nil)
	if err != nil {
		return nil, err
	}
	var out []domain.Balance
	result.ForEach(func(key, value gjson.Result) bool {
		amount, err := decimal.NewFromString(value.String())
		if err != nil || amount.IsZero() {
			return true
		}
		out = append(out, domain.Balance{Asset: normalizeAsset(key.String()), Free: amount})
		return true
	})
	return out, nil
}

func (c *Connector) fetchLedgers(ctx context.Context, w connector.Window, ep ledgerEndpoint, res *connector.PhaseResult) (int, error) {
	total := 0
	for ofs := 0; ; {
		params := url.Values{}
		params.Set("type", ep.ledgerType)
		params.Set("start", strconv.FormatInt(w.Start/1000, 10))
		params.Set("end", strconv.FormatInt((w.End-1)/1000, 10))
		params.Set("ofs", strconv.Itoa(ofs))

		result, err := c.call(ctx, "Ledgers", params)
		if err != nil {
			return total, fmt.Errorf("%s ledgers: %w", ep.ledgerType, err)
		}
		rows := result.Get("ledger").Map()
		for id, row := range rows {
			if rec := ep.mapRow(id, row); rec != nil {
				res.Add(rec)
			}
		}
		total += len(rows)
		ofs += len(rows)
		if len(rows) < pageSize {
			return total, nil
		}
	}
}

func (c *Connector) fetchTrades(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	total := 0
	for ofs := 0; ; {
		params := url.Values{}
		params.Set("start", strconv.FormatInt(w.Start/1000, 10))
		params.Set("end", strconv.FormatInt((w.End-1)/1000, 10))
		params.Set("ofs", strconv.Itoa(ofs))

		result, err := c.call(ctx, "TradesHistory", params)
		if err != nil {
			return total, fmt.Errorf("trades history: %w", err)
		}
		rows := result.Get("trades").Map()
		for txid, row := range rows {
			res.Add(mapTrade(txid, row))
		}
		total += len(rows)
		ofs += len(rows)
		if len(rows) < pageSize {
			return total, nil
		}
	}
}

func ledgerTime(row gjson.Result) int64 {
	return int64(row.Get("time").Float() * 1000)
}

func mapDeposit(id string, row gjson.Result) *domain.ExchangeRecord {
	return &domain.ExchangeRecord{
		Type:       domain.RecordDeposit,
		ExternalID: "ledger-" + id,
		Timestamp:  ledgerTime(row),
		Asset:      normalizeAsset(row.Get("asset").String()),
		Amount:     absDecimal(row.Get("amount").String()),
		Fee:        absDecimal(row.Get("fee").String()),
		FeeAsset:   normalizeAsset(row.Get("asset").String()),
		Raw:        json.RawMessage(row.Raw),
	}
}

func mapWithdrawal(id string, row gjson.Result) *domain.ExchangeRecord {
	rec := mapDeposit(id, row)
	rec.Type = domain.RecordWithdrawal
	return rec
}

// mapFlowRow maps a single-asset ledger row to the given record type.
func mapFlowRow(t domain.RecordType) func(id string, row gjson.Result) *domain.ExchangeRecord {
	return func(id string, row gjson.Result) *domain.ExchangeRecord {
		return &domain.ExchangeRecord{
			Type:       t,
			ExternalID: "ledger-" + id,
			Timestamp:  ledgerTime(row),
			Asset:      normalizeAsset(row.Get("asset").String()),
			Amount:     absDecimal(row.Get("amount").String()),
			Fee:        absDecimal(row.Get("fee").String()),
			FeeAsset:   normalizeAsset(row.Get("asset").String()),
			Raw:        json.RawMessage(row.Raw),
		}
	}
}

// mapStakingTransfer classifies transfer rows that move funds between the
// spot and staking wallets. Other transfer subtypes are internal plumbing.
func mapStakingTransfer(id string, row gjson.Result) *domain.ExchangeRecord {
	var t domain.RecordType
	switch row.Get("subtype").String() {
	case "spottostaking", "stakingfromspot":
		t = domain.RecordStake
	case "stakingtospot", "spotfromstaking":
		t = domain.RecordUnstake
	default:
		return nil
	}
	rec := mapFlowRow(t)(id, row)
	return rec
}

// mapMarginFee turns margin and rollover ledger rows into interest charges.
// Rows without a fee carry no cost and are skipped.
func mapMarginFee(id string, row gjson.Result) *domain.ExchangeRecord {
	fee := absDecimal(row.Get("fee").String())
	if fee.IsZero() {
		return nil
	}
	return &domain.ExchangeRecord{
		Type:       domain.RecordMarginInterest,
		ExternalID: "ledger-" + id,
		Timestamp:  ledgerTime(row),
		Asset:      normalizeAsset(row.Get("asset").String()),
		Amount:     fee,
		Raw:        json.RawMessage(row.Raw),
	}
}

func mapTrade(txid string, row gjson.Result) *domain.ExchangeRecord {
	base, quote := splitPair(row.Get("pair").String())
	side := domain.SideSell
	if row.Get("type").String() == "buy" {
		side = domain.SideBuy
	}
	return &domain.ExchangeRecord{
		Type:        domain.RecordTrade,
		ExternalID:  "trade-" + txid,
		Timestamp:   ledgerTime(row),
		Asset:       base,
		Amount:      absDecimal(row.Get("vol").String()),
		Price:       absDecimal(row.Get("price").String()),
		Fee:         absDecimal(row.Get("fee").String()),
		FeeAsset:    quote,
		Side:        side,
		Pair:        row.Get("pair").String(),
		QuoteAsset:  quote,
		QuoteAmount: absDecimal(row.Get("cost").String()),
		Raw:         json.RawMessage(row.Raw),
	}
}

// splitPair separates a Kraken pair code. Classic codes concatenate two
// four-letter codes (XXBTZUSD); newer listings concatenate plain symbols
// against a known quote (SOLUSDT).
func splitPair(pair string) (base, quote string) {
	if len(pair) == 8 && (pair[0] == 'X' || pair[0] == 'Z') && (pair[4] == 'X' || pair[4] == 'Z') {
		return normalizeAsset(pair[:4]), normalizeAsset(pair[4:])
	}
	for _, q := range []string{"USDT", "USDC", "XBT", "USD", "EUR", "GBP", "ETH", "BTC"} {
		if len(pair) > len(q) && pair[len(pair)-len(q):] == q {
			return normalizeAsset(pair[:len(pair)-len(q)]), normalizeAsset(q)
		}
	}
	return pair, ""
}

func absDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d.Abs()
}

var (
	_ connector.Connector      = (*Connector)(nil)
	_ connector.BalanceFetcher = (*Connector)(nil)
)
