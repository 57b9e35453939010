package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"ledgersync/internal/connector"
	"ledgersync/internal/domain"
)

const (
	// Binance caps deposit/withdrawal history queries to 90-day ranges.
	transferSpan    = 90 * 24 * int64(time.Hour/time.Millisecond)
	transferPageCap = 1000
	tradePageLimit  = 1000
)

// Deposit and withdrawal status codes that represent settled funds.
const (
	depositCredited     = 1
	depositNoWithdrawal = 6
	withdrawCompleted   = 6
)

// coreCursor is the phase 1 resume state.
type coreCursor struct {
	// TradeFrom maps symbol to the highest trade id already fetched.
	TradeFrom map[string]int64 `json:"tradeFrom,omitempty"`

	Deposits    connector.SyncRange `json:"deposits"`
	Withdrawals connector.SyncRange `json:"withdrawals"`

	// Assets is the discovered universe, carried across runs so assets the
	// account no longer holds keep their trade history synced.
	Assets []string `json:"assets,omitempty"`
}

func (c *Connector) fetchCore(ctx context.Context, opts connector.FetchOptions) (*connector.PhaseResult, error) {
	res := &connector.PhaseResult{Phase: connector.PhaseCore}

	var cur coreCursor
	if !opts.FullSync && len(opts.Cursor) > 0 {
		if err := json.Unmarshal(opts.Cursor, &cur); err != nil {
			return nil, fmt.Errorf("binance: core cursor: %w", err)
		}
	}
	if cur.TradeFrom == nil {
		cur.TradeFrom = make(map[string]int64)
	}
	now := time.Now().UnixMilli()

	universe := connector.NewUniverse(seedAssets...)
	universe.Add(cur.Assets...)
	res.Run("balances", func() error {
		balances, err := c.FetchBalances(ctx)
		if err != nil {
			return err
		}
		universe.AddBalances(balances)
		return nil
	})

	res.Run("deposits", func() error {
		return cur.Deposits.Sync(ctx, opts.Since, now, transferSpan, transferPageCap,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchDeposits(ctx, w, res)
			})
	})
	res.Run("withdrawals", func() error {
		return cur.Withdrawals.Sync(ctx, opts.Since, now, transferSpan, transferPageCap,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchWithdrawals(ctx, w, res)
			})
	})

	// Deposits and withdrawals may reveal assets the balance snapshot
	// no longer shows; widen the universe before probing trade symbols.
	universe.AddRecords(res.Records)

	res.Run("trades", func() error {
		return c.fetchTrades(ctx, universe, cur.TradeFrom, res)
	})

	cur.Assets = universe.Symbols()
	cursor, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("binance: encode core cursor: %w", err)
	}
	res.Cursor = cursor
	return res, nil
}

func (c *Connector) fetchDeposits(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return 0, err
	}
	deposits, err := c.api.NewListDepositsService().
		StartTime(w.Start).
		EndTime(w.End - 1).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("deposits [%d, %d): %w", w.Start, w.End, err)
	}
	for _, d := range deposits {
		if d.Status != depositCredited && d.Status != depositNoWithdrawal {
			continue
		}
		raw, _ := json.Marshal(d)
		externalID := fmt.Sprintf("dep-%s-%s-%d", d.Coin, d.TxID, d.InsertTime)
		res.Add(&domain.ExchangeRecord{
			Type:       domain.RecordDeposit,
			ExternalID: externalID,
			Timestamp:  d.InsertTime,
			Asset:      d.Coin,
			Amount:     parseDecimal(d.Amount),
			Network:    d.Network,
			TxID:       d.TxID,
			Address:    d.Address,
			Raw:        raw,
		})
	}
	return len(deposits), nil
}

func (c *Connector) fetchWithdrawals(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return 0, err
	}
	withdrawals, err := c.api.NewListWithdrawsService().
		StartTime(w.Start).
		EndTime(w.End - 1).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("withdrawals [%d, %d): %w", w.Start, w.End, err)
	}
	for _, wd := range withdrawals {
		if wd.Status != withdrawCompleted {
			continue
		}
		ts, err := parseApplyTime(wd.ApplyTime)
		if err != nil {
			continue // malformed vendor row
		}
		raw, _ := json.Marshal(wd)
		res.Add(&domain.ExchangeRecord{
			Type:       domain.RecordWithdrawal,
			ExternalID: "wd-" + wd.ID,
			Timestamp:  ts,
			Asset:      wd.Coin,
			Amount:     parseDecimal(wd.Amount),
			Fee:        parseDecimal(wd.TransactionFee),
			FeeAsset:   wd.Coin,
			Network:    wd.Network,
			TxID:       wd.TxID,
			Address:    wd.Address,
			Raw:        raw,
		})
	}
	return len(withdrawals), nil
}

func parseApplyTime(s string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// fetchTrades walks every universe × quote symbol with id-based pagination.
// Symbols the venue does not list are skipped; the probe cost is one request
// per symbol per run.
func (c *Connector) fetchTrades(ctx context.Context, universe *connector.Universe, from map[string]int64, res *connector.PhaseResult) error {
	for _, base := range universe.Symbols() {
		for _, quote := range quoteAssets {
			if base == quote {
				continue
			}
			if err := c.fetchSymbolTrades(ctx, base, quote, from, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Connector) fetchSymbolTrades(ctx context.Context, base, quote string, from map[string]int64, res *connector.PhaseResult) error {
	symbol := base + quote
	last := from[symbol]
	for {
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		svc := c.api.NewListTradesService().Symbol(symbol).Limit(tradePageLimit)
		if last > 0 {
			svc.FromID(last + 1)
		} else {
			svc.FromID(0)
		}
		trades, err := svc.Do(ctx)
		if err != nil {
			if isInvalidSymbol(err) {
				return nil
			}
			return fmt.Errorf("trades %s: %w", symbol, err)
		}
		for _, t := range trades {
			res.Add(tradeRecord(symbol, base, quote, t))
			if t.ID > last {
				last = t.ID
			}
		}
		if last > 0 {
			from[symbol] = last
		}
		if len(trades) < tradePageLimit {
			return nil
		}
	}
}

func tradeRecord(symbol, base, quote string, t *gobinance.TradeV3) *domain.ExchangeRecord {
	raw, _ := json.Marshal(t)
	side := domain.SideSell
	if t.IsBuyer {
		side = domain.SideBuy
	}
	return &domain.ExchangeRecord{
		Type:        domain.RecordTrade,
		ExternalID:  fmt.Sprintf("trade-%s-%d", symbol, t.ID),
		Timestamp:   t.Time,
		Asset:       base,
		Amount:      parseDecimal(t.Quantity),
		Price:       parseDecimal(t.Price),
		Fee:         parseDecimal(t.Commission),
		FeeAsset:    t.CommissionAsset,
		Side:        side,
		Pair:        symbol,
		QuoteAsset:  quote,
		QuoteAmount: parseDecimal(t.QuoteQuantity),
		Raw:         raw,
	}
}
