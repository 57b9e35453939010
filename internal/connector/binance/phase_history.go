package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"ledgersync/internal/connector"
	"ledgersync/internal/domain"
)

const (
	daySpan30 = 30 * 24 * int64(time.Hour/time.Millisecond)
	daySpan90 = 90 * 24 * int64(time.Hour/time.Millisecond)
	daySpan7  = 7 * 24 * int64(time.Hour/time.Millisecond)

	sapiPageSize = 100
)

// pagedWindow walks a current/size paginated SAPI endpoint across one time
// window, handing each row at rowsPath to emit. It pages until a short page,
// so the caller never needs window bisection.
func (c *Connector) pagedWindow(ctx context.Context, path, rowsPath string, w connector.Window, extra url.Values, emit func(row gjson.Result)) (int, error) {
	total := 0
	for current := 1; ; current++ {
		if err := c.pacer.Wait(ctx); err != nil {
			return total, err
		}
		params := url.Values{}
		for k, vs := range extra {
			for _, v := range vs {
				params.Add(k, v)
			}
		}
		params.Set("startTime", strconv.FormatInt(w.Start, 10))
		params.Set("endTime", strconv.FormatInt(w.End-1, 10))
		params.Set("current", strconv.Itoa(current))
		params.Set("size", strconv.Itoa(sapiPageSize))

		doc, err := c.sapi.get(ctx, path, params)
		if err != nil {
			return total, err
		}
		// An empty rowsPath means the endpoint returns a bare array.
		rows := doc.Array()
		if rowsPath != "" {
			rows = doc.Get(rowsPath).Array()
		}
		for _, row := range rows {
			emit(row)
		}
		total += len(rows)
		if len(rows) < sapiPageSize {
			return total, nil
		}
	}
}

// convCursor is the phase 2 resume state.
type convCursor struct {
	Convert connector.SyncRange `json:"convert"`
	Dust    connector.SyncRange `json:"dust"`
}

func (c *Connector) fetchConversions(ctx context.Context, opts connector.FetchOptions) (*connector.PhaseResult, error) {
	res := &connector.PhaseResult{Phase: connector.PhaseConversions}

	var cur convCursor
	if !opts.FullSync && len(opts.Cursor) > 0 {
		if err := json.Unmarshal(opts.Cursor, &cur); err != nil {
			return nil, fmt.Errorf("binance: conversions cursor: %w", err)
		}
	}
	now := time.Now().UnixMilli()

	res.Run("convert", func() error {
		return cur.Convert.Sync(ctx, opts.Since, now, daySpan30, transferPageCap,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchConvertFlow(ctx, w, res)
			})
	})
	res.Run("dust", func() error {
		return cur.Dust.Sync(ctx, opts.Since, now, daySpan90, sapiPageSize,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchDustLog(ctx, w, res)
			})
	})

	cursor, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("binance: encode conversions cursor: %w", err)
	}
	res.Cursor = cursor
	return res, nil
}

func (c *Connector) fetchConvertFlow(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(w.Start, 10))
	params.Set("endTime", strconv.FormatInt(w.End-1, 10))
	params.Set("limit", strconv.Itoa(transferPageCap))

	doc, err := c.sapi.get(ctx, "/sapi/v1/convert/tradeFlow", params)
	if err != nil {
		return 0, err
	}
	for _, row := range doc.Get("list").Array() {
		if row.Get("orderStatus").String() != "SUCCESS" {
			continue
		}
		res.Add(&domain.ExchangeRecord{
			Type:        domain.RecordConvert,
			ExternalID:  "convert-" + row.Get("orderId").String(),
			Timestamp:   row.Get("createTime").Int(),
			Asset:       row.Get("toAsset").String(),
			Amount:      parseDecimal(row.Get("toAmount").String()),
			QuoteAsset:  row.Get("fromAsset").String(),
			QuoteAmount: parseDecimal(row.Get("fromAmount").String()),
			Raw:         json.RawMessage(row.Raw),
		})
	}
	n := int(doc.Get("list.#").Int())
	if doc.Get("moreFlag").Bool() {
		// Window truncated upstream; report a full page to force a bisect.
		n = transferPageCap
	}
	return n, nil
}

func (c *Connector) fetchDustLog(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(w.Start, 10))
	params.Set("endTime", strconv.FormatInt(w.End-1, 10))

	doc, err := c.sapi.get(ctx, "/sapi/v1/asset/dribblet", params)
	if err != nil {
		return 0, err
	}
	sweeps := doc.Get("userAssetDribblets").Array()
	for _, sweep := range sweeps {
		for _, det := range sweep.Get("userAssetDribbletDetails").Array() {
			transID := det.Get("transId").Int()
			fromAsset := det.Get("fromAsset").String()
			res.Add(&domain.ExchangeRecord{
				Type:        domain.RecordDustConvert,
				ExternalID:  fmt.Sprintf("dust-%d-%s", transID, fromAsset),
				Timestamp:   det.Get("operateTime").Int(),
				Asset:       "BNB",
				Amount:      parseDecimal(det.Get("transferedAmount").String()),
				QuoteAsset:  fromAsset,
				QuoteAmount: parseDecimal(det.Get("amount").String()),
				Fee:         parseDecimal(det.Get("serviceChargeAmount").String()),
				FeeAsset:    "BNB",
				Raw:         json.RawMessage(det.Raw),
			})
		}
	}
	return len(sweeps), nil
}

// passiveCursor is the phase 3 resume state.
type passiveCursor struct {
	Dividends connector.SyncRange `json:"dividends"`
	Earn      connector.SyncRange `json:"earn"`
	Staking   connector.SyncRange `json:"staking"`
}

func (c *Connector) fetchPassive(ctx context.Context, opts connector.FetchOptions) (*connector.PhaseResult, error) {
	res := &connector.PhaseResult{Phase: connector.PhasePassive}

	var cur passiveCursor
	if !opts.FullSync && len(opts.Cursor) > 0 {
		if err := json.Unmarshal(opts.Cursor, &cur); err != nil {
			return nil, fmt.Errorf("binance: passive cursor: %w", err)
		}
	}
	now := time.Now().UnixMilli()

	res.Run("dividends", func() error {
		return cur.Dividends.Sync(ctx, opts.Since, now, daySpan90, 500,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchDividends(ctx, w, res)
			})
	})
	res.Run("earn-rewards", func() error {
		return cur.Earn.Sync(ctx, opts.Since, now, daySpan90, 0,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchEarnRewards(ctx, w, res)
			})
	})
	res.Run("staking", func() error {
		return cur.Staking.Sync(ctx, opts.Since, now, daySpan90, 0,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchStakingRecords(ctx, w, res)
			})
	})

	cursor, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("binance: encode passive cursor: %w", err)
	}
	res.Cursor = cursor
	return res, nil
}

func (c *Connector) fetchDividends(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(w.Start, 10))
	params.Set("endTime", strconv.FormatInt(w.End-1, 10))
	params.Set("limit", "500")

	doc, err := c.sapi.get(ctx, "/sapi/v1/asset/assetDividend", params)
	if err != nil {
		return 0, err
	}
	rows := doc.Get("rows").Array()
	for _, row := range rows {
		res.Add(&domain.ExchangeRecord{
			Type:       domain.RecordDividend,
			ExternalID: "div-" + row.Get("tranId").String(),
			Timestamp:  row.Get("divTime").Int(),
			Asset:      row.Get("asset").String(),
			Amount:     parseDecimal(row.Get("amount").String()),
			Raw:        json.RawMessage(row.Raw),
		})
	}
	return len(rows), nil
}

func (c *Connector) fetchEarnRewards(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	total := 0
	for _, rewardType := range []string{"BONUS", "REALTIME", "REWARDS"} {
		extra := url.Values{}
		extra.Set("type", rewardType)
		n, err := c.pagedWindow(ctx, "/sapi/v1/simple-earn/flexible/history/rewardsRecord", "rows", w, extra,
			func(row gjson.Result) {
				asset := row.Get("asset").String()
				ts := row.Get("time").Int()
				res.Add(&domain.ExchangeRecord{
					Type:       domain.RecordInterest,
					ExternalID: fmt.Sprintf("earn-%s-%s-%d", rewardType, asset, ts),
					Timestamp:  ts,
					Asset:      asset,
					Amount:     parseDecimal(row.Get("rewards").String()),
					Raw:        json.RawMessage(row.Raw),
				})
			})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var stakingTxnTypes = map[string]domain.RecordType{
	"SUBSCRIPTION": domain.RecordStake,
	"REDEMPTION":   domain.RecordUnstake,
	"INTEREST":     domain.RecordInterest,
}

func (c *Connector) fetchStakingRecords(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	total := 0
	for _, txnType := range []string{"SUBSCRIPTION", "REDEMPTION", "INTEREST"} {
		recordType := stakingTxnTypes[txnType]
		extra := url.Values{}
		extra.Set("product", "STAKING")
		extra.Set("txnType", txnType)
		n, err := c.pagedWindow(ctx, "/sapi/v1/staking/stakingRecord", "", w, extra,
			func(row gjson.Result) {
				ts := row.Get("time").Int()
				asset := row.Get("asset").String()
				res.Add(&domain.ExchangeRecord{
					Type:       recordType,
					ExternalID: fmt.Sprintf("stake-%s-%s-%s-%d", txnType, row.Get("positionId").String(), asset, ts),
					Timestamp:  ts,
					Asset:      asset,
					Amount:     parseDecimal(row.Get("amount").String()),
					Raw:        json.RawMessage(row.Raw),
				})
			})
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// marginCursor is the phase 4 resume state.
type marginCursor struct {
	Borrows      connector.SyncRange `json:"borrows"`
	Repays       connector.SyncRange `json:"repays"`
	Interest     connector.SyncRange `json:"interest"`
	Liquidations connector.SyncRange `json:"liquidations"`
}

func (c *Connector) fetchMargin(ctx context.Context, opts connector.FetchOptions) (*connector.PhaseResult, error) {
	res := &connector.PhaseResult{Phase: connector.PhaseMargin}

	var cur marginCursor
	if !opts.FullSync && len(opts.Cursor) > 0 {
		if err := json.Unmarshal(opts.Cursor, &cur); err != nil {
			return nil, fmt.Errorf("binance: margin cursor: %w", err)
		}
	}
	now := time.Now().UnixMilli()

	res.Run("borrows", func() error {
		return cur.Borrows.Sync(ctx, opts.Since, now, daySpan30, 0,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchBorrowRepay(ctx, w, "BORROW", res)
			})
	})
	res.Run("repays", func() error {
		return cur.Repays.Sync(ctx, opts.Since, now, daySpan30, 0,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchBorrowRepay(ctx, w, "REPAY", res)
			})
	})
	res.Run("interest", func() error {
		return cur.Interest.Sync(ctx, opts.Since, now, daySpan30, 0,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchMarginInterest(ctx, w, res)
			})
	})
	res.Run("liquidations", func() error {
		return cur.Liquidations.Sync(ctx, opts.Since, now, daySpan7, 0,
			func(ctx context.Context, w connector.Window) (int, error) {
				return c.fetchLiquidations(ctx, w, res)
			})
	})

	cursor, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("binance: encode margin cursor: %w", err)
	}
	res.Cursor = cursor
	return res, nil
}

func (c *Connector) fetchBorrowRepay(ctx context.Context, w connector.Window, kind string, res *connector.PhaseResult) (int, error) {
	recordType := domain.RecordMarginBorrow
	prefix := "borrow"
	if kind == "REPAY" {
		recordType = domain.RecordMarginRepay
		prefix = "repay"
	}
	extra := url.Values{}
	extra.Set("type", kind)
	return c.pagedWindow(ctx, "/sapi/v1/margin/borrow-repay", "rows", w, extra,
		func(row gjson.Result) {
			if row.Get("status").String() != "CONFIRMED" {
				return
			}
			res.Add(&domain.ExchangeRecord{
				Type:       recordType,
				ExternalID: fmt.Sprintf("%s-%s", prefix, row.Get("txId").String()),
				Timestamp:  row.Get("timestamp").Int(),
				Asset:      row.Get("asset").String(),
				Amount:     parseDecimal(row.Get("principal").String()),
				Raw:        json.RawMessage(row.Raw),
			})
		})
}

func (c *Connector) fetchMarginInterest(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	return c.pagedWindow(ctx, "/sapi/v1/margin/interestHistory", "rows", w, nil,
		func(row gjson.Result) {
			res.Add(&domain.ExchangeRecord{
				Type:       domain.RecordMarginInterest,
				ExternalID: "marginInterest-" + row.Get("txId").String(),
				Timestamp:  row.Get("interestAccuredTime").Int(),
				Asset:      row.Get("asset").String(),
				Amount:     parseDecimal(row.Get("interest").String()),
				Raw:        json.RawMessage(row.Raw),
			})
		})
}

func (c *Connector) fetchLiquidations(ctx context.Context, w connector.Window, res *connector.PhaseResult) (int, error) {
	return c.pagedWindow(ctx, "/sapi/v1/margin/forceLiquidationRec", "rows", w, nil,
		func(row gjson.Result) {
			symbol := row.Get("symbol").String()
			base, quote := splitSymbol(symbol)
			side := domain.SideSell
			if strings.EqualFold(row.Get("side").String(), "BUY") {
				side = domain.SideBuy
			}
			res.Add(&domain.ExchangeRecord{
				Type:       domain.RecordMarginLiquidation,
				ExternalID: "liq-" + row.Get("orderId").String(),
				Timestamp:  row.Get("updatedTime").Int(),
				Asset:      base,
				Amount:     parseDecimal(row.Get("executedQty").String()),
				Price:      parseDecimal(row.Get("avgPrice").String()),
				Side:       side,
				Pair:       symbol,
				QuoteAsset: quote,
				Raw:        json.RawMessage(row.Raw),
			})
		})
}

// splitSymbol separates a concatenated pair on its quote-asset suffix. An
// unknown quote leaves the base empty and the pair intact for downstream
// inspection.
func splitSymbol(symbol string) (base, quote string) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return "", ""
}
