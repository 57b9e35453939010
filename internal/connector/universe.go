package connector

import (
	"sort"
	"strings"

	"ledgersync/internal/domain"
)

// Universe is the set of asset symbols a connection is known to have touched.
// Per-asset endpoints iterate it instead of the venue's full listing, which
// for large exchanges is thousands of symbols.
type Universe struct {
	assets map[string]struct{}
}

// NewUniverse seeds a universe with static symbols (typically the majors the
// venue always quotes against).
func NewUniverse(seed ...string) *Universe {
	u := &Universe{assets: make(map[string]struct{}, len(seed))}
	u.Add(seed...)
	return u
}

// Add inserts symbols, uppercased. Empty strings are ignored.
func (u *Universe) Add(symbols ...string) {
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		u.assets[s] = struct{}{}
	}
}

// AddBalances inserts every asset with a non-zero total balance.
func (u *Universe) AddBalances(balances []domain.Balance) {
	for _, b := range balances {
		if b.Total().IsZero() {
			continue
		}
		u.Add(b.Asset)
	}
}

// AddRecords inserts the assets referenced by already-fetched records, so a
// phase can widen the universe with what an earlier endpoint discovered.
func (u *Universe) AddRecords(records []*domain.ExchangeRecord) {
	for _, r := range records {
		u.Add(r.Asset, r.QuoteAsset, r.FeeAsset)
	}
}

// Contains reports membership, case-insensitively.
func (u *Universe) Contains(symbol string) bool {
	_, ok := u.assets[strings.ToUpper(symbol)]
	return ok
}

// Symbols returns the universe sorted, for deterministic iteration order.
func (u *Universe) Symbols() []string {
	out := make([]string, 0, len(u.assets))
	for s := range u.assets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len returns the universe size.
func (u *Universe) Len() int { return len(u.assets) }
