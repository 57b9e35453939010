// Package pricing resolves historical USD prices for canonical assets.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"ledgersync/internal/canonical"
	"ledgersync/internal/storage"
)

// Oracle answers point-in-time USD price queries. A nil price with a nil
// error is a valid answer: the price is unknown and callers must degrade
// gracefully.
type Oracle interface {
	Price(ctx context.Context, assetID string, timestampMs int64) (*float64, error)
}

const (
	// priceBucketMs groups lookups into hourly buckets for caching.
	priceBucketMs = int64(time.Hour / time.Millisecond)

	// defaultToleranceMs bounds how far from the requested instant a stored
	// price point may be and still count as an answer.
	defaultToleranceMs = 6 * int64(time.Hour/time.Millisecond)

	cacheTTL         = 30 * time.Minute
	negativeCacheTTL = 5 * time.Minute
)

// StoreOracle serves prices from a PricePointStore through an in-memory
// cache. Stablecoins short-circuit to 1.0 without touching the store.
type StoreOracle struct {
	store       storage.PricePointStore
	cache       *gocache.Cache
	toleranceMs int64
}

// StoreOracleOptions configures NewStoreOracle.
type StoreOracleOptions struct {
	ToleranceMs int64
}

func NewStoreOracle(store storage.PricePointStore, opts StoreOracleOptions) *StoreOracle {
	tolerance := opts.ToleranceMs
	if tolerance <= 0 {
		tolerance = defaultToleranceMs
	}
	return &StoreOracle{
		store:       store,
		cache:       gocache.New(cacheTTL, 2*cacheTTL),
		toleranceMs: tolerance,
	}
}

func (o *StoreOracle) Price(ctx context.Context, assetID string, timestampMs int64) (*float64, error) {
	if symbol, ok := strings.CutPrefix(assetID, "exchange:"); ok && canonical.IsStablecoin(symbol) {
		one := 1.0
		return &one, nil
	}

	key := fmt.Sprintf("%s:%d", assetID, timestampMs/priceBucketMs)
	if cached, ok := o.cache.Get(key); ok {
		return cached.(*float64), nil
	}

	point, err := o.store.GetNearest(ctx, assetID, timestampMs, o.toleranceMs)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.cache.Set(key, (*float64)(nil), negativeCacheTTL)
			return nil, nil
		}
		return nil, fmt.Errorf("price lookup %s: %w", assetID, err)
	}

	price := point.PriceUSD
	o.cache.Set(key, &price, cacheTTL)
	return &price, nil
}

var _ Oracle = (*StoreOracle)(nil)
