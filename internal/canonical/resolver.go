package canonical

import "strings"

// AssetResolver maps a venue symbol to a canonical asset id and its decimal
// precision. Implementations may consult an asset registry; resolution must
// never block mapping, so a best-effort answer is always returned.
type AssetResolver interface {
	Resolve(exchange, symbol string) (assetID string, decimals int)
}

// defaultDecimals is used when no registry knows the asset's precision.
const defaultDecimals = 8

// PseudoResolver is the fallback resolver: it returns an `exchange:<SYMBOL>`
// pseudo-id so downstream logic keeps working before asset metadata exists.
type PseudoResolver struct{}

func (PseudoResolver) Resolve(_, symbol string) (string, int) {
	return "exchange:" + strings.ToUpper(symbol), defaultDecimals
}

// stablecoins are assets assumed to trade 1:1 with USD for valuation
// inference.
var stablecoins = map[string]bool{
	"USD":   true,
	"USDT":  true,
	"USDC":  true,
	"BUSD":  true,
	"FDUSD": true,
	"TUSD":  true,
	"USDP":  true,
	"GUSD":  true,
	"DAI":   true,
}

// IsStablecoin reports whether the symbol is treated as USD-pegged.
func IsStablecoin(symbol string) bool {
	return stablecoins[strings.ToUpper(symbol)]
}
