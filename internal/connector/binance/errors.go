package binance

import (
	"errors"

	"github.com/adshao/go-binance/v2/common"
)

// invalidSymbolCode is returned for symbols the venue does not list. Probing
// the asset universe against quote currencies hits this constantly, so it is
// treated as "no such market", not a failure.
const invalidSymbolCode = -1121

// asAPIError extracts the vendor error code from either the SDK error type
// or the sapiClient error type.
func asAPIError(err error) (int64, bool) {
	var sapi *apiError
	if errors.As(err, &sapi) {
		return sapi.Code, true
	}
	var sdk *common.APIError
	if errors.As(err, &sdk) {
		return sdk.Code, true
	}
	return 0, false
}

func isInvalidSymbol(err error) bool {
	code, ok := asAPIError(err)
	return ok && code == invalidSymbolCode
}
