// Package errs registers the typed error kinds returned by settlement
// operations. Callers match them with errors.Is.
package errs

import (
	"cosmossdk.io/errors"
)

// Codespace groups every error code raised by the engine.
const Codespace = "volsettle"

var (
	ErrInvalidInput          = errors.Register(Codespace, 2, "invalid input")
	ErrUnauthorized          = errors.Register(Codespace, 3, "unauthorized")
	ErrInsufficientBalance   = errors.Register(Codespace, 4, "insufficient balance")
	ErrInsufficientTokens    = errors.Register(Codespace, 5, "insufficient tokens")
	ErrMathOverflow          = errors.Register(Codespace, 6, "math overflow")
	ErrNumberOverflow        = errors.Register(Codespace, 7, "number overflow")
	ErrOracleStale           = errors.Register(Codespace, 8, "oracle data is stale")
	ErrOracleUnavailable     = errors.Register(Codespace, 9, "oracle has no observations")
	ErrInvalidPriceData      = errors.Register(Codespace, 10, "invalid price data")
	ErrStalePriceFeed        = errors.Register(Codespace, 11, "price feed is stale")
	ErrMarketExpired         = errors.Register(Codespace, 12, "market expired")
	ErrPositionAlreadyExists = errors.Register(Codespace, 13, "position already exists")
	ErrNoActivePosition      = errors.Register(Codespace, 14, "no active position")
	ErrInvalidVault          = errors.Register(Codespace, 15, "invalid vault")
	ErrMarketNotFound        = errors.Register(Codespace, 16, "market not found")
	ErrMarketExists          = errors.Register(Codespace, 17, "market already exists")
	ErrSchemaMismatch        = errors.Register(Codespace, 18, "record schema mismatch")
	ErrRiskRejected          = errors.Register(Codespace, 19, "rejected by risk guard")
)

// Code returns the registered code of err, 1 for unregistered errors and 0
// for nil.
func Code(err error) uint32 {
	if err == nil {
		return 0
	}
	_, code, _ := errors.ABCIInfo(err, false)
	return code
}

// Kind returns the short description of the registered error err wraps, or
// "internal" when err carries no registered code.
func Kind(err error) string {
	for _, e := range all {
		if errors.IsOf(err, e) {
			return e.Error()
		}
	}
	return "internal"
}

var all = []*errors.Error{
	ErrInvalidInput,
	ErrUnauthorized,
	ErrInsufficientBalance,
	ErrInsufficientTokens,
	ErrMathOverflow,
	ErrNumberOverflow,
	ErrOracleStale,
	ErrOracleUnavailable,
	ErrInvalidPriceData,
	ErrStalePriceFeed,
	ErrMarketExpired,
	ErrPositionAlreadyExists,
	ErrNoActivePosition,
	ErrInvalidVault,
	ErrMarketNotFound,
	ErrMarketExists,
	ErrSchemaMismatch,
	ErrRiskRejected,
}
