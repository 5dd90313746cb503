package perp

import "errors"

// Every failure inside the core is terminal for the enclosing operation:
// nothing is persisted, and the error kind is surfaced verbatim to the
// caller. The caller decides whether to resubmit the whole operation.
var (
	// Arithmetic
	ErrMathOverflow       = errors.New("math overflow")
	ErrInvalidCalculation = errors.New("invalid calculation")

	// Oracle
	ErrInvalidOraclePrice = errors.New("invalid oracle price")
	ErrStaleOraclePrice   = errors.New("oracle price is stale")

	// Market state
	ErrUnhealthyMarketState = errors.New("market is in an unhealthy state")
	ErrMarketPaused         = errors.New("market is paused")
	ErrInvalidMarketIndex   = errors.New("market index is invalid or out of bounds")

	// Position
	ErrPositionNotFound  = errors.New("position not found for the given market")
	ErrNoPositionToClose = errors.New("no position to close")

	// Risk
	ErrPositionCausesMarginCall   = errors.New("position would cause an immediate margin call")
	ErrWithdrawalCausesMarginCall = errors.New("withdrawal would cause a margin call")
	ErrPositionNotLiquidatable    = errors.New("position is not liquidatable")
	ErrInsufficientCollateral     = errors.New("insufficient collateral")

	// Concurrency
	ErrReentrancyGuardActive = errors.New("re-entrancy guard is active")

	// Input
	ErrInvalidAmount = errors.New("invalid amount")
	ErrPriceSlippage = errors.New("entry price is outside the limit price")

	// Funding. Reserved for a stricter settlement policy; the current
	// policy treats early settlement calls as a no-op success.
	ErrFundingAlreadySettled = errors.New("funding already settled for the period")
)
