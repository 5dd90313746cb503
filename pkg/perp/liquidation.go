package perp

import "math/big"

// LiquidationResult reports a completed forced closure.
type LiquidationResult struct {
	// Fee is the liquidation fee extracted, in collateral precision.
	Fee uint64

	// MarkPrice is the vAMM price the fee was computed at.
	MarkPrice *big.Int

	// ClosedBase is the signed base amount of the position that was
	// force-closed.
	ClosedBase *big.Int
}

// LiquidationFee prices the fee on a position's notional at the current
// mark price: |base| * markPrice / Precision * feeRate / RateScale,
// scaled down into collateral precision.
func LiquidationFee(baseAmount, markPrice *big.Int, feeRate uint64) (uint64, error) {
	absBase := new(big.Int).Abs(baseAmount)
	notional, err := checkedMulU128(absBase, markPrice)
	if err != nil {
		return 0, err
	}
	notional.Quo(notional, precisionBig)

	fee, err := checkedMulU128(notional, new(big.Int).SetUint64(feeRate))
	if err != nil {
		return 0, err
	}
	fee.Quo(fee, rateScaleBig)

	return toCollateral(fee)
}

// Liquidate force-closes an account's position in a market after a
// maintenance-margin breach. The fee is charged at the current mark price
// rather than a post-closure price, keeping the eligibility check and the
// unwind consistent, and liquidation always closes the full position.
//
// The caller holds the account's operation lock and has already verified
// the market is not paused.
func Liquidate(a *Account, m *Market, oraclePrice *big.Int) (*LiquidationResult, error) {
	eligible, err := IsLiquidatable(a, m, oraclePrice)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, ErrPositionNotLiquidatable
	}

	pos, err := a.Position(m.Index)
	if err != nil {
		return nil, err
	}

	markPrice, err := m.MarkPrice()
	if err != nil {
		return nil, err
	}

	fee, err := LiquidationFee(pos.BaseAssetAmount, markPrice, m.LiquidationFeeRate)
	if err != nil {
		return nil, err
	}

	// A liquidation that cannot cover its own fee is rejected rather
	// than driving collateral negative.
	balance, err := subCollateral(a.Collateral, fee)
	if err != nil {
		return nil, ErrInsufficientCollateral
	}
	a.Collateral = balance

	closed := new(big.Int).Set(pos.BaseAssetAmount)
	m.adjustOpenInterest(pos.BaseAssetAmount, new(big.Int))
	pos.Reset()

	return &LiquidationResult{
		Fee:        fee,
		MarkPrice:  markPrice,
		ClosedBase: closed,
	}, nil
}
