package perp

import "math/big"

// Margin valuation. The margin ratio is collateral value over total
// position notional for a market, both in price precision:
//
//	ratio = collateral * PrecisionRatio * Precision / notional
//	notional = sum(|base| * oraclePrice / Precision) over live positions
//
// Collateral lives in collateral precision and every conversion between
// the two scales is explicit; the rate-scaled thresholds held on the
// market are likewise up-scaled to price precision before comparing.

// TotalPositionNotional sums the notional exposure of an account's live
// positions in one market at the oracle price, in price precision.
func TotalPositionNotional(a *Account, marketIndex uint16, oraclePrice *big.Int) (*big.Int, error) {
	total := new(big.Int)
	for _, p := range a.LivePositions() {
		if p.MarketIndex != marketIndex {
			continue
		}
		absBase := new(big.Int).Abs(p.BaseAssetAmount)
		v, err := checkedMulU128(absBase, oraclePrice)
		if err != nil {
			return nil, err
		}
		v.Quo(v, precisionBig)
		total, err = checkedAddU128(total, v)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

// MarginRatio computes the account's margin ratio for a market in price
// precision (Precision == 1.0). flat is true when the account carries no
// notional exposure in the market; a flat account has no meaningful ratio.
func MarginRatio(a *Account, marketIndex uint16, oraclePrice *big.Int) (ratio *big.Int, flat bool, err error) {
	notional, err := TotalPositionNotional(a, marketIndex, oraclePrice)
	if err != nil {
		return nil, false, err
	}
	if notional.Sign() == 0 {
		return nil, true, nil
	}

	collateral := new(big.Int).SetUint64(a.Collateral)
	collateral.Mul(collateral, precisionRatioBig)

	n, err := checkedMulU128(collateral, precisionBig)
	if err != nil {
		return nil, false, err
	}
	return new(big.Int).Quo(n, notional), false, nil
}

// MeetsInitialMargin gates voluntary risk-increasing actions: trades that
// grow a position and collateral withdrawals. A flat account trivially
// passes.
func MeetsInitialMargin(a *Account, m *Market, oraclePrice *big.Int) (bool, error) {
	ratio, flat, err := MarginRatio(a, m.Index, oraclePrice)
	if err != nil {
		return false, err
	}
	if flat {
		return true, nil
	}
	return ratio.Cmp(rateToPricePrecision(m.InitialMarginRatio)) >= 0, nil
}

// IsLiquidatable applies the maintenance threshold with strict
// inequality: an account exactly at maintenance margin is solvent. A flat
// account is never liquidatable.
func IsLiquidatable(a *Account, m *Market, oraclePrice *big.Int) (bool, error) {
	ratio, flat, err := MarginRatio(a, m.Index, oraclePrice)
	if err != nil {
		return false, err
	}
	if flat {
		return false, nil
	}
	return ratio.Cmp(rateToPricePrecision(m.MaintenanceMarginRatio)) < 0, nil
}

// rateToPricePrecision up-scales a RateScale parameter into price
// precision for comparison against a margin ratio.
func rateToPricePrecision(rate uint64) *big.Int {
	out := new(big.Int).SetUint64(rate)
	return out.Mul(out, big.NewInt(Precision/RateScale))
}
