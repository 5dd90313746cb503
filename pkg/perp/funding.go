package perp

import "math/big"

// FundingResult reports what one settlement call actually did.
type FundingResult struct {
	// RateUpdated is true when the call recomputed the market's
	// published funding rate (at most once per funding period).
	RateUpdated bool

	// Settled is false when the position settled within the current
	// period already; the call is then a no-op success.
	Settled bool

	// Payment is the signed funding payment in price precision:
	// positive means the position pays, negative means it receives.
	Payment *big.Int

	// CollateralChange is the signed delta applied to the account's
	// collateral balance, in collateral precision.
	CollateralChange *big.Int

	// Clamped is true when a payment exceeded the remaining collateral
	// and the balance was clamped at zero instead of failing.
	Clamped bool
}

// SettleFunding lazily runs a funding cycle for one account in one market.
//
// The market's published rate is recomputed only when a full funding
// period has elapsed since the market's last update, and LastFundingTS
// advances only on recompute, making the rate update idempotent within a
// period no matter how many settlement calls occur. Each position is
// independently gated by its own last-settled timestamp, so positions can
// settle on different call schedules while sharing the published rate.
//
// The rate is the mark/oracle premium amortized by the fixed divisor:
// longs pay when the synthetic price trades above the reference, shorts
// receive, and vice versa.
func SettleFunding(a *Account, m *Market, oraclePrice *big.Int, now int64) (*FundingResult, error) {
	pos, err := a.Position(m.Index)
	if err != nil {
		return nil, err
	}

	res := &FundingResult{
		Payment:          new(big.Int),
		CollateralChange: new(big.Int),
	}

	if now-pos.LastSettledFundingTS < m.FundingPeriod {
		return res, nil
	}

	if now-m.LastFundingTS >= m.FundingPeriod {
		markPrice, err := m.MarkPrice()
		if err != nil {
			return nil, err
		}

		premium, err := checkedSubI128(markPrice, oraclePrice)
		if err != nil {
			return nil, err
		}
		scaled, err := checkedMulI128(premium, precisionBig)
		if err != nil {
			return nil, err
		}
		rate, err := checkedDivI128(scaled, fundingDivisorBig)
		if err != nil {
			return nil, err
		}

		m.LastFundingRate = rate
		m.LastFundingTS = now
		res.RateUpdated = true
	}

	payment, err := checkedMulI128(pos.BaseAssetAmount, m.LastFundingRate)
	if err != nil {
		return nil, err
	}
	payment.Quo(payment, precisionBig)

	change := new(big.Int).Neg(payment)
	change.Quo(change, precisionRatioBig)

	before := a.Collateral
	if err := applyCollateralChange(a, change, res); err != nil {
		return nil, err
	}

	pos.LastSettledFundingTS = now
	pos.LastCumulativeFundingRate = new(big.Int).Set(m.LastFundingRate)

	res.Settled = true
	res.Payment = payment
	res.CollateralChange = new(big.Int).Sub(
		new(big.Int).SetUint64(a.Collateral),
		new(big.Int).SetUint64(before),
	)
	return res, nil
}

// applyCollateralChange applies a signed collateral-precision delta.
// Receiving more than the balance can hold is an overflow; paying more
// than the balance holds clamps to zero, leaving the account flagged for
// liquidation rather than wedged in a stuck state.
func applyCollateralChange(a *Account, change *big.Int, res *FundingResult) error {
	if change.Sign() >= 0 {
		if !change.IsUint64() {
			return ErrMathOverflow
		}
		out, err := addCollateral(a.Collateral, change.Uint64())
		if err != nil {
			return err
		}
		a.Collateral = out
		return nil
	}

	debit := new(big.Int).Neg(change)
	if !debit.IsUint64() || debit.Uint64() > a.Collateral {
		a.Collateral = 0
		res.Clamped = true
		return nil
	}
	a.Collateral -= debit.Uint64()
	return nil
}
