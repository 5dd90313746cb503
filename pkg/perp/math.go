package perp

import "math/big"

// Reserve, price and PnL quantities are 128-bit fixed-point integers held
// in big.Int. big.Int itself never overflows, so every operation that the
// ledger treats as checked re-validates the 128-bit range explicitly: a
// result outside [0, 2^128) for unsigned quantities, or outside
// [-2^127, 2^127) for signed ones, is ErrMathOverflow.
var (
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

func fitsU128(v *big.Int) bool {
	return v.Sign() >= 0 && v.Cmp(maxU128) <= 0
}

func fitsI128(v *big.Int) bool {
	return v.Cmp(minI128) >= 0 && v.Cmp(maxI128) <= 0
}

func checkedAddU128(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Add(a, b)
	if !fitsU128(out) {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func checkedSubU128(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func checkedMulU128(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Mul(a, b)
	if !fitsU128(out) {
		return nil, ErrMathOverflow
	}
	return out, nil
}

// checkedDivU128 truncates toward zero, matching the ledger's
// pool-favoring rounding policy.
func checkedDivU128(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrMathOverflow
	}
	return new(big.Int).Quo(a, b), nil
}

func checkedAddI128(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Add(a, b)
	if !fitsI128(out) {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func checkedSubI128(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Sub(a, b)
	if !fitsI128(out) {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func checkedMulI128(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Mul(a, b)
	if !fitsI128(out) {
		return nil, ErrMathOverflow
	}
	return out, nil
}

func checkedDivI128(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrMathOverflow
	}
	return new(big.Int).Quo(a, b), nil
}

// addCollateral applies a checked unsigned add on a collateral balance.
func addCollateral(balance, delta uint64) (uint64, error) {
	out := balance + delta
	if out < balance {
		return 0, ErrMathOverflow
	}
	return out, nil
}

// subCollateral applies a checked unsigned subtract on a collateral balance.
func subCollateral(balance, delta uint64) (uint64, error) {
	if delta > balance {
		return 0, ErrMathOverflow
	}
	return balance - delta, nil
}

// toCollateral converts a non-negative price-precision quantity into
// collateral precision by truncating division, erroring if the result does
// not fit a collateral balance.
func toCollateral(v *big.Int) (uint64, error) {
	scaled := new(big.Int).Quo(v, precisionRatioBig)
	if scaled.Sign() < 0 || scaled.Cmp(maxCollateralBig) > 0 {
		return 0, ErrMathOverflow
	}
	return scaled.Uint64(), nil
}
