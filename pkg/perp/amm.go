package perp

import "math/big"

// Direction is the side of a swap against the vAMM.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Long {
		return "long"
	}
	return "short"
}

// SwapResult is the outcome of one constant-product swap.
type SwapResult struct {
	NewBaseReserve  *big.Int
	NewQuoteReserve *big.Int

	// QuoteDelta is the absolute change of the quote reserve: the quote
	// cost of a buy, or the quote proceeds of a sell, in price precision.
	QuoteDelta *big.Int
}

// SwapOutput prices a trade of baseAmount base units against the
// constant-product curve. A Long swap takes base out of the pool, a Short
// swap puts base in; the new quote reserve is k / newBaseReserve with
// truncating division, which systematically favors the pool.
func SwapOutput(baseAmount, baseReserve, quoteReserve *big.Int, direction Direction) (*SwapResult, error) {
	if baseReserve.Sign() == 0 || quoteReserve.Sign() == 0 {
		return nil, ErrUnhealthyMarketState
	}

	k, err := checkedMulU128(baseReserve, quoteReserve)
	if err != nil {
		return nil, err
	}

	var newBase *big.Int
	switch direction {
	case Long:
		newBase = new(big.Int).Sub(baseReserve, baseAmount)
		if newBase.Sign() <= 0 {
			return nil, ErrUnhealthyMarketState
		}
	case Short:
		newBase, err = checkedAddU128(baseReserve, baseAmount)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidCalculation
	}

	newQuote, err := checkedDivU128(k, newBase)
	if err != nil {
		return nil, err
	}

	delta := new(big.Int).Sub(quoteReserve, newQuote)
	delta.Abs(delta)

	return &SwapResult{
		NewBaseReserve:  newBase,
		NewQuoteReserve: newQuote,
		QuoteDelta:      delta,
	}, nil
}

// MarkPriceOf derives the synthetic instrument price from the reserve
// ratio, in price precision. A zero base reserve yields zero; reserves are
// required to be strictly positive at market creation, so this is a
// degenerate case rather than an expected state.
func MarkPriceOf(baseReserve, quoteReserve *big.Int) (*big.Int, error) {
	if baseReserve.Sign() == 0 {
		return new(big.Int), nil
	}

	n, err := checkedMulU128(quoteReserve, precisionBig)
	if err != nil {
		return nil, ErrInvalidCalculation
	}
	return new(big.Int).Quo(n, baseReserve), nil
}
