package perp

import "math/big"

// Position is one account's exposure in one market. BaseAssetAmount is
// signed (positive long, negative short); QuoteAssetAmount is the
// accumulated cost basis at entry, in price precision. A position with a
// zero base amount is empty and its slot is reusable.
type Position struct {
	MarketIndex uint16 `json:"market_index"`

	BaseAssetAmount  *big.Int `json:"base_asset_amount"`
	QuoteAssetAmount *big.Int `json:"quote_asset_amount"`

	LastSettledFundingTS      int64    `json:"last_settled_funding_ts"`
	LastCumulativeFundingRate *big.Int `json:"last_cumulative_funding_rate"`
}

func newPosition(marketIndex uint16) *Position {
	return &Position{
		MarketIndex:               marketIndex,
		BaseAssetAmount:           new(big.Int),
		QuoteAssetAmount:          new(big.Int),
		LastCumulativeFundingRate: new(big.Int),
	}
}

// IsEmpty reports whether the slot holds no live exposure.
func (p *Position) IsEmpty() bool {
	return p.BaseAssetAmount.Sign() == 0
}

// IsLong reports the side of a live position.
func (p *Position) IsLong() bool {
	return p.BaseAssetAmount.Sign() > 0
}

// ApplyTrade accumulates a fill into the position. Cost basis accumulates
// on increases; realized PnL is computed separately at close, not
// amortized on partial increases.
func (p *Position) ApplyTrade(baseDelta, quoteDelta *big.Int) error {
	base, err := checkedAddI128(p.BaseAssetAmount, baseDelta)
	if err != nil {
		return err
	}
	quote, err := checkedAddU128(p.QuoteAssetAmount, quoteDelta)
	if err != nil {
		return err
	}
	p.BaseAssetAmount = base
	p.QuoteAssetAmount = quote
	return nil
}

// UnrealizedPnL values the position at markPrice, in price-precision
// units: position value at mark minus entry cost basis, sign per side.
func (p *Position) UnrealizedPnL(markPrice *big.Int) (*big.Int, error) {
	if p.IsEmpty() {
		return new(big.Int), nil
	}

	absBase := new(big.Int).Abs(p.BaseAssetAmount)
	value, err := checkedMulU128(absBase, markPrice)
	if err != nil {
		return nil, err
	}
	value.Quo(value, precisionBig)

	if p.IsLong() {
		return checkedSubI128(value, p.QuoteAssetAmount)
	}
	return checkedSubI128(p.QuoteAssetAmount, value)
}

// RealizedPnL computes the close-out PnL against the quote returned by
// unwinding the position, in price-precision units.
func (p *Position) RealizedPnL(quoteReturned *big.Int) (*big.Int, error) {
	if p.IsLong() {
		return checkedSubI128(quoteReturned, p.QuoteAssetAmount)
	}
	return checkedSubI128(p.QuoteAssetAmount, quoteReturned)
}

// Reset empties the slot, retaining the market index tag.
func (p *Position) Reset() {
	p.BaseAssetAmount = new(big.Int)
	p.QuoteAssetAmount = new(big.Int)
	p.LastSettledFundingTS = 0
	p.LastCumulativeFundingRate = new(big.Int)
}

func (p *Position) clone() *Position {
	out := *p
	out.BaseAssetAmount = new(big.Int).Set(p.BaseAssetAmount)
	out.QuoteAssetAmount = new(big.Int).Set(p.QuoteAssetAmount)
	out.LastCumulativeFundingRate = new(big.Int).Set(p.LastCumulativeFundingRate)
	return &out
}
