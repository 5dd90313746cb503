package perp

import "math/big"

// Market is one tradable perpetual instrument: a vAMM reserve pair plus
// the risk and funding parameters that govern it. Markets are created once
// by an administrative action, mutated by every trade and funding cycle,
// and never destroyed (they may be paused).
type Market struct {
	Index  uint16 `json:"index"`
	Paused bool   `json:"paused"`

	// vAMM state. The invariant BaseReserve * QuoteReserve == K holds
	// after every swap, up to the truncation loss of integer division.
	BaseReserve  *big.Int `json:"base_reserve"`
	QuoteReserve *big.Int `json:"quote_reserve"`
	K            *big.Int `json:"k"`

	// Fee and margin parameters, scaled by RateScale.
	TradeFeeRate           uint64 `json:"trade_fee_rate"`
	LiquidationFeeRate     uint64 `json:"liquidation_fee_rate"`
	InitialMarginRatio     uint64 `json:"initial_margin_ratio"`
	MaintenanceMarginRatio uint64 `json:"maintenance_margin_ratio"`

	// Funding state. LastFundingRate is signed, price-precision scaled.
	LastFundingRate *big.Int `json:"last_funding_rate"`
	LastFundingTS   int64    `json:"last_funding_ts"`
	FundingPeriod   int64    `json:"funding_period"`

	// OracleFeedID is the registered reference price feed; observations
	// from any other feed are rejected.
	OracleFeedID string `json:"oracle_feed_id"`

	// OpenInterestBase tracks total open interest in base-asset terms.
	OpenInterestBase *big.Int `json:"open_interest_base"`
}

// MarketParams carries the administrative inputs for market creation.
type MarketParams struct {
	Index                  uint16
	BaseReserve            *big.Int
	QuoteReserve           *big.Int
	TradeFeeRate           uint64
	LiquidationFeeRate     uint64
	InitialMarginRatio     uint64
	MaintenanceMarginRatio uint64
	FundingPeriod          int64
	OracleFeedID           string
}

// NewMarket validates params and builds a market with its invariant
// constant fixed at creation.
func NewMarket(p MarketParams) (*Market, error) {
	if p.BaseReserve == nil || p.BaseReserve.Sign() <= 0 {
		return nil, ErrInvalidCalculation
	}
	if p.QuoteReserve == nil || p.QuoteReserve.Sign() <= 0 {
		return nil, ErrInvalidCalculation
	}
	if p.InitialMarginRatio <= p.MaintenanceMarginRatio {
		return nil, ErrInvalidCalculation
	}
	if !fitsU128(p.BaseReserve) || !fitsU128(p.QuoteReserve) {
		return nil, ErrMathOverflow
	}

	k, err := checkedMulU128(p.BaseReserve, p.QuoteReserve)
	if err != nil {
		return nil, err
	}

	period := p.FundingPeriod
	if period <= 0 {
		period = DefaultFundingPeriod
	}

	return &Market{
		Index:                  p.Index,
		BaseReserve:            new(big.Int).Set(p.BaseReserve),
		QuoteReserve:           new(big.Int).Set(p.QuoteReserve),
		K:                      k,
		TradeFeeRate:           p.TradeFeeRate,
		LiquidationFeeRate:     p.LiquidationFeeRate,
		InitialMarginRatio:     p.InitialMarginRatio,
		MaintenanceMarginRatio: p.MaintenanceMarginRatio,
		LastFundingRate:        new(big.Int),
		FundingPeriod:          period,
		OracleFeedID:           p.OracleFeedID,
		OpenInterestBase:       new(big.Int),
	}, nil
}

// MarkPrice returns the current quote/base reserve ratio in price precision.
func (m *Market) MarkPrice() (*big.Int, error) {
	return MarkPriceOf(m.BaseReserve, m.QuoteReserve)
}

// Swap executes one vAMM swap and applies the reserve update.
func (m *Market) Swap(baseAmount *big.Int, direction Direction) (*SwapResult, error) {
	res, err := SwapOutput(baseAmount, m.BaseReserve, m.QuoteReserve, direction)
	if err != nil {
		return nil, err
	}
	m.BaseReserve = res.NewBaseReserve
	m.QuoteReserve = res.NewQuoteReserve
	return res, nil
}

// adjustOpenInterest moves the market's open interest by the change in a
// position's absolute base amount, saturating at zero.
func (m *Market) adjustOpenInterest(oldBase, newBase *big.Int) {
	oldAbs := new(big.Int).Abs(oldBase)
	newAbs := new(big.Int).Abs(newBase)
	oi := new(big.Int).Add(m.OpenInterestBase, newAbs)
	oi.Sub(oi, oldAbs)
	if oi.Sign() < 0 {
		oi.SetInt64(0)
	}
	m.OpenInterestBase = oi
}

// Clone returns a deep copy, so an aborted operation never leaks partial
// mutations into shared state.
func (m *Market) Clone() *Market {
	out := *m
	out.BaseReserve = new(big.Int).Set(m.BaseReserve)
	out.QuoteReserve = new(big.Int).Set(m.QuoteReserve)
	out.K = new(big.Int).Set(m.K)
	out.LastFundingRate = new(big.Int).Set(m.LastFundingRate)
	out.OpenInterestBase = new(big.Int).Set(m.OpenInterestBase)
	return &out
}
