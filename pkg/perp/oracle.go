package perp

import "math/big"

// Observation is a raw price report from an external feed: a signed
// mantissa with a power-of-ten exponent, stamped with the time the price
// was observed.
type Observation struct {
	FeedID    string `json:"feed_id"`
	Mantissa  int64  `json:"mantissa"`
	Exponent  int32  `json:"exponent"`
	Timestamp int64  `json:"timestamp"`
}

// PriceFeed supplies the most recent observation for a feed. The core
// trusts an observation only after NormalizePrice accepts it and the feed
// identity matches the market's registered oracle.
type PriceFeed interface {
	Latest(feedID string) (Observation, error)
}

// NormalizePrice converts a raw observation into price precision.
//
// Positive exponents are rejected outright: an upscaled price cannot be
// represented safely. Staleness and malformation are terminal for the
// calling operation; the caller must abort rather than substitute a
// default price.
func NormalizePrice(obs Observation, now int64) (*big.Int, error) {
	if obs.Mantissa <= 0 {
		return nil, ErrInvalidOraclePrice
	}
	if obs.Exponent > 0 {
		return nil, ErrInvalidOraclePrice
	}
	if now-obs.Timestamp > OracleStalenessThreshold {
		return nil, ErrStaleOraclePrice
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-obs.Exponent)), nil)
	if !fitsU128(scale) {
		return nil, ErrMathOverflow
	}

	n, err := checkedMulU128(big.NewInt(obs.Mantissa), precisionBig)
	if err != nil {
		return nil, err
	}
	return checkedDivU128(n, scale)
}
