package perp

import "math/big"

const (
	// Precision is the fixed-point scale for prices, reserves and PnL (1e9).
	Precision = 1_000_000_000

	// CollateralPrecision is the fixed-point scale for collateral balances (1e6).
	CollateralPrecision = 1_000_000

	// RateScale is the denominator for fee and margin-ratio parameters.
	RateScale = 1_000_000

	// PrecisionRatio converts price-precision quantities into
	// collateral-precision quantities (Precision / CollateralPrecision).
	PrecisionRatio = Precision / CollateralPrecision

	// MaxPositions is the per-account position slot capacity.
	MaxPositions = 8

	// OracleStalenessThreshold is the maximum age of a price observation
	// in seconds before it is rejected.
	OracleStalenessThreshold = 60

	// DefaultFundingPeriod is the funding cadence in seconds.
	DefaultFundingPeriod = 3600

	// FundingAmortizationDivisor amortizes the hourly premium into a
	// daily-equivalent rate.
	FundingAmortizationDivisor = 24
)

var (
	precisionBig      = big.NewInt(Precision)
	precisionRatioBig = big.NewInt(PrecisionRatio)
	rateScaleBig      = big.NewInt(RateScale)
	fundingDivisorBig = big.NewInt(FundingAmortizationDivisor)
	maxCollateralBig  = new(big.Int).SetUint64(^uint64(0))
)
