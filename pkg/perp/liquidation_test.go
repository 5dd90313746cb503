package perp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liquidationFixture(t *testing.T, collateral uint64, feeRate uint64) (*Account, *Market) {
	t.Helper()
	market, err := NewMarket(MarketParams{
		Index:                  0,
		BaseReserve:            big.NewInt(1_000_000_000_000),
		QuoteReserve:           big.NewInt(50_000_000_000_000),
		LiquidationFeeRate:     feeRate,
		InitialMarginRatio:     100_000,
		MaintenanceMarginRatio: 50_000,
		OracleFeedID:           "BTC-USD",
	})
	require.NoError(t, err)

	acct := NewAccount("acct-1")
	acct.Collateral = collateral
	pos, err := acct.PositionOrCreate(0)
	require.NoError(t, err)
	require.NoError(t, pos.ApplyTrade(big.NewInt(10_000_000_000), big.NewInt(500_000_000_000)))
	market.OpenInterestBase = big.NewInt(10_000_000_000)
	return acct, market
}

func TestLiquidationFee(t *testing.T) {
	// 10 base at mark 50.0 is 500 notional; 0.025% of that is 0.125
	// collateral units.
	fee, err := LiquidationFee(big.NewInt(10_000_000_000), big.NewInt(50_000_000_000), 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(125_000), fee)

	// Sign of the base amount is irrelevant.
	fee, err = LiquidationFee(big.NewInt(-10_000_000_000), big.NewInt(50_000_000_000), 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(125_000), fee)
}

func TestLiquidate(t *testing.T) {
	oracle := big.NewInt(50_000_000_000)

	t.Run("ForcedClosure", func(t *testing.T) {
		acct, market := liquidationFixture(t, 4_000_000, 250)

		res, err := Liquidate(acct, market, oracle)
		require.NoError(t, err)
		assert.Equal(t, uint64(125_000), res.Fee)
		assert.Equal(t, big.NewInt(50_000_000_000), res.MarkPrice)
		assert.Equal(t, big.NewInt(10_000_000_000), res.ClosedBase)

		assert.Equal(t, uint64(3_875_000), acct.Collateral)
		assert.True(t, acct.Positions[0].IsEmpty())
		assert.Zero(t, market.OpenInterestBase.Sign())
	})

	t.Run("HealthyAccountRejected", func(t *testing.T) {
		acct, market := liquidationFixture(t, 100_000_000, 250)

		_, err := Liquidate(acct, market, oracle)
		assert.ErrorIs(t, err, ErrPositionNotLiquidatable)
		assert.False(t, acct.Positions[0].IsEmpty())
	})

	t.Run("ExactlyAtMaintenanceRejected", func(t *testing.T) {
		acct, market := liquidationFixture(t, 25_000_000, 250)

		_, err := Liquidate(acct, market, oracle)
		assert.ErrorIs(t, err, ErrPositionNotLiquidatable)
	})

	t.Run("FeeExceedingCollateralRejected", func(t *testing.T) {
		// A 2.5% fee on 500 notional is 12.5 collateral units, more
		// than the account holds.
		acct, market := liquidationFixture(t, 4_000_000, 25_000)

		_, err := Liquidate(acct, market, oracle)
		assert.ErrorIs(t, err, ErrInsufficientCollateral)
		assert.Equal(t, uint64(4_000_000), acct.Collateral)
		assert.False(t, acct.Positions[0].IsEmpty())
	})
}
