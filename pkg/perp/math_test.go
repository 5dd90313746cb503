package perp

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedU128(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

	t.Run("AddOverflow", func(t *testing.T) {
		_, err := checkedAddU128(max, big.NewInt(1))
		assert.ErrorIs(t, err, ErrMathOverflow)

		got, err := checkedAddU128(max, big.NewInt(0))
		require.NoError(t, err)
		assert.Equal(t, max, got)
	})

	t.Run("SubUnderflow", func(t *testing.T) {
		_, err := checkedSubU128(big.NewInt(1), big.NewInt(2))
		assert.ErrorIs(t, err, ErrMathOverflow)
	})

	t.Run("MulOverflow", func(t *testing.T) {
		half := new(big.Int).Lsh(big.NewInt(1), 64)
		_, err := checkedMulU128(half, half)
		assert.ErrorIs(t, err, ErrMathOverflow)
	})

	t.Run("DivByZero", func(t *testing.T) {
		_, err := checkedDivU128(big.NewInt(1), big.NewInt(0))
		assert.ErrorIs(t, err, ErrMathOverflow)
	})
}

func TestCheckedI128(t *testing.T) {
	min := new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))

	t.Run("NegativeRange", func(t *testing.T) {
		got, err := checkedAddI128(min, big.NewInt(0))
		require.NoError(t, err)
		assert.Equal(t, min, got)

		_, err = checkedSubI128(min, big.NewInt(1))
		assert.ErrorIs(t, err, ErrMathOverflow)
	})

	t.Run("TruncatingDivision", func(t *testing.T) {
		got, err := checkedDivI128(big.NewInt(-7), big.NewInt(2))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(-3), got)
	})
}

func TestCollateralArithmetic(t *testing.T) {
	t.Run("AddOverflow", func(t *testing.T) {
		_, err := addCollateral(^uint64(0), 1)
		assert.ErrorIs(t, err, ErrMathOverflow)
	})

	t.Run("SubUnderflow", func(t *testing.T) {
		_, err := subCollateral(0, 1)
		assert.ErrorIs(t, err, ErrMathOverflow)
	})

	t.Run("ToCollateralTruncates", func(t *testing.T) {
		got, err := toCollateral(big.NewInt(1_999))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got)
	})
}
