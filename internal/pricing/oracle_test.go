package pricing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	rate := decimal.RequireFromString("2000")

	// 1.5 ETH at $2000, quantity 1.
	bd, err := Compute("1500000000000000000", "1", rate, 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", bd.Price)
	assert.Equal(t, "1500000000000000000", bd.CurrencyPrice)
	assert.Equal(t, "1500000000000000000", bd.Value)
	assert.Equal(t, "3000", bd.USD.String())

	// Quantity multiplies the value leg, and USD follows it.
	bd, err = Compute("1000000000000000000", "3", rate, 18)
	require.NoError(t, err)
	assert.Equal(t, "3000000000000000000", bd.Value)
	assert.Equal(t, "6000", bd.USD.String())
}

func TestCompute_IntegerLegsNeverFloat(t *testing.T) {
	// 79228162514264337593543950336 = 2^96, past float64 precision.
	bd, err := Compute("79228162514264337593543950336", "1", decimal.NewFromInt(1), 18)
	require.NoError(t, err)
	assert.Equal(t, "79228162514264337593543950336", bd.Value)
}

func TestCompute_USDRounding(t *testing.T) {
	// 1 wei at $2000/ETH rounds to zero at 6 decimal places.
	bd, err := Compute("1", "1", decimal.NewFromInt(2000), 18)
	require.NoError(t, err)
	assert.True(t, bd.USD.IsZero())
}

func TestCompute_Unparseable(t *testing.T) {
	_, err := Compute("1.5", "1", decimal.NewFromInt(1), 18)
	assert.Error(t, err)

	_, err = Compute("10", "x", decimal.NewFromInt(1), 18)
	assert.Error(t, err)
}

func TestStaticOracle(t *testing.T) {
	o := NewStaticOracle()
	o.Set("0xweth", decimal.NewFromInt(1800), 18)

	rate, decimals, err := o.USDRate(context.Background(), "0xweth")
	require.NoError(t, err)
	assert.Equal(t, "1800", rate.String())
	assert.Equal(t, 18, decimals)

	_, _, err = o.USDRate(context.Background(), "0xunknown")
	assert.Error(t, err)
}
