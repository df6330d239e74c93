package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyAdd(t *testing.T) {
	sum, err := USD(1900).Add(USD(2400))
	require.NoError(t, err)
	assert.Equal(t, USD(4300), sum)
}

func TestMoneyAddCurrencyMismatch(t *testing.T) {
	_, err := USD(100).Add(Money{Amount: 100, Currency: "eur"})
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMoneyMulFractionRoundsHalfUp(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		num, den int64
		want     int64
	}{
		{"exact half period", 1900, 1, 2, 950},
		{"round up at half cent", 1001, 1, 2, 501},
		{"round down below half", 1004, 1, 10, 100},
		{"round up at exactly half", 1005, 1, 10, 101},
		{"twenty percent", 4300, 20, 100, 860},
		{"fifteen days of thirty", 2400, 15, 30, 1200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := USD(tt.amount).MulFraction(tt.num, tt.den)
			assert.Equal(t, tt.want, got.Amount)
		})
	}
}

func TestMoneyMulFractionNegative(t *testing.T) {
	got := USD(-1001).MulFraction(1, 2)
	assert.Equal(t, int64(-501), got.Amount)
}

func TestMoneyMax(t *testing.T) {
	assert.Equal(t, USD(9900), USD(7500).Max(USD(9900)))
	assert.Equal(t, USD(15000), USD(15000).Max(USD(9900)))
}

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "34.40 usd", USD(3440).String())
	assert.Equal(t, "-0.05 usd", USD(-5).String())
}
