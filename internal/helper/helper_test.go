package helper

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormTF(t *testing.T) {
	assert.Equal(t, "1h", NormTF(" candle60m "))
	assert.Equal(t, "15m", NormTF("15M"))
	assert.Equal(t, "4h", NormTF("4H"))
	assert.Equal(t, "1d", NormTF("1D"))
}

func TestRoundToStep(t *testing.T) {
	step := decimal.RequireFromString("0.01")
	v := decimal.RequireFromString("1.2345")
	assert.True(t, RoundDownToStep(v, step).Equal(decimal.RequireFromString("1.23")))
	assert.True(t, RoundUpToStep(v, step).Equal(decimal.RequireFromString("1.24")))
	assert.True(t, RoundDownToStep(v, decimal.Zero).Equal(v))
}

func TestPct(t *testing.T) {
	assert.True(t, Pct(decimal.NewFromInt(10000), 1).Equal(decimal.NewFromInt(100)))
}
