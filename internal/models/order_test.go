package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestOrder_Lifecycle(t *testing.T) {
	now := time.Now()
	o := NewOrder("BTC-USDT", SideBuy, OrderMarket, d("3"))
	require.Equal(t, OrderCreated, o.Status)
	assert.NotEmpty(t, o.ID)
	assert.Len(t, o.ClientOrderID, 26)

	require.NoError(t, o.MarkSubmitted("ex-1", now))
	assert.Equal(t, "ex-1", o.ExchangeOrderID)

	require.NoError(t, o.ApplyFill(d("1"), d("100"), now))
	assert.Equal(t, OrderPartiallyFilled, o.Status)
	require.NoError(t, o.ApplyFill(d("1"), d("103"), now))
	assert.Equal(t, OrderPartiallyFilled, o.Status)
	require.NoError(t, o.ApplyFill(d("1"), d("106"), now))

	assert.Equal(t, OrderFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(o.Quantity))
	assert.True(t, o.AverageFillPrice.Equal(d("103")), o.AverageFillPrice.String())
	assert.False(t, o.ClosedAt.IsZero())
}

func TestOrder_OverfillRefused(t *testing.T) {
	now := time.Now()
	o := NewOrder("ETH-USDT", SideSell, OrderLimit, d("2"))
	require.NoError(t, o.MarkSubmitted("x", now))
	require.NoError(t, o.ApplyFill(d("1.5"), d("10"), now))

	err := o.ApplyFill(d("1"), d("10"), now)
	assert.ErrorIs(t, err, ErrOverfill)
	assert.True(t, o.FilledQuantity.Equal(d("1.5")))
	assert.Equal(t, OrderPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.LessThanOrEqual(o.Quantity))
}

func TestOrder_InvalidTransitions(t *testing.T) {
	now := time.Now()

	o := NewOrder("ETH-USDT", SideBuy, OrderMarket, d("1"))
	assert.ErrorIs(t, o.ApplyFill(d("1"), d("1"), now), ErrInvalidTransition, "fill before submit")

	require.NoError(t, o.Reject("insufficient balance", now))
	assert.Equal(t, "insufficient balance", o.RejectReason)
	assert.ErrorIs(t, o.MarkSubmitted("late", now), ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel(now), ErrInvalidTransition)

	o2 := NewOrder("ETH-USDT", SideBuy, OrderMarket, d("1"))
	assert.ErrorIs(t, o2.ApplyFill(d("0"), d("1"), now), ErrInvalidFill)
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderCreated, OrderSubmitted, true},
		{OrderCreated, OrderFilled, false},
		{OrderSubmitted, OrderExpired, true},
		{OrderPartiallyFilled, OrderPartiallyFilled, true},
		{OrderPartiallyFilled, OrderRejected, false},
		{OrderFilled, OrderCancelled, false},
		{OrderCancelled, OrderSubmitted, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
