package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/models"
)

func TestTracker_Restore(t *testing.T) {
	tr := NewPositionTracker()
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	ok := tr.Restore(models.Position{
		Symbol: "BTC-USDT", Side: models.SideBuy, Quantity: d("2"), AverageEntryPrice: d("100"),
		LastPrice: d("110"), StrategyID: "s1", OpenedAt: at, UpdatedAt: at,
	})
	require.True(t, ok)

	p, ok := tr.Position("BTC-USDT")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("2")))
	assert.True(t, p.UnrealizedPnL.Equal(d("20")))
	assert.Equal(t, "s1", p.StrategyID)

	// a live position wins
	assert.False(t, tr.Restore(models.Position{Symbol: "BTC-USDT", Side: models.SideSell, Quantity: d("1"), AverageEntryPrice: d("1")}))
	assert.False(t, tr.Restore(models.Position{Symbol: "ETH-USDT"}))

	upd, applied := tr.Apply(fill("f1", "BTC-USDT", models.SideSell, "2", "120"), "")
	require.True(t, applied)
	require.NotNil(t, upd.Closed)
	assert.True(t, upd.Realized.Equal(d("40")))
}
