package models

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextCell_ExchangeAndAnalyticsIndependent(t *testing.T) {
	cell := NewContextCell()
	before := cell.Load()

	at := time.Now()
	cell.UpdateExchange(
		AccountInfo{TotalBalance: d("10000"), Currency: "USDT"},
		[]PositionInfo{{Symbol: "BTC-USDT", Side: SideBuy, Quantity: d("1"), EntryPrice: d("100")}},
		[]PendingOrder{{Symbol: "BTC-USDT", Quantity: d("1")}},
		at,
	)
	cell.UpdateAnalytics(AnalyticsBundle{
		RouteStates: map[string]RouteState{"BTC-USDT": RouteAttack},
	}, at.Add(time.Second))

	snap := cell.Load()
	assert.True(t, snap.Equity().Equal(d("10000")))
	assert.Equal(t, 1, snap.OpenPositionCount())
	assert.Len(t, snap.PendingOrders, 1)
	assert.Equal(t, RouteAttack, snap.RouteStates["BTC-USDT"])
	assert.Equal(t, at, snap.LastExchangeSync)

	// old snapshots are untouched
	assert.True(t, before.Equity().IsZero())
	assert.Empty(t, before.Positions)

	cell.UpdateExchange(AccountInfo{TotalBalance: d("9000")}, nil, nil, at)
	assert.Equal(t, RouteAttack, cell.Load().RouteStates["BTC-USDT"], "analytics survive an exchange write")
	assert.True(t, snap.Equity().Equal(d("10000")))
}

func TestContextCell_ConcurrentReaders(t *testing.T) {
	cell := NewContextCell()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := cell.Load()
				// account and positions always come from the same write
				if s.Account.Currency == "B" {
					assert.Contains(t, s.Positions, "B")
				}
			}
		}()
	}
	for j := 0; j < 200; j++ {
		name := "A"
		if j%2 == 0 {
			name = "B"
		}
		cell.UpdateExchange(AccountInfo{Currency: name}, []PositionInfo{{Symbol: name, Quantity: d("1")}}, nil, time.Now())
	}
	wg.Wait()
}
