package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"msx-grid-go/internal/models"
)

func newLongState() *models.GridState {
	return &models.GridState{
		Params: models.GridParams{
			Symbol:           "BTC_USDT",
			Direction:        models.DirectionLong,
			MinPrice:         100,
			MaxPrice:         200,
			InvestmentAmount: 1000,
			Leverage:         1,
		},
	}
}

func fill(side models.Side, price, volume float64) models.ExecutionRecord {
	return models.ExecutionRecord{Side: side, Price: price, Volume: volume, Timestamp: time.Now()}
}

func TestFoldFifoPairing(t *testing.T) {
	s := newLongState()
	s.History = []models.ExecutionRecord{
		fill(models.SideBuy, 100, 1),
		fill(models.SideBuy, 110, 1),
		fill(models.SideSell, 120, 1),
	}

	foldStatistics(s, time.Now())

	// FIFO: the sell pairs with the earliest buy at 100, not the one at 110.
	assert.InDelta(t, 20.0, s.Stats.GridProfit, 1e-9)
	assert.Equal(t, 1, s.Stats.ArbitrageCount)
	assert.Len(t, s.OpenLots, 1)
	assert.InDelta(t, 110.0, s.OpenLots[0].Price, 1e-9)
	assert.Equal(t, 3, s.StatsCursor)
}

func TestFoldPartialVolumeMatching(t *testing.T) {
	s := newLongState()
	s.History = []models.ExecutionRecord{
		fill(models.SideBuy, 100, 2),
		fill(models.SideSell, 110, 0.5),
		fill(models.SideSell, 120, 1.5),
	}

	foldStatistics(s, time.Now())

	// 0.5*(110-100) + 1.5*(120-100) = 35
	assert.InDelta(t, 35.0, s.Stats.GridProfit, 1e-9)
	assert.Equal(t, 2, s.Stats.ArbitrageCount)
	assert.Empty(t, s.OpenLots)
}

func TestFoldShortDirection(t *testing.T) {
	s := newLongState()
	s.Params.Direction = models.DirectionShort
	s.History = []models.ExecutionRecord{
		fill(models.SideSell, 120, 1), // opens the short
		fill(models.SideBuy, 110, 1),  // closes it lower: profit
	}

	foldStatistics(s, time.Now())

	// Short profit is (close - open) * -1 = (110-120)*-1 = 10.
	assert.InDelta(t, 10.0, s.Stats.GridProfit, 1e-9)
	assert.Equal(t, 1, s.Stats.ArbitrageCount)
}

func TestFoldIsIncremental(t *testing.T) {
	s := newLongState()
	s.History = []models.ExecutionRecord{fill(models.SideBuy, 100, 1)}
	foldStatistics(s, time.Now())
	assert.Equal(t, 1, s.StatsCursor)
	volume := s.Stats.TotalVolume

	// Folding again without new records must not double-count.
	foldStatistics(s, time.Now())
	assert.Equal(t, volume, s.Stats.TotalVolume)

	s.History = append(s.History, fill(models.SideSell, 105, 1))
	foldStatistics(s, time.Now())
	assert.Equal(t, 2, s.StatsCursor)
	assert.InDelta(t, 5.0, s.Stats.GridProfit, 1e-9)
}

func TestFoldUnpairedCloseDoesNotCountRoundTrip(t *testing.T) {
	s := newLongState()
	s.History = []models.ExecutionRecord{fill(models.SideSell, 120, 1)}

	foldStatistics(s, time.Now())

	assert.Equal(t, 0, s.Stats.ArbitrageCount)
	assert.Zero(t, s.Stats.GridProfit)
	assert.InDelta(t, 120.0, s.Stats.TotalVolume, 1e-9)
}

func TestFoldDerivedMetrics(t *testing.T) {
	now := time.Now()
	s := newLongState()
	s.StartTime = now.Add(-365 * 24 * time.Hour)
	s.CurrentPrice = 110
	s.Position = models.Position{Size: 2, EntryPrice: 100}
	s.History = []models.ExecutionRecord{
		fill(models.SideBuy, 100, 1),
		fill(models.SideSell, 105, 1),
	}

	foldStatistics(s, now)

	assert.InDelta(t, 20.0, s.Stats.UnrealizedPnl, 1e-9) // 2*(110-100)
	assert.InDelta(t, 25.0, s.Stats.TotalPnl, 1e-9)      // 5 realized + 20 unrealized
	// One year elapsed on 1000 capital: annualized = 25/1000*100 = 2.5%.
	assert.InDelta(t, 2.5, s.Stats.AnnualizedReturn, 0.01)
}
