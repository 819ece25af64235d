package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msx-grid-go/internal/exchange"
	"msx-grid-go/internal/models"
)

// startRunning creates an instance via the registry and drives it through
// initialization so tests start from a Running grid with both legs placed.
func startRunning(t *testing.T) (*Registry, *instanceFixture) {
	t.Helper()
	reg, sim, repo := newTestRegistry(t)

	_, err := reg.Start(testParams())
	require.NoError(t, err)
	reg.processSymbol("BTC_USDT")

	summary, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	require.Equal(t, models.LifecycleRunning, summary.State)
	return reg, &instanceFixture{sim: sim, repo: repo}
}

type instanceFixture struct {
	sim  *exchange.SimExchange
	repo *memRepository
}

func TestInitializePlacesAnchorPair(t *testing.T) {
	reg, _ := startRunning(t)

	summary, err := reg.Status("BTC_USDT")
	require.NoError(t, err)

	// Anchor at 150 with spacing 0.0667: buy at 150*(1-0.0333)=145, sell at 155.
	require.NotNil(t, summary.BuyOrder)
	require.NotNil(t, summary.SellOrder)
	assert.InDelta(t, 145.0, summary.BuyOrder.Price, 0.05)
	assert.InDelta(t, 155.0, summary.SellOrder.Price, 0.05)
	assert.Equal(t, 150.0, summary.StartPrice)

	// The grid opens with a ratio-sized base position: at mid-range a long
	// grid holds half the capital, 1000*0.5/150 ≈ 3.333.
	assert.InDelta(t, 3.333, summary.Position.Size, 0.01)
}

func TestBuyFillReplacesOnlyBuyLeg(t *testing.T) {
	reg, fx := startRunning(t)

	before, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	sellID := before.SellOrder.OrderID

	// Price drops through the buy leg; the sell leg stays open.
	fx.sim.SetPrice("BTC_USDT", 144)
	reg.processSymbol("BTC_USDT")

	after, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	// History holds the opening base fill plus the grid buy fill.
	require.Len(t, after.RecentFills, 2)
	last := after.RecentFills[len(after.RecentFills)-1]
	assert.Equal(t, models.SideBuy, last.Side)
	assert.InDelta(t, 145.0, last.Price, 0.05)

	// Exactly one new buy order, re-anchored at the fill price.
	require.NotNil(t, after.BuyOrder)
	assert.NotEqual(t, before.BuyOrder.OrderID, after.BuyOrder.OrderID)
	assert.InDelta(t, 145.0*(1-after.GridSpacing/2), after.BuyOrder.Price, 0.05)

	// Sell slot untouched.
	require.NotNil(t, after.SellOrder)
	assert.Equal(t, sellID, after.SellOrder.OrderID)
}

func TestBothLegsFilledReanchorsAtCurrentPrice(t *testing.T) {
	reg, fx := startRunning(t)

	// Fill the sell leg, then the buy leg, before the next poll runs.
	fx.sim.SetPrice("BTC_USDT", 156)
	fx.sim.SetPrice("BTC_USDT", 144)
	reg.processSymbol("BTC_USDT")

	after, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	// Opening base fill plus both grid fills.
	require.Len(t, after.RecentFills, 3)

	// Both slots replaced, anchored at the current price of 144.
	require.NotNil(t, after.BuyOrder)
	require.NotNil(t, after.SellOrder)
	assert.InDelta(t, 144*(1-after.GridSpacing/2), after.BuyOrder.Price, 0.05)
	assert.InDelta(t, 144*(1+after.GridSpacing/2), after.SellOrder.Price, 0.05)
}

func TestRoundTripUpdatesStats(t *testing.T) {
	reg, fx := startRunning(t)

	// Buy at 145, then sell at the replacement sell leg: one full round trip.
	fx.sim.SetPrice("BTC_USDT", 144)
	reg.processSymbol("BTC_USDT")

	mid, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	require.NotNil(t, mid.SellOrder)
	sellPrice := mid.SellOrder.Price

	fx.sim.SetPrice("BTC_USDT", sellPrice+1)
	reg.processSymbol("BTC_USDT")

	after, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, 1, after.Stats.ArbitrageCount)
	assert.Greater(t, after.Stats.GridProfit, 0.0)
	assert.Greater(t, after.Stats.TotalVolume, 0.0)
}

func TestOutOfRangePausesAndReentryRestoresLegs(t *testing.T) {
	reg, fx := startRunning(t)

	before, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	buyID := before.BuyOrder.OrderID

	// Price breaks above max_price: remaining orders cancelled, no new ones.
	fx.sim.SetPrice("BTC_USDT", 250)
	reg.processSymbol("BTC_USDT")

	paused, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, models.LifecyclePausedRange, paused.State)
	assert.Nil(t, paused.BuyOrder)
	assert.Nil(t, paused.SellOrder)
	if o, ok := fx.sim.OrderByID(buyID); assert.True(t, ok) {
		assert.Equal(t, "cancelled", o.Status)
	}

	// While out of range no orders are placed on subsequent ticks.
	reg.processSymbol("BTC_USDT")
	open, err := fx.sim.FetchOpenOrders("BTC_USDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	// Re-entry restores both grid legs.
	fx.sim.SetPrice("BTC_USDT", 180)
	reg.processSymbol("BTC_USDT")

	resumed, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleRunning, resumed.State)
	require.NotNil(t, resumed.BuyOrder)
	require.NotNil(t, resumed.SellOrder)
	assert.InDelta(t, 180*(1-resumed.GridSpacing/2), resumed.BuyOrder.Price, 0.05)
	assert.InDelta(t, 180*(1+resumed.GridSpacing/2), resumed.SellOrder.Price, 0.05)
}

func TestAtMostOneOrderPerSide(t *testing.T) {
	reg, fx := startRunning(t)

	// Drive several price moves and polls; the invariant must hold after each.
	for _, price := range []float64{144, 152, 139, 160, 150} {
		fx.sim.SetPrice("BTC_USDT", price)
		reg.processSymbol("BTC_USDT")

		open, err := fx.sim.FetchOpenOrders("BTC_USDT")
		require.NoError(t, err)
		var buys, sells int
		for _, o := range open {
			switch o.Side {
			case models.SideBuy:
				buys++
			case models.SideSell:
				sells++
			}
		}
		assert.LessOrEqual(t, buys, 1, "price %v", price)
		assert.LessOrEqual(t, sells, 1, "price %v", price)
	}
}

func TestDuplicateOrderAdoptedNotResubmitted(t *testing.T) {
	reg, fx := startRunning(t)

	// Simulate a crashed tick that submitted the buy order but lost the slot:
	// the order is live on the exchange while the snapshot says the slot is empty.
	inst := reg.lookup("BTC_USDT")
	require.NotNil(t, inst)
	inst.mu.Lock()
	lostID := inst.state.BuyOrder.OrderID
	inst.state.BuyOrder = nil
	inst.mu.Unlock()

	reg.processSymbol("BTC_USDT")

	after, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	require.NotNil(t, after.BuyOrder)
	assert.Equal(t, lostID, after.BuyOrder.OrderID, "existing order should be adopted")

	open, err := fx.sim.FetchOpenOrders("BTC_USDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestStrayUntrackedOrderIsSwept(t *testing.T) {
	reg, fx := startRunning(t)

	// An order submitted right before a crash is live on the exchange but
	// absent from the recovered snapshot and matches no grid leg. Leaving it
	// would lock funds and add exposure outside the grid.
	stray, err := fx.sim.PlaceOrder("BTC_USDT", models.SideBuy, "limit", 0.5, 120, models.OpenTypeOpen)
	require.NoError(t, err)

	reg.processSymbol("BTC_USDT")

	if o, ok := fx.sim.OrderByID(stray.ID); assert.True(t, ok) {
		assert.Equal(t, "cancelled", o.Status)
	}

	// Only the two tracked grid legs remain.
	open, err := fx.sim.FetchOpenOrders("BTC_USDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestSnapshotPersistedAfterMeaningfulTicks(t *testing.T) {
	reg, fx := startRunning(t)

	fx.sim.SetPrice("BTC_USDT", 144)
	reg.processSymbol("BTC_USDT")

	fx.repo.Lock()
	saved := fx.repo.snapshots["BTC_USDT"]
	fx.repo.Unlock()
	require.NotNil(t, saved)

	live, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, live.State, saved.State)
	assert.Equal(t, len(live.RecentFills), len(saved.History))
	assert.Equal(t, live.Stats, saved.Stats)
}
