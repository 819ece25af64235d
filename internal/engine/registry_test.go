package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msx-grid-go/internal/exchange"
	"msx-grid-go/internal/models"
)

// memRepository is an in-memory SnapshotRepository for tests.
type memRepository struct {
	sync.Mutex
	snapshots map[string]*models.GridState
}

func newMemRepository() *memRepository {
	return &memRepository{snapshots: make(map[string]*models.GridState)}
}

func (m *memRepository) SaveSnapshot(state *models.GridState) error {
	m.Lock()
	defer m.Unlock()
	m.snapshots[state.Params.Symbol] = state.Clone()
	return nil
}

func (m *memRepository) LoadAllSnapshots() ([]*models.GridState, error) {
	m.Lock()
	defer m.Unlock()
	out := make([]*models.GridState, 0, len(m.snapshots))
	for _, st := range m.snapshots {
		out = append(out, st.Clone())
	}
	return out, nil
}

func (m *memRepository) DeleteSnapshot(symbol string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.snapshots, symbol)
	return nil
}

func (m *memRepository) Close() error { return nil }

func testConfig() *models.Config {
	return &models.Config{
		PollIntervalSec: 3600, // effectively disables the background loop in tests
		RecoveryPolicy:  "resume",
	}
}

func testParams() StartParams {
	return StartParams{
		Symbol:           "BTC_USDT",
		MarketType:       models.MarketContract,
		AssetType:        models.AssetCrypto,
		Direction:        models.DirectionLong,
		MinPrice:         100,
		MaxPrice:         200,
		GridCount:        10,
		InvestmentAmount: 1000,
		Leverage:         1,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *exchange.SimExchange, *memRepository) {
	t.Helper()
	sim := exchange.NewSimExchange(1_000_000)
	sim.SetPrice("BTC_USDT", 150)
	repo := newMemRepository()
	reg := NewRegistry(sim, repo, testConfig())
	t.Cleanup(reg.Shutdown)
	return reg, sim, repo
}

func TestStartComputesSpacingAndCapital(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	summary, err := reg.Start(testParams())
	require.NoError(t, err)

	// (200-100) / (10 * (100+200)/2) = 0.0667
	assert.InDelta(t, 0.0667, summary.GridSpacing, 0.0001)
	assert.Equal(t, 1000.0, summary.TotalCapital)
	assert.Equal(t, models.LifecycleInitializing, summary.State)
	assert.NotEmpty(t, summary.ID)
}

func TestStartValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	cases := []struct {
		name   string
		mutate func(*StartParams)
	}{
		{"empty symbol", func(p *StartParams) { p.Symbol = " " }},
		{"negative min price", func(p *StartParams) { p.MinPrice = -1 }},
		{"min above max", func(p *StartParams) { p.MinPrice = 200; p.MaxPrice = 100 }},
		{"zero grid count", func(p *StartParams) { p.GridCount = 0 }},
		{"zero investment", func(p *StartParams) { p.InvestmentAmount = 0 }},
		{"negative leverage", func(p *StartParams) { p.Leverage = -2 }},
		{"bad direction", func(p *StartParams) { p.Direction = "sideways" }},
		{"bad market type", func(p *StartParams) { p.MarketType = "options" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := testParams()
			tc.mutate(&params)
			_, err := reg.Start(params)
			assert.ErrorIs(t, err, ErrInvalidParameters)
		})
	}
}

func TestStartLeverageOutOfRange(t *testing.T) {
	reg, sim, _ := newTestRegistry(t)
	sim.SetMetadata(&models.SymbolMetadata{
		Symbol: "BTC_USDT", TickSize: 0.01, MinOrderSize: 0.001,
		MinLeverage: 1, MaxLeverage: 20,
	})

	params := testParams()
	params.Leverage = 50
	_, err := reg.Start(params)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestStartEachOrderSizeBelowMinimum(t *testing.T) {
	reg, sim, _ := newTestRegistry(t)
	sim.SetMetadata(&models.SymbolMetadata{
		Symbol: "BTC_USDT", TickSize: 0.01, MinOrderSize: 10,
		MinLeverage: 1, MaxLeverage: 100,
	})

	_, err := reg.Start(testParams())
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestStartInsufficientFunds(t *testing.T) {
	sim := exchange.NewSimExchange(500)
	sim.SetPrice("BTC_USDT", 150)
	reg := NewRegistry(sim, newMemRepository(), testConfig())
	t.Cleanup(reg.Shutdown)

	_, err := reg.Start(testParams())
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestStartDuplicateRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Start(testParams())
	require.NoError(t, err)

	_, err = reg.Start(testParams())
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// A stopped instance may be replaced by a fresh start.
	require.NoError(t, reg.Stop("BTC_USDT"))
	_, err = reg.Start(testParams())
	assert.NoError(t, err)
}

func TestStopAndDeleteNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	assert.ErrorIs(t, reg.Stop("ETH_USDT"), ErrNotFound)
	assert.ErrorIs(t, reg.Delete("ETH_USDT"), ErrNotFound)

	_, err := reg.Status("ETH_USDT")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSpotForcesLongWithoutLeverage(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	params := testParams()
	params.MarketType = models.MarketSpot
	params.Direction = models.DirectionShort
	params.Leverage = 10

	summary, err := reg.Start(params)
	require.NoError(t, err)
	assert.Equal(t, models.DirectionLong, summary.Direction)
	assert.Equal(t, 1.0, summary.Leverage)
	assert.Equal(t, 1000.0, summary.TotalCapital)
}

func TestDeleteRemovesInstanceAndSnapshot(t *testing.T) {
	reg, _, repo := newTestRegistry(t)

	_, err := reg.Start(testParams())
	require.NoError(t, err)
	reg.processSymbol("BTC_USDT")

	require.NoError(t, reg.Delete("BTC_USDT"))
	_, err = reg.Status("BTC_USDT")
	assert.ErrorIs(t, err, ErrNotFound)

	repo.Lock()
	_, ok := repo.snapshots["BTC_USDT"]
	repo.Unlock()
	assert.False(t, ok, "snapshot should be deleted with the instance")
}

func TestStatusAllSortedBySymbol(t *testing.T) {
	reg, sim, _ := newTestRegistry(t)
	sim.SetPrice("ETH_USDT", 150)
	sim.SetPrice("ADA_USDT", 150)

	for _, sym := range []string{"ETH_USDT", "BTC_USDT", "ADA_USDT"} {
		params := testParams()
		params.Symbol = sym
		_, err := reg.Start(params)
		require.NoError(t, err)
	}

	summaries := reg.StatusAll()
	require.Len(t, summaries, 3)
	assert.Equal(t, "ADA_USDT", summaries[0].Symbol)
	assert.Equal(t, "BTC_USDT", summaries[1].Symbol)
	assert.Equal(t, "ETH_USDT", summaries[2].Symbol)
}

func TestStopAllCollectsInstances(t *testing.T) {
	reg, sim, _ := newTestRegistry(t)
	sim.SetPrice("ETH_USDT", 150)

	for _, sym := range []string{"BTC_USDT", "ETH_USDT"} {
		params := testParams()
		params.Symbol = sym
		_, err := reg.Start(params)
		require.NoError(t, err)
		reg.processSymbol(sym)
	}

	require.NoError(t, reg.StopAll())
	for _, s := range reg.StatusAll() {
		assert.Equal(t, models.LifecycleStopped, s.State)
		assert.Nil(t, s.BuyOrder)
		assert.Nil(t, s.SellOrder)
	}
}

func TestRecoverRestoresLifecycleWithoutReinit(t *testing.T) {
	reg, sim, repo := newTestRegistry(t)

	_, err := reg.Start(testParams())
	require.NoError(t, err)
	reg.processSymbol("BTC_USDT")

	before, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	require.Equal(t, models.LifecycleRunning, before.State)

	// A fresh registry over the same repository must restore the exact state.
	reg2 := NewRegistry(sim, repo, testConfig())
	t.Cleanup(reg2.Shutdown)
	require.NoError(t, reg2.Recover())

	after, err := reg2.Status("BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.BuyOrder, after.BuyOrder)
	assert.Equal(t, before.SellOrder, after.SellOrder)
	assert.Equal(t, before.Position, after.Position)
	assert.Equal(t, before.Stats, after.Stats)
}

func TestManualRecoveryWaitsForResume(t *testing.T) {
	reg, sim, repo := newTestRegistry(t)

	_, err := reg.Start(testParams())
	require.NoError(t, err)
	reg.processSymbol("BTC_USDT")

	cfg := testConfig()
	cfg.RecoveryPolicy = "manual"
	reg2 := NewRegistry(sim, repo, cfg)
	t.Cleanup(reg2.Shutdown)
	require.NoError(t, reg2.Recover())

	// Held instances are excluded from scheduling until an explicit resume.
	assert.Empty(t, reg2.activeSymbols())

	assert.ErrorIs(t, reg2.Resume("ETH_USDT"), ErrNotFound)
	require.NoError(t, reg2.Resume("BTC_USDT"))
	assert.Equal(t, []string{"BTC_USDT"}, reg2.activeSymbols())
}

// cancelFailGateway wraps the simulator and fails cancels on demand,
// standing in for a session that expired mid-operation.
type cancelFailGateway struct {
	*exchange.SimExchange
	cancelErr error
}

func (g *cancelFailGateway) CancelOrder(symbol, orderID string) error {
	if g.cancelErr != nil {
		return g.cancelErr
	}
	return g.SimExchange.CancelOrder(symbol, orderID)
}

func TestStopFailsWhenCancelUnconfirmed(t *testing.T) {
	sim := exchange.NewSimExchange(1_000_000)
	sim.SetPrice("BTC_USDT", 150)
	gw := &cancelFailGateway{SimExchange: sim}
	reg := NewRegistry(gw, newMemRepository(), testConfig())
	t.Cleanup(reg.Shutdown)

	_, err := reg.Start(testParams())
	require.NoError(t, err)
	reg.processSymbol("BTC_USDT")

	// The session dies before the stop: the cancel outcome is unknown, so
	// the instance must not claim Stopped while its orders may still be live.
	gw.cancelErr = exchange.ErrAuthExpired
	assert.ErrorIs(t, reg.Stop("BTC_USDT"), exchange.ErrAuthExpired)

	summary, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleRunning, summary.State)
	require.NotNil(t, summary.BuyOrder)

	// Once the session works again the same stop goes through.
	gw.cancelErr = nil
	require.NoError(t, reg.Stop("BTC_USDT"))
	open, err := sim.FetchOpenOrders("BTC_USDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestConcurrentStopDuringTick(t *testing.T) {
	reg, sim, _ := newTestRegistry(t)

	_, err := reg.Start(testParams())
	require.NoError(t, err)
	reg.processSymbol("BTC_USDT")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			reg.processSymbol("BTC_USDT")
		}
	}()
	require.NoError(t, reg.Stop("BTC_USDT"))
	<-done

	// After stop completes no slot may reference a still-open order.
	summary, err := reg.Status("BTC_USDT")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleStopped, summary.State)
	assert.Nil(t, summary.BuyOrder)
	assert.Nil(t, summary.SellOrder)
	open, err := sim.FetchOpenOrders("BTC_USDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}
