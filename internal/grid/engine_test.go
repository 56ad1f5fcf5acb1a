package grid_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/internal/grid"
	"github.com/your-org/hedge-grid-bot/internal/instrument"
)

type fakeGateway struct {
	price            float64
	nextID           int64
	marketOrders     []recordedOrder
	conditionals     []exchange.ConditionalOrderRequest
	cancelledAll     int
	failClosing      bool // reject market orders that close a leg
	failConditionals bool
}

type recordedOrder struct {
	Side          exchange.Side
	PositionSide  exchange.PositionSide
	Qty           float64
	ClientOrderID string
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, positionSide exchange.PositionSide, qty float64, clientOrderID string) (*exchange.FillConfirmation, error) {
	if g.failClosing && strings.HasSuffix(clientOrderID, "-close") {
		return nil, exchange.NewAPIError(exchange.KindTransient, 0, "venue unavailable", nil)
	}
	g.marketOrders = append(g.marketOrders, recordedOrder{side, positionSide, qty, clientOrderID})
	g.nextID++
	return &exchange.FillConfirmation{OrderID: g.nextID, ClientOrderID: clientOrderID, AvgPrice: g.price, ExecutedQty: qty}, nil
}

func (g *fakeGateway) PlaceConditionalOrder(ctx context.Context, req exchange.ConditionalOrderRequest) (int64, error) {
	if g.failConditionals {
		return 0, exchange.NewAPIError(exchange.KindTransient, 0, "venue unavailable", nil)
	}
	g.conditionals = append(g.conditionals, req)
	g.nextID++
	return g.nextID, nil
}

func (g *fakeGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	g.cancelledAll++
	return nil
}

func (g *fakeGateway) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}

func (g *fakeGateway) ListPositions(ctx context.Context, symbol string) ([]exchange.PositionInfo, error) {
	return nil, nil
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	return leverage, nil
}

func (g *fakeGateway) GetInstrumentFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	return exchange.Filters{PriceStep: 0.01, QtyStep: 0.001, MinNotional: 5, PricePrecision: 2, QtyPrecision: 3}, nil
}

func (g *fakeGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return g.price, nil
}

func (g *fakeGateway) ListOrderTrades(ctx context.Context, symbol string, orderID int64) ([]exchange.OrderTrade, error) {
	return nil, nil
}

func (g *fakeGateway) SyncServerTime(ctx context.Context) error { return nil }

func gridConfig() *config.Config {
	return &config.Config{
		Trade: config.TradeConf{CapitalPerTrade: 10, Leverage: 50},
		Grid: config.GridConf{
			StepPct:              0.01,
			MaxSteps:             10,
			CapitalFraction:      0.1,
			TakeProfitPct:        0.005,
			StopLossPct:          0.01,
			RotationIntervalSec:  60,
			SwitchCooldownSec:    5,
			InactivityTimeoutSec: 300,
		},
	}
}

func activeEngine(t *testing.T, price float64) (*grid.Engine, *fakeGateway) {
	t.Helper()
	gw := &fakeGateway{price: price}
	e := grid.NewEngine(gw, instrument.NewCache(gw), gridConfig())
	require.NoError(t, e.Activate(context.Background(), "XRPUSDT"))
	return e, gw
}

func TestOnTickOpensCrossedSteps(t *testing.T) {
	e, gw := activeEngine(t, 100)

	// 96.5 crosses long steps 1..3 (99, 98, 97) in one move.
	gw.price = 96.5
	require.NoError(t, e.OnTick(context.Background(), 96.5))

	require.Len(t, gw.marketOrders, 3)
	for _, o := range gw.marketOrders {
		assert.Equal(t, exchange.SideBuy, o.Side)
		assert.Equal(t, exchange.PositionLong, o.PositionSide)
	}
	assert.Len(t, gw.conditionals, 6, "each leg carries its own TP and SL")
	for _, c := range gw.conditionals {
		assert.False(t, c.ClosePosition, "leg protection must reduce only its own quantity")
		assert.Greater(t, c.Quantity, 0.0)
	}

	st := e.Snapshot()
	assert.Len(t, st.Legs, 3)
}

func TestOnTickRespectsStepOccupancy(t *testing.T) {
	e, gw := activeEngine(t, 100)

	gw.price = 98.9
	require.NoError(t, e.OnTick(context.Background(), 98.9))
	require.Len(t, gw.marketOrders, 1)

	// The same crossing again must not reopen the occupied step.
	require.NoError(t, e.OnTick(context.Background(), 98.9))
	assert.Len(t, gw.marketOrders, 1)

	// Opposite side at the mirrored step is independent.
	gw.price = 101.1
	require.NoError(t, e.OnTick(context.Background(), 101.1))
	require.Len(t, gw.marketOrders, 2)
	assert.Equal(t, exchange.PositionShort, gw.marketOrders[1].PositionSide)
}

func TestOuterBandBreachSlidesAnchor(t *testing.T) {
	e, gw := activeEngine(t, 100)

	// 111 is past the 10-step upper band at 110: slide, no triggers fired.
	gw.price = 111
	require.NoError(t, e.OnTick(context.Background(), 111))
	assert.Empty(t, gw.marketOrders, "the sliding tick must not open legs")
	assert.InDelta(t, 111.0, e.Snapshot().AnchorPrice, 1e-9)

	// Old step offsets are gone: 110 was short step 10 before the slide, now
	// it is below the new anchor and triggers a long step instead.
	gw.price = 109.8
	require.NoError(t, e.OnTick(context.Background(), 109.8))
	require.Len(t, gw.marketOrders, 1)
	assert.Equal(t, exchange.PositionLong, gw.marketOrders[0].PositionSide)
}

func TestOnLegClosedIsIdempotent(t *testing.T) {
	e, gw := activeEngine(t, 100)

	gw.price = 98.9
	require.NoError(t, e.OnTick(context.Background(), 98.9))
	st := e.Snapshot()
	require.Len(t, st.Legs, 1)
	legID := st.Legs[0].ID

	closed, ok := e.OnLegClosed(legID, true)
	require.True(t, ok)
	assert.Equal(t, legID, closed.ID)

	_, ok = e.OnLegClosed(legID, true)
	assert.False(t, ok, "duplicate close events must be no-ops")

	st = e.Snapshot()
	assert.Empty(t, st.Legs)
	assert.Equal(t, 1, st.Stats.TPCount)
	assert.Zero(t, st.Stats.SLCount)

	// The freed step can be occupied again.
	require.NoError(t, e.OnTick(context.Background(), 98.9))
	assert.Len(t, e.Snapshot().Legs, 1)
}

func TestTeardownFlattensAndBlocksNewLegs(t *testing.T) {
	e, gw := activeEngine(t, 100)

	gw.price = 97.5
	require.NoError(t, e.OnTick(context.Background(), 97.5))
	open := len(gw.marketOrders)
	require.Greater(t, open, 0)

	require.NoError(t, e.Teardown(context.Background()))
	assert.Equal(t, 1, gw.cancelledAll)
	assert.Len(t, gw.marketOrders, open*2, "every open leg gets a closing market order")
	assert.False(t, e.Active())

	require.NoError(t, e.OnTick(context.Background(), 97.5))
	assert.Len(t, gw.marketOrders, open*2, "inactive grid must not trade")
}

func TestTeardownKeepsUnflattenedLegTracked(t *testing.T) {
	e, gw := activeEngine(t, 100)
	gw.price = 98.9
	require.NoError(t, e.OnTick(context.Background(), 98.9))
	require.Len(t, e.Snapshot().Legs, 1)

	gw.failClosing = true
	err := e.Teardown(context.Background())
	require.Error(t, err)
	assert.Equal(t, exchange.KindCritical, exchange.KindOf(err), "a live leg at the venue must halt the caller")

	st := e.Snapshot()
	assert.True(t, st.Active, "the engine must not pretend the position is gone")
	assert.Len(t, st.Legs, 1, "the unflattened leg stays tracked")
	assert.True(t, st.ClearingForSwitch)

	// Clearing blocks new legs even while the teardown is stuck.
	before := len(gw.marketOrders)
	require.NoError(t, e.OnTick(context.Background(), 97.9))
	assert.Len(t, gw.marketOrders, before)

	// Once the venue recovers, a retried teardown finishes the job.
	gw.failClosing = false
	require.NoError(t, e.Teardown(context.Background()))
	assert.False(t, e.Snapshot().Active)
}

func TestProtectionFailureEscalatesWhenFlattenFails(t *testing.T) {
	e, gw := activeEngine(t, 100)
	gw.failConditionals = true
	gw.failClosing = true

	gw.price = 98.9
	err := e.OnTick(context.Background(), 98.9)
	require.Error(t, err)
	assert.Equal(t, exchange.KindCritical, exchange.KindOf(err), "a naked leg that cannot be flattened must halt the caller")
}

func TestInactivityExpiry(t *testing.T) {
	e, gw := activeEngine(t, 100)

	now := time.Now()
	assert.False(t, e.InactivityExpired(now))
	assert.True(t, e.InactivityExpired(now.Add(301*time.Second)))

	// One opened leg disarms the timeout for good.
	gw.price = 98.9
	require.NoError(t, e.OnTick(context.Background(), 98.9))
	assert.False(t, e.InactivityExpired(now.Add(301*time.Second)))
}

func TestRotationDue(t *testing.T) {
	e, _ := activeEngine(t, 100)

	now := time.Now()
	assert.False(t, e.RotationDue(now))
	assert.True(t, e.RotationDue(now.Add(61*time.Second)))

	e.MarkRotationChecked(now.Add(61 * time.Second))
	assert.False(t, e.RotationDue(now.Add(100*time.Second)))
}
