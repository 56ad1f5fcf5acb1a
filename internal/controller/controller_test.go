package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/hedge-grid-bot/internal/alert"
	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/internal/grid"
	"github.com/your-org/hedge-grid-bot/internal/instrument"
	"github.com/your-org/hedge-grid-bot/internal/position"
	"github.com/your-org/hedge-grid-bot/internal/selection"
)

type fakeGateway struct {
	price        float64
	leverageBy   map[string]int // actual leverage per symbol; default 50
	trades       map[int64][]exchange.OrderTrade
	nextID       int64
	marketOrders int
	failAll      bool
	failClose    bool // reject closing market orders only
}

func newGW() *fakeGateway {
	return &fakeGateway{
		price:      100,
		leverageBy: map[string]int{},
		trades:     map[int64][]exchange.OrderTrade{},
	}
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, positionSide exchange.PositionSide, qty float64, clientOrderID string) (*exchange.FillConfirmation, error) {
	if g.failAll {
		return nil, exchange.NewAPIError(exchange.KindTransient, 0, "venue unavailable", nil)
	}
	if g.failClose && strings.HasSuffix(clientOrderID, "-close") {
		return nil, exchange.NewAPIError(exchange.KindTransient, 0, "venue unavailable", nil)
	}
	g.marketOrders++
	g.nextID++
	return &exchange.FillConfirmation{OrderID: g.nextID, ClientOrderID: clientOrderID, AvgPrice: g.price, ExecutedQty: qty}, nil
}

func (g *fakeGateway) PlaceConditionalOrder(ctx context.Context, req exchange.ConditionalOrderRequest) (int64, error) {
	g.nextID++
	return g.nextID, nil
}

func (g *fakeGateway) CancelAllOpenOrders(ctx context.Context, symbol string) error { return nil }

func (g *fakeGateway) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	// Report every conditional id ever handed out as resting so protection
	// verification always succeeds.
	out := make([]exchange.OpenOrder, 0, g.nextID)
	for id := int64(1); id <= g.nextID; id++ {
		out = append(out, exchange.OpenOrder{OrderID: id, Symbol: symbol})
	}
	return out, nil
}

func (g *fakeGateway) ListPositions(ctx context.Context, symbol string) ([]exchange.PositionInfo, error) {
	return nil, nil
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	if actual, ok := g.leverageBy[symbol]; ok {
		return actual, nil
	}
	return leverage, nil
}

func (g *fakeGateway) GetInstrumentFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	return exchange.Filters{PriceStep: 0.01, QtyStep: 0.001, MinNotional: 5, PricePrecision: 2, QtyPrecision: 3}, nil
}

func (g *fakeGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if g.failAll {
		return 0, exchange.NewAPIError(exchange.KindTransient, 0, "venue unavailable", nil)
	}
	return g.price, nil
}

func (g *fakeGateway) ListOrderTrades(ctx context.Context, symbol string, orderID int64) ([]exchange.OrderTrade, error) {
	return g.trades[orderID], nil
}

func (g *fakeGateway) SyncServerTime(ctx context.Context) error { return nil }

// fakeFeed is an httptest selection feed with a configurable candidate list
// and claim conflicts.
type fakeFeed struct {
	server     *httptest.Server
	candidates []selection.Candidate
	conflicts  map[string]bool
	claims     []string
	releases   []string
	failAll    bool
}

func newFeed(candidates ...selection.Candidate) *fakeFeed {
	f := &fakeFeed{candidates: candidates, conflicts: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/candidates", func(w http.ResponseWriter, r *http.Request) {
		if f.failAll {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(f.candidates)
	})
	mux.HandleFunc("/claim", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if f.conflicts[body["symbol"]] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.claims = append(f.claims, body["symbol"])
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.releases = append(f.releases, body["symbol"])
		w.WriteHeader(http.StatusOK)
	})
	f.server = httptest.NewServer(mux)
	return f
}

func controllerConfig() *config.Config {
	return &config.Config{
		Trade: config.TradeConf{
			CapitalPerTrade:   10,
			Leverage:          50,
			OverallTakeProfit: 1000,
			OverallStopLoss:   1000,
		},
		Kill: config.KillConf{
			TakeProfitCapitalMult: 3,
			StopLossCapitalMult:   2,
			MilestoneBasePct:      0.10,
			MilestoneGrowth:       1.5,
			ReferenceLeverage:     50,
			PartialCloseFraction:  0.10,
			MidpointCloseFraction: 0.20,
		},
		Grid: config.GridConf{
			StepPct:              0.01,
			MaxSteps:             10,
			CapitalFraction:      0.1,
			TakeProfitPct:        0.005,
			StopLossPct:          0.01,
			RotationIntervalSec:  60,
			SwitchCooldownSec:    0,
			InactivityTimeoutSec: 300,
		},
		Selection: config.SelectionConf{
			MinSampleCount:          10,
			VolatilityKillThreshold: 0.5,
			BetterSymbolMargin:      0.1,
		},
		Scheduler: config.SchedulerConf{
			TickIntervalMs:         100,
			SettlementDelayMs:      1,
			VerifyAttempts:         3,
			VerifyDelayMs:          1,
			MaxConsecutiveFailures: 3,
			PendingEvictionSec:     60,
		},
	}
}

func newController(t *testing.T, gw *fakeGateway, feed *fakeFeed) *Controller {
	t.Helper()
	t.Cleanup(feed.server.Close)
	cfg := controllerConfig()
	cache := instrument.NewCache(gw)
	pm := position.NewManager(gw, cache, cfg)
	ge := grid.NewEngine(gw, cache, cfg)
	sel := selection.NewFeed(feed.server.URL, "test-instance")
	return New(cfg, gw, sel, pm, ge, alert.NoOpNotifier{}, nil)
}

func tick(c *Controller) {
	c.dispatch(context.Background(), event{kind: evTick})
}

func TestHighVolatilityCandidateStartsKillMode(t *testing.T) {
	gw := newGW()
	feed := newFeed(
		selection.Candidate{Symbol: "DOGEUSDT", Volatility: 0.9, SampleCount: 50},
		selection.Candidate{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50},
	)
	c := newController(t, gw, feed)

	tick(c)

	snap := c.Snapshot()
	assert.Equal(t, StateKillActive, snap.State)
	assert.Equal(t, ModeKill, snap.Mode)
	assert.Equal(t, "DOGEUSDT", snap.Symbol)
	assert.Equal(t, []string{"DOGEUSDT"}, feed.claims)
	assert.NotNil(t, snap.KillLong)
	assert.NotNil(t, snap.KillShort)
	assert.False(t, snap.Grid.Active, "modes are mutually exclusive")
}

func TestLowVolatilityCandidateStartsGridMode(t *testing.T) {
	gw := newGW()
	feed := newFeed(selection.Candidate{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50})
	c := newController(t, gw, feed)

	tick(c)

	snap := c.Snapshot()
	assert.Equal(t, StateGridActive, snap.State)
	assert.Equal(t, ModeSideways, snap.Mode)
	assert.True(t, snap.Grid.Active)
	assert.Nil(t, snap.KillLong, "modes are mutually exclusive")
}

func TestClaimConflictFallsThroughToNextCandidate(t *testing.T) {
	gw := newGW()
	feed := newFeed(
		selection.Candidate{Symbol: "DOGEUSDT", Volatility: 0.9, SampleCount: 50},
		selection.Candidate{Symbol: "PEPEUSDT", Volatility: 0.8, SampleCount: 50},
	)
	feed.conflicts["DOGEUSDT"] = true
	c := newController(t, gw, feed)

	tick(c)

	snap := c.Snapshot()
	assert.Equal(t, "PEPEUSDT", snap.Symbol)
	assert.Equal(t, []string{"PEPEUSDT"}, feed.claims)
}

func TestWrongQuoteAssetCandidatesAreSkipped(t *testing.T) {
	gw := newGW()
	feed := newFeed(selection.Candidate{Symbol: "DOGEBTC", Volatility: 0.9, SampleCount: 50})
	c := newController(t, gw, feed)
	c.cfg.Symbol.QuoteAsset = "USDT"

	tick(c)

	assert.Equal(t, StateIdle, c.Snapshot().State)
	assert.Empty(t, feed.claims)
}

func TestLowSampleCandidatesAreSkipped(t *testing.T) {
	gw := newGW()
	feed := newFeed(selection.Candidate{Symbol: "NEWUSDT", Volatility: 0.9, SampleCount: 3})
	c := newController(t, gw, feed)

	tick(c)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, feed.claims)
}

func TestRejectedEntryBlacklistsSymbolForSession(t *testing.T) {
	gw := newGW()
	gw.leverageBy["DOGEUSDT"] = 20 // leverage tier too low
	feed := newFeed(
		selection.Candidate{Symbol: "DOGEUSDT", Volatility: 0.9, SampleCount: 50},
		selection.Candidate{Symbol: "XRPUSDT", Volatility: 0.8, SampleCount: 50},
	)
	c := newController(t, gw, feed)

	tick(c)
	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, []string{"DOGEUSDT"}, snap.Blacklist)
	assert.Equal(t, []string{"DOGEUSDT"}, feed.releases, "claim must be released on abort")

	// Next cycle skips the blacklisted symbol entirely.
	tick(c)
	snap = c.Snapshot()
	assert.Equal(t, "XRPUSDT", snap.Symbol)
	assert.Equal(t, StateKillActive, snap.State)
}

func TestConsecutiveFailureBudgetHaltsBot(t *testing.T) {
	gw := newGW()
	feed := newFeed()
	feed.failAll = true
	c := newController(t, gw, feed)

	for i := 0; i < 3; i++ {
		tick(c)
	}

	snap := c.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.True(t, c.halted)
}

func TestGridLegSettlementAppliesPnLOnce(t *testing.T) {
	gw := newGW()
	feed := newFeed(selection.Candidate{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50})
	c := newController(t, gw, feed)
	tick(c)

	// Cross a long step so one leg opens.
	gw.price = 98.9
	tick(c)
	legs := c.Snapshot().Grid.Legs
	require.Len(t, legs, 1)

	const orderID = 9001
	gw.trades[orderID] = []exchange.OrderTrade{{OrderID: orderID, RealizedPnL: 0.8, Commission: 0.05}}
	fill := exchange.FillEvent{
		Symbol:        "XRPUSDT",
		OrderID:       orderID,
		ClientOrderID: "grid-" + legs[0].ID + "-tp",
		Status:        exchange.StatusFilled,
	}
	c.dispatch(context.Background(), event{kind: evFill, fill: fill})
	c.dispatch(context.Background(), event{kind: evFill, fill: fill}) // duplicate push
	c.dispatch(context.Background(), event{kind: evFinalize, orderID: orderID})
	c.dispatch(context.Background(), event{kind: evFinalize, orderID: orderID}) // duplicate finalize

	snap := c.Snapshot()
	assert.InDelta(t, 0.75, snap.CumulativePnL, 1e-9, "net PnL applied exactly once")
	assert.Empty(t, snap.Grid.Legs, "settled leg is removed")
	assert.Equal(t, 1, snap.Grid.Stats.TPCount)
}

func TestKillTakeProfitFinishesCycle(t *testing.T) {
	gw := newGW()
	feed := newFeed(selection.Candidate{Symbol: "DOGEUSDT", Volatility: 0.9, SampleCount: 50})
	c := newController(t, gw, feed)
	tick(c)
	require.Equal(t, StateKillActive, c.Snapshot().State)

	cycle := c.pm.CycleID()
	const orderID = 7001
	gw.trades[orderID] = []exchange.OrderTrade{{OrderID: orderID, RealizedPnL: 30, Commission: 0.4}}
	c.dispatch(context.Background(), event{kind: evFill, fill: exchange.FillEvent{
		Symbol:        "DOGEUSDT",
		OrderID:       orderID,
		ClientOrderID: "kill-" + cycle + "-long-tp",
		Status:        exchange.StatusFilled,
	}})
	c.dispatch(context.Background(), event{kind: evFinalize, orderID: orderID})

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State, "profitable exit ends the cycle")
	assert.Nil(t, snap.KillLong)
	assert.Nil(t, snap.KillShort)
	assert.Equal(t, []string{"DOGEUSDT"}, feed.releases)
	assert.InDelta(t, 29.6, snap.CumulativePnL, 1e-9)
}

func TestOverallStopLossCircuitBreaker(t *testing.T) {
	gw := newGW()
	feed := newFeed(selection.Candidate{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50})
	c := newController(t, gw, feed)
	c.cfg.Trade.OverallStopLoss = 1 // trip on the first losing settlement
	tick(c)

	gw.price = 98.9
	tick(c)
	legs := c.Snapshot().Grid.Legs
	require.Len(t, legs, 1)

	const orderID = 9002
	gw.trades[orderID] = []exchange.OrderTrade{{OrderID: orderID, RealizedPnL: -2.5, Commission: 0.05}}
	c.dispatch(context.Background(), event{kind: evFill, fill: exchange.FillEvent{
		Symbol:        "XRPUSDT",
		OrderID:       orderID,
		ClientOrderID: "grid-" + legs[0].ID + "-sl",
		Status:        exchange.StatusFilled,
	}})
	c.dispatch(context.Background(), event{kind: evFinalize, orderID: orderID})

	snap := c.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.False(t, snap.Grid.Active, "everything flattened on the circuit breaker")
	assert.Contains(t, feed.releases, "XRPUSDT")
}

func TestRotationOnBetterSymbol(t *testing.T) {
	gw := newGW()
	feed := newFeed(
		selection.Candidate{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50},
	)
	c := newController(t, gw, feed)
	tick(c)
	require.Equal(t, StateGridActive, c.Snapshot().State)

	// A clearly better symbol appears; force the rotation check to be due.
	feed.candidates = []selection.Candidate{
		{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50},
		{Symbol: "ADAUSDT", Volatility: 0.45, SampleCount: 50},
	}
	c.grid.MarkRotationChecked(c.now().Add(-2 * time.Minute))
	tick(c)

	snap := c.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.False(t, snap.Grid.Active)
	assert.Equal(t, []string{"XRPUSDT"}, feed.releases)
}

func TestRotationHaltsWhenTeardownCannotFlatten(t *testing.T) {
	gw := newGW()
	feed := newFeed(selection.Candidate{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50})
	c := newController(t, gw, feed)
	tick(c)
	require.Equal(t, StateGridActive, c.Snapshot().State)

	gw.price = 98.9
	tick(c)
	require.NotEmpty(t, c.Snapshot().Grid.Legs)

	feed.candidates = []selection.Candidate{
		{Symbol: "XRPUSDT", Volatility: 0.2, SampleCount: 50},
		{Symbol: "ADAUSDT", Volatility: 0.45, SampleCount: 50},
	}
	c.grid.MarkRotationChecked(c.now().Add(-2 * time.Minute))
	gw.failClose = true
	tick(c)

	snap := c.Snapshot()
	assert.Equal(t, StateStopped, snap.State, "rotating away from a leg that cannot be flattened must halt")
	assert.NotEmpty(t, snap.Grid.Legs, "the stuck leg stays tracked")
}

func TestStopSurvivesFullEventQueue(t *testing.T) {
	gw := newGW()
	feed := newFeed()
	c := newController(t, gw, feed)

	// Saturate the queue the way a busy all-market mark stream would.
	for i := 0; i < cap(c.events); i++ {
		c.OnMarkPrice(exchange.MarkPriceEvent{Symbol: "XRPUSDT", MarkPrice: 100})
	}
	c.Stop("operator shutdown")
	c.Stop("redundant request") // must not block

	select {
	case reason := <-c.stop:
		assert.Equal(t, "operator shutdown", reason)
	default:
		t.Fatal("stop request was lost")
	}
}

func TestStopMakesRunReturn(t *testing.T) {
	gw := newGW()
	feed := newFeed()
	c := newController(t, gw, feed)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()
	c.Stop("operator shutdown")

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, StateStopped, c.Snapshot().State)
}

func TestFinalizeTimerDoesNotBlockAfterRunExits(t *testing.T) {
	gw := newGW()
	feed := newFeed()
	c := newController(t, gw, feed)

	for i := 0; i < cap(c.events); i++ {
		c.OnMarkPrice(exchange.MarkPriceEvent{Symbol: "XRPUSDT", MarkPrice: 100})
	}
	c.doneOnce.Do(func() { close(c.done) })

	delivered := make(chan struct{})
	go func() {
		c.enqueueFinalize(1)
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("settlement timer stayed blocked on a full queue")
	}
}
