// Package grid implements the mean-reversion grid strategy. An anchor price
// defines symmetric step bands; crossing an unoccupied step opens a small leg
// with its own take-profit and stop-loss, and a breach of the outermost band
// slides the anchor so the grid re-centers.
package grid

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/internal/instrument"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
	"github.com/your-org/hedge-grid-bot/pkg/retry"
)

// Leg is one open grid position. StepIndex is the signed offset from the
// anchor: negative for long legs below it, positive for short legs above it.
type Leg struct {
	ID                string
	Symbol            string
	Side              exchange.PositionSide
	EntryPrice        float64
	Quantity          float64
	StepIndex         int
	TakeProfitPrice   float64
	StopLossPrice     float64
	TakeProfitOrderID int64
	StopLossOrderID   int64
}

// SessionStats counts leg outcomes since the last activation.
type SessionStats struct {
	TPCount int
	SLCount int
}

// State is a point-in-time copy of the engine for reporting.
type State struct {
	Active            bool
	Symbol            string
	AnchorPrice       float64
	ClearingForSwitch bool
	Legs              []Leg
	Stats             SessionStats
}

// Engine owns the anchor and the set of open legs for one symbol. It is not
// safe for concurrent use; the controller serializes all calls.
type Engine struct {
	gw    exchange.Gateway
	cache *instrument.Cache
	cfg   *config.Config

	symbol            string
	active            bool
	anchor            float64
	leverage          int
	filters           exchange.Filters
	activatedAt       time.Time
	everOpenedLeg     bool
	clearingForSwitch bool
	lastRotationCheck time.Time
	legs              map[int]*Leg // keyed by StepIndex; signed, so one leg per (side, step)
	byID              map[string]*Leg
	stats             SessionStats
}

func NewEngine(gw exchange.Gateway, cache *instrument.Cache, cfg *config.Config) *Engine {
	return &Engine{
		gw:    gw,
		cache: cache,
		cfg:   cfg,
		legs:  make(map[int]*Leg),
		byID:  make(map[string]*Leg),
	}
}

func (e *Engine) flattenPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: e.cfg.Scheduler.VerifyAttempts,
		Delay:       time.Duration(e.cfg.Scheduler.VerifyDelayMs) * time.Millisecond,
	}
}

// Active reports whether the grid is running on a symbol.
func (e *Engine) Active() bool { return e.active }

// Symbol returns the symbol the grid runs on, or "" when inactive.
func (e *Engine) Symbol() string { return e.symbol }

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	st := State{
		Active:            e.active,
		Symbol:            e.symbol,
		AnchorPrice:       e.anchor,
		ClearingForSwitch: e.clearingForSwitch,
		Stats:             e.stats,
	}
	for _, l := range e.legs {
		st.Legs = append(st.Legs, *l)
	}
	return st
}

// Activate anchors the grid at the current price of symbol. Leverage below the
// configured level is a rejection so the caller can blacklist the symbol.
func (e *Engine) Activate(ctx context.Context, symbol string) error {
	if e.active {
		return fmt.Errorf("grid: already active on %s", e.symbol)
	}

	actual, err := e.gw.SetLeverage(ctx, symbol, e.cfg.Trade.Leverage)
	if err != nil {
		return fmt.Errorf("grid: setting leverage on %s: %w", symbol, err)
	}
	if actual < e.cfg.Trade.Leverage {
		return exchange.NewAPIError(exchange.KindRejected, 0,
			fmt.Sprintf("leverage tier on %s caps at %dx, need %dx", symbol, actual, e.cfg.Trade.Leverage), nil)
	}
	filters, err := e.cache.Get(ctx, symbol)
	if err != nil {
		return err
	}
	price, err := e.gw.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return err
	}

	now := time.Now()
	e.symbol = symbol
	e.active = true
	e.anchor = price
	e.leverage = actual
	e.filters = filters
	e.activatedAt = now
	e.everOpenedLeg = false
	e.clearingForSwitch = false
	e.lastRotationCheck = now
	e.legs = make(map[int]*Leg)
	e.byID = make(map[string]*Leg)
	e.stats = SessionStats{}

	logger.Infof("[grid] activated on %s: anchor=%.8f step=%.2f%% maxSteps=%d",
		symbol, e.anchor, e.cfg.Grid.StepPct*100, e.cfg.Grid.MaxSteps)
	return nil
}

// OnTick evaluates the grid against price: slides the anchor on an outer-band
// breach, otherwise opens legs for every crossed unoccupied step.
func (e *Engine) OnTick(ctx context.Context, price float64) error {
	if !e.active || e.clearingForSwitch || price <= 0 {
		return nil
	}

	step := e.cfg.Grid.StepPct
	maxSteps := e.cfg.Grid.MaxSteps

	upperBand := e.anchor * (1 + float64(maxSteps)*step)
	lowerBand := e.anchor * (1 - float64(maxSteps)*step)
	if price > upperBand || price < lowerBand {
		e.slideAnchor(price)
		return nil
	}

	var firstErr error
	for i := 1; i <= maxSteps; i++ {
		longTrigger := e.anchor * (1 - float64(i)*step)
		if price <= longTrigger {
			if _, ok := e.legs[-i]; !ok {
				if err := e.openLeg(ctx, exchange.PositionLong, -i, price); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		shortTrigger := e.anchor * (1 + float64(i)*step)
		if price >= shortTrigger {
			if _, ok := e.legs[i]; !ok {
				if err := e.openLeg(ctx, exchange.PositionShort, i, price); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// slideAnchor re-centers the band on the nearest grid-aligned price. Existing
// legs keep their own TP/SL and are not re-indexed; old offsets simply stop
// matching new triggers.
func (e *Engine) slideAnchor(price float64) {
	step := e.cfg.Grid.StepPct
	offset := math.Round((price/e.anchor - 1) / step)
	newAnchor := e.anchor * (1 + offset*step)
	logger.Infof("[grid] %s anchor slide %.8f -> %.8f (price %.8f beyond band)", e.symbol, e.anchor, newAnchor, price)
	e.anchor = newAnchor
}

func (e *Engine) openLeg(ctx context.Context, side exchange.PositionSide, stepIndex int, price float64) error {
	capital := e.cfg.Trade.CapitalPerTrade * e.cfg.Grid.CapitalFraction
	qty := instrument.FloorQty(capital*float64(e.leverage)/price, e.filters)
	if qty <= 0 || !instrument.MeetsMinNotional(qty, price, e.filters) {
		logger.Warnf("[grid] %s step %d skipped: quantity %.8f below min notional", e.symbol, stepIndex, qty)
		return nil
	}

	legID := uuid.NewString()[:8]
	openSide := exchange.SideBuy
	if side == exchange.PositionShort {
		openSide = exchange.SideSell
	}
	fill, err := e.gw.PlaceMarketOrder(ctx, e.symbol, openSide, side, qty, fmt.Sprintf("grid-%s-entry", legID))
	if err != nil {
		return fmt.Errorf("grid: opening %s leg at step %d: %w", side, stepIndex, err)
	}
	entry := fill.AvgPrice
	if entry == 0 {
		entry = price
	}
	executed := fill.ExecutedQty
	if executed == 0 {
		executed = qty
	}

	leg := &Leg{
		ID:         legID,
		Symbol:     e.symbol,
		Side:       side,
		EntryPrice: entry,
		Quantity:   executed,
		StepIndex:  stepIndex,
	}
	if side == exchange.PositionLong {
		leg.TakeProfitPrice = instrument.RoundPrice(entry*(1+e.cfg.Grid.TakeProfitPct), e.filters)
		leg.StopLossPrice = instrument.RoundPrice(entry*(1-e.cfg.Grid.StopLossPct), e.filters)
	} else {
		leg.TakeProfitPrice = instrument.RoundPrice(entry*(1-e.cfg.Grid.TakeProfitPct), e.filters)
		leg.StopLossPrice = instrument.RoundPrice(entry*(1+e.cfg.Grid.StopLossPct), e.filters)
	}

	if err := e.placeLegProtection(ctx, leg); err != nil {
		// Never leave a naked leg behind: flatten it and give the step back.
		logger.Errorf("[grid] protection for %s leg %s failed, flattening: %v", side, legID, err)
		closeErr := retry.Do(ctx, e.flattenPolicy(), exchange.IsRetryable, func(ctx context.Context) error {
			_, err := e.gw.PlaceMarketOrder(ctx, e.symbol, side.CloseSide(), side, executed, fmt.Sprintf("grid-%s-close", legID))
			return err
		})
		if closeErr != nil {
			logger.Errorf("[grid] flattening leg %s failed: %v", legID, closeErr)
			return exchange.NewAPIError(exchange.KindCritical, 0,
				fmt.Sprintf("naked leg %s on %s could not be flattened", legID, e.symbol), nil)
		}
		return err
	}

	e.legs[stepIndex] = leg
	e.byID[legID] = leg
	e.everOpenedLeg = true
	logger.Infof("[grid] %s opened %s leg %s at step %d: entry=%.8f qty=%.8f tp=%.8f sl=%.8f",
		e.symbol, side, legID, stepIndex, entry, executed, leg.TakeProfitPrice, leg.StopLossPrice)
	return nil
}

func (e *Engine) placeLegProtection(ctx context.Context, leg *Leg) error {
	tpID, err := e.gw.PlaceConditionalOrder(ctx, exchange.ConditionalOrderRequest{
		Symbol:        leg.Symbol,
		Side:          leg.Side.CloseSide(),
		PositionSide:  leg.Side,
		Type:          exchange.ConditionalTakeProfit,
		TriggerPrice:  leg.TakeProfitPrice,
		Quantity:      leg.Quantity,
		ClientOrderID: fmt.Sprintf("grid-%s-tp", leg.ID),
	})
	if err != nil {
		return fmt.Errorf("grid: placing leg %s TP: %w", leg.ID, err)
	}
	leg.TakeProfitOrderID = tpID

	slID, err := e.gw.PlaceConditionalOrder(ctx, exchange.ConditionalOrderRequest{
		Symbol:        leg.Symbol,
		Side:          leg.Side.CloseSide(),
		PositionSide:  leg.Side,
		Type:          exchange.ConditionalStopLoss,
		TriggerPrice:  leg.StopLossPrice,
		Quantity:      leg.Quantity,
		ClientOrderID: fmt.Sprintf("grid-%s-sl", leg.ID),
	})
	if err != nil {
		return fmt.Errorf("grid: placing leg %s SL: %w", leg.ID, err)
	}
	leg.StopLossOrderID = slID
	return nil
}

// OnLegClosed removes the leg identified by legID after its TP or SL filled
// and returns the realized leg plus whether it was found. Unknown ids are a
// no-op so duplicate stream events stay harmless.
func (e *Engine) OnLegClosed(legID string, viaTP bool) (Leg, bool) {
	leg, ok := e.byID[legID]
	if !ok {
		return Leg{}, false
	}
	delete(e.byID, legID)
	delete(e.legs, leg.StepIndex)
	if viaTP {
		e.stats.TPCount++
	} else {
		e.stats.SLCount++
	}
	logger.Infof("[grid] %s leg %s closed (tp=%v); session tp=%d sl=%d", e.symbol, legID, viaTP, e.stats.TPCount, e.stats.SLCount)
	return *leg, true
}

// LegByClientID resolves a leg from the id segment of a grid client order id.
func (e *Engine) LegByClientID(legID string) (Leg, bool) {
	leg, ok := e.byID[legID]
	if !ok {
		return Leg{}, false
	}
	return *leg, true
}

// RotationDue reports whether the periodic selection re-check should run.
func (e *Engine) RotationDue(now time.Time) bool {
	if !e.active {
		return false
	}
	interval := time.Duration(e.cfg.Grid.RotationIntervalSec) * time.Second
	return now.Sub(e.lastRotationCheck) >= interval
}

// MarkRotationChecked records a completed rotation check.
func (e *Engine) MarkRotationChecked(now time.Time) {
	e.lastRotationCheck = now
}

// InactivityExpired reports whether the symbol went dead: no leg ever opened
// within the timeout window after activation.
func (e *Engine) InactivityExpired(now time.Time) bool {
	if !e.active || e.everOpenedLeg {
		return false
	}
	timeout := time.Duration(e.cfg.Grid.InactivityTimeoutSec) * time.Second
	return now.Sub(e.activatedAt) >= timeout
}

// Teardown cancels all resting orders, flattens every leg, and deactivates
// the grid. New legs are blocked as soon as it starts. Closing orders are
// retried; a leg that still cannot be flattened stays tracked and the error
// escalates as critical so the caller halts instead of rotating away from a
// live position.
func (e *Engine) Teardown(ctx context.Context) error {
	if !e.active {
		return nil
	}
	e.clearingForSwitch = true
	logger.Infof("[grid] tearing down %s: %d open legs", e.symbol, len(e.legs))

	if err := e.gw.CancelAllOpenOrders(ctx, e.symbol); err != nil {
		logger.Errorf("[grid] cancelling %s orders failed: %v", e.symbol, err)
	}

	var stuck int
	for _, leg := range e.legs {
		leg := leg
		err := retry.Do(ctx, e.flattenPolicy(), exchange.IsRetryable, func(ctx context.Context) error {
			_, err := e.gw.PlaceMarketOrder(ctx, leg.Symbol, leg.Side.CloseSide(), leg.Side, leg.Quantity, fmt.Sprintf("grid-%s-close", leg.ID))
			return err
		})
		if err != nil {
			logger.Errorf("[grid] flattening leg %s failed: %v", leg.ID, err)
			stuck++
			continue
		}
		delete(e.byID, leg.ID)
		delete(e.legs, leg.StepIndex)
	}
	if stuck > 0 {
		return exchange.NewAPIError(exchange.KindCritical, 0,
			fmt.Sprintf("could not flatten %d grid legs on %s, position still live at the venue", stuck, e.symbol), nil)
	}

	e.active = false
	e.clearingForSwitch = false
	e.symbol = ""
	e.anchor = 0
	e.legs = make(map[int]*Leg)
	e.byID = make(map[string]*Leg)
	return nil
}
