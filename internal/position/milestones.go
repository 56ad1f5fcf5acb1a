package position

import (
	"context"
	"fmt"

	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/internal/instrument"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
)

// OnMarkPrice drives the milestone ladder from a mark-price tick. It updates
// both sides' unrealized PnL, then checks the loser against the next unvisited
// loss threshold and executes the scripted de-risking action, or re-opens a
// recovered loser.
func (m *Manager) OnMarkPrice(ctx context.Context, ev exchange.MarkPriceEvent) error {
	if !m.Active() || ev.Symbol != m.symbol {
		return nil
	}
	if m.long != nil {
		m.long.UpdateMark(ev.MarkPrice)
	}
	if m.short != nil {
		m.short.UpdateMark(ev.MarkPrice)
	}

	// The ladder only runs while both sides are open; a lone survivor just
	// rides its relocated stop.
	if m.long == nil || m.short == nil {
		return nil
	}

	winner, loser := m.long, m.short
	if m.short.UnrealizedPnL > m.long.UnrealizedPnL {
		winner, loser = m.short, m.long
	}

	// A fully de-risked side has no mark exposure left; its zero PnL is not a
	// recovery signal.
	if loser.UnrealizedPnL >= 0 && loser.ClosedLossAmount > 0 && loser.Quantity > 0 {
		return m.recover(ctx, loser)
	}
	if loser.UnrealizedPnL >= 0 {
		return nil
	}
	if loser.MilestoneCounter >= config.MilestoneCount {
		return nil
	}

	lossFrac := -loser.UnrealizedPnL / m.cfg.Trade.CapitalPerTrade
	next := loser.MilestoneCounter // zero-based index of the next milestone
	if lossFrac < m.thresholds[next] {
		return nil
	}

	milestone := next + 1
	logger.Infof("[kill] %s loser %s crossed milestone %d (loss %.2f%% of capital)",
		m.symbol, loser.Side, milestone, lossFrac*100)

	switch {
	case milestone == 5:
		if err := m.partialClose(ctx, loser, m.cfg.Kill.MidpointCloseFraction, milestone); err != nil {
			return err
		}
		return m.lockPair(ctx, winner, loser)
	case milestone == config.MilestoneCount:
		return m.closeLoserFully(ctx, winner, loser)
	default:
		return m.partialClose(ctx, loser, m.cfg.Kill.PartialCloseFraction, milestone)
	}
}

// partialClose market-closes fraction of the loser's initial quantity and
// advances the milestone counter.
func (m *Manager) partialClose(ctx context.Context, p *Position, fraction float64, milestone int) error {
	qty := instrument.FloorQty(p.InitialQuantity*fraction, p.Filters)
	if qty > p.Quantity {
		qty = p.Quantity
	}
	if qty <= 0 {
		// The slice rounds to nothing on coarse instruments; still record the
		// milestone so the ladder keeps moving.
		p.MilestoneCounter = milestone
		return nil
	}

	fill, err := m.gw.PlaceMarketOrder(ctx, p.Symbol, p.Side.CloseSide(), p.Side, qty,
		m.clientID(p.Side, fmt.Sprintf("p%d", milestone)))
	if err != nil {
		return fmt.Errorf("position: milestone %d partial close of %s: %w", milestone, p.Side, err)
	}

	executed := fill.ExecutedQty
	if executed == 0 {
		executed = qty
	}
	p.Quantity -= executed
	p.ClosedLossAmount += executed
	p.MilestoneCounter = milestone
	logger.Infof("[kill] milestone %d: closed %.8f of %s, remaining %.8f, pending recovery %.8f",
		milestone, executed, p.Side, p.Quantity, p.ClosedLossAmount)
	return nil
}

// lockPair relocates the winner's stop and the loser's take-profit to their
// respective entry prices, bounding the pair's further downside.
func (m *Manager) lockPair(ctx context.Context, winner, loser *Position) error {
	if err := m.replaceConditional(ctx, winner, exchange.ConditionalStopLoss, winner.EntryPrice); err != nil {
		return err
	}
	winner.StopLossPrice = instrument.RoundPrice(winner.EntryPrice, winner.Filters)
	winner.HasMovedStopToEntry = true

	if err := m.replaceConditional(ctx, loser, exchange.ConditionalTakeProfit, loser.EntryPrice); err != nil {
		return err
	}
	loser.TakeProfitPrice = instrument.RoundPrice(loser.EntryPrice, loser.Filters)

	logger.Infof("[kill] pair locked on %s: %s stop and %s TP moved to break-even", m.symbol, winner.Side, loser.Side)
	return nil
}

// replaceConditional swaps one side's TP or SL for a new trigger price. The
// fresh order is placed before its predecessor can be assumed gone, so the
// side stays protected throughout; cancellation uses the venue-wide sweep at
// pair teardown.
func (m *Manager) replaceConditional(ctx context.Context, p *Position, kind exchange.ConditionalType, trigger float64) error {
	tag := "sl-moved"
	if kind == exchange.ConditionalTakeProfit {
		tag = "tp-moved"
	}
	id, err := m.gw.PlaceConditionalOrder(ctx, exchange.ConditionalOrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side.CloseSide(),
		PositionSide:  p.Side,
		Type:          kind,
		TriggerPrice:  instrument.RoundPrice(trigger, p.Filters),
		ClosePosition: true,
		ClientOrderID: m.clientID(p.Side, tag),
	})
	if err != nil {
		return fmt.Errorf("position: relocating %s %s: %w", p.Side, kind, err)
	}
	if kind == exchange.ConditionalTakeProfit {
		p.TakeProfitOrderID = id
	} else {
		p.StopLossOrderID = id
	}
	return nil
}

// closeLoserFully is milestone 8: the loser is flattened entirely and the
// winner runs standalone behind a break-even stop.
func (m *Manager) closeLoserFully(ctx context.Context, winner, loser *Position) error {
	if loser.Quantity > 0 {
		if _, err := m.gw.PlaceMarketOrder(ctx, loser.Symbol, loser.Side.CloseSide(), loser.Side, loser.Quantity,
			m.clientID(loser.Side, "close")); err != nil {
			return fmt.Errorf("position: milestone %d full close of %s: %w", config.MilestoneCount, loser.Side, err)
		}
	}
	loser.MilestoneCounter = config.MilestoneCount
	m.dropSide(loser.Side)

	if err := m.replaceConditional(ctx, winner, exchange.ConditionalStopLoss, winner.EntryPrice); err != nil {
		return err
	}
	winner.StopLossPrice = instrument.RoundPrice(winner.EntryPrice, winner.Filters)
	winner.HasMovedStopToEntry = true
	logger.Infof("[kill] milestone %d: %s closed in full, %s runs standalone behind break-even stop",
		config.MilestoneCount, loser.Side, winner.Side)
	return nil
}

// recover re-opens the previously de-risked quantity of a loser whose PnL has
// come back to non-negative, then resets its ladder.
func (m *Manager) recover(ctx context.Context, p *Position) error {
	qty := instrument.FloorQty(p.ClosedLossAmount, p.Filters)
	if qty <= 0 {
		p.ClosedLossAmount = 0
		p.MilestoneCounter = 0
		return nil
	}

	openSide := exchange.SideBuy
	if p.Side == exchange.PositionShort {
		openSide = exchange.SideSell
	}
	fill, err := m.gw.PlaceMarketOrder(ctx, p.Symbol, openSide, p.Side, qty, m.clientID(p.Side, "recover"))
	if err != nil {
		return fmt.Errorf("position: recovering %.8f on %s %s: %w", qty, p.Symbol, p.Side, err)
	}

	executed := fill.ExecutedQty
	if executed == 0 {
		executed = qty
	}
	// Entry price becomes the size-weighted average of the remainder and the
	// re-opened quantity.
	newQty := p.Quantity + executed
	if newQty > 0 && fill.AvgPrice > 0 {
		p.EntryPrice = (p.EntryPrice*p.Quantity + fill.AvgPrice*executed) / newQty
	}
	p.Quantity = newQty
	p.ClosedLossAmount = 0
	p.MilestoneCounter = 0
	logger.Infof("[kill] recovered %s: re-opened %.8f, quantity back to %.8f, ladder reset", p.Side, executed, p.Quantity)
	return nil
}

// OnSideClosed reconciles a venue-side full close (TP, SL, or liquidation) of
// one side. A profitable close locks the gain by flattening the other side; a
// losing close leaves the survivor running behind a break-even stop.
// It returns true when the whole pair is finished.
func (m *Manager) OnSideClosed(ctx context.Context, side exchange.PositionSide, realizedPnL float64) (pairDone bool, err error) {
	m.dropSide(side)
	survivor := m.long
	if survivor == nil {
		survivor = m.short
	}
	if survivor == nil {
		return true, nil
	}

	if realizedPnL > 0 {
		logger.Infof("[kill] %s closed in profit (%.4f), locking gain by closing %s", side, realizedPnL, survivor.Side)
		if err := m.CloseAll(ctx); err != nil {
			return true, fmt.Errorf("position: closing survivor after profitable %s exit: %w", side, err)
		}
		return true, nil
	}

	if !survivor.HasMovedStopToEntry {
		if err := m.replaceConditional(ctx, survivor, exchange.ConditionalStopLoss, survivor.EntryPrice); err != nil {
			return false, err
		}
		survivor.StopLossPrice = instrument.RoundPrice(survivor.EntryPrice, survivor.Filters)
		survivor.HasMovedStopToEntry = true
		logger.Infof("[kill] %s closed at a loss (%.4f); %s stop moved to entry", side, realizedPnL, survivor.Side)
	}
	return false, nil
}

// RecordPartialPnL books reconciled PnL from a partial close into the owning
// side.
func (m *Manager) RecordPartialPnL(side exchange.PositionSide, pnl float64) {
	p := m.side(side)
	if p != nil {
		p.RealizedPnLFromPartials += pnl
	}
}

func (m *Manager) side(side exchange.PositionSide) *Position {
	if side == exchange.PositionLong {
		return m.long
	}
	return m.short
}

func (m *Manager) dropSide(side exchange.PositionSide) {
	if side == exchange.PositionLong {
		m.long = nil
	} else {
		m.short = nil
	}
	if m.long == nil && m.short == nil {
		m.symbol = ""
	}
}
