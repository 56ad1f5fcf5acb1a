package position

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/internal/instrument"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
	"github.com/your-org/hedge-grid-bot/pkg/retry"
)

// Manager runs the Kill-mode pair lifecycle. All methods are invoked from the
// controller's single event loop, so no internal locking is needed.
type Manager struct {
	gw    exchange.Gateway
	cache *instrument.Cache
	cfg   *config.Config

	symbol     string
	cycleID    string
	thresholds [config.MilestoneCount]float64
	long       *Position
	short      *Position
}

// NewManager creates a Kill-mode position Manager.
func NewManager(gw exchange.Gateway, cache *instrument.Cache, cfg *config.Config) *Manager {
	return &Manager{
		gw:    gw,
		cache: cache,
		cfg:   cfg,
	}
}

// Active reports whether any side of the pair is open.
func (m *Manager) Active() bool {
	return m.long != nil || m.short != nil
}

// Symbol returns the symbol of the live pair, empty when flat.
func (m *Manager) Symbol() string {
	if !m.Active() {
		return ""
	}
	return m.symbol
}

// CycleID identifies the current pair attempt; client order ids embed it.
func (m *Manager) CycleID() string {
	return m.cycleID
}

// Snapshots returns read-only copies of both sides for the control surface.
func (m *Manager) Snapshots() (long, short *Snapshot) {
	return m.long.snapshot(), m.short.snapshot()
}

func (m *Manager) clientID(side exchange.PositionSide, tag string) string {
	return fmt.Sprintf("kill-%s-%s-%s", m.cycleID, sideTag(side), tag)
}

func sideTag(side exchange.PositionSide) string {
	if side == exchange.PositionLong {
		return "long"
	}
	return "short"
}

func (m *Manager) verifyPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: m.cfg.Scheduler.VerifyAttempts,
		Delay:       time.Duration(m.cfg.Scheduler.VerifyDelayMs) * time.Millisecond,
	}
}

// OpenPair opens the hedged LONG/SHORT pair on symbol and places verified
// TP/SL protection for both sides. Any failure mid-sequence flattens whatever
// legs already succeeded: a partial pair is never left running unprotected.
func (m *Manager) OpenPair(ctx context.Context, symbol string) error {
	if m.Active() {
		return fmt.Errorf("position: pair already active on %s", m.symbol)
	}

	actual, err := m.gw.SetLeverage(ctx, symbol, m.cfg.Trade.Leverage)
	if err != nil {
		return fmt.Errorf("position: setting leverage on %s: %w", symbol, err)
	}
	if actual < m.cfg.Trade.Leverage {
		return exchange.NewAPIError(exchange.KindRejected, 0,
			fmt.Sprintf("leverage tier on %s caps at %dx, need %dx", symbol, actual, m.cfg.Trade.Leverage), nil)
	}

	filters, err := m.cache.Get(ctx, symbol)
	if err != nil {
		return err
	}
	price, err := m.gw.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return err
	}

	qty := instrument.FloorQty(m.cfg.Trade.CapitalPerTrade*float64(actual)/price, filters)
	if qty <= 0 || !instrument.MeetsMinNotional(qty, price, filters) {
		return exchange.NewAPIError(exchange.KindRejected, 0,
			fmt.Sprintf("computed quantity %.8f on %s below min notional", qty, symbol), nil)
	}

	m.symbol = symbol
	m.cycleID = uuid.NewString()[:8]
	m.thresholds = m.cfg.Kill.MilestoneThresholds(actual)

	logger.Infof("[kill] opening pair on %s: qty=%.8f price=%.8f leverage=%dx cycle=%s", symbol, qty, price, actual, m.cycleID)

	longFill, err := m.gw.PlaceMarketOrder(ctx, symbol, exchange.SideBuy, exchange.PositionLong, qty, m.clientID(exchange.PositionLong, "entry"))
	if err != nil {
		m.resetPair()
		return fmt.Errorf("position: opening LONG on %s: %w", symbol, err)
	}
	m.long = m.newSide(symbol, exchange.PositionLong, longFill, qty, actual, filters)

	shortFill, err := m.gw.PlaceMarketOrder(ctx, symbol, exchange.SideSell, exchange.PositionShort, qty, m.clientID(exchange.PositionShort, "entry"))
	if err != nil {
		logger.Errorf("[kill] SHORT entry failed on %s, flattening the orphan LONG: %v", symbol, err)
		if closeErr := m.emergencyClose(ctx); closeErr != nil {
			return closeErr
		}
		return fmt.Errorf("position: opening SHORT on %s: %w", symbol, err)
	}
	m.short = m.newSide(symbol, exchange.PositionShort, shortFill, qty, actual, filters)

	if err := m.placeProtection(ctx, m.long); err != nil {
		if closeErr := m.emergencyClose(ctx); closeErr != nil {
			return closeErr
		}
		return err
	}
	if err := m.placeProtection(ctx, m.short); err != nil {
		if closeErr := m.emergencyClose(ctx); closeErr != nil {
			return closeErr
		}
		return err
	}
	if err := m.verifyProtection(ctx); err != nil {
		if closeErr := m.emergencyClose(ctx); closeErr != nil {
			return closeErr
		}
		return err
	}

	logger.Infof("[kill] pair opened on %s: long entry %.8f, short entry %.8f", symbol, m.long.EntryPrice, m.short.EntryPrice)
	return nil
}

func (m *Manager) newSide(symbol string, side exchange.PositionSide, fill *exchange.FillConfirmation, requestedQty float64, leverage int, filters exchange.Filters) *Position {
	qty := fill.ExecutedQty
	if qty == 0 {
		qty = requestedQty
	}
	p := &Position{
		Symbol:          symbol,
		Side:            side,
		Quantity:        qty,
		InitialQuantity: qty,
		EntryPrice:      fill.AvgPrice,
		MarkPrice:       fill.AvgPrice,
		Leverage:        leverage,
		Filters:         filters,
	}

	// Virtual TP/SL levels expressed as capital multiples, converted to price
	// deltas through the quantity.
	tpDelta := m.cfg.Kill.TakeProfitCapitalMult * m.cfg.Trade.CapitalPerTrade / qty
	slDelta := m.cfg.Kill.StopLossCapitalMult * m.cfg.Trade.CapitalPerTrade / qty
	if side == exchange.PositionLong {
		p.TakeProfitPrice = instrument.RoundPrice(p.EntryPrice+tpDelta, filters)
		p.StopLossPrice = instrument.RoundPrice(p.EntryPrice-slDelta, filters)
	} else {
		p.TakeProfitPrice = instrument.RoundPrice(p.EntryPrice-tpDelta, filters)
		p.StopLossPrice = instrument.RoundPrice(p.EntryPrice+slDelta, filters)
	}
	return p
}

func (m *Manager) placeProtection(ctx context.Context, p *Position) error {
	tpID, err := m.gw.PlaceConditionalOrder(ctx, exchange.ConditionalOrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side.CloseSide(),
		PositionSide:  p.Side,
		Type:          exchange.ConditionalTakeProfit,
		TriggerPrice:  p.TakeProfitPrice,
		ClosePosition: true,
		ClientOrderID: m.clientID(p.Side, "tp"),
	})
	if err != nil {
		return fmt.Errorf("position: placing %s TP: %w", p.Side, err)
	}
	p.TakeProfitOrderID = tpID

	slID, err := m.gw.PlaceConditionalOrder(ctx, exchange.ConditionalOrderRequest{
		Symbol:        p.Symbol,
		Side:          p.Side.CloseSide(),
		PositionSide:  p.Side,
		Type:          exchange.ConditionalStopLoss,
		TriggerPrice:  p.StopLossPrice,
		ClosePosition: true,
		ClientOrderID: m.clientID(p.Side, "sl"),
	})
	if err != nil {
		return fmt.Errorf("position: placing %s SL: %w", p.Side, err)
	}
	p.StopLossOrderID = slID
	return nil
}

// verifyProtection polls open orders until all four conditional orders are
// visible on the venue. A timeout is treated as an unprotected pair.
func (m *Manager) verifyProtection(ctx context.Context) error {
	want := map[int64]bool{
		m.long.TakeProfitOrderID:  false,
		m.long.StopLossOrderID:    false,
		m.short.TakeProfitOrderID: false,
		m.short.StopLossOrderID:   false,
	}
	outcome, err := retry.Poll(ctx, m.verifyPolicy(), func(ctx context.Context) (bool, error) {
		open, err := m.gw.ListOpenOrders(ctx, m.symbol)
		if err != nil {
			// Listing failures inside the verify loop are retried, not fatal.
			logger.Warnf("[kill] open-order check failed during verification: %v", err)
			return false, nil
		}
		seen := make(map[int64]bool, len(open))
		for _, o := range open {
			seen[o.OrderID] = true
		}
		for id := range want {
			if !seen[id] {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("position: verifying protection on %s: %w", m.symbol, err)
	}
	if outcome != retry.Confirmed {
		return exchange.NewAPIError(exchange.KindCritical, 0,
			fmt.Sprintf("TP/SL verification timed out on %s, refusing to run unprotected", m.symbol), nil)
	}
	return nil
}

// emergencyClose flattens whatever legs exist after a failed pairing step.
func (m *Manager) emergencyClose(ctx context.Context) error {
	logger.Warnf("[kill] emergency close on %s", m.symbol)
	return m.CloseAll(ctx)
}

func (m *Manager) resetPair() {
	m.long = nil
	m.short = nil
	m.symbol = ""
}

// CloseAll flattens the pair and cancels protection. Closing orders are
// retried; a side that still cannot be flattened stays tracked and the error
// escalates as critical, because forgetting a live position is worse than
// halting the bot.
func (m *Manager) CloseAll(ctx context.Context) error {
	if !m.Active() {
		return nil
	}
	if err := m.gw.CancelAllOpenOrders(ctx, m.symbol); err != nil {
		logger.Errorf("[kill] cancelling open orders on %s failed: %v", m.symbol, err)
	}

	var stuck []exchange.PositionSide
	for _, p := range []*Position{m.long, m.short} {
		if p == nil {
			continue
		}
		if p.Quantity <= 0 {
			m.dropSide(p.Side)
			continue
		}
		p := p
		err := retry.Do(ctx, m.verifyPolicy(), exchange.IsRetryable, func(ctx context.Context) error {
			_, err := m.gw.PlaceMarketOrder(ctx, p.Symbol, p.Side.CloseSide(), p.Side, p.Quantity, m.clientID(p.Side, "close"))
			return err
		})
		if err != nil {
			logger.Errorf("[kill] closing %s side on %s failed: %v", p.Side, p.Symbol, err)
			stuck = append(stuck, p.Side)
			continue
		}
		m.dropSide(p.Side)
	}
	if len(stuck) > 0 {
		return exchange.NewAPIError(exchange.KindCritical, 0,
			fmt.Sprintf("could not flatten %v on %s, position still live at the venue", stuck, m.symbol), nil)
	}
	return nil
}
