// Package controller hosts the mode state machine. One goroutine drains a
// single event queue fed by the tick timer and the push streams, so the
// engines underneath never see concurrent calls.
package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/your-org/hedge-grid-bot/internal/alert"
	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/dbwriter"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/internal/grid"
	"github.com/your-org/hedge-grid-bot/internal/position"
	"github.com/your-org/hedge-grid-bot/internal/reconcile"
	"github.com/your-org/hedge-grid-bot/internal/selection"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
)

// State names the controller's position in the trading cycle.
type State string

const (
	StateIdle           State = "IDLE"
	StateSelecting      State = "SELECTING"
	StateOpeningPair    State = "OPENING_PAIR"
	StateKillActive     State = "KILL_ACTIVE"
	StateClosing        State = "CLOSING"
	StateGridActivating State = "GRID_ACTIVATING"
	StateGridActive     State = "GRID_ACTIVE"
	StateGridClearing   State = "GRID_CLEARING"
	StateStopped        State = "STOPPED"
)

// Mode is the strategy currently applied to the target symbol.
type Mode string

const (
	ModeNone     Mode = ""
	ModeKill     Mode = "KILL"
	ModeSideways Mode = "SIDEWAYS"
)

type eventKind int

const (
	evTick eventKind = iota
	evMarkPrice
	evFill
	evFinalize
)

type event struct {
	kind    eventKind
	mark    exchange.MarkPriceEvent
	fill    exchange.FillEvent
	orderID int64
}

// Snapshot is a point-in-time copy of the controller for reporting.
type Snapshot struct {
	State                State
	Mode                 Mode
	Symbol               string
	CumulativePnL        float64
	ConsecutiveFailures  int
	Blacklist            []string
	PendingFinalizations int
	KillLong             *position.Snapshot
	KillShort            *position.Snapshot
	Grid                 grid.State
}

// Controller drives coin selection and switches between the hedged-pair and
// grid strategies on one symbol at a time.
type Controller struct {
	cfg      *config.Config
	gw       exchange.Gateway
	feed     *selection.Feed
	pm       *position.Manager
	grid     *grid.Engine
	rec      *reconcile.Reconciler
	notifier alert.Notifier
	writer   dbwriter.DBWriter

	events chan event
	// stop carries the shutdown request on its own channel: the event queue
	// can fill up under mark-price load and must never swallow a stop.
	stop     chan string
	done     chan struct{}
	doneOnce sync.Once
	now      func() time.Time

	mu              sync.Mutex
	state           State
	symbol          string
	claimed         bool
	cumulativePnL   float64
	failures        int
	blacklist       map[string]struct{}
	switchNotBefore time.Time
	lastSummary     time.Time
	halted          bool
}

func New(cfg *config.Config, gw exchange.Gateway, feed *selection.Feed, pm *position.Manager, ge *grid.Engine, notifier alert.Notifier, writer dbwriter.DBWriter) *Controller {
	c := &Controller{
		cfg:       cfg,
		gw:        gw,
		feed:      feed,
		pm:        pm,
		grid:      ge,
		notifier:  notifier,
		writer:    writer,
		events:    make(chan event, 512),
		stop:      make(chan string, 1),
		done:      make(chan struct{}),
		now:       time.Now,
		state:     StateIdle,
		blacklist: make(map[string]struct{}),
	}
	c.rec = reconcile.NewReconciler(gw, cfg, c.scheduleFinalize)
	return c
}

// OnMarkPrice is the mark-price stream callback. Events are dropped when the
// queue is full; the next one supersedes them anyway.
func (c *Controller) OnMarkPrice(ev exchange.MarkPriceEvent) {
	select {
	case c.events <- event{kind: evMarkPrice, mark: ev}:
	default:
	}
}

// OnFill is the order-update stream callback. Fills are never dropped.
func (c *Controller) OnFill(ev exchange.FillEvent) {
	c.events <- event{kind: evFill, fill: ev}
}

/// Stop requests a graceful shutdown: flatten everything, release the symbol,
// and make Run return. A second request while one is already queued is a
// no-op.
func (c *Controller) Stop(reason string) {
	select {
	case c.stop <- reason:
	default:
	}
}

func (c *Controller) scheduleFinalize(orderID int64) {
	time.AfterFunc(c.rec.SettlementDelay(), func() { c.enqueueFinalize(orderID) })
}

// enqueueFinalize delivers a settlement timer into the queue unless the loop
// has already exited, so late timers never strand their goroutine.
func (c *Controller) enqueueFinalize(orderID int64) {
	select {
	case c.events <- event{kind: evFinalize, orderID: orderID}:
	case <-c.done:
	}
}

// Snapshot returns a copy of the current state for the HTTP surface.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		State:                c.state,
		Mode:                 c.mode(),
		Symbol:               c.symbol,
		CumulativePnL:        c.cumulativePnL,
		ConsecutiveFailures:  c.failures,
		PendingFinalizations: c.rec.PendingCount(),
		Grid:                 c.grid.Snapshot(),
	}
	s.KillLong, s.KillShort = c.pm.Snapshots()
	for sym := range c.blacklist {
		s.Blacklist = append(s.Blacklist, sym)
	}
	sort.Strings(s.Blacklist)
	return s
}

func (c *Controller) mode() Mode {
	switch c.state {
	case StateOpeningPair, StateKillActive, StateClosing:
		return ModeKill
	case StateGridActivating, StateGridActive, StateGridClearing:
		return ModeSideways
	}
	return ModeNone
}

// Run drains the event queue until ctx ends or a stop is requested. A panic
// in any handler flattens all exposure before the loop exits.
func (c *Controller) Run(ctx context.Context) error {
	interval := time.Duration(c.cfg.Scheduler.TickIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.doneOnce.Do(func() { close(c.done) })

	logger.Infof("[controller] running: tick every %s", interval)
	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.Background(), "context cancelled")
			return ctx.Err()
		case reason := <-c.stop:
			c.shutdown(ctx, reason)
			return nil
		case <-ticker.C:
			c.dispatch(ctx, event{kind: evTick})
		case ev := <-c.events:
			c.dispatch(ctx, ev)
		}
		c.mu.Lock()
		halted := c.halted
		c.mu.Unlock()
		if halted {
			return fmt.Errorf("controller: halted")
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[controller] panic in event loop: %v", r)
			c.flattenAndStop(ctx, fmt.Sprintf("panic: %v", r))
		}
	}()

	if c.halted {
		return
	}
	switch ev.kind {
	case evTick:
		c.handleTick(ctx)
	case evMarkPrice:
		c.handleMarkPrice(ctx, ev.mark)
	case evFill:
		c.rec.OnFill(ev.fill)
	case evFinalize:
		c.handleFinalize(ctx, ev.orderID)
	}
}

func (c *Controller) handleTick(ctx context.Context) {
	now := c.now()
	for _, id := range c.rec.EvictStale(now) {
		logger.Warnf("[controller] reconciliation of order %d abandoned", id)
	}

	switch c.state {
	case StateIdle:
		if now.Before(c.switchNotBefore) {
			return
		}
		c.selectAndStart(ctx)
	case StateKillActive:
		c.killTick(ctx)
	case StateGridActive:
		c.gridTick(ctx, now)
	}
	c.maybeWriteSummary(ctx, now)
}

// maybeWriteSummary persists a cumulative PnL snapshot once a minute while a
// strategy is running.
func (c *Controller) maybeWriteSummary(ctx context.Context, now time.Time) {
	if c.writer == nil || c.symbol == "" || now.Sub(c.lastSummary) < time.Minute {
		return
	}
	c.lastSummary = now

	sum := dbwriter.PnLSummary{
		Time:          now,
		Mode:          string(c.mode()),
		Symbol:        c.symbol,
		CumulativePnL: c.cumulativePnL,
	}
	long, short := c.pm.Snapshots()
	for _, p := range []*position.Snapshot{long, short} {
		if p == nil {
			continue
		}
		sum.UnrealizedPnL += p.UnrealizedPnL
		sum.RealizedPnL += p.RealizedPnL
		sum.OpenQuantity += p.Quantity
	}
	for _, leg := range c.grid.Snapshot().Legs {
		sum.OpenQuantity += leg.Quantity
	}
	if err := c.writer.SavePnLSummary(ctx, sum); err != nil {
		logger.Warnf("[controller] writing pnl summary: %v", err)
	}
}

// killTick re-evaluates the milestone ladder from a polled price so a stalled
// mark stream cannot freeze loss management.
func (c *Controller) killTick(ctx context.Context) {
	price, err := c.gw.GetCurrentPrice(ctx, c.symbol)
	if err != nil {
		c.noteFailure(ctx, fmt.Errorf("fetching price for %s: %w", c.symbol, err))
		return
	}
	c.handleMarkPrice(ctx, exchange.MarkPriceEvent{Symbol: c.symbol, MarkPrice: price, Time: c.now()})
}

func (c *Controller) selectAndStart(ctx context.Context) {
	c.state = StateSelecting
	defer func() {
		if c.state == StateSelecting {
			c.state = StateIdle
		}
	}()

	cands, err := c.feed.FetchCandidates(ctx)
	if err != nil {
		c.noteFailure(ctx, fmt.Errorf("fetching candidates: %w", err))
		return
	}

	eligible := cands[:0:0]
	for _, cand := range cands {
		if cand.SampleCount < c.cfg.Selection.MinSampleCount {
			continue
		}
		if _, banned := c.blacklist[cand.Symbol]; banned {
			continue
		}
		if !c.tradable(cand.Symbol) {
			continue
		}
		eligible = append(eligible, cand)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Volatility > eligible[j].Volatility })

	for _, cand := range eligible {
		if err := c.feed.Claim(ctx, cand.Symbol); err != nil {
			if err == selection.ErrAlreadyClaimed {
				logger.Infof("[controller] %s already claimed elsewhere, trying next candidate", cand.Symbol)
				continue
			}
			c.noteFailure(ctx, fmt.Errorf("claiming %s: %w", cand.Symbol, err))
			return
		}
		c.symbol = cand.Symbol
		c.claimed = true
		if cand.Volatility >= c.cfg.Selection.VolatilityKillThreshold {
			c.startKill(ctx)
		} else {
			c.startGrid(ctx)
		}
		return
	}
	logger.Debug("[controller] no eligible candidate this cycle")
}

// tradable applies the static instrument restrictions from config: required
// quote asset and the exclusion list.
func (c *Controller) tradable(symbol string) bool {
	if quote := c.cfg.Symbol.QuoteAsset; quote != "" && !strings.HasSuffix(symbol, quote) {
		return false
	}
	for _, excluded := range c.cfg.Symbol.Exclude {
		if symbol == excluded {
			return false
		}
	}
	return true
}

func (c *Controller) startKill(ctx context.Context) {
	c.state = StateOpeningPair
	logger.Infof("[controller] opening hedged pair on %s", c.symbol)
	if err := c.pm.OpenPair(ctx, c.symbol); err != nil {
		c.abortEntry(ctx, err)
		return
	}
	c.failures = 0
	c.state = StateKillActive
}

func (c *Controller) startGrid(ctx context.Context) {
	c.state = StateGridActivating
	logger.Infof("[controller] activating grid on %s", c.symbol)
	if err := c.grid.Activate(ctx, c.symbol); err != nil {
		c.abortEntry(ctx, err)
		return
	}
	c.failures = 0
	c.state = StateGridActive
}

// abortEntry unwinds a failed strategy start: rejections blacklist the symbol
// for the session, anything else counts against the failure budget.
func (c *Controller) abortEntry(ctx context.Context, err error) {
	logger.Errorf("[controller] entry on %s failed: %v", c.symbol, err)
	switch exchange.KindOf(err) {
	case exchange.KindCritical:
		c.flattenAndStop(ctx, err.Error())
		return
	case exchange.KindRejected:
		c.blacklist[c.symbol] = struct{}{}
		logger.Warnf("[controller] %s blacklisted for this session", c.symbol)
	default:
		c.noteFailure(ctx, err)
		if c.halted {
			return
		}
	}
	c.releaseSymbol(ctx)
	c.state = StateIdle
}

func (c *Controller) gridTick(ctx context.Context, now time.Time) {
	price, err := c.gw.GetCurrentPrice(ctx, c.symbol)
	if err != nil {
		c.noteFailure(ctx, fmt.Errorf("fetching price for %s: %w", c.symbol, err))
		return
	}
	if err := c.grid.OnTick(ctx, price); err != nil {
		c.noteFailure(ctx, err)
		return
	}
	c.failures = 0

	if c.grid.InactivityExpired(now) {
		c.rotate(ctx, "no grid activity within the timeout window")
		return
	}
	if c.grid.RotationDue(now) {
		c.rotationCheck(ctx, now)
	}
}

// rotationCheck re-queries the feed while the grid runs: rising volatility or
// a materially better symbol triggers a teardown and re-selection.
func (c *Controller) rotationCheck(ctx context.Context, now time.Time) {
	c.grid.MarkRotationChecked(now)
	cands, err := c.feed.FetchCandidates(ctx)
	if err != nil {
		c.noteFailure(ctx, fmt.Errorf("rotation check: %w", err))
		return
	}

	var current float64
	var bestOther selection.Candidate
	for _, cand := range cands {
		if cand.Symbol == c.symbol {
			current = cand.Volatility
			continue
		}
		if _, banned := c.blacklist[cand.Symbol]; banned || cand.SampleCount < c.cfg.Selection.MinSampleCount {
			continue
		}
		if cand.Volatility > bestOther.Volatility {
			bestOther = cand
		}
	}

	if current >= c.cfg.Selection.VolatilityKillThreshold {
		c.rotate(ctx, fmt.Sprintf("volatility on %s rose to %.4f", c.symbol, current))
		return
	}
	if bestOther.Symbol != "" && bestOther.Volatility >= current+c.cfg.Selection.BetterSymbolMargin {
		c.rotate(ctx, fmt.Sprintf("%s (vol %.4f) beats %s (vol %.4f)", bestOther.Symbol, bestOther.Volatility, c.symbol, current))
	}
}

func (c *Controller) rotate(ctx context.Context, reason string) {
	logger.Infof("[controller] rotating off %s: %s", c.symbol, reason)
	c.state = StateGridClearing
	if err := c.grid.Teardown(ctx); err != nil {
		c.noteFailure(ctx, fmt.Errorf("grid teardown on %s: %w", c.symbol, err))
		if c.halted {
			return
		}
	}
	c.releaseSymbol(ctx)
	c.switchNotBefore = c.now().Add(time.Duration(c.cfg.Grid.SwitchCooldownSec) * time.Second)
	c.state = StateIdle
}

func (c *Controller) handleMarkPrice(ctx context.Context, ev exchange.MarkPriceEvent) {
	switch c.state {
	case StateKillActive:
		if err := c.pm.OnMarkPrice(ctx, ev); err != nil {
			if exchange.KindOf(err) == exchange.KindCritical {
				c.flattenAndStop(ctx, err.Error())
				return
			}
			c.noteFailure(ctx, err)
			return
		}
		c.failures = 0
	case StateGridActive:
		if ev.Symbol != c.symbol {
			return
		}
		if err := c.grid.OnTick(ctx, ev.MarkPrice); err != nil {
			c.noteFailure(ctx, err)
			return
		}
		c.failures = 0
	}
}

func (c *Controller) handleFinalize(ctx context.Context, orderID int64) {
	res, ok, err := c.rec.Finalize(ctx, orderID)
	if err != nil {
		logger.Warnf("[controller] finalizing order %d: %v", orderID, err)
		if c.rec.IsPending(orderID) {
			c.scheduleFinalize(orderID)
		}
		return
	}
	if !ok {
		return
	}
	c.applyResult(ctx, res)
}

func (c *Controller) applyResult(ctx context.Context, res reconcile.Result) {
	c.cumulativePnL += res.NetPnL
	c.recordTrade(res)
	logger.Infof("[controller] order %d settled: net %.6f, cumulative %.6f", res.OrderID, res.NetPnL, c.cumulativePnL)

	switch res.Tag.Owner {
	case reconcile.OwnerGrid:
		if _, found := c.grid.OnLegClosed(res.Tag.LegID, res.Tag.Tag == "tp"); !found {
			logger.Debugf("[controller] settled grid order %d references no open leg", res.OrderID)
		}
	case reconcile.OwnerKill:
		c.applyKillResult(ctx, res)
	}

	c.checkCircuitBreakers(ctx)
}

func (c *Controller) applyKillResult(ctx context.Context, res reconcile.Result) {
	switch {
	case res.Tag.Tag == "tp" || res.Tag.Tag == "sl" || res.Tag.Tag == "tp-moved" || res.Tag.Tag == "sl-moved":
		// A protective order triggered at the venue: that whole side is gone.
		pairDone, err := c.pm.OnSideClosed(ctx, res.Tag.Side, res.RealizedPnL)
		if err != nil {
			if exchange.KindOf(err) == exchange.KindCritical {
				c.flattenAndStop(ctx, err.Error())
				return
			}
			c.noteFailure(ctx, err)
			if c.halted {
				return
			}
		}
		if pairDone || !c.pm.Active() {
			c.finishKillCycle(ctx)
		}
	case strings.HasPrefix(res.Tag.Tag, "p"):
		c.pm.RecordPartialPnL(res.Tag.Side, res.RealizedPnL)
	default:
		// Sweep closes ("close"); the initiator already handled transitions.
		if c.state == StateKillActive && !c.pm.Active() {
			c.finishKillCycle(ctx)
		}
	}
}

func (c *Controller) finishKillCycle(ctx context.Context) {
	c.state = StateClosing
	c.releaseSymbol(ctx)
	c.state = StateIdle
	logger.Infof("[controller] kill cycle finished, cumulative pnl %.6f", c.cumulativePnL)
}

func (c *Controller) checkCircuitBreakers(ctx context.Context) {
	tp := c.cfg.Trade.OverallTakeProfit
	sl := c.cfg.Trade.OverallStopLoss
	if tp > 0 && c.cumulativePnL >= tp {
		c.flattenAndStop(ctx, fmt.Sprintf("overall take profit reached: %.6f >= %.6f", c.cumulativePnL, tp))
		return
	}
	if sl > 0 && c.cumulativePnL <= -sl {
		c.flattenAndStop(ctx, fmt.Sprintf("overall stop loss reached: %.6f <= -%.6f", c.cumulativePnL, sl))
	}
}

// noteFailure counts a retryable failure against the budget; exhausting it or
// hitting a critical error stops the bot with everything flat.
func (c *Controller) noteFailure(ctx context.Context, err error) {
	if exchange.KindOf(err) == exchange.KindCritical {
		c.flattenAndStop(ctx, err.Error())
		return
	}
	c.failures++
	logger.Warnf("[controller] failure %d/%d: %v", c.failures, c.cfg.Scheduler.MaxConsecutiveFailures, err)
	if c.failures >= c.cfg.Scheduler.MaxConsecutiveFailures {
		c.flattenAndStop(ctx, fmt.Sprintf("%d consecutive failures, last: %v", c.failures, err))
	}
}

// flattenAndStop closes every position and order, releases the symbol, and
// halts the loop. This is the only exit for unrecoverable conditions.
func (c *Controller) flattenAndStop(ctx context.Context, reason string) {
	if c.halted {
		return
	}
	c.halted = true
	logger.Errorf("[controller] stopping: %s", reason)
	if err := c.notifier.Notify(ctx, "bot halted", reason); err != nil {
		logger.Errorf("[controller] alert delivery failed: %v", err)
	}
	c.sweep(ctx)
	c.state = StateStopped
}

func (c *Controller) shutdown(ctx context.Context, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	logger.Infof("[controller] shutting down: %s", reason)
	c.sweep(ctx)
	c.state = StateStopped
}

func (c *Controller) sweep(ctx context.Context) {
	if err := c.pm.CloseAll(ctx); err != nil {
		logger.Errorf("[controller] sweep: closing pair failed: %v", err)
	}
	if err := c.grid.Teardown(ctx); err != nil {
		logger.Errorf("[controller] sweep: grid teardown failed: %v", err)
	}
	c.releaseSymbol(ctx)
}

func (c *Controller) releaseSymbol(ctx context.Context) {
	if !c.claimed {
		return
	}
	if err := c.feed.Release(ctx, c.symbol); err != nil {
		logger.Errorf("[controller] releasing %s failed: %v", c.symbol, err)
	}
	c.claimed = false
	c.symbol = ""
}

func (c *Controller) recordTrade(res reconcile.Result) {
	if c.writer == nil {
		return
	}
	mode := "kill"
	side := string(res.Tag.Side)
	if res.Tag.Owner == reconcile.OwnerGrid {
		mode = "grid"
		side = ""
	}
	c.writer.SaveClosedTrade(dbwriter.ClosedTrade{
		Time:          c.now(),
		Symbol:        res.Symbol,
		Mode:          mode,
		Side:          side,
		Tag:           res.Tag.Tag,
		Quantity:      res.Quantity,
		RealizedPnL:   res.RealizedPnL,
		Commission:    res.Commission,
		NetPnL:        res.NetPnL,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
	})
}
