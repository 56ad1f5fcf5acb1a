// Package reconcile turns close-order fill events into settled PnL figures.
// Push streams can deliver duplicates and the venue's embedded PnL lags the
// final fee accounting, so every close is registered once, re-queried from
// trade history after a settlement delay, and delivered exactly once.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/exchange"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
	"github.com/your-org/hedge-grid-bot/pkg/retry"
)

// Owner identifies which engine an order belongs to, parsed from its client
// order id.
type Owner int

const (
	OwnerUnknown Owner = iota
	OwnerKill
	OwnerGrid
)

// OrderTag is the decoded form of a client order id.
type OrderTag struct {
	Owner   Owner
	CycleID string                // kill orders
	Side    exchange.PositionSide // kill orders
	LegID   string                // grid orders
	Tag     string
}

// ParseClientID decodes "kill-<cycle>-<long|short>-<tag>" and
// "grid-<leg>-<tag>" client order ids.
func ParseClientID(id string) (OrderTag, bool) {
	parts := strings.Split(id, "-")
	switch {
	case len(parts) >= 4 && parts[0] == "kill":
		var side exchange.PositionSide
		switch parts[2] {
		case "long":
			side = exchange.PositionLong
		case "short":
			side = exchange.PositionShort
		default:
			return OrderTag{}, false
		}
		return OrderTag{
			Owner:   OwnerKill,
			CycleID: parts[1],
			Side:    side,
			Tag:     strings.Join(parts[3:], "-"),
		}, true
	case len(parts) >= 3 && parts[0] == "grid":
		return OrderTag{
			Owner: OwnerGrid,
			LegID: parts[1],
			Tag:   strings.Join(parts[2:], "-"),
		}, true
	}
	return OrderTag{}, false
}

// Closing reports whether the order reduces or exits a position, i.e. its
// fill carries realized PnL worth reconciling.
func (t OrderTag) Closing() bool {
	switch t.Tag {
	case "entry", "recover":
		return false
	}
	return true
}

// Result is the settled outcome of one closing order.
type Result struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Tag           OrderTag
	Quantity      float64
	RealizedPnL   float64
	Commission    float64
	// NetPnL is realized PnL minus commissions, the figure applied to the
	// cumulative counters.
	NetPnL float64
}

type pendingOrder struct {
	clientOrderID string
	symbol        string
	registeredAt  time.Time
}

// Reconciler tracks closing orders between their fill event and their settled
// trade-history record. Not safe for concurrent use; the controller
// serializes all calls.
type Reconciler struct {
	gw         exchange.Gateway
	delay      time.Duration
	evictAfter time.Duration
	// scheduleFinalize is invoked once per registered order; the owner is
	// expected to call Finalize after the settlement delay has passed.
	scheduleFinalize func(orderID int64)

	pending map[int64]pendingOrder
}

func NewReconciler(gw exchange.Gateway, cfg *config.Config, scheduleFinalize func(orderID int64)) *Reconciler {
	return &Reconciler{
		gw:               gw,
		delay:            time.Duration(cfg.Scheduler.SettlementDelayMs) * time.Millisecond,
		evictAfter:       time.Duration(cfg.Scheduler.PendingEvictionSec) * time.Second,
		scheduleFinalize: scheduleFinalize,
		pending:          make(map[int64]pendingOrder),
	}
}

// SettlementDelay returns how long an order should rest before Finalize.
func (r *Reconciler) SettlementDelay() time.Duration { return r.delay }

// PendingCount returns the number of orders awaiting finalization.
func (r *Reconciler) PendingCount() int { return len(r.pending) }

// IsPending reports whether orderID is still awaiting finalization.
func (r *Reconciler) IsPending(orderID int64) bool {
	_, ok := r.pending[orderID]
	return ok
}

// OnFill registers a filled closing order for reconciliation. Duplicate
// events for an order already pending are dropped. Returns true when the
// order was newly registered.
func (r *Reconciler) OnFill(ev exchange.FillEvent) bool {
	if ev.Status != exchange.StatusFilled {
		return false
	}
	tag, ok := ParseClientID(ev.ClientOrderID)
	if !ok || !tag.Closing() {
		return false
	}
	if _, dup := r.pending[ev.OrderID]; dup {
		logger.Debugf("[reconcile] duplicate fill event for order %d ignored", ev.OrderID)
		return false
	}
	r.pending[ev.OrderID] = pendingOrder{
		clientOrderID: ev.ClientOrderID,
		symbol:        ev.Symbol,
		registeredAt:  time.Now(),
	}
	logger.Debugf("[reconcile] order %d (%s) pending settlement", ev.OrderID, ev.ClientOrderID)
	if r.scheduleFinalize != nil {
		r.scheduleFinalize(ev.OrderID)
	}
	return true
}

// Finalize re-queries trade history for a pending order, sums realized PnL
// and commissions across its fills, and clears the pending entry. An order
// that is not pending returns ok=false, which makes duplicate finalization
// harmless.
func (r *Reconciler) Finalize(ctx context.Context, orderID int64) (Result, bool, error) {
	p, ok := r.pending[orderID]
	if !ok {
		return Result{}, false, nil
	}

	var trades []exchange.OrderTrade
	outcome, err := retry.Poll(ctx, retry.Policy{MaxAttempts: 3, Delay: r.delay / 2}, func(ctx context.Context) (bool, error) {
		var listErr error
		trades, listErr = r.gw.ListOrderTrades(ctx, p.symbol, orderID)
		if listErr != nil {
			if !exchange.IsRetryable(listErr) {
				return false, listErr
			}
			logger.Warnf("[reconcile] trade history fetch for order %d failed, retrying: %v", orderID, listErr)
			return false, nil
		}
		return len(trades) > 0, nil
	})
	if err != nil {
		return Result{}, false, fmt.Errorf("reconcile: fetching trades for order %d: %w", orderID, err)
	}
	if outcome != retry.Confirmed {
		// Leave the entry pending; eviction bounds its lifetime.
		return Result{}, false, fmt.Errorf("reconcile: no trades recorded yet for order %d", orderID)
	}

	delete(r.pending, orderID)

	tag, _ := ParseClientID(p.clientOrderID)
	res := Result{
		OrderID:       orderID,
		ClientOrderID: p.clientOrderID,
		Symbol:        p.symbol,
		Tag:           tag,
	}
	for _, tr := range trades {
		res.Quantity += tr.Qty
		res.RealizedPnL += tr.RealizedPnL
		res.Commission += tr.Commission
	}
	res.NetPnL = res.RealizedPnL - res.Commission
	logger.Infof("[reconcile] order %d settled: pnl=%.6f fees=%.6f net=%.6f", orderID, res.RealizedPnL, res.Commission, res.NetPnL)
	return res, true, nil
}

// EvictStale drops pending entries older than the eviction bound and returns
// their order ids. A stuck entry usually means trade history never recorded
// the order; keeping it forever would pin the in-flight guard.
func (r *Reconciler) EvictStale(now time.Time) []int64 {
	var evicted []int64
	for id, p := range r.pending {
		if now.Sub(p.registeredAt) >= r.evictAfter {
			delete(r.pending, id)
			evicted = append(evicted, id)
			logger.Warnf("[reconcile] evicting order %d (%s): pending for %s", id, p.clientOrderID, now.Sub(p.registeredAt))
		}
	}
	return evicted
}
