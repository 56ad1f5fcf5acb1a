// Package position owns the hedged long/short pair of Kill mode: opening the
// pair, the milestone loss ladder on the losing side, stop relocation, and
// recovery of previously de-risked quantity.
package position

import (
	"fmt"

	"github.com/your-org/hedge-grid-bot/internal/exchange"
)

// Position is one side of the hedged pair.
type Position struct {
	Symbol                  string
	Side                    exchange.PositionSide
	Quantity                float64
	InitialQuantity         float64
	EntryPrice              float64
	MarkPrice               float64
	UnrealizedPnL           float64
	RealizedPnLFromPartials float64
	Leverage                int
	TakeProfitPrice         float64
	StopLossPrice           float64
	TakeProfitOrderID       int64
	StopLossOrderID         int64
	// MilestoneCounter counts visited loss milestones, 0..8. It only moves
	// forward; recovery resets it together with ClosedLossAmount.
	MilestoneCounter    int
	ClosedLossAmount    float64
	HasMovedStopToEntry bool
	Filters             exchange.Filters
}

// UpdateMark refreshes the mark price and the derived unrealized PnL.
func (p *Position) UpdateMark(price float64) {
	p.MarkPrice = price
	diff := price - p.EntryPrice
	if p.Side == exchange.PositionShort {
		diff = -diff
	}
	p.UnrealizedPnL = diff * p.Quantity
}

// String returns a compact representation for logs.
func (p *Position) String() string {
	return fmt.Sprintf("%s %s qty=%.8f entry=%.8f uPnL=%.4f milestone=%d closedLoss=%.8f",
		p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.UnrealizedPnL, p.MilestoneCounter, p.ClosedLossAmount)
}

// Snapshot is a read-only copy of a side for the control surface.
type Snapshot struct {
	Symbol              string                `json:"symbol"`
	Side                exchange.PositionSide `json:"side"`
	Quantity            float64               `json:"quantity"`
	InitialQuantity     float64               `json:"initial_quantity"`
	EntryPrice          float64               `json:"entry_price"`
	MarkPrice           float64               `json:"mark_price"`
	UnrealizedPnL       float64               `json:"unrealized_pnl"`
	RealizedPnL         float64               `json:"realized_pnl_from_partials"`
	TakeProfitPrice     float64               `json:"take_profit_price"`
	StopLossPrice       float64               `json:"stop_loss_price"`
	MilestoneCounter    int                   `json:"milestone_counter"`
	ClosedLossAmount    float64               `json:"closed_loss_amount"`
	HasMovedStopToEntry bool                  `json:"has_moved_stop_to_entry"`
}

func (p *Position) snapshot() *Snapshot {
	if p == nil {
		return nil
	}
	return &Snapshot{
		Symbol:              p.Symbol,
		Side:                p.Side,
		Quantity:            p.Quantity,
		InitialQuantity:     p.InitialQuantity,
		EntryPrice:          p.EntryPrice,
		MarkPrice:           p.MarkPrice,
		UnrealizedPnL:       p.UnrealizedPnL,
		RealizedPnL:         p.RealizedPnLFromPartials,
		TakeProfitPrice:     p.TakeProfitPrice,
		StopLossPrice:       p.StopLossPrice,
		MilestoneCounter:    p.MilestoneCounter,
		ClosedLossAmount:    p.ClosedLossAmount,
		HasMovedStopToEntry: p.HasMovedStopToEntry,
	}
}
