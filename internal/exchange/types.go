// Package exchange defines the gateway contract the trading engines depend on,
// together with the typed error taxonomy for venue failures. Venue-specific
// clients live in sub-packages.
package exchange

import (
	"context"
	"time"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide distinguishes the two legs of a hedged position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Opposite returns the other position side.
func (p PositionSide) Opposite() PositionSide {
	if p == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// CloseSide returns the order side that reduces a position on this side.
func (p PositionSide) CloseSide() Side {
	if p == PositionLong {
		return SideSell
	}
	return SideBuy
}

// ConditionalType selects between take-profit and stop-loss trigger orders.
type ConditionalType string

const (
	ConditionalTakeProfit ConditionalType = "TAKE_PROFIT_MARKET"
	ConditionalStopLoss   ConditionalType = "STOP_MARKET"
)

// OrderStatus mirrors the venue's order lifecycle states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// FillConfirmation is returned by PlaceMarketOrder once the venue has
// accepted and executed the order.
type FillConfirmation struct {
	OrderID       int64
	ClientOrderID string
	AvgPrice      float64
	ExecutedQty   float64
}

// OpenOrder describes a resting order as reported by the venue.
type OpenOrder struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          string
	TriggerPrice  float64
	ClosePosition bool
}

// PositionInfo describes an open position as reported by the venue.
type PositionInfo struct {
	Symbol        string
	PositionSide  PositionSide
	Quantity      float64 // absolute quantity
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      int
}

// Filters holds per-instrument precision and sizing constraints.
type Filters struct {
	PriceStep      float64
	QtyStep        float64
	MinNotional    float64
	PricePrecision int32
	QtyPrecision   int32
}

// OrderTrade is one constituent fill of an order, fetched from trade history
// for PnL reconciliation.
type OrderTrade struct {
	OrderID     int64
	Price       float64
	Qty         float64
	RealizedPnL float64
	Commission  float64
	Time        time.Time
}

// FillEvent is delivered by the order/account push stream.
type FillEvent struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Status        OrderStatus
	OrderType     string
	Side          Side
	PositionSide  PositionSide
	AvgPrice      float64
	FilledQty     float64
	// RealizedPnL is the venue's own figure embedded in the push message.
	// Reconciliation recomputes it from trade history; this value is only a
	// hint for logging.
	RealizedPnL float64
	Time        time.Time
}

// MarkPriceEvent is delivered by the mark-price push stream.
type MarkPriceEvent struct {
	Symbol    string
	MarkPrice float64
	Time      time.Time
}

// ConditionalOrderRequest groups the parameters of a trigger order.
// ClosePosition true flattens the whole position side on trigger; otherwise
// Quantity must be set.
type ConditionalOrderRequest struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          ConditionalType
	TriggerPrice  float64
	Quantity      float64
	ClosePosition bool
	ClientOrderID string
}

// Gateway is the abstracted exchange contract consumed by the engines.
type Gateway interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, positionSide PositionSide, qty float64, clientOrderID string) (*FillConfirmation, error)
	PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (int64, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	ListOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	ListPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (int, error)
	GetInstrumentFilters(ctx context.Context, symbol string) (Filters, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	ListOrderTrades(ctx context.Context, symbol string, orderID int64) ([]OrderTrade, error)
	SyncServerTime(ctx context.Context) error
}
