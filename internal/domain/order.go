package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntrySide is the order side that opens a position of the given direction.
func EntrySide(s Side) OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSide is the order side that reduces a position of the given direction.
func ExitSide(s Side) OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeTriggerLimit     OrderType = "TRIGGER_LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeMarket           OrderType = "MARKET"
)

// Entry reports whether the type is used for primary orders.
func (t OrderType) Entry() bool {
	return t == OrderTypeLimit || t == OrderTypeTriggerLimit
}

// OrderStatus tracks the venue order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// MarginMode is the account margin mode for an instrument.
type MarginMode string

const (
	MarginCrossed  MarginMode = "CROSSED"
	MarginIsolated MarginMode = "ISOLATED"
)

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Instrument    string
	Side          OrderSide
	PositionSide  Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price, zero for market types
	StopPrice     decimal.Decimal // trigger price for trigger and protective types
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	ClientOrderID string
}

// Order is a venue order as reported by open-order and history queries.
type Order struct {
	ID           string
	Instrument   string
	Type         OrderType
	Status       OrderStatus
	PositionID   string
	Side         OrderSide
	PositionSide Side
	Quantity     decimal.Decimal
	ExecutedQty  decimal.Decimal
	Price        decimal.Decimal
	StopPrice    decimal.Decimal
	AvgPrice     decimal.Decimal
	Profit       decimal.Decimal
	Commission   decimal.Decimal
	UpdatedAt    time.Time
}

// ServerPosition is the exchange's view of a held position.
type ServerPosition struct {
	Instrument    string
	PositionID    string
	Side          Side
	Leverage      int
	HeldVolume    decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Precision is the number of decimal places the venue accepts.
type Precision struct {
	Quantity int32
	Price    int32
}

// MaxLeverage is the per-side leverage ceiling for an instrument.
type MaxLeverage struct {
	Long  int
	Short int
}

// For returns the ceiling for the given side.
func (m MaxLeverage) For(s Side) int {
	if s == SideLong {
		return m.Long
	}
	return m.Short
}

// Balance is the account margin summary used for sizing.
type Balance struct {
	Equity    decimal.Decimal
	Available decimal.Decimal
}

// OrderUpdate is one order event from the account stream.
type OrderUpdate struct {
	Instrument  string
	OrderID     string
	Type        OrderType
	Status      OrderStatus
	Side        OrderSide
	Quantity    decimal.Decimal
	LastFilled  decimal.Decimal
	Cumulative  decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
	Commission  decimal.Decimal
	Time        time.Time
}

// FillVolume is the volume executed by this event.
func (u OrderUpdate) FillVolume() decimal.Decimal {
	if u.LastFilled.IsPositive() {
		return u.LastFilled
	}
	return u.Quantity
}

// TotalVolume is the order's cumulative executed volume, or zero when the
// event does not carry it.
func (u OrderUpdate) TotalVolume() decimal.Decimal {
	switch {
	case u.Cumulative.IsPositive():
		return u.Cumulative
	case u.Status == OrderStatusFilled:
		return u.Quantity
	default:
		return decimal.Zero
	}
}

// PriceTick is one last-price update.
type PriceTick struct {
	Instrument string
	Price      decimal.Decimal
	Time       time.Time
}
