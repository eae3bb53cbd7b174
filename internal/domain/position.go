package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the reverse direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	StatusNew             PositionStatus = "NEW"
	StatusPartiallyFilled PositionStatus = "PARTIALLY_FILLED"
	StatusFilled          PositionStatus = "FILLED"
	StatusStop            PositionStatus = "STOP"
	StatusTakeProfit      PositionStatus = "TAKE-PROFIT"
	StatusClosedByMarket  PositionStatus = "CLOSED-BY-MARKET"
)

// Pending reports whether the primary order may still receive fills.
func (s PositionStatus) Pending() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// Holding reports whether the position carries exchange-side volume.
func (s PositionStatus) Holding() bool {
	return s == StatusPartiallyFilled || s == StatusFilled || s == StatusTakeProfit
}

// Indexes into CancelLevels.
const (
	CancelAdverse    = 0
	CancelNearTarget = 1
)

// CancelLevels holds the two price thresholds at which a pending primary
// order is cancelled: [adverse excursion, near first target]. An invalid
// slot means no check.
type CancelLevels [2]decimal.NullDecimal

// NewCancelLevels builds levels from optional prices.
func NewCancelLevels(adverse, nearTarget *decimal.Decimal) CancelLevels {
	var cl CancelLevels
	if adverse != nil {
		cl[CancelAdverse] = decimal.NewNullDecimal(*adverse)
	}
	if nearTarget != nil {
		cl[CancelNearTarget] = decimal.NewNullDecimal(*nearTarget)
	}
	return cl
}

// FillKind labels an entry in a position's fill history.
type FillKind string

const (
	FillPrimary    FillKind = "primary"
	FillStop       FillKind = "stop"
	FillTakeProfit FillKind = "take_profit"
	FillMarket     FillKind = "market"
	FillReconciled FillKind = "reconciled"
)

// FillRecord is one execution applied to a position.
type FillRecord struct {
	Time   time.Time       `json:"time"`
	Kind   FillKind        `json:"kind"`
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Position is the mutable record of a working or open trade. It is deleted
// once terminal, after its final fields are transferred to the parent Trade.
type Position struct {
	ID               int64
	TradeID          int64
	AccountID        int64
	Instrument       string
	ServerPositionID string // empty until the exchange confirms the position
	Side             Side
	Leverage         int

	TriggerPrice     decimal.Decimal // zero means plain limit entry
	EntryPrice       decimal.Decimal
	StopPrice        decimal.Decimal
	TakeProfitPrices []decimal.Decimal
	CancelLevels     CancelLevels

	PrimaryVolume decimal.Decimal
	CurrentVolume decimal.Decimal
	MaxHeldVolume decimal.Decimal
	FillHistory   []FillRecord

	Status            PositionStatus
	Breakeven         bool
	MoveStopAfter     int
	TakeProfitsFilled int
	// UnreportedExitVolume is exit volume applied by reconciliation that the
	// order stream has not reported yet.
	UnreportedExitVolume decimal.Decimal

	PnLUSD        decimal.Decimal
	CommissionUSD decimal.Decimal // always <= 0

	StartTime *time.Time
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddCommission accumulates a commission, forcing it non-positive.
func (p *Position) AddCommission(c decimal.Decimal) {
	p.CommissionUSD = p.CommissionUSD.Sub(c.Abs())
}

// AddVolume increases held volume and keeps the peak in sync.
func (p *Position) AddVolume(v decimal.Decimal) {
	p.CurrentVolume = p.CurrentVolume.Add(v)
	if p.CurrentVolume.GreaterThan(p.MaxHeldVolume) {
		p.MaxHeldVolume = p.CurrentVolume
	}
}

// SetVolume replaces held volume and keeps the peak in sync.
func (p *Position) SetVolume(v decimal.Decimal) {
	p.CurrentVolume = v
	if v.GreaterThan(p.MaxHeldVolume) {
		p.MaxHeldVolume = v
	}
}

// AbsorbUnreported takes up to v from UnreportedExitVolume and returns the
// amount taken. That part of an exit was already applied.
func (p *Position) AbsorbUnreported(v decimal.Decimal) decimal.Decimal {
	taken := decimal.Min(v, p.UnreportedExitVolume)
	if !taken.IsPositive() {
		return decimal.Zero
	}
	p.UnreportedExitVolume = p.UnreportedExitVolume.Sub(taken)
	return taken
}

// ReduceVolume lowers held volume, never below zero.
func (p *Position) ReduceVolume(v decimal.Decimal) {
	p.CurrentVolume = decimal.Max(p.CurrentVolume.Sub(v), decimal.Zero)
}

// Start records the first fill time once.
func (p *Position) Start(now time.Time) {
	if p.StartTime == nil {
		t := now
		p.StartTime = &t
	}
}

// RecordFill appends to the fill history.
func (p *Position) RecordFill(now time.Time, kind FillKind, price, volume decimal.Decimal) {
	p.FillHistory = append(p.FillHistory, FillRecord{Time: now, Kind: kind, Price: price, Volume: volume})
}

// ProtectiveStopPrice is the price the stop-loss should currently sit at.
func (p Position) ProtectiveStopPrice() decimal.Decimal {
	if p.Breakeven {
		return p.EntryPrice
	}
	return p.StopPrice
}
