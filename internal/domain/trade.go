package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeResultCancelled marks a trade whose primary order was withdrawn
// before any fill.
const TradeResultCancelled = "CANCELLED"

// Trade is the permanent record of a position. It is created together with
// its Position and absorbs the Position's final fields on close.
type Trade struct {
	ID            int64
	AccountID     int64
	Instrument    string
	Side          Side
	Leverage      int
	StartTime     *time.Time
	EndTime       *time.Time
	RiskPercent   decimal.Decimal
	RiskUSD       decimal.Decimal
	Volume        decimal.Decimal
	PnLUSD        decimal.Decimal
	CommissionUSD decimal.Decimal
	Result        string
	Description   string
	ChartKey      string
	CreatedAt     time.Time
}

// Open reports whether the trade still has a live position.
func (t Trade) Open() bool {
	return t.EndTime == nil
}

// Absorb transfers the final fields of a terminal position into the trade.
func (t *Trade) Absorb(p Position, result string, end time.Time) {
	t.StartTime = p.StartTime
	e := end
	t.EndTime = &e
	t.Volume = p.MaxHeldVolume
	if t.Volume.IsZero() {
		t.Volume = p.CurrentVolume
	}
	t.PnLUSD = p.PnLUSD
	t.CommissionUSD = p.CommissionUSD
	t.Result = result
}
