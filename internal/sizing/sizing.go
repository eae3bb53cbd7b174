// Package sizing computes position volume, margin and potential outcomes.
// Every function is pure and uses exact decimal arithmetic.
package sizing

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrZeroStopDistance is returned when entry and stop coincide.
var ErrZeroStopDistance = errors.New("sizing: entry equals stop")

var hundred = decimal.NewFromInt(100)

// FloorToDigits truncates d toward zero at the given number of digits.
func FloorToDigits(d decimal.Decimal, digits int32) decimal.Decimal {
	return d.Truncate(digits)
}

// Margin is the collateral required for volume at entry, rounded to cents.
func Margin(entry, volume decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		return decimal.Zero
	}
	return volume.Mul(entry).Div(decimal.NewFromInt(int64(leverage))).Round(2)
}

// VolumeInput holds the parameters of VolumeAndMargin.
type VolumeInput struct {
	Deposit           decimal.Decimal
	RiskPercent       decimal.Decimal
	Entry             decimal.Decimal
	Stop              decimal.Decimal
	AvailableMargin   decimal.Decimal
	Leverage          int
	QuantityPrecision int32
}

// VolumeAndMargin sizes a position so that hitting the stop loses
// RiskPercent of Deposit. When the account cannot post the margin, volume
// is capped at what the available margin allows.
func VolumeAndMargin(in VolumeInput) (volume, margin decimal.Decimal, err error) {
	diff := in.Entry.Sub(in.Stop).Abs()
	if diff.IsZero() {
		return decimal.Zero, decimal.Zero, ErrZeroStopDistance
	}
	if in.Leverage <= 0 {
		return decimal.Zero, decimal.Zero, errors.New("sizing: leverage must be positive")
	}

	allowedLoss := in.Deposit.Mul(in.RiskPercent).Div(hundred)
	volume = FloorToDigits(allowedLoss.Div(diff), in.QuantityPrecision)

	lev := decimal.NewFromInt(int64(in.Leverage))
	required := volume.Mul(in.Entry).Div(lev)
	if in.AvailableMargin.GreaterThanOrEqual(required) {
		return volume, required.Round(2), nil
	}

	volume = FloorToDigits(lev.Mul(in.AvailableMargin).Div(in.Entry), in.QuantityPrecision)
	return volume, Margin(in.Entry, volume, in.Leverage), nil
}

// SplitTakeProfitVolumes distributes volume over n take-profit legs. Each
// leg gets floor(volume/n) at the given precision, the remainder goes to
// the first leg, and the result is sorted largest first.
func SplitTakeProfitVolumes(volume decimal.Decimal, precision int32, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	base := FloorToDigits(volume.Div(decimal.NewFromInt(int64(n))), precision)

	legs := make([]decimal.Decimal, n)
	sum := decimal.Zero
	for i := range legs {
		legs[i] = base
		sum = sum.Add(base)
	}
	if rem := volume.Sub(sum); !rem.IsZero() {
		legs[0] = legs[0].Add(rem)
	}

	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].GreaterThan(legs[j])
	})
	return legs
}

// PotentialLossAndProfit returns the loss at the stop and the profit at the
// volume-weighted exit over all take-profit legs, both floored to cents.
func PotentialLossAndProfit(entry, stop decimal.Decimal, takeProfits []decimal.Decimal, volume decimal.Decimal, precision int32) (loss, profit decimal.Decimal) {
	loss = entry.Sub(stop).Abs().Mul(volume)

	legs := SplitTakeProfitVolumes(volume, precision, len(takeProfits))
	if len(legs) == 0 {
		return FloorToDigits(loss, 2), decimal.Zero
	}
	if volume.IsZero() {
		return decimal.Zero, decimal.Zero
	}

	weighted := decimal.Zero
	for i, v := range legs {
		weighted = weighted.Add(takeProfits[i].Mul(v))
	}
	exit := weighted.Div(volume)
	profit = entry.Sub(exit).Abs().Mul(volume)

	return FloorToDigits(loss, 2), FloorToDigits(profit, 2)
}

// RiskPercent expresses loss as a percentage of deposit.
func RiskPercent(loss, deposit decimal.Decimal) decimal.Decimal {
	if !deposit.IsPositive() {
		return decimal.Zero
	}
	return loss.Div(deposit).Mul(hundred).Round(4)
}
