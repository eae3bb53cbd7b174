package lifecycle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// ExitSummary aggregates the venue's order history of a closed position.
type ExitSummary struct {
	Volume     decimal.Decimal // executed by exit orders only
	PnL        decimal.Decimal
	Commission decimal.Decimal
	Last       domain.OrderType // type of the latest exit order
	Orders     int
}

// ReconcileFill applies entry volume observed on the venue that the order
// stream did not deliver. Take-profit legs are re-placed only when the
// status changed and more than one leg exists, or when no leg is open.
func (e *Engine) ReconcileFill(ctx context.Context, instrument string, sp domain.ServerPosition) error {
	return e.Apply(ctx, instrument, "reconciled_fill", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if !p.Status.Pending() || !sp.HeldVolume.GreaterThan(p.CurrentVolume) {
			return skip, nil
		}
		now := e.now()
		prev := p.Status

		if p.ServerPositionID == "" {
			p.ServerPositionID = sp.PositionID
		}
		p.Start(now)
		p.RecordFill(now, domain.FillReconciled, sp.AvgPrice, sp.HeldVolume.Sub(p.CurrentVolume))
		p.SetVolume(sp.HeldVolume)

		if p.CurrentVolume.GreaterThanOrEqual(p.PrimaryVolume) {
			p.Status = domain.StatusFilled
			e.priceListeners().DeletePriceListener(instrument)
		} else {
			p.Status = domain.StatusPartiallyFilled
		}
		if p.Status == prev {
			return save, nil
		}

		open, err := e.openOrders(ctx, instrument, isTakeProfit)
		if err != nil {
			return save, &domain.ProtectionError{
				Instrument: instrument,
				Steps:      []domain.StepError{{Step: "open_orders", Err: err}},
			}
		}
		if len(p.TakeProfitPrices) > 1 || len(open) == 0 {
			perr := &domain.ProtectionError{Instrument: instrument}
			perr.Add("replace_take_profits", e.ReplaceTakeProfits(ctx, p))
			return save, perr.OrNil()
		}
		return save, nil
	})
}

// ReconcileExit applies a held-volume decrease observed on the venue as
// fired take-profit legs. untouched is the number of take-profit orders
// still fully open, or -1 when unknown; legs already counted are never
// counted twice.
func (e *Engine) ReconcileExit(ctx context.Context, instrument string, held decimal.Decimal, untouched int) error {
	return e.Apply(ctx, instrument, "reconciled_take_profit", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if !p.Status.Holding() || !held.LessThan(p.CurrentVolume) {
			return skip, nil
		}
		now := e.now()
		perr := &domain.ProtectionError{Instrument: instrument}

		price := decimal.Zero
		if targets := remainingTargets(p); len(targets) > 0 {
			price = targets[0]
		}
		exited := p.CurrentVolume.Sub(held)
		p.RecordFill(now, domain.FillReconciled, price, exited)
		p.UnreportedExitVolume = p.UnreportedExitVolume.Add(exited)
		p.CurrentVolume = held

		if p.Status == domain.StatusPartiallyFilled {
			perr.Add("cancel_primary", e.CancelEntryOrders(ctx, instrument))
			p.PrimaryVolume = p.MaxHeldVolume
			e.priceListeners().DeletePriceListener(instrument)
		}
		p.Status = domain.StatusTakeProfit

		fired := p.TakeProfitsFilled + 1
		if untouched >= 0 {
			fired = len(p.TakeProfitPrices) - untouched
		}
		if fired > len(p.TakeProfitPrices) {
			fired = len(p.TakeProfitPrices)
		}
		if newly := fired - p.TakeProfitsFilled; newly > 0 {
			p.TakeProfitsFilled = fired
			if !p.Breakeven && p.MoveStopAfter > 0 {
				p.MoveStopAfter = max(p.MoveStopAfter-newly, 0)
				if p.MoveStopAfter == 0 {
					e.MoveStopToBreakeven(ctx, p, perr)
				}
			}
		}
		return save, perr.OrNil()
	})
}

// BindServerPosition records the venue's position id once.
func (e *Engine) BindServerPosition(ctx context.Context, instrument, positionID string) error {
	return e.Apply(ctx, instrument, "server_position_bound", func(_ context.Context, p *domain.Position) (Outcome, error) {
		if positionID == "" || p.ServerPositionID != "" {
			return skip, nil
		}
		p.ServerPositionID = positionID
		return save, nil
	})
}

// Finalize closes a position that vanished from the venue. The history must
// account for the whole peak volume; otherwise ErrIncompleteHistory is
// returned and nothing changes.
func (e *Engine) Finalize(ctx context.Context, instrument string, s ExitSummary) error {
	return e.Apply(ctx, instrument, "reconciled_close", func(_ context.Context, p *domain.Position) (Outcome, error) {
		if p.Status == domain.StatusNew {
			return skip, nil
		}
		if s.Orders == 0 || !s.Volume.Equal(p.MaxHeldVolume) {
			return skip, fmt.Errorf("lifecycle: finalize %s: exits %s of %s: %w",
				instrument, s.Volume, p.MaxHeldVolume, domain.ErrIncompleteHistory)
		}
		p.PnLUSD = s.PnL
		p.CommissionUSD = decimal.Zero
		p.AddCommission(s.Commission)
		p.ReduceVolume(p.CurrentVolume)
		p.Status = statusForExit(s.Last)
		return closeAs("", ""), nil
	})
}

func statusForExit(t domain.OrderType) domain.PositionStatus {
	switch t {
	case domain.OrderTypeStopMarket:
		return domain.StatusStop
	case domain.OrderTypeTakeProfitMarket:
		return domain.StatusTakeProfit
	default:
		return domain.StatusClosedByMarket
	}
}

// AuditProtection re-places the stop of a held position that has none
// open, at entry when breakeven was reached.
func (e *Engine) AuditProtection(ctx context.Context, instrument string) error {
	return e.Apply(ctx, instrument, "protection_audit", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if !p.Status.Holding() || !p.CurrentVolume.IsPositive() {
			return skip, nil
		}
		stops, err := e.openOrders(ctx, instrument, isStop)
		if err != nil {
			return skip, err
		}
		if len(stops) > 0 {
			return skip, nil
		}
		perr := &domain.ProtectionError{Instrument: instrument}
		perr.Add("place_stop", e.PlaceStop(ctx, p, p.ProtectiveStopPrice(), p.CurrentVolume))
		return save, perr.OrNil()
	})
}

// CountUntouchedTakeProfits counts take-profit orders that have not
// executed at all.
func (e *Engine) CountUntouchedTakeProfits(ctx context.Context, instrument string) (int, error) {
	tps, err := e.openOrders(ctx, instrument, isTakeProfit)
	if err != nil {
		return -1, err
	}
	n := 0
	for _, o := range tps {
		if o.Status == domain.OrderStatusNew {
			n++
		}
	}
	return n, nil
}

func (e *Engine) openOrders(ctx context.Context, instrument string, match func(domain.Order) bool) ([]domain.Order, error) {
	orders, err := e.gw.OpenOrders(ctx, instrument)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: open orders %s: %w", instrument, err)
	}
	var out []domain.Order
	for _, o := range orders {
		if o.Instrument != "" && o.Instrument != instrument {
			continue
		}
		if match(o) {
			out = append(out, o)
		}
	}
	return out, nil
}
