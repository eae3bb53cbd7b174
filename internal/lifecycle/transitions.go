package lifecycle

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// Fill carries one execution reported by the order stream.
type Fill struct {
	Price      decimal.Decimal
	Volume     decimal.Decimal // executed by this event
	Total      decimal.Decimal // cumulative executed on the order, zero when unknown
	PnL        decimal.Decimal
	Commission decimal.Decimal
}

// FillFromUpdate converts a stream order event.
func FillFromUpdate(u domain.OrderUpdate) Fill {
	return Fill{
		Price:      u.AvgPrice,
		Volume:     u.FillVolume(),
		Total:      u.TotalVolume(),
		PnL:        u.RealizedPnL,
		Commission: u.Commission,
	}
}

// OnPrimaryFilled handles a fully filled primary order.
func (e *Engine) OnPrimaryFilled(ctx context.Context, instrument string, f Fill) error {
	return e.Apply(ctx, instrument, "primary_filled", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		switch p.Status {
		case domain.StatusPartiallyFilled:
			return e.applyPartialFill(ctx, p, f)
		case domain.StatusNew:
		default:
			e.logger.DebugContext(ctx, "duplicate primary fill ignored",
				slog.String("instrument", instrument),
				slog.String("status", string(p.Status)),
			)
			return skip, nil
		}

		now := e.now()
		volume := f.Total
		if !volume.IsPositive() {
			volume = f.Volume
		}
		if f.Price.IsPositive() {
			p.EntryPrice = f.Price
		}
		p.Status = domain.StatusFilled
		p.SetVolume(volume)
		p.Start(now)
		p.AddCommission(f.Commission)
		p.RecordFill(now, domain.FillPrimary, f.Price, volume)

		perr := &domain.ProtectionError{Instrument: instrument}
		e.protect(ctx, p, perr)
		e.priceListeners().DeletePriceListener(instrument)
		return save, perr.OrNil()
	})
}

// OnPrimaryPartiallyFilled handles a partial execution of the primary order.
func (e *Engine) OnPrimaryPartiallyFilled(ctx context.Context, instrument string, f Fill) error {
	return e.Apply(ctx, instrument, "primary_partially_filled", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if !p.Status.Pending() {
			return skip, nil
		}
		return e.applyPartialFill(ctx, p, f)
	})
}

// applyPartialFill adds f to the held volume and resizes protection to the
// new total. The first fill only places; later fills cancel and re-place.
//
// When the event carries the order's cumulative volume it is compared with
// the peak held volume, so a fill the poller already applied is not counted
// again.
func (e *Engine) applyPartialFill(ctx context.Context, p *domain.Position, f Fill) (Outcome, error) {
	volume := f.Volume
	if f.Total.IsPositive() {
		volume = f.Total.Sub(p.MaxHeldVolume)
		if !volume.IsPositive() {
			e.logger.DebugContext(ctx, "entry fill already applied",
				slog.String("instrument", p.Instrument),
				slog.String("total", f.Total.String()),
			)
			return skip, nil
		}
	}

	now := e.now()
	p.AddVolume(volume)
	p.Start(now)
	p.AddCommission(f.Commission)
	p.RecordFill(now, domain.FillPrimary, f.Price, volume)

	if p.CurrentVolume.GreaterThanOrEqual(p.PrimaryVolume) {
		p.Status = domain.StatusFilled
		e.priceListeners().DeletePriceListener(p.Instrument)
	} else {
		p.Status = domain.StatusPartiallyFilled
	}

	perr := &domain.ProtectionError{Instrument: p.Instrument}
	e.protect(ctx, p, perr)
	return save, perr.OrNil()
}

// OnStopFilled closes the position after its stop executed.
func (e *Engine) OnStopFilled(ctx context.Context, instrument string, f Fill) error {
	return e.Apply(ctx, instrument, "stop_filled", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if p.Status == domain.StatusNew {
			return skip, nil
		}
		e.accumulateExit(p, domain.FillStop, f)
		p.Status = domain.StatusStop
		return closeAs("", ""), nil
	})
}

// OnTakeProfitFilled handles one fully executed take-profit leg.
func (e *Engine) OnTakeProfitFilled(ctx context.Context, instrument string, f Fill) error {
	return e.Apply(ctx, instrument, "take_profit_filled", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if !p.Status.Holding() {
			return skip, nil
		}
		perr := &domain.ProtectionError{Instrument: instrument}

		wasPartial := p.Status == domain.StatusPartiallyFilled
		// Reconciliation counts the leg when it applies the exit.
		counted := e.accumulateExit(p, domain.FillTakeProfit, f).IsPositive()
		p.Status = domain.StatusTakeProfit
		if !counted {
			p.TakeProfitsFilled++
		}

		if wasPartial {
			// Further entry fills would outrun the protective legs.
			perr.Add("cancel_primary", e.CancelEntryOrders(ctx, instrument))
			p.PrimaryVolume = p.MaxHeldVolume
			e.priceListeners().DeletePriceListener(instrument)
		}

		if p.CurrentVolume.IsZero() {
			return closeAs("", ""), perr.OrNil()
		}
		if counted {
			return save, perr.OrNil()
		}

		// At breakeven the stop already guards the remainder; any resize
		// is left to the poller.
		if !p.Breakeven && p.MoveStopAfter > 0 {
			p.MoveStopAfter--
			if p.MoveStopAfter == 0 {
				e.MoveStopToBreakeven(ctx, p, perr)
			}
		}
		return save, perr.OrNil()
	})
}

// OnCloseByMarket closes the position after a manual market exit executed.
func (e *Engine) OnCloseByMarket(ctx context.Context, instrument string, f Fill) error {
	return e.Apply(ctx, instrument, "closed_by_market", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		e.accumulateExit(p, domain.FillMarket, f)
		p.Status = domain.StatusClosedByMarket
		return closeAs("", ""), nil
	})
}

// OnExitPartiallyFilled records a partial execution of a stop, take-profit
// or market exit. The terminal event of the same order decides the
// transition.
func (e *Engine) OnExitPartiallyFilled(ctx context.Context, instrument string, kind domain.FillKind, f Fill) error {
	return e.Apply(ctx, instrument, "exit_partially_filled", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if p.Status == domain.StatusNew {
			return skip, nil
		}
		e.accumulateExit(p, kind, f)
		return save, nil
	})
}

// accumulateExit books an exit fill and returns the part of its volume that
// reconciliation had already taken off the position.
func (e *Engine) accumulateExit(p *domain.Position, kind domain.FillKind, f Fill) decimal.Decimal {
	known := p.AbsorbUnreported(f.Volume)
	p.PnLUSD = p.PnLUSD.Add(f.PnL)
	p.AddCommission(f.Commission)
	p.ReduceVolume(f.Volume.Sub(known))
	p.RecordFill(e.now(), kind, f.Price, f.Volume)
	return known
}
