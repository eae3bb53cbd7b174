package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/sizing"
)

// Precision returns the instrument's contract precision, cached per engine.
func (e *Engine) Precision(ctx context.Context, instrument string) (domain.Precision, error) {
	e.precMu.Lock()
	p, ok := e.precision[instrument]
	e.precMu.Unlock()
	if ok {
		return p, nil
	}

	p, err := e.gw.ContractPrecision(ctx, instrument)
	if err != nil {
		return domain.Precision{}, fmt.Errorf("lifecycle: contract precision %s: %w", instrument, err)
	}

	e.precMu.Lock()
	e.precision[instrument] = p
	e.precMu.Unlock()
	return p, nil
}

// remainingTargets are the take-profit prices whose legs have not filled.
func remainingTargets(p *domain.Position) []decimal.Decimal {
	if p.TakeProfitsFilled >= len(p.TakeProfitPrices) {
		return nil
	}
	return p.TakeProfitPrices[p.TakeProfitsFilled:]
}

// PlaceStop submits a stop-market exit for volume at price.
func (e *Engine) PlaceStop(ctx context.Context, p *domain.Position, price, volume decimal.Decimal) error {
	id, err := e.gw.PlaceOrder(ctx, domain.OrderRequest{
		Instrument:   p.Instrument,
		Side:         domain.ExitSide(p.Side),
		PositionSide: p.Side,
		Type:         domain.OrderTypeStopMarket,
		Quantity:     volume,
		StopPrice:    price,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: place stop %s: %w", p.Instrument, err)
	}
	e.logger.DebugContext(ctx, "stop placed",
		slog.String("instrument", p.Instrument),
		slog.String("order_id", id),
		slog.String("price", price.String()),
		slog.String("volume", volume.String()),
	)
	return nil
}

// PlaceTakeProfits splits volume over the remaining targets and submits one
// take-profit-market exit per non-empty leg.
func (e *Engine) PlaceTakeProfits(ctx context.Context, p *domain.Position, volume decimal.Decimal) error {
	targets := remainingTargets(p)
	if len(targets) == 0 || !volume.IsPositive() {
		return nil
	}
	prec, err := e.Precision(ctx, p.Instrument)
	if err != nil {
		return err
	}

	legs := sizing.SplitTakeProfitVolumes(volume, prec.Quantity, len(targets))
	var errs []error
	for i, leg := range legs {
		if !leg.IsPositive() {
			continue
		}
		_, err := e.gw.PlaceOrder(ctx, domain.OrderRequest{
			Instrument:   p.Instrument,
			Side:         domain.ExitSide(p.Side),
			PositionSide: p.Side,
			Type:         domain.OrderTypeTakeProfitMarket,
			Quantity:     leg,
			StopPrice:    targets[i],
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", targets[i], err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("lifecycle: place take profits %s: %w", p.Instrument, err)
	}
	return nil
}

// CancelOrders cancels the instrument's open orders accepted by match.
func (e *Engine) CancelOrders(ctx context.Context, instrument string, match func(domain.Order) bool) error {
	orders, err := e.openOrders(ctx, instrument, match)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range orders {
		if err := e.gw.CancelOrder(ctx, o.ID, instrument); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("lifecycle: cancel orders %s: %w", instrument, err)
	}
	return nil
}

func isEntry(o domain.Order) bool      { return o.Type.Entry() }
func isStop(o domain.Order) bool       { return o.Type == domain.OrderTypeStopMarket }
func isTakeProfit(o domain.Order) bool { return o.Type == domain.OrderTypeTakeProfitMarket }
func isProtective(o domain.Order) bool { return isStop(o) || isTakeProfit(o) }

// CancelEntryOrders cancels the still-working primary order.
func (e *Engine) CancelEntryOrders(ctx context.Context, instrument string) error {
	return e.CancelOrders(ctx, instrument, isEntry)
}

// protect replaces all protective orders, including a stop leg attached to
// the primary order, with a stop and take-profit legs sized to the held
// volume.
func (e *Engine) protect(ctx context.Context, p *domain.Position, perr *domain.ProtectionError) {
	if err := e.CancelOrders(ctx, p.Instrument, isProtective); err != nil {
		perr.Add("cancel_protective", err)
	}
	perr.Add("place_stop", e.PlaceStop(ctx, p, p.ProtectiveStopPrice(), p.CurrentVolume))
	perr.Add("place_take_profits", e.PlaceTakeProfits(ctx, p, p.CurrentVolume))
}

// ReplaceTakeProfits cancels open take-profit legs and re-places them sized
// to the held volume.
func (e *Engine) ReplaceTakeProfits(ctx context.Context, p *domain.Position) error {
	if err := e.CancelOrders(ctx, p.Instrument, isTakeProfit); err != nil {
		return err
	}
	return e.PlaceTakeProfits(ctx, p, p.CurrentVolume)
}

// MoveStopToBreakeven cancels the stop and places a new one at the entry
// price for the held volume. Breakeven is recorded even when placement
// fails so that the protection audit re-places the stop at entry.
func (e *Engine) MoveStopToBreakeven(ctx context.Context, p *domain.Position, perr *domain.ProtectionError) {
	perr.Add("cancel_stop", e.CancelOrders(ctx, p.Instrument, isStop))
	p.Breakeven = true
	perr.Add("place_breakeven_stop", e.PlaceStop(ctx, p, p.EntryPrice, p.CurrentVolume))
}
