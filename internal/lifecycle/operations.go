package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/notify"
	"github.com/alanyoungcy/tradingbuddy/internal/sizing"
)

// OpenRequest describes a position to open.
type OpenRequest struct {
	Instrument    string
	Leverage      int
	TriggerPrice  decimal.Decimal // zero for a plain limit entry
	EntryPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TakeProfits   []decimal.Decimal
	Volume        decimal.Decimal // zero sizes from the account risk budget
	CancelLevels  *domain.CancelLevels
	MoveStopAfter int
	Description   string
}

// Plan is the sizing of an OpenRequest.
type Plan struct {
	Side            domain.Side
	TakeProfits     []decimal.Decimal
	Volume          decimal.Decimal
	Margin          decimal.Decimal
	PotentialLoss   decimal.Decimal
	PotentialProfit decimal.Decimal
	RiskPercent     decimal.Decimal
	RiskUSD         decimal.Decimal
	Precision       domain.Precision
}

// SideOf infers the position direction from entry and stop.
func SideOf(entry, stop decimal.Decimal) domain.Side {
	if entry.GreaterThan(stop) {
		return domain.SideLong
	}
	return domain.SideShort
}

// SortTakeProfits orders targets nearest first: ascending for LONG,
// descending for SHORT.
func SortTakeProfits(side domain.Side, prices []decimal.Decimal) []decimal.Decimal {
	out := slices.Clone(prices)
	slices.SortFunc(out, func(a, b decimal.Decimal) int {
		if side == domain.SideShort {
			return b.Cmp(a)
		}
		return a.Cmp(b)
	})
	return out
}

func validateRequest(req OpenRequest) error {
	if strings.TrimSpace(req.Instrument) == "" {
		return domain.Reject("instrument is required")
	}
	if !req.EntryPrice.IsPositive() || !req.StopPrice.IsPositive() {
		return domain.Reject("entry and stop prices must be positive")
	}
	if req.EntryPrice.Equal(req.StopPrice) {
		return domain.Reject("entry price equals stop price")
	}
	if req.TriggerPrice.IsNegative() || req.Volume.IsNegative() {
		return domain.Reject("trigger price and volume must not be negative")
	}
	if len(req.TakeProfits) == 0 {
		return domain.Reject("at least one take-profit price is required")
	}
	side := SideOf(req.EntryPrice, req.StopPrice)
	for _, tp := range req.TakeProfits {
		if side == domain.SideLong && !tp.GreaterThan(req.EntryPrice) ||
			side == domain.SideShort && !tp.LessThan(req.EntryPrice) {
			return domain.Reject("take-profit %s is not beyond entry %s for %s", tp, req.EntryPrice, side)
		}
	}
	return nil
}

// Preview sizes req against the account's deposit, risk budget and margin
// without placing anything.
func (e *Engine) Preview(ctx context.Context, req OpenRequest) (Plan, error) {
	if err := validateRequest(req); err != nil {
		return Plan{}, err
	}

	acc, err := e.accounts.Get(ctx, e.accountID)
	if err != nil {
		return Plan{}, fmt.Errorf("lifecycle: load account: %w", err)
	}
	if !acc.Deposit.IsPositive() {
		return Plan{}, domain.Reject("account deposit must be positive")
	}

	side := SideOf(req.EntryPrice, req.StopPrice)
	maxLev, err := e.gw.MaxLeverage(ctx, req.Instrument)
	if err != nil {
		return Plan{}, fmt.Errorf("lifecycle: max leverage %s: %w", req.Instrument, err)
	}
	if req.Leverage <= 0 || req.Leverage > maxLev.For(side) {
		return Plan{}, domain.Reject("leverage %d outside 1..%d for %s", req.Leverage, maxLev.For(side), side)
	}

	prec, err := e.Precision(ctx, req.Instrument)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{
		Side:        side,
		TakeProfits: SortTakeProfits(side, req.TakeProfits),
		Precision:   prec,
	}
	if req.Volume.IsPositive() {
		plan.Volume = sizing.FloorToDigits(req.Volume, prec.Quantity)
		plan.Margin = sizing.Margin(req.EntryPrice, plan.Volume, req.Leverage)
	} else {
		bal, err := e.gw.Balance(ctx)
		if err != nil {
			return Plan{}, fmt.Errorf("lifecycle: balance: %w", err)
		}
		plan.Volume, plan.Margin, err = sizing.VolumeAndMargin(sizing.VolumeInput{
			Deposit:           acc.Deposit,
			RiskPercent:       acc.RiskPercent,
			Entry:             req.EntryPrice,
			Stop:              req.StopPrice,
			AvailableMargin:   bal.Available,
			Leverage:          req.Leverage,
			QuantityPrecision: prec.Quantity,
		})
		if err != nil {
			return Plan{}, domain.Reject("%v", err)
		}
	}
	if !plan.Volume.IsPositive() {
		return Plan{}, domain.Reject("volume rounds to zero at precision %d", prec.Quantity)
	}

	plan.PotentialLoss, plan.PotentialProfit = sizing.PotentialLossAndProfit(
		req.EntryPrice, req.StopPrice, plan.TakeProfits, plan.Volume, prec.Quantity)
	plan.RiskUSD = plan.PotentialLoss
	plan.RiskPercent = sizing.RiskPercent(plan.PotentialLoss, acc.Deposit)
	return plan, nil
}

// OpenPosition sizes req, records the trade and its NEW position, and
// places the primary order. The records are rolled back if placement fails.
func (e *Engine) OpenPosition(ctx context.Context, req OpenRequest) (domain.Position, error) {
	plan, err := e.Preview(ctx, req)
	if err != nil {
		return domain.Position{}, err
	}

	unlock, err := e.locker.Lock(ctx, lockKey(e.accountID, req.Instrument))
	if err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: lock %s: %w", req.Instrument, err)
	}
	defer unlock()

	if _, err := e.positions.Get(ctx, e.accountID, req.Instrument); err == nil {
		return domain.Position{}, fmt.Errorf("lifecycle: open %s: %w", req.Instrument, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, fmt.Errorf("lifecycle: open %s: %w", req.Instrument, err)
	}

	if err := e.gw.ChangeMarginMode(ctx, req.Instrument, domain.MarginCrossed); err != nil {
		// Venues reject a no-op mode change; leverage is what matters.
		e.logger.WarnContext(ctx, "change margin mode failed",
			slog.String("instrument", req.Instrument),
			slog.String("error", err.Error()),
		)
	}
	if err := e.gw.ChangeLeverage(ctx, req.Instrument, plan.Side, req.Leverage); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: change leverage %s: %w", req.Instrument, err)
	}

	levels := domain.NewCancelLevels(nil, &plan.TakeProfits[0])
	if req.CancelLevels != nil {
		levels = *req.CancelLevels
	}
	moveStopAfter := req.MoveStopAfter
	if moveStopAfter <= 0 && len(plan.TakeProfits) > 1 {
		moveStopAfter = 1
	}

	trade := &domain.Trade{
		AccountID:   e.accountID,
		Instrument:  req.Instrument,
		Side:        plan.Side,
		Leverage:    req.Leverage,
		RiskPercent: plan.RiskPercent,
		RiskUSD:     plan.RiskUSD,
		Description: req.Description,
	}
	pos := &domain.Position{
		AccountID:        e.accountID,
		Instrument:       req.Instrument,
		Side:             plan.Side,
		Leverage:         req.Leverage,
		TriggerPrice:     req.TriggerPrice,
		EntryPrice:       req.EntryPrice,
		StopPrice:        req.StopPrice,
		TakeProfitPrices: plan.TakeProfits,
		CancelLevels:     levels,
		PrimaryVolume:    plan.Volume,
		Status:           domain.StatusNew,
		MoveStopAfter:    moveStopAfter,
	}
	if err := e.positions.Create(ctx, trade, pos); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: create position %s: %w", req.Instrument, err)
	}

	orderID, err := e.gw.PlaceOrder(ctx, primaryOrder(*pos))
	if err != nil {
		if derr := e.positions.Discard(ctx, *pos); derr != nil {
			e.logger.ErrorContext(ctx, "rollback failed",
				slog.String("instrument", req.Instrument),
				slog.String("error", derr.Error()),
			)
		}
		return domain.Position{}, fmt.Errorf("lifecycle: place primary order %s: %w", req.Instrument, err)
	}

	e.logger.InfoContext(ctx, "position opened",
		slog.String("instrument", req.Instrument),
		slog.String("order_id", orderID),
		slog.String("side", string(plan.Side)),
		slog.String("volume", plan.Volume.String()),
	)
	e.record(ctx, *pos, "opened", save)
	e.priceListeners().CreatePriceListener(req.Instrument)
	return *pos, nil
}

func primaryOrder(p domain.Position) domain.OrderRequest {
	req := domain.OrderRequest{
		Instrument:    p.Instrument,
		Side:          domain.EntrySide(p.Side),
		PositionSide:  p.Side,
		Type:          domain.OrderTypeLimit,
		Quantity:      p.PrimaryVolume,
		Price:         p.EntryPrice,
		ClientOrderID: uuid.NewString(),
	}
	if !p.TriggerPrice.IsZero() {
		req.Type = domain.OrderTypeTriggerLimit
		req.StopPrice = p.TriggerPrice
	}
	stop := p.StopPrice
	req.StopLoss = &stop
	return req
}

// CancelPending withdraws a NEW position: the primary order is cancelled
// and the trade is deleted without history.
func (e *Engine) CancelPending(ctx context.Context, instrument string) error {
	return e.Apply(ctx, instrument, "cancelled", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if p.Status != domain.StatusNew {
			return skip, domain.Reject("position %s is %s; only NEW positions can be cancelled", instrument, p.Status)
		}
		if err := e.CancelEntryOrders(ctx, instrument); err != nil {
			return skip, err
		}
		return Outcome{Action: Discard}, nil
	})
}

// CancelPrimaryAndClose withdraws the primary order because of reason. A
// NEW position is closed into its trade; a partially filled one keeps its
// held volume and becomes FILLED.
func (e *Engine) CancelPrimaryAndClose(ctx context.Context, instrument, reason string) error {
	return e.Apply(ctx, instrument, "entry_cancelled", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if !p.Status.Pending() {
			return skip, nil
		}
		if err := e.CancelEntryOrders(ctx, instrument); err != nil {
			return skip, err
		}
		e.alert(ctx, notify.EventEntryCancelled, fmt.Sprintf("%s entry cancelled", instrument), reason)

		if p.Status == domain.StatusNew {
			return closeAs(domain.TradeResultCancelled, reason), nil
		}
		p.Status = domain.StatusFilled
		p.PrimaryVolume = p.CurrentVolume
		e.priceListeners().DeletePriceListener(instrument)
		return save, nil
	})
}

// CloseByMarket submits a market exit for the held volume. The fill event
// completes the close.
func (e *Engine) CloseByMarket(ctx context.Context, instrument string) (string, error) {
	var orderID string
	err := e.Apply(ctx, instrument, "close_by_market_requested", func(ctx context.Context, p *domain.Position) (Outcome, error) {
		if !p.Status.Holding() || !p.CurrentVolume.IsPositive() {
			return skip, domain.Reject("position %s holds no volume", instrument)
		}
		if p.Status == domain.StatusPartiallyFilled {
			if err := e.CancelEntryOrders(ctx, instrument); err != nil {
				return skip, err
			}
		}
		id, err := e.gw.PlaceOrder(ctx, domain.OrderRequest{
			Instrument:    instrument,
			Side:          domain.ExitSide(p.Side),
			PositionSide:  p.Side,
			Type:          domain.OrderTypeMarket,
			Quantity:      p.CurrentVolume,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			return skip, fmt.Errorf("lifecycle: place market close %s: %w", instrument, err)
		}
		orderID = id
		return skip, nil
	})
	return orderID, err
}

// UpdateCancelLevels replaces both cancel levels of a position.
func (e *Engine) UpdateCancelLevels(ctx context.Context, instrument string, levels domain.CancelLevels) error {
	unlock, err := e.locker.Lock(ctx, lockKey(e.accountID, instrument))
	if err != nil {
		return fmt.Errorf("lifecycle: lock %s: %w", instrument, err)
	}
	defer unlock()

	if err := e.positions.UpdateCancelLevels(ctx, e.accountID, instrument, levels); err != nil {
		return fmt.Errorf("lifecycle: update cancel levels %s: %w", instrument, err)
	}
	return nil
}

// ShouldCancel applies the cancel rule to a tick. For LONG the entry is
// withdrawn at or below the adverse level and at or above the near-target
// level; SHORT inverts both. Missing levels never trigger.
func ShouldCancel(side domain.Side, levels domain.CancelLevels, price decimal.Decimal) (bool, string) {
	adverse, near := levels[domain.CancelAdverse], levels[domain.CancelNearTarget]
	long := side == domain.SideLong

	if adverse.Valid {
		if long && price.LessThanOrEqual(adverse.Decimal) || !long && price.GreaterThanOrEqual(adverse.Decimal) {
			return true, fmt.Sprintf("price %s reached adverse cancel level %s", price, adverse.Decimal)
		}
	}
	if near.Valid {
		if long && price.GreaterThanOrEqual(near.Decimal) || !long && price.LessThanOrEqual(near.Decimal) {
			return true, fmt.Sprintf("price %s reached near-target cancel level %s", price, near.Decimal)
		}
	}
	return false, ""
}

// CheckPrice evaluates a tick against the position's current cancel levels,
// read fresh, and withdraws the entry when the rule triggers.
func (e *Engine) CheckPrice(ctx context.Context, instrument string, price decimal.Decimal) (bool, error) {
	pos, err := e.positions.Get(ctx, e.accountID, instrument)
	if err != nil {
		return false, fmt.Errorf("lifecycle: check price %s: %w", instrument, err)
	}
	if !pos.Status.Pending() {
		return false, nil
	}
	hit, reason := ShouldCancel(pos.Side, pos.CancelLevels, price)
	if !hit {
		return false, nil
	}
	e.logger.InfoContext(ctx, "cancel level reached",
		slog.String("instrument", instrument),
		slog.String("reason", reason),
	)
	if err := e.CancelPrimaryAndClose(ctx, instrument, reason); err != nil {
		return true, err
	}
	return true, nil
}
