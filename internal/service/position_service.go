// Package service holds the read and attachment use cases behind the ops
// HTTP surface. Lifecycle transitions live in the lifecycle package.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// PositionView is a stored position enriched with the last cached tick.
type PositionView struct {
	domain.Position
	LastPrice     *decimal.Decimal
	PriceAt       time.Time
	UnrealizedUSD decimal.Decimal
}

// PositionService lists open and pending positions of an account.
type PositionService struct {
	accounts  domain.AccountStore
	positions domain.PositionStore
	prices    domain.PriceCache
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. prices may be nil.
func NewPositionService(
	accounts domain.AccountStore,
	positions domain.PositionStore,
	prices domain.PriceCache,
	logger *slog.Logger,
) *PositionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PositionService{
		accounts:  accounts,
		positions: positions,
		prices:    prices,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// List returns the positions of accountID. It fails with domain.ErrNotFound
// for an unknown account. A missing price leaves LastPrice nil.
func (s *PositionService) List(ctx context.Context, accountID int64) ([]PositionView, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, fmt.Errorf("position_service: %w", err)
	}
	positions, err := s.positions.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("position_service: list: %w", err)
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{Position: p}
		if s.prices != nil {
			price, at, err := s.prices.GetPrice(ctx, p.Instrument)
			if err == nil {
				v.LastPrice = &price
				v.PriceAt = at
				v.UnrealizedUSD = Unrealized(p, price)
			} else {
				s.logger.DebugContext(ctx, "no cached price",
					slog.String("instrument", p.Instrument),
					slog.String("error", err.Error()),
				)
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// Unrealized is the mark-to-market PnL of the held volume at price.
func Unrealized(p domain.Position, price decimal.Decimal) decimal.Decimal {
	if !p.Status.Holding() || p.CurrentVolume.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(p.EntryPrice)
	if p.Side == domain.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.CurrentVolume)
}
