package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/service"
)

// PositionLister is the part of service.PositionService the handler uses.
type PositionLister interface {
	List(ctx context.Context, accountID int64) ([]service.PositionView, error)
}

// PositionHandler serves account positions.
type PositionHandler struct {
	positions PositionLister
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionLister, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

type positionJSON struct {
	ID                int64              `json:"id"`
	TradeID           int64              `json:"trade_id"`
	Instrument        string             `json:"instrument"`
	Side              string             `json:"side"`
	Status            string             `json:"status"`
	Leverage          int                `json:"leverage"`
	EntryPrice        decimal.Decimal    `json:"entry_price"`
	StopPrice         decimal.Decimal    `json:"stop_price"`
	TakeProfitPrices  []decimal.Decimal  `json:"take_profit_prices"`
	CancelLevels      [2]*decimal.Decimal `json:"cancel_levels"`
	CurrentVolume     decimal.Decimal    `json:"current_volume"`
	MaxHeldVolume     decimal.Decimal    `json:"max_held_volume"`
	Breakeven         bool               `json:"breakeven"`
	TakeProfitsFilled int                `json:"take_profits_filled"`
	PnLUSD            decimal.Decimal    `json:"pnl_usd"`
	CommissionUSD     decimal.Decimal    `json:"commission_usd"`
	StartTime         *time.Time         `json:"start_time,omitempty"`
	LastPrice         *decimal.Decimal   `json:"last_price,omitempty"`
	PriceAt           *time.Time         `json:"price_at,omitempty"`
	UnrealizedUSD     decimal.Decimal    `json:"unrealized_usd"`
}

func toPositionJSON(v service.PositionView) positionJSON {
	out := positionJSON{
		ID:                v.ID,
		TradeID:           v.TradeID,
		Instrument:        v.Instrument,
		Side:              string(v.Side),
		Status:            string(v.Status),
		Leverage:          v.Leverage,
		EntryPrice:        v.EntryPrice,
		StopPrice:         v.StopPrice,
		TakeProfitPrices:  v.TakeProfitPrices,
		CurrentVolume:     v.CurrentVolume,
		MaxHeldVolume:     v.MaxHeldVolume,
		Breakeven:         v.Breakeven,
		TakeProfitsFilled: v.TakeProfitsFilled,
		PnLUSD:            v.PnLUSD,
		CommissionUSD:     v.CommissionUSD,
		StartTime:         v.StartTime,
		LastPrice:         v.LastPrice,
		UnrealizedUSD:     v.UnrealizedUSD,
	}
	for i, lvl := range v.CancelLevels {
		if lvl.Valid {
			d := lvl.Decimal
			out.CancelLevels[i] = &d
		}
	}
	if !v.PriceAt.IsZero() {
		at := v.PriceAt.UTC()
		out.PriceAt = &at
	}
	if out.TakeProfitPrices == nil {
		out.TakeProfitPrices = []decimal.Decimal{}
	}
	return out
}

// ListPositions returns the account's positions with their last price.
// GET /api/accounts/{id}/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	views, err := h.positions.List(r.Context(), accountID)
	if err != nil {
		writeFailure(w, r, h.logger.With(slog.Int64("account_id", accountID)), "list positions", err)
		return
	}
	out := make([]positionJSON, 0, len(views))
	for _, v := range views {
		out = append(out, toPositionJSON(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
