package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/lifecycle"
	"github.com/alanyoungcy/tradingbuddy/internal/service"
)

// Engines hands out the lifecycle engine of an account. The session
// registry implements it.
type Engines interface {
	Engine(ctx context.Context, accountID int64) (*lifecycle.Engine, error)
}

// OperationsHandler exposes the user operations of the lifecycle engine.
type OperationsHandler struct {
	engines Engines
	logger  *slog.Logger
}

// NewOperationsHandler creates an OperationsHandler.
func NewOperationsHandler(engines Engines, logger *slog.Logger) *OperationsHandler {
	return &OperationsHandler{engines: engines, logger: logger}
}

type cancelLevelsJSON struct {
	Adverse    *decimal.Decimal `json:"adverse"`
	NearTarget *decimal.Decimal `json:"near_target"`
}

func (c *cancelLevelsJSON) levels() *domain.CancelLevels {
	if c == nil {
		return nil
	}
	cl := domain.NewCancelLevels(c.Adverse, c.NearTarget)
	return &cl
}

type openRequestJSON struct {
	Instrument    string            `json:"instrument"`
	Leverage      int               `json:"leverage"`
	TriggerPrice  decimal.Decimal   `json:"trigger_price"`
	EntryPrice    decimal.Decimal   `json:"entry_price"`
	StopPrice     decimal.Decimal   `json:"stop_price"`
	TakeProfits   []decimal.Decimal `json:"take_profits"`
	Volume        decimal.Decimal   `json:"volume"`
	CancelLevels  *cancelLevelsJSON `json:"cancel_levels"`
	MoveStopAfter int               `json:"move_stop_after"`
	Description   string            `json:"description"`
}

func (o openRequestJSON) request() lifecycle.OpenRequest {
	return lifecycle.OpenRequest{
		Instrument:    strings.ToUpper(strings.TrimSpace(o.Instrument)),
		Leverage:      o.Leverage,
		TriggerPrice:  o.TriggerPrice,
		EntryPrice:    o.EntryPrice,
		StopPrice:     o.StopPrice,
		TakeProfits:   o.TakeProfits,
		Volume:        o.Volume,
		CancelLevels:  o.CancelLevels.levels(),
		MoveStopAfter: o.MoveStopAfter,
		Description:   o.Description,
	}
}

type planJSON struct {
	Side            string            `json:"side"`
	TakeProfits     []decimal.Decimal `json:"take_profits"`
	Volume          decimal.Decimal   `json:"volume"`
	Margin          decimal.Decimal   `json:"margin"`
	PotentialLoss   decimal.Decimal   `json:"potential_loss"`
	PotentialProfit decimal.Decimal   `json:"potential_profit"`
	RiskPercent     decimal.Decimal   `json:"risk_percent"`
	RiskUSD         decimal.Decimal   `json:"risk_usd"`
}

func (h *OperationsHandler) engine(w http.ResponseWriter, r *http.Request) (*lifecycle.Engine, bool) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return nil, false
	}
	eng, err := h.engines.Engine(r.Context(), accountID)
	if err != nil {
		writeFailure(w, r, h.logger.With(slog.Int64("account_id", accountID)), "open session", err)
		return nil, false
	}
	return eng, true
}

func (h *OperationsHandler) decodeOpen(w http.ResponseWriter, r *http.Request) (lifecycle.OpenRequest, bool) {
	var body openRequestJSON
	if !decodeBody(w, r, &body) {
		return lifecycle.OpenRequest{}, false
	}
	req := body.request()
	if req.Instrument == "" {
		writeError(w, http.StatusBadRequest, "instrument is required")
		return lifecycle.OpenRequest{}, false
	}
	return req, true
}

// Preview sizes a position without placing orders.
// POST /api/accounts/{id}/positions/preview
func (h *OperationsHandler) Preview(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeOpen(w, r)
	if !ok {
		return
	}
	plan, err := eng.Preview(r.Context(), req)
	if err != nil {
		writeFailure(w, r, h.logger, "preview", err)
		return
	}
	writeJSON(w, http.StatusOK, planJSON{
		Side:            string(plan.Side),
		TakeProfits:     plan.TakeProfits,
		Volume:          plan.Volume,
		Margin:          plan.Margin,
		PotentialLoss:   plan.PotentialLoss,
		PotentialProfit: plan.PotentialProfit,
		RiskPercent:     plan.RiskPercent,
		RiskUSD:         plan.RiskUSD,
	})
}

// Open places a new position.
// POST /api/accounts/{id}/positions
func (h *OperationsHandler) Open(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeOpen(w, r)
	if !ok {
		return
	}
	pos, err := eng.OpenPosition(r.Context(), req)
	if err != nil {
		writeFailure(w, r, h.logger.With(slog.String("instrument", req.Instrument)), "open position", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPositionJSON(service.PositionView{Position: pos}))
}

// Cancel withdraws a NEW position.
// DELETE /api/accounts/{id}/positions/{instrument}
func (h *OperationsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r)
	if !ok {
		return
	}
	instrument := r.PathValue("instrument")
	if err := eng.CancelPending(r.Context(), instrument); err != nil {
		writeFailure(w, r, h.logger.With(slog.String("instrument", instrument)), "cancel position", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Close exits the held volume at market.
// POST /api/accounts/{id}/positions/{instrument}/close
func (h *OperationsHandler) Close(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r)
	if !ok {
		return
	}
	instrument := r.PathValue("instrument")
	orderID, err := eng.CloseByMarket(r.Context(), instrument)
	if err != nil {
		writeFailure(w, r, h.logger.With(slog.String("instrument", instrument)), "close position", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": orderID})
}

// UpdateCancelLevels replaces both cancel levels. An omitted level is
// cleared.
// PUT /api/accounts/{id}/positions/{instrument}/cancel-levels
func (h *OperationsHandler) UpdateCancelLevels(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.engine(w, r)
	if !ok {
		return
	}
	var body cancelLevelsJSON
	if !decodeBody(w, r, &body) {
		return
	}
	instrument := r.PathValue("instrument")
	if err := eng.UpdateCancelLevels(r.Context(), instrument, *body.levels()); err != nil {
		writeFailure(w, r, h.logger.With(slog.String("instrument", instrument)), "update cancel levels", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
