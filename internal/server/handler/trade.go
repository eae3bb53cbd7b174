package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/service"
)

// ChartAttacher is the part of service.ChartService the handler uses.
type ChartAttacher interface {
	Attach(ctx context.Context, tradeID int64, image io.Reader) (string, error)
	Open(ctx context.Context, tradeID int64) (io.ReadCloser, error)
}

// TradeHandler serves trade history and chart attachments.
type TradeHandler struct {
	trades domain.TradeStore
	charts ChartAttacher // nil when object storage is disabled
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler. charts may be nil.
func NewTradeHandler(trades domain.TradeStore, charts ChartAttacher, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, charts: charts, logger: logger}
}

type tradeJSON struct {
	ID            int64           `json:"id"`
	Instrument    string          `json:"instrument"`
	Side          string          `json:"side"`
	Leverage      int             `json:"leverage"`
	StartTime     *time.Time      `json:"start_time,omitempty"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	RiskPercent   decimal.Decimal `json:"risk_percent"`
	RiskUSD       decimal.Decimal `json:"risk_usd"`
	Volume        decimal.Decimal `json:"volume"`
	PnLUSD        decimal.Decimal `json:"pnl_usd"`
	CommissionUSD decimal.Decimal `json:"commission_usd"`
	Result        string          `json:"result,omitempty"`
	Description   string          `json:"description,omitempty"`
	HasChart      bool            `json:"has_chart"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toTradeJSON(t domain.Trade) tradeJSON {
	return tradeJSON{
		ID:            t.ID,
		Instrument:    t.Instrument,
		Side:          string(t.Side),
		Leverage:      t.Leverage,
		StartTime:     t.StartTime,
		EndTime:       t.EndTime,
		RiskPercent:   t.RiskPercent,
		RiskUSD:       t.RiskUSD,
		Volume:        t.Volume,
		PnLUSD:        t.PnLUSD,
		CommissionUSD: t.CommissionUSD,
		Result:        t.Result,
		Description:   t.Description,
		HasChart:      t.ChartKey != "",
		CreatedAt:     t.CreatedAt,
	}
}

// ListTrades returns the account's trades newest first.
// GET /api/accounts/{id}/trades?limit=&offset=
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	trades, err := h.trades.ListByAccount(r.Context(), accountID, parseListOpts(r))
	if err != nil {
		writeFailure(w, r, h.logger, "list trades", err)
		return
	}
	out := make([]tradeJSON, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeJSON(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

// UploadChart stores the request body as the trade's chart image.
// POST /api/trades/{id}/chart
func (h *TradeHandler) UploadChart(w http.ResponseWriter, r *http.Request) {
	if h.charts == nil {
		writeError(w, http.StatusServiceUnavailable, "chart storage disabled")
		return
	}
	tradeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, service.MaxChartSize+1)
	key, err := h.charts.Attach(r.Context(), tradeID, body)
	if err != nil {
		writeFailure(w, r, h.logger.With(slog.Int64("trade_id", tradeID)), "upload chart", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// GetChart streams the trade's chart image.
// GET /api/trades/{id}/chart
func (h *TradeHandler) GetChart(w http.ResponseWriter, r *http.Request) {
	if h.charts == nil {
		writeError(w, http.StatusServiceUnavailable, "chart storage disabled")
		return
	}
	tradeID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	body, err := h.charts.Open(r.Context(), tradeID)
	if err != nil {
		writeFailure(w, r, h.logger.With(slog.Int64("trade_id", tradeID)), "open chart", err)
		return
	}
	defer body.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(body, head)
	head = head[:n]
	w.Header().Set("Content-Type", http.DetectContentType(head))
	w.WriteHeader(http.StatusOK)
	w.Write(head)
	io.Copy(w, body)
}
