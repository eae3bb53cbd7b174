package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// EventLog reads back recently published lifecycle events.
type EventLog interface {
	Recent(ctx context.Context, n int64) ([]domain.LifecycleEvent, error)
}

// EventHandler serves the recent lifecycle event log.
type EventHandler struct {
	log    EventLog
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(log EventLog, logger *slog.Logger) *EventHandler {
	return &EventHandler{log: log, logger: logger}
}

// Recent returns the latest events newest first.
// GET /api/events?limit=
func (h *EventHandler) Recent(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	events, err := h.log.Recent(r.Context(), int64(opts.Limit))
	if err != nil {
		writeFailure(w, r, h.logger, "read events", err)
		return
	}
	if events == nil {
		events = []domain.LifecycleEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
