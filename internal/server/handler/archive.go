package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	s3blob "github.com/alanyoungcy/tradingbuddy/internal/blob/s3"
)

// MonthArchiver is the part of s3blob.Archiver the handler uses.
type MonthArchiver interface {
	ArchiveMonth(ctx context.Context, accountID int64, month time.Time) (s3blob.ArchiveResult, error)
}

// ArchiveHandler exports monthly journals to object storage.
type ArchiveHandler struct {
	archiver MonthArchiver
	now      func() time.Time
	logger   *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archiver MonthArchiver, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver, now: time.Now, logger: logger}
}

// Archive writes one month of the account's journal. The month defaults to
// the previous calendar month.
// POST /api/accounts/{id}/archive?month=2026-09
func (h *ArchiveHandler) Archive(w http.ResponseWriter, r *http.Request) {
	accountID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	month := h.now().UTC().AddDate(0, -1, 0)
	if v := r.URL.Query().Get("month"); v != "" {
		m, err := time.Parse("2006-01", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "month must look like 2006-01")
			return
		}
		month = m
	}
	res, err := h.archiver.ArchiveMonth(r.Context(), accountID, month)
	if err != nil {
		writeFailure(w, r, h.logger.With(slog.Int64("account_id", accountID)), "archive", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
