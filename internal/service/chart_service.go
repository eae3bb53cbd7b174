package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// MaxChartSize bounds an uploaded chart image.
const MaxChartSize = 8 << 20

var chartTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// BlobDeleter removes stored objects.
type BlobDeleter interface {
	Delete(ctx context.Context, path string) error
}

// ChartService attaches chart images to trades.
type ChartService struct {
	trades  domain.TradeStore
	audit   domain.AuditStore
	writer  domain.BlobWriter
	reader  domain.BlobReader
	deleter BlobDeleter
	logger  *slog.Logger
}

// ChartBlobs groups the object store views used by ChartService.
type ChartBlobs struct {
	Writer  domain.BlobWriter
	Reader  domain.BlobReader
	Deleter BlobDeleter // optional
}

// NewChartService creates a ChartService.
func NewChartService(trades domain.TradeStore, audit domain.AuditStore, blobs ChartBlobs, logger *slog.Logger) *ChartService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChartService{
		trades:  trades,
		audit:   audit,
		writer:  blobs.Writer,
		reader:  blobs.Reader,
		deleter: blobs.Deleter,
		logger:  logger.With(slog.String("component", "chart_service")),
	}
}

// ChartKey builds the object key of a trade chart.
func ChartKey(trade domain.Trade, ext string) string {
	return fmt.Sprintf("charts/%d/%d-%s.%s", trade.AccountID, trade.ID, uuid.NewString()[:8], ext)
}

// Attach stores image as the chart of tradeID and returns its key. The
// content type is sniffed; only common image formats are accepted. A
// previous chart is deleted once the new one is recorded.
func (s *ChartService) Attach(ctx context.Context, tradeID int64, image io.Reader) (string, error) {
	trade, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return "", fmt.Errorf("chart_service: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(image, MaxChartSize+1))
	if err != nil {
		return "", fmt.Errorf("chart_service: read image: %w", err)
	}
	if len(data) == 0 {
		return "", domain.Reject("empty chart image")
	}
	if len(data) > MaxChartSize {
		return "", domain.Reject("chart image exceeds %d bytes", MaxChartSize)
	}
	contentType := http.DetectContentType(data)
	ext, ok := chartTypes[strings.TrimSpace(strings.Split(contentType, ";")[0])]
	if !ok {
		return "", domain.Reject("unsupported chart type %s", contentType)
	}

	key := ChartKey(trade, ext)
	if err := s.writer.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", fmt.Errorf("chart_service: upload: %w", err)
	}
	if err := s.trades.SetChart(ctx, trade.ID, key); err != nil {
		return "", fmt.Errorf("chart_service: record: %w", err)
	}

	if trade.ChartKey != "" && s.deleter != nil {
		if err := s.deleter.Delete(ctx, trade.ChartKey); err != nil {
			s.logger.WarnContext(ctx, "delete previous chart failed",
				slog.Int64("trade_id", trade.ID),
				slog.String("key", trade.ChartKey),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, domain.AuditEntry{
			AccountID:  trade.AccountID,
			Instrument: trade.Instrument,
			Event:      "chart_attached",
			Detail:     map[string]any{"trade_id": trade.ID, "key": key, "bytes": len(data)},
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return key, nil
}

// Open returns the chart of tradeID. The caller closes the body.
func (s *ChartService) Open(ctx context.Context, tradeID int64) (io.ReadCloser, error) {
	trade, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("chart_service: %w", err)
	}
	if trade.ChartKey == "" {
		return nil, fmt.Errorf("chart_service: trade %d has no chart: %w", tradeID, domain.ErrNotFound)
	}
	body, err := s.reader.Get(ctx, trade.ChartKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("chart_service: chart of trade %d missing: %w", tradeID, err)
		}
		return nil, fmt.Errorf("chart_service: open: %w", err)
	}
	return body, nil
}
