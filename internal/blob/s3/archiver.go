package s3blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// archivePageSize is how many rows are read per store query while
// streaming an archive.
const archivePageSize = 500

// StreamPutter uploads a body of unknown length.
type StreamPutter interface {
	PutStream(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// ArchiveResult describes the objects written for one account and month.
type ArchiveResult struct {
	TradesPath string `json:"trades_path"`
	AuditPath  string `json:"audit_path"`
	Trades     int    `json:"trades"`
	Audit      int    `json:"audit"`
}

// Archiver exports an account's closed trades and audit log of one
// calendar month to object storage as JSONL. Rows are not removed from the
// database.
type Archiver struct {
	writer StreamPutter
	trades domain.TradeStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer StreamPutter, trades domain.TradeStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: writer,
		trades: trades,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// tradeRecord is the archived form of a closed trade.
type tradeRecord struct {
	ID            int64      `json:"id"`
	Instrument    string     `json:"instrument"`
	Side          string     `json:"side"`
	Leverage      int        `json:"leverage"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time"`
	RiskPercent   string     `json:"risk_percent"`
	RiskUSD       string     `json:"risk_usd"`
	Volume        string     `json:"volume"`
	PnLUSD        string     `json:"pnl_usd"`
	CommissionUSD string     `json:"commission_usd"`
	Result        string     `json:"result"`
	Description   string     `json:"description,omitempty"`
	ChartKey      string     `json:"chart_key,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func newTradeRecord(t domain.Trade) tradeRecord {
	return tradeRecord{
		ID:            t.ID,
		Instrument:    t.Instrument,
		Side:          string(t.Side),
		Leverage:      t.Leverage,
		StartTime:     t.StartTime,
		EndTime:       t.EndTime,
		RiskPercent:   t.RiskPercent.String(),
		RiskUSD:       t.RiskUSD.String(),
		Volume:        t.Volume.String(),
		PnLUSD:        t.PnLUSD.String(),
		CommissionUSD: t.CommissionUSD.String(),
		Result:        t.Result,
		Description:   t.Description,
		ChartKey:      t.ChartKey,
		CreatedAt:     t.CreatedAt,
	}
}

type auditRecord struct {
	ID         int64          `json:"id"`
	Instrument string         `json:"instrument,omitempty"`
	Event      string         `json:"event"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ArchivePath builds the object key of an archive file.
//
//	archive/7/trades/2026-09.jsonl
func ArchivePath(accountID int64, kind string, month time.Time) string {
	return fmt.Sprintf("archive/%d/%s/%s.jsonl", accountID, kind, month.Format("2006-01"))
}

// ArchiveMonth writes the trades and audit entries of accountID created in
// the calendar month containing month. Open trades are skipped. Both files
// are written even when empty.
func (a *Archiver) ArchiveMonth(ctx context.Context, accountID int64, month time.Time) (ArchiveResult, error) {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	window := domain.ListOpts{Since: &start, Until: &end}

	res := ArchiveResult{
		TradesPath: ArchivePath(accountID, "trades", start),
		AuditPath:  ArchivePath(accountID, "audit", start),
	}

	n, err := a.upload(ctx, res.TradesPath, func(enc *json.Encoder) (int, error) {
		return forEachPage(ctx, window, func(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
			return a.trades.ListByAccount(ctx, accountID, opts)
		}, func(t domain.Trade) (bool, error) {
			if t.Open() {
				return false, nil
			}
			return true, enc.Encode(newTradeRecord(t))
		})
	})
	if err != nil {
		return res, fmt.Errorf("s3blob: archive trades: %w", err)
	}
	res.Trades = n

	n, err = a.upload(ctx, res.AuditPath, func(enc *json.Encoder) (int, error) {
		return forEachPage(ctx, window, func(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
			return a.audit.List(ctx, accountID, opts)
		}, func(e domain.AuditEntry) (bool, error) {
			return true, enc.Encode(auditRecord{
				ID:         e.ID,
				Instrument: e.Instrument,
				Event:      e.Event,
				Detail:     e.Detail,
				CreatedAt:  e.CreatedAt,
			})
		})
	})
	if err != nil {
		return res, fmt.Errorf("s3blob: archive audit: %w", err)
	}
	res.Audit = n

	if err := a.audit.Log(ctx, domain.AuditEntry{
		AccountID: accountID,
		Event:     "archive",
		Detail: map[string]any{
			"month":  start.Format("2006-01"),
			"trades": res.Trades,
			"audit":  res.Audit,
		},
	}); err != nil {
		a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "archived month",
		slog.Int64("account_id", accountID),
		slog.String("month", start.Format("2006-01")),
		slog.Int("trades", res.Trades),
		slog.Int("audit", res.Audit),
	)
	return res, nil
}

// upload streams the records produced by fill into path through a pipe.
func (a *Archiver) upload(ctx context.Context, path string, fill func(enc *json.Encoder) (int, error)) (int, error) {
	pr, pw := io.Pipe()
	written := make(chan int, 1)
	go func() {
		enc := json.NewEncoder(pw)
		enc.SetEscapeHTML(false)
		n, err := fill(enc)
		pw.CloseWithError(err)
		written <- n
	}()

	err := a.writer.PutStream(ctx, path, pr, "application/x-ndjson", 0)
	// Unblocks the producer when the upload stopped reading early.
	pr.CloseWithError(io.ErrClosedPipe)
	n := <-written
	if err != nil {
		return 0, err
	}
	return n, nil
}

// forEachPage walks a paged listing and hands every item to visit, which
// reports whether the item was written.
func forEachPage[T any](
	ctx context.Context,
	window domain.ListOpts,
	list func(context.Context, domain.ListOpts) ([]T, error),
	visit func(T) (bool, error),
) (int, error) {
	written := 0
	opts := window
	opts.Limit = archivePageSize
	for {
		items, err := list(ctx, opts)
		if err != nil {
			return written, err
		}
		for _, it := range items {
			ok, err := visit(it)
			if err != nil {
				return written, err
			}
			if ok {
				written++
			}
		}
		if len(items) < archivePageSize {
			return written, nil
		}
		opts.Offset += len(items)
	}
}
