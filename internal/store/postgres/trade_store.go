package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, account_id, instrument, side, leverage, start_time, end_time,
	risk_percent, risk_usd, volume, pnl_usd, commission_usd, result, description,
	chart_key, created_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side string
	err := row.Scan(
		&t.ID, &t.AccountID, &t.Instrument, &side, &t.Leverage, &t.StartTime, &t.EndTime,
		&t.RiskPercent, &t.RiskUSD, &t.Volume, &t.PnLUSD, &t.CommissionUSD, &t.Result, &t.Description,
		&t.ChartKey, &t.CreatedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	return t, nil
}

// Get retrieves a single trade by its ID.
func (s *TradeStore) Get(ctx context.Context, id int64) (domain.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, fmt.Errorf("postgres: get trade %d: %w", id, domain.ErrNotFound)
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %d: %w", id, err)
	}
	return t, nil
}

// ListByAccount returns trades of accountID newest first, with pagination
// and optional creation-time filtering.
func (s *TradeStore) ListByAccount(ctx context.Context, accountID int64, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return trades, nil
}

// SetChart records the object key of the trade's chart image.
func (s *TradeStore) SetChart(ctx context.Context, id int64, key string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE trades SET chart_key = $2 WHERE id = $1`, id, key)
	if err != nil {
		return fmt.Errorf("postgres: set chart %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: set chart %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
