package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, trade_id, account_id, instrument, server_position_id,
	side, leverage, trigger_price, entry_price, stop_price, take_profit_prices,
	cancel_adverse, cancel_near_target, primary_volume, current_volume,
	max_held_volume, fill_history, status, breakeven, move_stop_after,
	take_profits_filled, unreported_exit_volume, pnl_usd, commission_usd,
	start_time, version, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p             domain.Position
		side, status  string
		targets, hist []byte
	)
	err := row.Scan(
		&p.ID, &p.TradeID, &p.AccountID, &p.Instrument, &p.ServerPositionID,
		&side, &p.Leverage, &p.TriggerPrice, &p.EntryPrice, &p.StopPrice, &targets,
		&p.CancelLevels[domain.CancelAdverse], &p.CancelLevels[domain.CancelNearTarget],
		&p.PrimaryVolume, &p.CurrentVolume,
		&p.MaxHeldVolume, &hist, &status, &p.Breakeven, &p.MoveStopAfter,
		&p.TakeProfitsFilled, &p.UnreportedExitVolume, &p.PnLUSD, &p.CommissionUSD,
		&p.StartTime, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	if err := json.Unmarshal(targets, &p.TakeProfitPrices); err != nil {
		return domain.Position{}, fmt.Errorf("decode take-profit prices: %w", err)
	}
	if err := json.Unmarshal(hist, &p.FillHistory); err != nil {
		return domain.Position{}, fmt.Errorf("decode fill history: %w", err)
	}
	return p, nil
}

func encodeJSONList[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	return json.Marshal(v)
}

// Create inserts the trade and its position in one transaction.
func (s *PositionStore) Create(ctx context.Context, trade *domain.Trade, pos *domain.Position) error {
	targets, err := encodeJSONList(pos.TakeProfitPrices)
	if err != nil {
		return fmt.Errorf("postgres: encode take-profit prices: %w", err)
	}
	hist, err := encodeJSONList(pos.FillHistory)
	if err != nil {
		return fmt.Errorf("postgres: encode fill history: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const insertTrade = `
			INSERT INTO trades (
				account_id, instrument, side, leverage, risk_percent, risk_usd,
				volume, pnl_usd, commission_usd, result, description
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at`
		if err := tx.QueryRow(ctx, insertTrade,
			trade.AccountID, trade.Instrument, string(trade.Side), trade.Leverage,
			trade.RiskPercent, trade.RiskUSD, trade.Volume, trade.PnLUSD,
			trade.CommissionUSD, trade.Result, trade.Description,
		).Scan(&trade.ID, &trade.CreatedAt); err != nil {
			return err
		}

		const insertPosition = `
			INSERT INTO positions (
				trade_id, account_id, instrument, server_position_id, side, leverage,
				trigger_price, entry_price, stop_price, take_profit_prices,
				cancel_adverse, cancel_near_target, primary_volume, current_volume,
				max_held_volume, fill_history, status, breakeven, move_stop_after,
				take_profits_filled, unreported_exit_volume, pnl_usd, commission_usd, start_time
			) VALUES (
				$1, $2, $3, $4, $5, $6,
				$7, $8, $9, $10,
				$11, $12, $13, $14,
				$15, $16, $17, $18, $19,
				$20, $21, $22, $23, $24
			)
			RETURNING id, version, created_at, updated_at`
		return tx.QueryRow(ctx, insertPosition,
			trade.ID, pos.AccountID, pos.Instrument, pos.ServerPositionID, string(pos.Side), pos.Leverage,
			pos.TriggerPrice, pos.EntryPrice, pos.StopPrice, targets,
			pos.CancelLevels[domain.CancelAdverse], pos.CancelLevels[domain.CancelNearTarget],
			pos.PrimaryVolume, pos.CurrentVolume,
			pos.MaxHeldVolume, hist, string(pos.Status), pos.Breakeven, pos.MoveStopAfter,
			pos.TakeProfitsFilled, pos.UnreportedExitVolume, pos.PnLUSD, pos.CommissionUSD, pos.StartTime,
		).Scan(&pos.ID, &pos.Version, &pos.CreatedAt, &pos.UpdatedAt)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create position %s: %w", pos.Instrument, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create position %s: %w", pos.Instrument, err)
	}
	pos.TradeID = trade.ID
	return nil
}

// Get returns the position of accountID on instrument.
func (s *PositionStore) Get(ctx context.Context, accountID int64, instrument string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE account_id = $1 AND instrument = $2`,
		accountID, instrument)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", instrument, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", instrument, err)
	}
	return p, nil
}

// ListByAccount returns every position of accountID in creation order.
func (s *PositionStore) ListByAccount(ctx context.Context, accountID int64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

// Update writes every mutable field when the stored version matches and
// bumps the version.
func (s *PositionStore) Update(ctx context.Context, pos *domain.Position) error {
	targets, err := encodeJSONList(pos.TakeProfitPrices)
	if err != nil {
		return fmt.Errorf("postgres: encode take-profit prices: %w", err)
	}
	hist, err := encodeJSONList(pos.FillHistory)
	if err != nil {
		return fmt.Errorf("postgres: encode fill history: %w", err)
	}

	const query = `
		UPDATE positions SET
			server_position_id     = $3,
			entry_price            = $4,
			stop_price             = $5,
			take_profit_prices     = $6,
			cancel_adverse         = $7,
			cancel_near_target     = $8,
			primary_volume         = $9,
			current_volume         = $10,
			max_held_volume        = $11,
			fill_history           = $12,
			status                 = $13,
			breakeven              = $14,
			move_stop_after        = $15,
			take_profits_filled    = $16,
			unreported_exit_volume = $17,
			pnl_usd                = $18,
			commission_usd         = $19,
			start_time             = $20,
			version                = version + 1,
			updated_at             = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`

	var (
		version int64
		updated time.Time
	)
	err = s.pool.QueryRow(ctx, query,
		pos.ID, pos.Version,
		pos.ServerPositionID, pos.EntryPrice, pos.StopPrice, targets,
		pos.CancelLevels[domain.CancelAdverse], pos.CancelLevels[domain.CancelNearTarget],
		pos.PrimaryVolume, pos.CurrentVolume, pos.MaxHeldVolume, hist,
		string(pos.Status), pos.Breakeven, pos.MoveStopAfter, pos.TakeProfitsFilled,
		pos.UnreportedExitVolume, pos.PnLUSD, pos.CommissionUSD, pos.StartTime,
	).Scan(&version, &updated)
	if err == nil {
		pos.Version, pos.UpdatedAt = version, updated
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: update position %s: %w", pos.Instrument, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, pos.ID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: update position %s: %w", pos.Instrument, err)
	}
	if !exists {
		return fmt.Errorf("postgres: update position %s: %w", pos.Instrument, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: update position %s: %w", pos.Instrument, domain.ErrConflict)
}

// UpdateCancelLevels replaces both cancel slots regardless of version.
func (s *PositionStore) UpdateCancelLevels(ctx context.Context, accountID int64, instrument string, levels domain.CancelLevels) error {
	const query = `
		UPDATE positions SET
			cancel_adverse     = $3,
			cancel_near_target = $4,
			version            = version + 1,
			updated_at         = NOW()
		WHERE account_id = $1 AND instrument = $2`
	tag, err := s.pool.Exec(ctx, query, accountID, instrument,
		levels[domain.CancelAdverse], levels[domain.CancelNearTarget])
	if err != nil {
		return fmt.Errorf("postgres: update cancel levels %s: %w", instrument, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update cancel levels %s: %w", instrument, domain.ErrNotFound)
	}
	return nil
}

// Close stores the final trade and deletes the position atomically.
func (s *PositionStore) Close(ctx context.Context, pos domain.Position, trade domain.Trade) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, pos.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		const query = `
			UPDATE trades SET
				start_time     = $2,
				end_time       = $3,
				volume         = $4,
				pnl_usd        = $5,
				commission_usd = $6,
				result         = $7,
				description    = $8
			WHERE id = $1`
		_, err = tx.Exec(ctx, query, trade.ID,
			trade.StartTime, trade.EndTime, trade.Volume, trade.PnLUSD,
			trade.CommissionUSD, trade.Result, trade.Description)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", pos.Instrument, err)
	}
	return nil
}

// Discard deletes the position and its trade without history.
func (s *PositionStore) Discard(ctx context.Context, pos domain.Position) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, pos.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM trades WHERE id = $1`, pos.TradeID)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: discard position %s: %w", pos.Instrument, err)
	}
	return nil
}
