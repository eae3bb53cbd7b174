package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions together with their parent trades. A
// position is unique per (account, instrument).
type PositionStore interface {
	// Create inserts the trade and its NEW position atomically and assigns
	// their IDs. Returns ErrAlreadyExists when the instrument is taken.
	Create(ctx context.Context, trade *Trade, pos *Position) error
	Get(ctx context.Context, accountID int64, instrument string) (Position, error)
	ListByAccount(ctx context.Context, accountID int64) ([]Position, error)
	// Update writes pos when its Version matches the stored row and bumps
	// the version. Returns ErrConflict otherwise.
	Update(ctx context.Context, pos *Position) error
	UpdateCancelLevels(ctx context.Context, accountID int64, instrument string, levels CancelLevels) error
	// Close stores the absorbed trade and deletes the position.
	Close(ctx context.Context, pos Position, trade Trade) error
	// Discard deletes the position and its trade without history.
	Discard(ctx context.Context, pos Position) error
}

// TradeStore reads and annotates trades.
type TradeStore interface {
	Get(ctx context.Context, id int64) (Trade, error)
	ListByAccount(ctx context.Context, accountID int64, opts ListOpts) ([]Trade, error)
	SetChart(ctx context.Context, id int64, key string) error
}

// AccountStore persists exchange accounts.
type AccountStore interface {
	Create(ctx context.Context, acc *Account) error
	Get(ctx context.Context, id int64) (Account, error)
	List(ctx context.Context) ([]Account, error)
	// UpdateCredentials replaces the API key pair of account id.
	UpdateCredentials(ctx context.Context, id int64, apiKey, secretKey string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID         int64
	AccountID  int64
	Instrument string
	Event      string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AuditStore persists an append-only log of lifecycle transitions.
type AuditStore interface {
	Log(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, accountID int64, opts ListOpts) ([]AuditEntry, error)
}
