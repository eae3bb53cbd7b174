package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache keeps the latest tick per instrument.
type PriceCache interface {
	SetPrice(ctx context.Context, instrument string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, instrument string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, instruments []string) (map[string]decimal.Decimal, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	// Acquire takes key for ttl, or returns ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Extend resets the expiry to ttl from now. It returns ErrLockHeld when
	// the lease already expired and another holder took the key.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release drops the lease. It is safe to call more than once.
	Release()
}

// LifecycleEvent is published after every persisted transition.
type LifecycleEvent struct {
	AccountID  int64          `json:"account_id"`
	Instrument string         `json:"instrument"`
	Event      string         `json:"event"`
	Status     PositionStatus `json:"status"`
	Volume     string         `json:"volume"`
	PnLUSD     string         `json:"pnl_usd"`
	At         time.Time      `json:"at"`
}

// EventBus fans lifecycle events out to subscribers.
type EventBus interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
	Subscribe(ctx context.Context) (<-chan LifecycleEvent, error)
}
