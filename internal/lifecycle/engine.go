// Package lifecycle owns the position state machine. Every transition runs
// under a per-(account, instrument) lock and starts from a fresh read of the
// position it mutates.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/metrics"
	"github.com/alanyoungcy/tradingbuddy/internal/notify"
)

// Listeners starts and stops price listeners for instruments. Both calls
// must return without waiting for the listener goroutine.
type Listeners interface {
	CreatePriceListener(instrument string)
	DeletePriceListener(instrument string)
}

// Alerter raises operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Action tells Apply how to persist a mutated position.
type Action int

const (
	Skip Action = iota
	Save
	Close
	Discard
)

// Outcome is the result of a Mutation.
type Outcome struct {
	Action      Action
	Result      string // trade result on Close; defaults to the position status
	Description string
}

var (
	skip = Outcome{Action: Skip}
	save = Outcome{Action: Save}
)

func closeAs(result, description string) Outcome {
	return Outcome{Action: Close, Result: result, Description: description}
}

// Mutation changes p in place and says how to persist it. A Save or Close
// outcome is persisted even when err is non-nil.
type Mutation func(ctx context.Context, p *domain.Position) (Outcome, error)

// Deps are the collaborators of an Engine.
type Deps struct {
	Gateway   domain.Gateway
	Positions domain.PositionStore
	Trades    domain.TradeStore
	Accounts  domain.AccountStore
	Audit     domain.AuditStore
	Bus       domain.EventBus
	Alerts    Alerter
	Locker    Locker
	Logger    *slog.Logger
}

// Engine runs lifecycle transitions for one account.
type Engine struct {
	accountID int64
	gw        domain.Gateway
	positions domain.PositionStore
	trades    domain.TradeStore
	accounts  domain.AccountStore
	audit     domain.AuditStore
	bus       domain.EventBus
	alerts    Alerter
	locker    Locker
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	listeners Listeners

	precMu    sync.Mutex
	precision map[string]domain.Precision
}

// New creates an Engine for accountID.
func New(accountID int64, d Deps) *Engine {
	locker := d.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		accountID: accountID,
		gw:        d.Gateway,
		positions: d.Positions,
		trades:    d.Trades,
		accounts:  d.Accounts,
		audit:     d.Audit,
		bus:       d.Bus,
		alerts:    d.Alerts,
		locker:    locker,
		logger: logger.With(
			slog.String("component", "lifecycle"),
			slog.Int64("account_id", accountID),
		),
		now:       time.Now,
		listeners: nopListeners{},
		precision: make(map[string]domain.Precision),
	}
}

// SetListeners attaches the listener owner. Until called, listener
// requests are dropped.
func (e *Engine) SetListeners(l Listeners) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = l
}

func (e *Engine) priceListeners() Listeners {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listeners
}

// AccountID returns the account this engine serves.
func (e *Engine) AccountID() int64 { return e.accountID }

// Gateway returns the account gateway.
func (e *Engine) Gateway() domain.Gateway { return e.gw }

// Position reads the current row for instrument without locking.
func (e *Engine) Position(ctx context.Context, instrument string) (domain.Position, error) {
	return e.positions.Get(ctx, e.accountID, instrument)
}

// Positions lists every position of the account.
func (e *Engine) Positions(ctx context.Context) ([]domain.Position, error) {
	return e.positions.ListByAccount(ctx, e.accountID)
}

// Apply runs fn against a fresh read of the instrument's position while
// holding its lock, then persists the outcome. ErrNotFound is returned
// unchanged when no position exists.
func (e *Engine) Apply(ctx context.Context, instrument, event string, fn Mutation) error {
	unlock, err := e.locker.Lock(ctx, lockKey(e.accountID, instrument))
	if err != nil {
		return fmt.Errorf("lifecycle: lock %s: %w", instrument, err)
	}
	defer unlock()

	pos, err := e.positions.Get(ctx, e.accountID, instrument)
	if err != nil {
		return fmt.Errorf("lifecycle: %s %s: %w", event, instrument, err)
	}

	out, fnErr := fn(ctx, &pos)
	if out.Action == Skip {
		return fnErr
	}

	if err := e.persist(ctx, &pos, out, event); err != nil {
		return errors.Join(fnErr, err)
	}

	var perr *domain.ProtectionError
	if errors.As(fnErr, &perr) {
		e.reportProtection(ctx, pos, event, perr)
	}
	return fnErr
}

func (e *Engine) persist(ctx context.Context, pos *domain.Position, out Outcome, event string) error {
	switch out.Action {
	case Save:
		err := e.positions.Update(ctx, pos)
		if errors.Is(err, domain.ErrConflict) {
			// Cancel levels are the only field written outside this lock.
			fresh, gerr := e.positions.Get(ctx, e.accountID, pos.Instrument)
			if gerr != nil {
				return fmt.Errorf("lifecycle: reread %s: %w", pos.Instrument, gerr)
			}
			pos.CancelLevels = fresh.CancelLevels
			pos.Version = fresh.Version
			err = e.positions.Update(ctx, pos)
		}
		if err != nil {
			return fmt.Errorf("lifecycle: save %s: %w", pos.Instrument, err)
		}

	case Close:
		trade, err := e.trades.Get(ctx, pos.TradeID)
		if err != nil {
			return fmt.Errorf("lifecycle: load trade %d: %w", pos.TradeID, err)
		}
		result := out.Result
		if result == "" {
			result = string(pos.Status)
		}
		trade.Absorb(*pos, result, e.now())
		if out.Description != "" {
			trade.Description = out.Description
		}
		if err := e.positions.Close(ctx, *pos, trade); err != nil {
			return fmt.Errorf("lifecycle: close %s: %w", pos.Instrument, err)
		}
		e.priceListeners().DeletePriceListener(pos.Instrument)
		e.alert(ctx, notify.EventTradeClosed,
			fmt.Sprintf("%s closed: %s", pos.Instrument, result),
			fmt.Sprintf("account %d pnl %s commission %s volume %s", pos.AccountID, trade.PnLUSD, trade.CommissionUSD, trade.Volume),
		)

	case Discard:
		if err := e.positions.Discard(ctx, *pos); err != nil {
			return fmt.Errorf("lifecycle: discard %s: %w", pos.Instrument, err)
		}
		e.priceListeners().DeletePriceListener(pos.Instrument)
	}

	e.record(ctx, *pos, event, out)
	return nil
}

// record writes the audit row, publishes the event and counts it. Failures
// here never undo a persisted transition.
func (e *Engine) record(ctx context.Context, pos domain.Position, event string, out Outcome) {
	metrics.Transitions.WithLabelValues(event, string(pos.Status)).Inc()

	e.logger.InfoContext(ctx, "transition",
		slog.String("event", event),
		slog.String("instrument", pos.Instrument),
		slog.String("status", string(pos.Status)),
		slog.String("current_volume", pos.CurrentVolume.String()),
		slog.Bool("breakeven", pos.Breakeven),
	)

	if e.audit != nil {
		detail := map[string]any{
			"status":         string(pos.Status),
			"current_volume": pos.CurrentVolume.String(),
			"max_held":       pos.MaxHeldVolume.String(),
			"pnl_usd":        pos.PnLUSD.String(),
			"commission_usd": pos.CommissionUSD.String(),
			"breakeven":      pos.Breakeven,
		}
		if out.Result != "" {
			detail["result"] = out.Result
		}
		if err := e.audit.Log(ctx, domain.AuditEntry{
			AccountID:  e.accountID,
			Instrument: pos.Instrument,
			Event:      event,
			Detail:     detail,
		}); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if e.bus != nil {
		if err := e.bus.Publish(ctx, domain.LifecycleEvent{
			AccountID:  e.accountID,
			Instrument: pos.Instrument,
			Event:      event,
			Status:     pos.Status,
			Volume:     pos.CurrentVolume.String(),
			PnLUSD:     pos.PnLUSD.String(),
			At:         e.now(),
		}); err != nil {
			e.logger.WarnContext(ctx, "publish event failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) reportProtection(ctx context.Context, pos domain.Position, event string, perr *domain.ProtectionError) {
	for _, s := range perr.Steps {
		metrics.GatewayErrors.WithLabelValues(s.Step).Inc()
	}
	e.logger.ErrorContext(ctx, "protective orders incomplete",
		slog.String("event", event),
		slog.String("instrument", pos.Instrument),
		slog.String("status", string(pos.Status)),
		slog.String("error", perr.Error()),
	)
	e.alert(ctx, notify.EventProtectionFailed,
		fmt.Sprintf("%s may be under-protected", pos.Instrument),
		perr.Error(),
	)
}

func (e *Engine) alert(ctx context.Context, event, title, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "alert failed", slog.String("error", err.Error()))
	}
}

type nopListeners struct{}

func (nopListeners) CreatePriceListener(string) {}
func (nopListeners) DeletePriceListener(string) {}
