package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/lifecycle"
	"github.com/alanyoungcy/tradingbuddy/internal/listener"
	"github.com/alanyoungcy/tradingbuddy/internal/metrics"
)

// Connectors resolves the connector of an account's venue.
type Connectors interface {
	Connector(venue domain.Venue) (domain.VenueConnector, error)
}

// Config tunes sessions.
type Config struct {
	// Listen starts order and price listeners. Poller-only processes
	// leave it off and use sessions for their engines.
	Listen       bool
	Orders       listener.OrderListenerConfig
	PriceBackoff listener.Backoff
	// SyncEvery is how often Run re-aligns price listeners with storage.
	SyncEvery time.Duration
}

// Deps are shared by every session.
type Deps struct {
	Venues    Connectors
	Positions domain.PositionStore
	Trades    domain.TradeStore
	Accounts  domain.AccountStore
	Audit     domain.AuditStore
	Bus       domain.EventBus
	Prices    domain.PriceCache
	Alerts    lifecycle.Alerter
	Locker    lifecycle.Locker
	Logger    *slog.Logger
}

var errRegistryClosed = errors.New("session: registry closed")

// Registry holds at most one session per account.
type Registry struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry(deps Deps, cfg Config) *Registry {
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 30 * time.Second
	}
	if cfg.PriceBackoff.Min <= 0 {
		cfg.PriceBackoff = listener.Backoff{Min: 2 * time.Second, Max: 60 * time.Second}
	}
	if deps.Locker == nil {
		deps.Locker = lifecycle.NewLocalLocker()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session")),
		base:     base,
		cancel:   cancel,
		sessions: make(map[int64]*Session),
	}
}

// GetOrCreate returns the account's session, building it on first use:
// the account is re-read, its venue connector resolved, price listeners
// restored for pending positions and the order listener started.
func (r *Registry) GetOrCreate(ctx context.Context, accountID int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[accountID]; ok {
		return s, nil
	}
	if r.base.Err() != nil {
		return nil, errRegistryClosed
	}

	acc, err := r.deps.Accounts.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("session: load account %d: %w", accountID, err)
	}
	conn, err := r.deps.Venues.Connector(acc.Venue)
	if err != nil {
		return nil, fmt.Errorf("session: account %d: %w", accountID, err)
	}

	logger := r.deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gw := conn.Gateway(acc)
	engine := lifecycle.New(acc.ID, lifecycle.Deps{
		Gateway:   gw,
		Positions: r.deps.Positions,
		Trades:    r.deps.Trades,
		Accounts:  r.deps.Accounts,
		Audit:     r.deps.Audit,
		Bus:       r.deps.Bus,
		Alerts:    r.deps.Alerts,
		Locker:    r.deps.Locker,
		Logger:    logger,
	})

	var streams domain.StreamDialer
	if r.cfg.Listen {
		streams = conn.Streams()
	}
	s := newSession(r.base, acc, engine, streams, r.deps.Prices, r.cfg, logger.With(slog.Int64("account_id", acc.ID)))
	engine.SetListeners(s)

	if err := s.Sync(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: restore listeners for account %d: %w", accountID, err)
	}
	s.startOrders(gw)

	r.sessions[accountID] = s
	metrics.Sessions.Set(float64(len(r.sessions)))
	r.logger.InfoContext(ctx, "session started",
		slog.Int64("account_id", acc.ID),
		slog.String("venue", string(acc.Venue)),
		slog.Int("price_listeners", len(s.PriceListeners())),
	)
	return s, nil
}

// Engine returns the lifecycle engine of the account's session.
func (r *Registry) Engine(ctx context.Context, accountID int64) (*lifecycle.Engine, error) {
	s, err := r.GetOrCreate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.Engine(), nil
}

// AccountEngine returns the engine of acc's session. A session built with
// other credentials than acc carries is closed and rebuilt first, restoring
// listeners the same way as on startup.
func (r *Registry) AccountEngine(ctx context.Context, acc domain.Account) (*lifecycle.Engine, error) {
	r.refresh(ctx, acc)
	return r.Engine(ctx, acc.ID)
}

// refresh drops the session of acc when its credentials were rotated.
func (r *Registry) refresh(ctx context.Context, acc domain.Account) {
	r.mu.Lock()
	s, ok := r.sessions[acc.ID]
	r.mu.Unlock()
	if !ok || (s.account.APIKey == acc.APIKey && s.account.SecretKey == acc.SecretKey) {
		return
	}
	r.logger.InfoContext(ctx, "credentials rotated, restarting session", slog.Int64("account_id", acc.ID))
	r.Remove(acc.ID)
}

// Sessions returns the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Remove closes and forgets the account's session.
func (r *Registry) Remove(accountID int64) {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	delete(r.sessions, accountID)
	metrics.Sessions.Set(float64(len(r.sessions)))
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Start opens a session for every stored account and rebuilds sessions
// whose account credentials changed. Accounts that fail are logged and
// skipped.
func (r *Registry) Start(ctx context.Context) error {
	accounts, err := r.deps.Accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("session: list accounts: %w", err)
	}
	for _, acc := range accounts {
		r.refresh(ctx, acc)
		if _, err := r.GetOrCreate(ctx, acc.ID); err != nil {
			r.logger.ErrorContext(ctx, "session start failed",
				slog.Int64("account_id", acc.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Run starts all sessions and keeps their price listeners aligned with
// storage until ctx ends, then closes every session.
func (r *Registry) Run(ctx context.Context) error {
	defer r.Close()
	if err := r.Start(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.cfg.SyncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Start(ctx); err != nil {
				r.logger.WarnContext(ctx, "account refresh failed", slog.String("error", err.Error()))
			}
			for _, s := range r.Sessions() {
				if err := s.Sync(ctx); err != nil {
					r.logger.WarnContext(ctx, "listener sync failed",
						slog.Int64("account_id", s.account.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// Close stops every session. The registry refuses new sessions afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.cancel()
	sessions := r.sessions
	r.sessions = make(map[int64]*Session)
	metrics.Sessions.Set(0)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
