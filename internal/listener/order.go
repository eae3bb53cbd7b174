package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/lifecycle"
	"github.com/alanyoungcy/tradingbuddy/internal/metrics"
)

// OrderHandler receives classified order events for one account.
type OrderHandler interface {
	OnPrimaryFilled(ctx context.Context, instrument string, f lifecycle.Fill) error
	OnPrimaryPartiallyFilled(ctx context.Context, instrument string, f lifecycle.Fill) error
	OnStopFilled(ctx context.Context, instrument string, f lifecycle.Fill) error
	OnTakeProfitFilled(ctx context.Context, instrument string, f lifecycle.Fill) error
	OnCloseByMarket(ctx context.Context, instrument string, f lifecycle.Fill) error
	OnExitPartiallyFilled(ctx context.Context, instrument string, kind domain.FillKind, f lifecycle.Fill) error
}

var _ OrderHandler = (*lifecycle.Engine)(nil)

// ListenKeyIssuer issues and renews the user-data stream key.
type ListenKeyIssuer interface {
	CreateListenKey(ctx context.Context) (string, error)
	ExtendListenKey(ctx context.Context, key string) error
}

// OrderListenerConfig tunes the account stream.
type OrderListenerConfig struct {
	// RenewEvery must be shorter than the venue's listen key expiry.
	RenewEvery time.Duration
	Backoff    Backoff
}

// OrderListener supervises the account's order event stream and routes
// each event to the lifecycle engine.
type OrderListener struct {
	keys    ListenKeyIssuer
	dialer  domain.StreamDialer
	handler OrderHandler
	cfg     OrderListenerConfig
	logger  *slog.Logger
}

// NewOrderListener creates an OrderListener. logger should already carry
// the account.
func NewOrderListener(keys ListenKeyIssuer, dialer domain.StreamDialer, handler OrderHandler, cfg OrderListenerConfig, logger *slog.Logger) *OrderListener {
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = 7 * time.Minute
	}
	if cfg.Backoff.Min <= 0 {
		cfg.Backoff = Backoff{Min: 2 * time.Second, Max: 60 * time.Second}
	}
	return &OrderListener{
		keys:    keys,
		dialer:  dialer,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "order_listener")),
	}
}

// Run keeps the stream alive until ctx ends: a fresh listen key for every
// connection, periodic renewal, and backoff between reconnects.
func (l *OrderListener) Run(ctx context.Context) {
	l.logger.InfoContext(ctx, "order listener started")
	defer l.logger.InfoContext(ctx, "order listener stopped")

	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.StreamReconnects.WithLabelValues("orders").Inc()
		l.logger.WarnContext(ctx, "order stream dropped", slog.String("error", err.Error()))
		if !l.cfg.Backoff.Wait(ctx) {
			return
		}
	}
}

func (l *OrderListener) session(ctx context.Context) error {
	key, err := l.keys.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listener: create listen key: %w", err)
	}
	stream, err := l.dialer.SubscribeOrders(ctx, key)
	if err != nil {
		return fmt.Errorf("listener: subscribe orders: %w", err)
	}
	defer stream.Close()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.renew(sessCtx, key, stream)

	l.cfg.Backoff.Reset()
	for {
		u, err := stream.Recv(sessCtx)
		if err != nil {
			return err
		}
		l.Dispatch(sessCtx, u)
	}
}

// renew extends the listen key on a ticker. A failed renewal closes the
// stream so the next session starts with a new key.
func (l *OrderListener) renew(ctx context.Context, key string, stream domain.OrderStream) {
	ticker := time.NewTicker(l.cfg.RenewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.keys.ExtendListenKey(ctx, key); err != nil {
				l.logger.WarnContext(ctx, "listen key renewal failed", slog.String("error", err.Error()))
				stream.Close()
				return
			}
			l.logger.DebugContext(ctx, "listen key renewed")
		}
	}
}

// Dispatch routes one order event by order type and status. Handler
// failures are logged; a missing position is expected for orders the bot
// does not track.
func (l *OrderListener) Dispatch(ctx context.Context, u domain.OrderUpdate) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "order handler panic",
				slog.String("order_id", u.OrderID),
				slog.Any("panic", r),
			)
		}
	}()

	metrics.OrderEvents.WithLabelValues(string(u.Type), string(u.Status)).Inc()
	err := l.route(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		l.logger.DebugContext(ctx, "order event for untracked instrument",
			slog.String("instrument", u.Instrument),
			slog.String("type", string(u.Type)),
			slog.String("status", string(u.Status)),
		)
	default:
		l.logger.ErrorContext(ctx, "order event failed",
			slog.String("instrument", u.Instrument),
			slog.String("order_id", u.OrderID),
			slog.String("type", string(u.Type)),
			slog.String("status", string(u.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (l *OrderListener) route(ctx context.Context, u domain.OrderUpdate) error {
	f := lifecycle.FillFromUpdate(u)
	partial := u.Status == domain.OrderStatusPartiallyFilled
	if !partial && u.Status != domain.OrderStatusFilled {
		return nil
	}

	switch u.Type {
	case domain.OrderTypeLimit, domain.OrderTypeTriggerLimit:
		if partial {
			return l.handler.OnPrimaryPartiallyFilled(ctx, u.Instrument, f)
		}
		return l.handler.OnPrimaryFilled(ctx, u.Instrument, f)
	case domain.OrderTypeStopMarket:
		if partial {
			return l.handler.OnExitPartiallyFilled(ctx, u.Instrument, domain.FillStop, f)
		}
		return l.handler.OnStopFilled(ctx, u.Instrument, f)
	case domain.OrderTypeTakeProfitMarket:
		if partial {
			return l.handler.OnExitPartiallyFilled(ctx, u.Instrument, domain.FillTakeProfit, f)
		}
		return l.handler.OnTakeProfitFilled(ctx, u.Instrument, f)
	case domain.OrderTypeMarket:
		if partial {
			return l.handler.OnExitPartiallyFilled(ctx, u.Instrument, domain.FillMarket, f)
		}
		return l.handler.OnCloseByMarket(ctx, u.Instrument, f)
	}
	return nil
}
