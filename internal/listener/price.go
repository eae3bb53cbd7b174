package listener

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/metrics"
)

// PriceChecker evaluates a tick against the position's cancel levels.
type PriceChecker interface {
	CheckPrice(ctx context.Context, instrument string, price decimal.Decimal) (bool, error)
}

// PriceListener watches last-price ticks of one pending instrument and
// withdraws its entry when a cancel level is reached.
type PriceListener struct {
	instrument string
	dialer     domain.StreamDialer
	checker    PriceChecker
	cache      domain.PriceCache
	backoff    Backoff
	logger     *slog.Logger
}

// NewPriceListener creates a PriceListener. cache may be nil.
func NewPriceListener(instrument string, dialer domain.StreamDialer, checker PriceChecker, cache domain.PriceCache, backoff Backoff, logger *slog.Logger) *PriceListener {
	return &PriceListener{
		instrument: instrument,
		dialer:     dialer,
		checker:    checker,
		cache:      cache,
		backoff:    backoff,
		logger: logger.With(
			slog.String("component", "price_listener"),
			slog.String("instrument", instrument),
		),
	}
}

// errPositionGone ends a listener whose position no longer exists.
var errPositionGone = errors.New("listener: position gone")

// Run consumes ticks until ctx ends or the position disappears. Dropped
// streams are redialed with backoff.
func (l *PriceListener) Run(ctx context.Context) {
	l.logger.InfoContext(ctx, "price listener started")
	defer l.logger.InfoContext(ctx, "price listener stopped")

	for {
		err := l.consume(ctx)
		if ctx.Err() != nil || errors.Is(err, errPositionGone) {
			return
		}
		metrics.StreamReconnects.WithLabelValues("price").Inc()
		l.logger.WarnContext(ctx, "price stream dropped", slog.String("error", err.Error()))
		if !l.backoff.Wait(ctx) {
			return
		}
	}
}

func (l *PriceListener) consume(ctx context.Context) error {
	stream, err := l.dialer.SubscribePrice(ctx, l.instrument)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		tick, err := stream.Recv(ctx)
		if err != nil {
			return err
		}
		l.backoff.Reset()
		if err := l.handle(ctx, tick); err != nil {
			return err
		}
	}
}

func (l *PriceListener) handle(ctx context.Context, tick domain.PriceTick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.ErrorContext(ctx, "price handler panic", slog.Any("panic", r))
			err = nil
		}
	}()

	if l.cache != nil {
		ts := tick.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		if err := l.cache.SetPrice(ctx, l.instrument, tick.Price, ts); err != nil {
			l.logger.DebugContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
	}

	hit, err := l.checker.CheckPrice(ctx, l.instrument, tick.Price)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return errPositionGone
	case err != nil:
		l.logger.ErrorContext(ctx, "cancel check failed",
			slog.String("price", tick.Price.String()),
			slog.String("error", err.Error()),
		)
	case hit:
		l.logger.InfoContext(ctx, "entry withdrawn", slog.String("price", tick.Price.String()))
	}
	return nil
}
