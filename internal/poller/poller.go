// Package poller reconciles stored positions against the venue on a fixed
// interval. It is the slow path behind the order stream: it catches missed
// fills and take-profits, finalizes positions that vanished from the venue
// and re-places missing stops.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/lifecycle"
	"github.com/alanyoungcy/tradingbuddy/internal/metrics"
	"github.com/alanyoungcy/tradingbuddy/internal/notify"
)

// Engines hands out the lifecycle engine of an account.
type Engines interface {
	AccountEngine(ctx context.Context, acc domain.Account) (*lifecycle.Engine, error)
}

// Config tunes the poller.
type Config struct {
	Interval time.Duration
	// HistoryLead widens the order-history window before the start time.
	HistoryLead time.Duration
	// StallAfter is the number of incomplete-history cycles after which an
	// alert is raised for a vanished position.
	StallAfter int
}

// Poller checks every account once per interval.
type Poller struct {
	accounts domain.AccountStore
	engines  Engines
	alerts   lifecycle.Alerter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	drift  map[string]decimal.Decimal
	stalls map[string]int
}

// New creates a Poller. alerts may be nil.
func New(accounts domain.AccountStore, engines Engines, alerts lifecycle.Alerter, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.HistoryLead <= 0 {
		cfg.HistoryLead = time.Minute
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = 12
	}
	return &Poller{
		accounts: accounts,
		engines:  engines,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "poller")),
		now:      time.Now,
		drift:    make(map[string]decimal.Decimal),
		stalls:   make(map[string]int),
	}
}

// Run polls until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poller started", slog.Duration("interval", p.cfg.Interval))
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.logger.WarnContext(ctx, "poll cycle had failures", slog.String("error", err.Error()))
			}
		}
	}
}

// PollOnce checks every account. A failing account never stops the
// others; all failures are returned joined.
func (p *Poller) PollOnce(ctx context.Context) error {
	accounts, err := p.accounts.List(ctx)
	if err != nil {
		metrics.PollCycles.WithLabelValues("error").Inc()
		return fmt.Errorf("poller: list accounts: %w", err)
	}

	var errs []error
	for _, acc := range accounts {
		if err := p.checkAccount(ctx, acc); err != nil {
			p.logger.ErrorContext(ctx, "account check failed",
				slog.Int64("account_id", acc.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		metrics.PollCycles.WithLabelValues("error").Inc()
		return errors.Join(errs...)
	}
	metrics.PollCycles.WithLabelValues("ok").Inc()
	return nil
}

func (p *Poller) checkAccount(ctx context.Context, acc domain.Account) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poller: account %d: panic: %v", acc.ID, r)
		}
	}()

	eng, err := p.engines.AccountEngine(ctx, acc)
	if err != nil {
		return err
	}
	server, err := eng.Gateway().CurrentPositions(ctx)
	if err != nil {
		return fmt.Errorf("poller: account %d: current positions: %w", acc.ID, err)
	}
	local, err := eng.Positions(ctx)
	if err != nil {
		return fmt.Errorf("poller: account %d: positions: %w", acc.ID, err)
	}

	held := make(map[string]domain.ServerPosition, len(server))
	for _, sp := range server {
		if sp.HeldVolume.IsPositive() {
			held[sp.Instrument] = sp
		}
	}

	var errs []error
	for _, pos := range local {
		sp, onServer := held[pos.Instrument]
		if err := p.checkPosition(ctx, eng, pos, sp, onServer); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func positionKey(pos domain.Position) string {
	return fmt.Sprintf("%d:%s", pos.AccountID, pos.Instrument)
}

func (p *Poller) checkPosition(ctx context.Context, eng *lifecycle.Engine, pos domain.Position, sp domain.ServerPosition, onServer bool) error {
	key := positionKey(pos)
	if !onServer {
		p.clearDrift(key)
		if !pos.Status.Holding() {
			return nil
		}
		return p.finalize(ctx, eng, pos)
	}
	p.clearStall(key)

	var errs []error
	switch {
	case pos.Status.Pending() && sp.HeldVolume.GreaterThan(pos.CurrentVolume):
		p.clearDrift(key)
		errs = append(errs, eng.ReconcileFill(ctx, pos.Instrument, sp))

	case pos.Status.Holding() && sp.HeldVolume.LessThan(pos.CurrentVolume) && len(pos.TakeProfitPrices) > 1:
		// The stream normally reports take-profits first; act only when the
		// same decrease is seen on two consecutive cycles.
		if !p.confirmDrift(key, sp.HeldVolume) {
			break
		}
		untouched, err := eng.CountUntouchedTakeProfits(ctx, pos.Instrument)
		if err != nil {
			p.logger.WarnContext(ctx, "take-profit count unavailable",
				slog.String("instrument", pos.Instrument),
				slog.String("error", err.Error()),
			)
		}
		errs = append(errs, eng.ReconcileExit(ctx, pos.Instrument, sp.HeldVolume, untouched))

	default:
		p.clearDrift(key)
	}

	if pos.ServerPositionID == "" && pos.Status.Holding() {
		errs = append(errs, eng.BindServerPosition(ctx, pos.Instrument, sp.PositionID))
	}
	if pos.Status.Holding() {
		errs = append(errs, eng.AuditProtection(ctx, pos.Instrument))
	}
	return errors.Join(errs...)
}

// finalize closes a vanished position once the venue's history accounts
// for its whole volume.
func (p *Poller) finalize(ctx context.Context, eng *lifecycle.Engine, pos domain.Position) error {
	start := pos.CreatedAt
	if pos.StartTime != nil {
		start = *pos.StartTime
	}
	end := p.now()
	orders, err := eng.Gateway().OrderHistory(ctx, pos.Instrument, start.Add(-p.cfg.HistoryLead), end)
	if err != nil {
		return fmt.Errorf("poller: order history %s: %w", pos.Instrument, err)
	}

	summary := SummarizeExits(orders, pos.ServerPositionID, start)
	err = eng.Finalize(ctx, pos.Instrument, summary)
	if !errors.Is(err, domain.ErrIncompleteHistory) {
		p.clearStall(positionKey(pos))
		return err
	}

	n := p.stall(positionKey(pos))
	p.logger.WarnContext(ctx, "position vanished with incomplete history",
		slog.String("instrument", pos.Instrument),
		slog.String("server_position_id", pos.ServerPositionID),
		slog.String("exit_volume", summary.Volume.String()),
		slog.String("max_held_volume", pos.MaxHeldVolume.String()),
		slog.Int("cycles", n),
	)
	if n == p.cfg.StallAfter && p.alerts != nil {
		if aerr := p.alerts.Notify(ctx, notify.EventHistoryStalled,
			fmt.Sprintf("%s not finalized", pos.Instrument),
			fmt.Sprintf("account %d: exits %s of %s after %d cycles", pos.AccountID, summary.Volume, pos.MaxHeldVolume, n),
		); aerr != nil {
			p.logger.WarnContext(ctx, "alert failed", slog.String("error", aerr.Error()))
		}
	}
	// Retried next cycle.
	return nil
}

// SummarizeExits sums the executed orders bound to positionID. Entry orders
// contribute commission but not exit volume. An empty positionID accepts
// every order in the window except exits older than since, which belong to
// an earlier position on the same instrument.
func SummarizeExits(orders []domain.Order, positionID string, since time.Time) lifecycle.ExitSummary {
	var s lifecycle.ExitSummary
	var last time.Time
	for _, o := range orders {
		if positionID != "" && o.PositionID != positionID {
			continue
		}
		if !o.ExecutedQty.IsPositive() {
			continue
		}
		if positionID == "" && !o.Type.Entry() && o.UpdatedAt.Before(since) {
			continue
		}
		s.PnL = s.PnL.Add(o.Profit)
		s.Commission = s.Commission.Add(o.Commission)
		if o.Type.Entry() {
			continue
		}
		s.Orders++
		s.Volume = s.Volume.Add(o.ExecutedQty)
		if s.Last == "" || !o.UpdatedAt.Before(last) {
			s.Last = o.Type
			last = o.UpdatedAt
		}
	}
	return s
}

func (p *Poller) confirmDrift(key string, held decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.drift[key]; ok && prev.Equal(held) {
		delete(p.drift, key)
		return true
	}
	p.drift[key] = held
	return false
}

func (p *Poller) clearDrift(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.drift, key)
}

func (p *Poller) stall(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stalls[key]++
	return p.stalls[key]
}

func (p *Poller) clearStall(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stalls, key)
}
