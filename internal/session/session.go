// Package session keeps one live session per account: its lifecycle
// engine, its order listener and a price listener per pending position.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/lifecycle"
	"github.com/alanyoungcy/tradingbuddy/internal/listener"
	"github.com/alanyoungcy/tradingbuddy/internal/metrics"
)

// Session owns the listeners of one account.
type Session struct {
	account domain.Account
	engine  *lifecycle.Engine
	streams domain.StreamDialer
	cache   domain.PriceCache
	cfg     Config
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	prices map[string]*priceRun
}

type priceRun struct {
	cancel context.CancelFunc
}

var _ lifecycle.Listeners = (*Session)(nil)

func newSession(parent context.Context, acc domain.Account, engine *lifecycle.Engine, streams domain.StreamDialer, cache domain.PriceCache, cfg Config, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		account: acc,
		engine:  engine,
		streams: streams,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		prices:  make(map[string]*priceRun),
	}
}

// Account returns the account this session was built from.
func (s *Session) Account() domain.Account { return s.account }

// Engine returns the account's lifecycle engine.
func (s *Session) Engine() *lifecycle.Engine { return s.engine }

// CreatePriceListener starts a price listener for instrument unless one is
// already running. It never blocks on the listener.
func (s *Session) CreatePriceListener(instrument string) {
	if s.streams == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if _, ok := s.prices[instrument]; ok {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	run := &priceRun{cancel: cancel}
	s.prices[instrument] = run
	metrics.PriceListeners.Inc()

	l := listener.NewPriceListener(instrument, s.streams, s.engine, s.cache, s.cfg.PriceBackoff, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		l.Run(ctx)
		s.forget(instrument, run)
	}()
}

// DeletePriceListener stops the listener for instrument if one runs.
func (s *Session) DeletePriceListener(instrument string) {
	s.mu.Lock()
	run, ok := s.prices[instrument]
	if ok {
		delete(s.prices, instrument)
		metrics.PriceListeners.Dec()
	}
	s.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// forget drops run from the table if it is still the registered one.
func (s *Session) forget(instrument string, run *priceRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prices[instrument] == run {
		delete(s.prices, instrument)
		metrics.PriceListeners.Dec()
	}
}

// PriceListeners lists instruments with a running price listener.
func (s *Session) PriceListeners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.prices))
	for i := range s.prices {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

// Sync aligns price listeners with the stored positions: pending
// positions get one, everything else loses it.
func (s *Session) Sync(ctx context.Context) error {
	positions, err := s.engine.Positions(ctx)
	if err != nil {
		return err
	}
	pending := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.Status.Pending() {
			pending[p.Instrument] = true
			s.CreatePriceListener(p.Instrument)
		}
	}
	for _, instrument := range s.PriceListeners() {
		if !pending[instrument] {
			s.DeletePriceListener(instrument)
		}
	}
	return nil
}

func (s *Session) startOrders(keys listener.ListenKeyIssuer) {
	if s.streams == nil {
		return
	}
	l := listener.NewOrderListener(keys, s.streams, s.engine, s.cfg.Orders, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		l.Run(s.ctx)
	}()
}

// Close stops every listener of the session and waits for them.
func (s *Session) Close() {
	s.mu.Lock()
	s.cancel()
	for instrument, run := range s.prices {
		run.cancel()
		delete(s.prices, instrument)
		metrics.PriceListeners.Dec()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
