// Package memory implements the domain stores in process memory. It backs
// tests and paper runs where no database is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

type posKey struct {
	account    int64
	instrument string
}

// Store holds accounts, trades, positions and audit entries.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	accounts  map[int64]domain.Account
	trades    map[int64]domain.Trade
	positions map[posKey]domain.Position
	audit     []domain.AuditEntry
	now       func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		accounts:  make(map[int64]domain.Account),
		trades:    make(map[int64]domain.Trade),
		positions: make(map[posKey]domain.Position),
		now:       time.Now,
	}
}

// SetClock replaces the clock stamping created and updated times.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func clonePosition(p domain.Position) domain.Position {
	p.TakeProfitPrices = slices.Clone(p.TakeProfitPrices)
	p.FillHistory = slices.Clone(p.FillHistory)
	if p.StartTime != nil {
		t := *p.StartTime
		p.StartTime = &t
	}
	return p
}

// Positions returns a PositionStore view.
func (s *Store) Positions() *PositionStore { return &PositionStore{s} }

// Trades returns a TradeStore view.
func (s *Store) Trades() *TradeStore { return &TradeStore{s} }

// Accounts returns an AccountStore view.
func (s *Store) Accounts() *AccountStore { return &AccountStore{s} }

// Audit returns an AuditStore view.
func (s *Store) Audit() *AuditStore { return &AuditStore{s} }

// PositionStore implements domain.PositionStore.
type PositionStore struct{ s *Store }

var _ domain.PositionStore = (*PositionStore)(nil)

func (ps *PositionStore) Create(_ context.Context, trade *domain.Trade, pos *domain.Position) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{pos.AccountID, pos.Instrument}
	if _, ok := s.positions[k]; ok {
		return fmt.Errorf("memory: create position %s: %w", pos.Instrument, domain.ErrAlreadyExists)
	}
	now := s.now()
	trade.ID = s.id()
	trade.CreatedAt = now
	pos.ID = s.id()
	pos.TradeID = trade.ID
	pos.Version = 1
	pos.CreatedAt, pos.UpdatedAt = now, now

	s.trades[trade.ID] = *trade
	s.positions[k] = clonePosition(*pos)
	return nil
}

func (ps *PositionStore) Get(_ context.Context, accountID int64, instrument string) (domain.Position, error) {
	s := ps.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey{accountID, instrument}]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: get position %s: %w", instrument, domain.ErrNotFound)
	}
	return clonePosition(p), nil
}

func (ps *PositionStore) ListByAccount(_ context.Context, accountID int64) ([]domain.Position, error) {
	s := ps.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Position
	for k, p := range s.positions {
		if k.account == accountID {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (ps *PositionStore) Update(_ context.Context, pos *domain.Position) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{pos.AccountID, pos.Instrument}
	cur, ok := s.positions[k]
	if !ok {
		return fmt.Errorf("memory: update position %s: %w", pos.Instrument, domain.ErrNotFound)
	}
	if cur.Version != pos.Version {
		return fmt.Errorf("memory: update position %s: %w", pos.Instrument, domain.ErrConflict)
	}
	pos.Version++
	pos.UpdatedAt = s.now()
	s.positions[k] = clonePosition(*pos)
	return nil
}

func (ps *PositionStore) UpdateCancelLevels(_ context.Context, accountID int64, instrument string, levels domain.CancelLevels) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{accountID, instrument}
	cur, ok := s.positions[k]
	if !ok {
		return fmt.Errorf("memory: update cancel levels %s: %w", instrument, domain.ErrNotFound)
	}
	cur.CancelLevels = levels
	cur.Version++
	cur.UpdatedAt = s.now()
	s.positions[k] = cur
	return nil
}

func (ps *PositionStore) Close(_ context.Context, pos domain.Position, trade domain.Trade) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{pos.AccountID, pos.Instrument}
	cur, ok := s.positions[k]
	if !ok || cur.ID != pos.ID {
		return fmt.Errorf("memory: close position %s: %w", pos.Instrument, domain.ErrNotFound)
	}
	if prev, ok := s.trades[trade.ID]; ok && trade.ChartKey == "" {
		trade.ChartKey = prev.ChartKey
	}
	s.trades[trade.ID] = trade
	delete(s.positions, k)
	return nil
}

func (ps *PositionStore) Discard(_ context.Context, pos domain.Position) error {
	s := ps.s
	s.mu.Lock()
	defer s.mu.Unlock()

	k := posKey{pos.AccountID, pos.Instrument}
	if cur, ok := s.positions[k]; ok && cur.ID == pos.ID {
		delete(s.positions, k)
	}
	delete(s.trades, pos.TradeID)
	return nil
}

// TradeStore implements domain.TradeStore.
type TradeStore struct{ s *Store }

var _ domain.TradeStore = (*TradeStore)(nil)

func (ts *TradeStore) Get(_ context.Context, id int64) (domain.Trade, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return domain.Trade{}, fmt.Errorf("memory: get trade %d: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (ts *TradeStore) ListByAccount(_ context.Context, accountID int64, opts domain.ListOpts) ([]domain.Trade, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID && inWindow(t.CreatedAt, opts) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, opts), nil
}

func (ts *TradeStore) SetChart(_ context.Context, id int64, key string) error {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("memory: set chart %d: %w", id, domain.ErrNotFound)
	}
	t.ChartKey = key
	s.trades[id] = t
	return nil
}

// AccountStore implements domain.AccountStore.
type AccountStore struct{ s *Store }

var _ domain.AccountStore = (*AccountStore)(nil)

func (as *AccountStore) Create(_ context.Context, acc *domain.Account) error {
	s := as.s
	s.mu.Lock()
	defer s.mu.Unlock()

	acc.ID = s.id()
	acc.CreatedAt = s.now()
	s.accounts[acc.ID] = *acc
	return nil
}

func (as *AccountStore) Get(_ context.Context, id int64) (domain.Account, error) {
	s := as.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("memory: get account %d: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (as *AccountStore) List(_ context.Context) ([]domain.Account, error) {
	s := as.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (as *AccountStore) UpdateCredentials(_ context.Context, id int64, apiKey, secretKey string) error {
	s := as.s
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("memory: update credentials of account %d: %w", id, domain.ErrNotFound)
	}
	a.APIKey, a.SecretKey = apiKey, secretKey
	s.accounts[id] = a
	return nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ s *Store }

var _ domain.AuditStore = (*AuditStore)(nil)

func (au *AuditStore) Log(_ context.Context, entry domain.AuditEntry) error {
	s := au.s
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.id()
	entry.CreatedAt = s.now()
	s.audit = append(s.audit, entry)
	return nil
}

func (au *AuditStore) List(_ context.Context, accountID int64, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s := au.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.AccountID == accountID && inWindow(e.CreatedAt, opts) {
			out = append(out, e)
		}
	}
	return page(out, opts), nil
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
