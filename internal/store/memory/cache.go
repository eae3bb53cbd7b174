package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

type tick struct {
	price decimal.Decimal
	at    time.Time
}

// PriceCache implements domain.PriceCache in process memory.
type PriceCache struct {
	mu    sync.RWMutex
	ticks map[string]tick
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{ticks: make(map[string]tick)}
}

func (c *PriceCache) SetPrice(_ context.Context, instrument string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks[instrument] = tick{price: price, at: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, instrument string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[instrument]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("memory: get price %s: %w", instrument, domain.ErrNotFound)
	}
	return t.price, t.at, nil
}

func (c *PriceCache) GetPrices(_ context.Context, instruments []string) (map[string]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		if t, ok := c.ticks[inst]; ok {
			out[inst] = t.price
		}
	}
	return out, nil
}

// eventLogSize bounds the events kept for Recent.
const eventLogSize = 1000

// EventBus implements domain.EventBus with in-process fan-out. Slow
// subscribers miss events instead of blocking publishers.
type EventBus struct {
	mu   sync.Mutex
	subs map[chan domain.LifecycleEvent]struct{}
	log  []domain.LifecycleEvent
}

var _ domain.EventBus = (*EventBus)(nil)

// NewEventBus creates an EventBus without subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan domain.LifecycleEvent]struct{})}
}

func (b *EventBus) Publish(_ context.Context, ev domain.LifecycleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, ev)
	if len(b.log) > eventLogSize {
		b.log = slices.Delete(b.log, 0, len(b.log)-eventLogSize)
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.LifecycleEvent, error) {
	ch := make(chan domain.LifecycleEvent, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Recent returns up to n of the latest events, newest first.
func (b *EventBus) Recent(_ context.Context, n int64) ([]domain.LifecycleEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := min(int(max(n, 0)), len(b.log))
	out := make([]domain.LifecycleEvent, 0, count)
	for i := len(b.log) - 1; i >= len(b.log)-count; i-- {
		out = append(out, b.log[i])
	}
	return out, nil
}
