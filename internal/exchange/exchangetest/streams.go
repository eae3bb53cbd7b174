package exchangetest

import (
	"context"
	"sync"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// stream is a closable channel of events.
type stream[T any] struct {
	ch     chan T
	closed chan struct{}
	once   sync.Once
}

func newStream[T any]() *stream[T] {
	return &stream[T]{ch: make(chan T, 16), closed: make(chan struct{})}
}

func (s *stream[T]) recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-s.ch:
		return v, nil
	case <-s.closed:
		return zero, domain.ErrWSDisconnect
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close ends the stream; pending Recv calls return ErrWSDisconnect.
func (s *stream[T]) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *stream[T]) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// PriceStream is a scripted domain.PriceStream.
type PriceStream struct{ *stream[domain.PriceTick] }

func (p *PriceStream) Recv(ctx context.Context) (domain.PriceTick, error) { return p.recv(ctx) }

// Push delivers a tick.
func (p *PriceStream) Push(t domain.PriceTick) { p.ch <- t }

// OrderStream is a scripted domain.OrderStream.
type OrderStream struct{ *stream[domain.OrderUpdate] }

func (o *OrderStream) Recv(ctx context.Context) (domain.OrderUpdate, error) { return o.recv(ctx) }

// Push delivers an order event.
func (o *OrderStream) Push(u domain.OrderUpdate) { o.ch <- u }

// Dialer hands out scripted streams and announces each subscription.
type Dialer struct {
	mu     sync.Mutex
	prices map[string]*PriceStream
	orders []*OrderStream

	PriceSubs chan string
	OrderSubs chan *OrderStream
	// FailOrders makes the next n order subscriptions fail.
	FailOrders int
}

var _ domain.StreamDialer = (*Dialer)(nil)

// NewDialer creates a Dialer.
func NewDialer() *Dialer {
	return &Dialer{
		prices:    make(map[string]*PriceStream),
		PriceSubs: make(chan string, 64),
		OrderSubs: make(chan *OrderStream, 64),
	}
}

func (d *Dialer) SubscribePrice(_ context.Context, instrument string) (domain.PriceStream, error) {
	s := &PriceStream{newStream[domain.PriceTick]()}
	d.mu.Lock()
	d.prices[instrument] = s
	d.mu.Unlock()
	d.PriceSubs <- instrument
	return s, nil
}

func (d *Dialer) SubscribeOrders(context.Context, string) (domain.OrderStream, error) {
	d.mu.Lock()
	if d.FailOrders > 0 {
		d.FailOrders--
		d.mu.Unlock()
		return nil, ErrInjected
	}
	s := &OrderStream{newStream[domain.OrderUpdate]()}
	d.orders = append(d.orders, s)
	d.mu.Unlock()
	d.OrderSubs <- s
	return s, nil
}

// Price returns the latest price stream for instrument.
func (d *Dialer) Price(instrument string) *PriceStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prices[instrument]
}
