package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/exchange/exchangetest"
	"github.com/alanyoungcy/tradingbuddy/internal/lifecycle"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type call struct {
	method     string
	instrument string
	kind       domain.FillKind
	fill       lifecycle.Fill
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []call
	err   error
	panic bool
}

func (h *recordingHandler) add(c call) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panic {
		panic("boom")
	}
	h.calls = append(h.calls, c)
	return h.err
}

func (h *recordingHandler) snapshot() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func (h *recordingHandler) OnPrimaryFilled(_ context.Context, i string, f lifecycle.Fill) error {
	return h.add(call{method: "primary_filled", instrument: i, fill: f})
}

func (h *recordingHandler) OnPrimaryPartiallyFilled(_ context.Context, i string, f lifecycle.Fill) error {
	return h.add(call{method: "primary_partial", instrument: i, fill: f})
}

func (h *recordingHandler) OnStopFilled(_ context.Context, i string, f lifecycle.Fill) error {
	return h.add(call{method: "stop_filled", instrument: i, fill: f})
}

func (h *recordingHandler) OnTakeProfitFilled(_ context.Context, i string, f lifecycle.Fill) error {
	return h.add(call{method: "take_profit_filled", instrument: i, fill: f})
}

func (h *recordingHandler) OnCloseByMarket(_ context.Context, i string, f lifecycle.Fill) error {
	return h.add(call{method: "market_filled", instrument: i, fill: f})
}

func (h *recordingHandler) OnExitPartiallyFilled(_ context.Context, i string, kind domain.FillKind, f lifecycle.Fill) error {
	return h.add(call{method: "exit_partial", instrument: i, kind: kind, fill: f})
}

func TestDispatchRouting(t *testing.T) {
	tests := []struct {
		name   string
		typ    domain.OrderType
		status domain.OrderStatus
		method string
		kind   domain.FillKind
	}{
		{"limit filled", domain.OrderTypeLimit, domain.OrderStatusFilled, "primary_filled", ""},
		{"trigger filled", domain.OrderTypeTriggerLimit, domain.OrderStatusFilled, "primary_filled", ""},
		{"limit partial", domain.OrderTypeLimit, domain.OrderStatusPartiallyFilled, "primary_partial", ""},
		{"stop filled", domain.OrderTypeStopMarket, domain.OrderStatusFilled, "stop_filled", ""},
		{"stop partial", domain.OrderTypeStopMarket, domain.OrderStatusPartiallyFilled, "exit_partial", domain.FillStop},
		{"take profit filled", domain.OrderTypeTakeProfitMarket, domain.OrderStatusFilled, "take_profit_filled", ""},
		{"take profit partial", domain.OrderTypeTakeProfitMarket, domain.OrderStatusPartiallyFilled, "exit_partial", domain.FillTakeProfit},
		{"market filled", domain.OrderTypeMarket, domain.OrderStatusFilled, "market_filled", ""},
		{"market partial", domain.OrderTypeMarket, domain.OrderStatusPartiallyFilled, "exit_partial", domain.FillMarket},
		{"new ignored", domain.OrderTypeLimit, domain.OrderStatusNew, "", ""},
		{"canceled ignored", domain.OrderTypeStopMarket, domain.OrderStatusCancelled, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &recordingHandler{}
			l := NewOrderListener(exchangetest.NewGateway(), exchangetest.NewDialer(), h, OrderListenerConfig{}, discard())
			l.Dispatch(context.Background(), domain.OrderUpdate{
				Instrument: "ETH-USDT",
				OrderID:    "42",
				Type:       tt.typ,
				Status:     tt.status,
				LastFilled: decimal.NewFromInt(3),
				Cumulative: decimal.NewFromInt(5),
				AvgPrice:   decimal.NewFromInt(2000),
			})

			calls := h.snapshot()
			if tt.method == "" {
				if len(calls) != 0 {
					t.Fatalf("expected no call, got %+v", calls)
				}
				return
			}
			if len(calls) != 1 {
				t.Fatalf("calls = %d, want 1", len(calls))
			}
			c := calls[0]
			if c.method != tt.method || c.kind != tt.kind || c.instrument != "ETH-USDT" {
				t.Errorf("got %s/%s/%s, want %s/%s", c.method, c.kind, c.instrument, tt.method, tt.kind)
			}
			if !c.fill.Volume.Equal(decimal.NewFromInt(3)) || !c.fill.Total.Equal(decimal.NewFromInt(5)) {
				t.Errorf("fill volume=%s total=%s", c.fill.Volume, c.fill.Total)
			}
		})
	}
}

func TestDispatchSurvivesHandlerFailures(t *testing.T) {
	h := &recordingHandler{err: fmt.Errorf("wrapped: %w", domain.ErrNotFound)}
	l := NewOrderListener(exchangetest.NewGateway(), exchangetest.NewDialer(), h, OrderListenerConfig{}, discard())
	u := domain.OrderUpdate{Instrument: "X", Type: domain.OrderTypeStopMarket, Status: domain.OrderStatusFilled}

	l.Dispatch(context.Background(), u)
	h.err = errors.New("store down")
	l.Dispatch(context.Background(), u)
	h.panic = true
	l.Dispatch(context.Background(), u)

	if got := len(h.snapshot()); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestOrderListenerReconnectsWithFreshStream(t *testing.T) {
	gw := exchangetest.NewGateway()
	dialer := exchangetest.NewDialer()
	dialer.FailOrders = 1
	h := &recordingHandler{}
	l := NewOrderListener(gw, dialer, h, OrderListenerConfig{
		RenewEvery: time.Hour,
		Backoff:    Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond},
	}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	first := <-dialer.OrderSubs
	first.Push(domain.OrderUpdate{Instrument: "X", Type: domain.OrderTypeLimit, Status: domain.OrderStatusFilled})
	first.Close()

	second := <-dialer.OrderSubs
	second.Push(domain.OrderUpdate{Instrument: "X", Type: domain.OrderTypeStopMarket, Status: domain.OrderStatusFilled})

	deadline := time.After(2 * time.Second)
	for len(h.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("events not delivered: %+v", h.snapshot())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	if !second.Closed() {
		t.Error("stream left open after stop")
	}
}

type failingKeys struct {
	*exchangetest.Gateway
	mu      sync.Mutex
	renewed int
}

func (f *failingKeys) ExtendListenKey(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed++
	return errors.New("expired")
}

func TestListenKeyRenewalFailureReconnects(t *testing.T) {
	keys := &failingKeys{Gateway: exchangetest.NewGateway()}
	dialer := exchangetest.NewDialer()
	l := NewOrderListener(keys, dialer, &recordingHandler{}, OrderListenerConfig{
		RenewEvery: 5 * time.Millisecond,
		Backoff:    Backoff{Min: time.Millisecond, Max: time.Millisecond},
	}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	first := <-dialer.OrderSubs
	select {
	case <-dialer.OrderSubs:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after failed renewal")
	}
	if !first.Closed() {
		t.Error("old stream still open")
	}
}

type scriptedChecker struct {
	mu     sync.Mutex
	prices []decimal.Decimal
	goneAt int
}

func (c *scriptedChecker) CheckPrice(_ context.Context, _ string, price decimal.Decimal) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = append(c.prices, price)
	if c.goneAt > 0 && len(c.prices) >= c.goneAt {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (c *scriptedChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prices)
}

type memCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (m *memCache) SetPrice(_ context.Context, i string, p decimal.Decimal, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[i] = p
	return nil
}

func (m *memCache) GetPrice(_ context.Context, i string) (decimal.Decimal, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[i]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (m *memCache) GetPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func TestPriceListenerStopsWhenPositionGone(t *testing.T) {
	dialer := exchangetest.NewDialer()
	checker := &scriptedChecker{goneAt: 2}
	cache := &memCache{prices: map[string]decimal.Decimal{}}
	l := NewPriceListener("BTC-USDT", dialer, checker, cache, Backoff{Min: time.Millisecond}, discard())

	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()

	<-dialer.PriceSubs
	s := dialer.Price("BTC-USDT")
	s.Push(domain.PriceTick{Price: decimal.NewFromInt(101)})
	s.Push(domain.PriceTick{Price: decimal.NewFromInt(102)})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept running")
	}
	if checker.count() != 2 {
		t.Errorf("checks = %d, want 2", checker.count())
	}
	if p, _, _ := cache.GetPrice(context.Background(), "BTC-USDT"); !p.Equal(decimal.NewFromInt(102)) {
		t.Errorf("cached price = %s", p)
	}
	if !s.Closed() {
		t.Error("stream left open")
	}
}

func TestPriceListenerRedialsDroppedStream(t *testing.T) {
	dialer := exchangetest.NewDialer()
	checker := &scriptedChecker{}
	l := NewPriceListener("BTC-USDT", dialer, checker, nil, Backoff{Min: time.Millisecond}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	<-dialer.PriceSubs
	dialer.Price("BTC-USDT").Close()

	select {
	case <-dialer.PriceSubs:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not redialed")
	}
	dialer.Price("BTC-USDT").Push(domain.PriceTick{Price: decimal.NewFromInt(1)})
	deadline := time.After(2 * time.Second)
	for checker.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("tick not checked after redial")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackoff(t *testing.T) {
	b := Backoff{Min: 2 * time.Second, Max: 10 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("step %d: got %s, want %s", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != 2*time.Second {
		t.Fatalf("after reset got %s", got)
	}
}
