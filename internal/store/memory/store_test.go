package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

func newPosition(accountID int64, instrument string) (*domain.Trade, *domain.Position) {
	trade := &domain.Trade{AccountID: accountID, Instrument: instrument, Side: domain.SideLong, Leverage: 10}
	pos := &domain.Position{
		AccountID:  accountID,
		Instrument: instrument,
		Side:       domain.SideLong,
		Leverage:   10,
		EntryPrice: decimal.NewFromInt(100),
		StopPrice:  decimal.NewFromInt(95),
		Status:     domain.StatusNew,
	}
	return trade, pos
}

func TestPositionCreateRejectsDuplicateInstrument(t *testing.T) {
	ctx := context.Background()
	ps := New().Positions()

	trade, pos := newPosition(1, "BTC-USDT")
	if err := ps.Create(ctx, trade, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if pos.TradeID != trade.ID || pos.Version != 1 {
		t.Fatalf("ids not assigned: trade=%d pos.trade=%d version=%d", trade.ID, pos.TradeID, pos.Version)
	}

	trade2, pos2 := newPosition(1, "BTC-USDT")
	if err := ps.Create(ctx, trade2, pos2); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second Create err = %v, want ErrAlreadyExists", err)
	}

	trade3, pos3 := newPosition(2, "BTC-USDT")
	if err := ps.Create(ctx, trade3, pos3); err != nil {
		t.Fatalf("other account Create: %v", err)
	}
}

func TestPositionUpdateChecksVersion(t *testing.T) {
	ctx := context.Background()
	ps := New().Positions()

	trade, pos := newPosition(1, "ETH-USDT")
	if err := ps.Create(ctx, trade, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}

	stale := *pos
	pos.Status = domain.StatusFilled
	if err := ps.Update(ctx, pos); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if pos.Version != 2 {
		t.Fatalf("version = %d, want 2", pos.Version)
	}

	stale.Status = domain.StatusStop
	if err := ps.Update(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale Update err = %v, want ErrConflict", err)
	}

	got, err := ps.Get(ctx, 1, "ETH-USDT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.StatusFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}
}

func TestCloseKeepsTradeAndChart(t *testing.T) {
	ctx := context.Background()
	s := New()
	ps, ts := s.Positions(), s.Trades()

	trade, pos := newPosition(1, "SOL-USDT")
	if err := ps.Create(ctx, trade, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ts.SetChart(ctx, trade.ID, "charts/1.png"); err != nil {
		t.Fatalf("SetChart: %v", err)
	}

	final := *trade
	final.Absorb(*pos, "STOP_LOSS", time.Now())
	if err := ps.Close(ctx, *pos, final); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := ps.Get(ctx, 1, "SOL-USDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("position still present: %v", err)
	}
	got, err := ts.Get(ctx, trade.ID)
	if err != nil {
		t.Fatalf("trade Get: %v", err)
	}
	if got.Result != "STOP_LOSS" || got.ChartKey != "charts/1.png" || got.Open() {
		t.Fatalf("unexpected trade %+v", got)
	}
}

func TestTradeListWindow(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	var clock time.Time
	s.SetClock(func() time.Time { return clock })

	for i, inst := range []string{"A-USDT", "B-USDT", "C-USDT"} {
		clock = base.AddDate(0, 0, i*20)
		trade, pos := newPosition(1, inst)
		if err := s.Positions().Create(ctx, trade, pos); err != nil {
			t.Fatalf("Create %s: %v", inst, err)
		}
	}

	since := base
	until := base.AddDate(0, 1, 0).Add(-time.Nanosecond)
	tests := []struct {
		name string
		opts domain.ListOpts
		want []string
	}{
		{"all", domain.ListOpts{}, []string{"C-USDT", "B-USDT", "A-USDT"}},
		{"september", domain.ListOpts{Since: &since, Until: &until}, []string{"B-USDT", "A-USDT"}},
		{"paged", domain.ListOpts{Limit: 1, Offset: 1}, []string{"B-USDT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Trades().ListByAccount(ctx, 1, tt.opts)
			if err != nil {
				t.Fatalf("ListByAccount: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d trades, want %d", len(got), len(tt.want))
			}
			for i, tr := range got {
				if tr.Instrument != tt.want[i] {
					t.Fatalf("trade %d = %s, want %s", i, tr.Instrument, tt.want[i])
				}
			}
		})
	}
}

func TestEventBusFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewEventBus()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Publish(ctx, domain.LifecycleEvent{AccountID: 1, Instrument: "BTC-USDT", Event: "on_fill"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Event != "on_fill" {
			t.Fatalf("event = %s", ev.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel not closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestEventBusRecent(t *testing.T) {
	ctx := context.Background()
	bus := NewEventBus()
	for _, name := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, domain.LifecycleEvent{Event: name}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	tests := []struct {
		n    int64
		want []string
	}{
		{2, []string{"c", "b"}},
		{10, []string{"c", "b", "a"}},
		{0, nil},
	}
	for _, tc := range tests {
		got, err := bus.Recent(ctx, tc.n)
		if err != nil {
			t.Fatalf("Recent(%d): %v", tc.n, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("Recent(%d) returned %d events, want %d", tc.n, len(got), len(tc.want))
		}
		for i, ev := range got {
			if ev.Event != tc.want[i] {
				t.Errorf("Recent(%d)[%d] = %s, want %s", tc.n, i, ev.Event, tc.want[i])
			}
		}
	}
}
