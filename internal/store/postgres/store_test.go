package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/crypto"
	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// These tests need a disposable database:
//
//	TB_TEST_POSTGRES_DSN=postgres://tb:tb@localhost:5432/tb_test?sslmode=disable go test ./internal/store/postgres/
const dsnEnv = "TB_TEST_POSTGRES_DSN"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	positions *PositionStore
	trades    *TradeStore
	accountID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	ctx := context.Background()
	client, err := New(ctx, ClientConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if err := client.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	box, err := crypto.NewSecretBox("test-password", "test-salt", 1000)
	if err != nil {
		t.Fatalf("secret box: %v", err)
	}
	acc := &domain.Account{
		Name:        fmt.Sprintf("store-test-%d", time.Now().UnixNano()),
		Venue:       domain.VenueBingX,
		APIKey:      "key",
		SecretKey:   "secret",
		RiskPercent: d("1"),
		Deposit:     d("1000"),
	}
	if err := NewAccountStore(client.Pool(), box).Create(ctx, acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	t.Cleanup(func() {
		_, _ = client.Pool().Exec(context.Background(), `DELETE FROM accounts WHERE id = $1`, acc.ID)
	})
	return &fixture{
		positions: NewPositionStore(client.Pool()),
		trades:    NewTradeStore(client.Pool()),
		accountID: acc.ID,
	}
}

func (f *fixture) create(t *testing.T, instrument string) (domain.Trade, domain.Position) {
	t.Helper()
	trade := domain.Trade{
		AccountID: f.accountID, Instrument: instrument, Side: domain.SideLong, Leverage: 10,
		RiskPercent: d("1"), RiskUSD: d("10"), Volume: d("2"),
	}
	adverse, near := d("90"), d("110")
	pos := domain.Position{
		AccountID: f.accountID, Instrument: instrument, Side: domain.SideLong, Leverage: 10,
		EntryPrice: d("100"), StopPrice: d("95"),
		TakeProfitPrices: []decimal.Decimal{d("110"), d("120")},
		CancelLevels:     domain.NewCancelLevels(&adverse, &near),
		PrimaryVolume:    d("2"),
		Status:           domain.StatusNew,
		MoveStopAfter:    1,
	}
	if err := f.positions.Create(context.Background(), &trade, &pos); err != nil {
		t.Fatalf("create position: %v", err)
	}
	return trade, pos
}

func TestPositionUpdateRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pos := f.create(t, "BTC-USDT")
	if pos.Version != 1 {
		t.Fatalf("initial version = %d, want 1", pos.Version)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos.ServerPositionID = "srv-1"
	pos.EntryPrice = d("101.5")
	pos.StopPrice = d("95.5")
	pos.TakeProfitPrices = []decimal.Decimal{d("111"), d("121")}
	pos.CurrentVolume = d("1")
	pos.MaxHeldVolume = d("2")
	pos.PrimaryVolume = d("2")
	pos.Status = domain.StatusTakeProfit
	pos.Breakeven = true
	pos.MoveStopAfter = 0
	pos.TakeProfitsFilled = 1
	pos.UnreportedExitVolume = d("0.5")
	pos.PnLUSD = d("19")
	pos.CommissionUSD = d("-0.2")
	pos.StartTime = &start
	pos.RecordFill(start, domain.FillPrimary, d("101.5"), d("2"))
	pos.RecordFill(start.Add(time.Minute), domain.FillTakeProfit, d("111"), d("1"))
	if err := f.positions.Update(ctx, &pos); err != nil {
		t.Fatalf("update: %v", err)
	}
	if pos.Version != 2 {
		t.Fatalf("version = %d, want 2", pos.Version)
	}

	got, err := f.positions.Get(ctx, f.accountID, "BTC-USDT")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decimals := []struct {
		name      string
		got, want decimal.Decimal
	}{
		{"entry price", got.EntryPrice, pos.EntryPrice},
		{"stop price", got.StopPrice, pos.StopPrice},
		{"primary volume", got.PrimaryVolume, pos.PrimaryVolume},
		{"current volume", got.CurrentVolume, pos.CurrentVolume},
		{"max held volume", got.MaxHeldVolume, pos.MaxHeldVolume},
		{"unreported exit volume", got.UnreportedExitVolume, pos.UnreportedExitVolume},
		{"pnl", got.PnLUSD, pos.PnLUSD},
		{"commission", got.CommissionUSD, pos.CommissionUSD},
	}
	for _, c := range decimals {
		if !c.got.Equal(c.want) {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
	if got.ServerPositionID != "srv-1" || got.Status != domain.StatusTakeProfit || !got.Breakeven ||
		got.MoveStopAfter != 0 || got.TakeProfitsFilled != 1 || got.Version != 2 {
		t.Errorf("scalar fields = %+v", got)
	}
	if len(got.TakeProfitPrices) != 2 || !got.TakeProfitPrices[0].Equal(d("111")) || !got.TakeProfitPrices[1].Equal(d("121")) {
		t.Errorf("take profits = %v", got.TakeProfitPrices)
	}
	adverse, near := got.CancelLevels[domain.CancelAdverse], got.CancelLevels[domain.CancelNearTarget]
	if !adverse.Valid || !adverse.Decimal.Equal(d("90")) || !near.Valid || !near.Decimal.Equal(d("110")) {
		t.Errorf("cancel levels = %+v", got.CancelLevels)
	}
	if len(got.FillHistory) != 2 || got.FillHistory[1].Kind != domain.FillTakeProfit || !got.FillHistory[1].Volume.Equal(d("1")) {
		t.Errorf("fill history = %+v", got.FillHistory)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("start time = %v", got.StartTime)
	}

	stale := pos
	stale.Version = 1
	if err := f.positions.Update(ctx, &stale); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
}

func TestPositionCreateDuplicate(t *testing.T) {
	f := newFixture(t)
	f.create(t, "ETH-USDT")

	trade := domain.Trade{AccountID: f.accountID, Instrument: "ETH-USDT", Side: domain.SideLong, Leverage: 5}
	pos := domain.Position{AccountID: f.accountID, Instrument: "ETH-USDT", Side: domain.SideLong, Leverage: 5, Status: domain.StatusNew}
	err := f.positions.Create(context.Background(), &trade, &pos)
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	trades, err := f.trades.ListByAccount(context.Background(), f.accountID, domain.ListOpts{})
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1: the failed create must not leave a trade", len(trades))
	}
}

func TestPositionCloseAndDiscard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trade, pos := f.create(t, "SOL-USDT")
	end := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	start := end.Add(-time.Hour)
	pos.StartTime = &start
	pos.MaxHeldVolume = d("2")
	pos.PnLUSD = d("-10")
	pos.CommissionUSD = d("-0.08")
	trade.Absorb(pos, string(domain.StatusStop), end)
	if err := f.positions.Close(ctx, pos, trade); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.positions.Get(ctx, f.accountID, "SOL-USDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("position after close: err = %v", err)
	}
	stored, err := f.trades.Get(ctx, trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if stored.Result != string(domain.StatusStop) || !stored.PnLUSD.Equal(d("-10")) || stored.EndTime == nil || !stored.EndTime.Equal(end) {
		t.Fatalf("closed trade = %+v", stored)
	}

	// A second close finds no position and must not touch the trade.
	again := trade
	again.Result = "OVERWRITTEN"
	if err := f.positions.Close(ctx, pos, again); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second close err = %v, want ErrNotFound", err)
	}
	if stored, _ = f.trades.Get(ctx, trade.ID); stored.Result != string(domain.StatusStop) {
		t.Fatalf("rolled back close changed the trade: result=%s", stored.Result)
	}

	dtrade, dpos := f.create(t, "XRP-USDT")
	if err := f.positions.Discard(ctx, dpos); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := f.positions.Get(ctx, f.accountID, "XRP-USDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("position after discard: err = %v", err)
	}
	if _, err := f.trades.Get(ctx, dtrade.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("trade after discard: err = %v", err)
	}
}
