package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/store/memory"
)

type capturedPut struct {
	contentType string
	body        []byte
}

type fakePutter struct {
	puts map[string]capturedPut
}

func (f *fakePutter) PutStream(_ context.Context, path string, data io.Reader, contentType string, _ int64) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.puts[path] = capturedPut{contentType: contentType, body: body}
	return nil
}

func lines(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad jsonl line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestArchiveMonthWritesClosedTrades(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return clock })

	open := func(inst string) (*domain.Trade, *domain.Position) {
		tr := &domain.Trade{AccountID: 3, Instrument: inst, Side: domain.SideShort, Leverage: 5}
		pos := &domain.Position{
			AccountID:  3,
			Instrument: inst,
			Side:       domain.SideShort,
			Leverage:   5,
			EntryPrice: decimal.NewFromInt(10),
			StopPrice:  decimal.NewFromInt(11),
			Status:     domain.StatusNew,
		}
		if err := store.Positions().Create(ctx, tr, pos); err != nil {
			t.Fatalf("Create %s: %v", inst, err)
		}
		return tr, pos
	}

	tr, pos := open("DOGE-USDT")
	pos.PnLUSD = decimal.RequireFromString("-1.5")
	final := *tr
	final.Absorb(*pos, "STOP", clock.Add(time.Hour))
	if err := store.Positions().Close(ctx, *pos, final); err != nil {
		t.Fatalf("Close: %v", err)
	}
	open("XRP-USDT") // still open, not archived

	if err := store.Audit().Log(ctx, domain.AuditEntry{AccountID: 3, Instrument: "DOGE-USDT", Event: "on_stop"}); err != nil {
		t.Fatalf("Log: %v", err)
	}

	putter := &fakePutter{puts: map[string]capturedPut{}}
	a := NewArchiver(putter, store.Trades(), store.Audit(), nil)

	res, err := a.ArchiveMonth(ctx, 3, time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ArchiveMonth: %v", err)
	}
	if res.TradesPath != "archive/3/trades/2026-09.jsonl" || res.AuditPath != "archive/3/audit/2026-09.jsonl" {
		t.Fatalf("unexpected paths %+v", res)
	}
	if res.Trades != 1 || res.Audit != 1 {
		t.Fatalf("counts = %d trades, %d audit; want 1, 1", res.Trades, res.Audit)
	}

	tradesPut := putter.puts[res.TradesPath]
	if tradesPut.contentType != "application/x-ndjson" {
		t.Fatalf("content type = %q", tradesPut.contentType)
	}
	rows := lines(t, tradesPut.body)
	if len(rows) != 1 || rows[0]["instrument"] != "DOGE-USDT" || rows[0]["pnl_usd"] != "-1.5" {
		t.Fatalf("unexpected trade rows %v", rows)
	}
	if rows := lines(t, putter.puts[res.AuditPath].body); len(rows) != 1 || rows[0]["event"] != "on_stop" {
		t.Fatalf("unexpected audit rows %v", rows)
	}
}

func TestArchiveMonthOtherMonthIsEmpty(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	putter := &fakePutter{puts: map[string]capturedPut{}}
	a := NewArchiver(putter, store.Trades(), store.Audit(), nil)

	res, err := a.ArchiveMonth(ctx, 9, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ArchiveMonth: %v", err)
	}
	if res.Trades != 0 || res.Audit != 0 {
		t.Fatalf("counts = %+v, want zero", res)
	}
	if _, ok := putter.puts[res.TradesPath]; !ok {
		t.Fatal("empty trades file not written")
	}
}
