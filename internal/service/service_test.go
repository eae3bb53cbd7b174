package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/store/memory"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *memBlobs) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func seedTrade(t *testing.T, store *memory.Store, accountID int64, inst string, side domain.Side) (*domain.Trade, *domain.Position) {
	t.Helper()
	tr := &domain.Trade{AccountID: accountID, Instrument: inst, Side: side, Leverage: 10}
	pos := &domain.Position{
		AccountID:  accountID,
		Instrument: inst,
		Side:       side,
		Leverage:   10,
		EntryPrice: decimal.NewFromInt(100),
		StopPrice:  decimal.NewFromInt(90),
		Status:     domain.StatusNew,
	}
	if err := store.Positions().Create(context.Background(), tr, pos); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr, pos
}

func TestChartAttachAndReplace(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blobs := newMemBlobs()
	svc := NewChartService(store.Trades(), store.Audit(), ChartBlobs{Writer: blobs, Reader: blobs, Deleter: blobs}, nil)
	tr, _ := seedTrade(t, store, 4, "BTC-USDT", domain.SideLong)

	first, err := svc.Attach(ctx, tr.ID, bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !strings.HasPrefix(first, "charts/4/") || !strings.HasSuffix(first, ".png") {
		t.Fatalf("key = %q", first)
	}
	if blobs.types[first] != "image/png" {
		t.Fatalf("content type = %q", blobs.types[first])
	}

	second, err := svc.Attach(ctx, tr.ID, bytes.NewReader(pngHeader))
	if err != nil {
		t.Fatalf("second Attach: %v", err)
	}
	if ok, _ := blobs.Exists(ctx, first); ok {
		t.Fatal("previous chart not deleted")
	}

	body, err := svc.Open(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer body.Close()
	got, _ := io.ReadAll(body)
	if !bytes.Equal(got, pngHeader) {
		t.Fatalf("chart body mismatch")
	}
	stored, _ := store.Trades().Get(ctx, tr.ID)
	if stored.ChartKey != second {
		t.Fatalf("chart key = %q, want %q", stored.ChartKey, second)
	}
}

func TestChartAttachRejects(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blobs := newMemBlobs()
	svc := NewChartService(store.Trades(), nil, ChartBlobs{Writer: blobs, Reader: blobs}, nil)
	tr, _ := seedTrade(t, store, 1, "ETH-USDT", domain.SideLong)

	tests := []struct {
		name    string
		tradeID int64
		body    []byte
		reject  bool
		missing bool
	}{
		{"empty", tr.ID, nil, true, false},
		{"text", tr.ID, []byte("hello world"), true, false},
		{"too large", tr.ID, append(append([]byte{}, pngHeader...), make([]byte, MaxChartSize)...), true, false},
		{"unknown trade", 999, pngHeader, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Attach(ctx, tt.tradeID, bytes.NewReader(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.IsRejection(err) != tt.reject {
				t.Fatalf("rejection = %v, want %v (%v)", domain.IsRejection(err), tt.reject, err)
			}
			if errors.Is(err, domain.ErrNotFound) != tt.missing {
				t.Fatalf("not found = %v, want %v (%v)", errors.Is(err, domain.ErrNotFound), tt.missing, err)
			}
		})
	}
	if len(blobs.objects) != 0 {
		t.Fatalf("rejected uploads stored %d objects", len(blobs.objects))
	}
}

func TestPositionListWithPrices(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	acc := &domain.Account{Name: "main", Venue: domain.VenueBingX}
	if err := store.Accounts().Create(ctx, acc); err != nil {
		t.Fatalf("Create account: %v", err)
	}
	_, long := seedTrade(t, store, acc.ID, "BTC-USDT", domain.SideLong)
	_, short := seedTrade(t, store, acc.ID, "ETH-USDT", domain.SideShort)
	seedTrade(t, store, acc.ID, "SOL-USDT", domain.SideLong)

	for _, p := range []*domain.Position{long, short} {
		p.Status = domain.StatusFilled
		p.SetVolume(decimal.NewFromInt(2))
		if err := store.Positions().Update(ctx, p); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	prices := memory.NewPriceCache()
	now := time.Now()
	_ = prices.SetPrice(ctx, "BTC-USDT", decimal.NewFromInt(110), now)
	_ = prices.SetPrice(ctx, "ETH-USDT", decimal.NewFromInt(110), now)

	svc := NewPositionService(store.Accounts(), store.Positions(), prices, nil)
	views, err := svc.List(ctx, acc.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("got %d views, want 3", len(views))
	}

	want := map[string]string{"BTC-USDT": "20", "ETH-USDT": "-20", "SOL-USDT": "0"}
	for _, v := range views {
		if got := v.UnrealizedUSD.String(); got != want[v.Instrument] {
			t.Errorf("%s unrealized = %s, want %s", v.Instrument, got, want[v.Instrument])
		}
		if v.Instrument == "SOL-USDT" && v.LastPrice != nil {
			t.Errorf("SOL-USDT has unexpected price %s", v.LastPrice)
		}
	}

	if _, err := svc.List(ctx, 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown account err = %v", err)
	}
}
