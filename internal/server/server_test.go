package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
	"github.com/alanyoungcy/tradingbuddy/internal/exchange"
	"github.com/alanyoungcy/tradingbuddy/internal/exchange/exchangetest"
	"github.com/alanyoungcy/tradingbuddy/internal/server/handler"
	"github.com/alanyoungcy/tradingbuddy/internal/service"
	"github.com/alanyoungcy/tradingbuddy/internal/session"
	"github.com/alanyoungcy/tradingbuddy/internal/store/memory"
)

type blobMap struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *blobMap) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	return nil
}

func (b *blobMap) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *blobMap) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func (b *blobMap) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, path)
	return nil
}

type fixture struct {
	store   *memory.Store
	prices  *memory.PriceCache
	handler http.Handler
	account domain.Account
	trade   domain.Trade
}

func newFixture(t *testing.T, cfg Config, checks map[string]handler.Check) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	prices := memory.NewPriceCache()

	acc := domain.Account{Name: "main", Venue: domain.VenueBingX, APIKey: "k", SecretKey: "s"}
	if err := store.Accounts().Create(ctx, &acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	tr := &domain.Trade{AccountID: acc.ID, Instrument: "BTC-USDT", Side: domain.SideLong, Leverage: 5}
	pos := &domain.Position{
		AccountID:     acc.ID,
		Instrument:    "BTC-USDT",
		Side:          domain.SideLong,
		Leverage:      5,
		EntryPrice:    decimal.NewFromInt(100),
		StopPrice:     decimal.NewFromInt(95),
		CurrentVolume: decimal.NewFromInt(2),
		MaxHeldVolume: decimal.NewFromInt(2),
		Status:        domain.StatusFilled,
	}
	if err := store.Positions().Create(ctx, tr, pos); err != nil {
		t.Fatalf("create position: %v", err)
	}
	if err := prices.SetPrice(ctx, "BTC-USDT", decimal.NewFromInt(110), time.Now()); err != nil {
		t.Fatalf("set price: %v", err)
	}

	blobs := &blobMap{objects: map[string][]byte{}}
	charts := service.NewChartService(store.Trades(), store.Audit(),
		service.ChartBlobs{Writer: blobs, Reader: blobs, Deleter: blobs}, logger)
	positions := service.NewPositionService(store.Accounts(), store.Positions(), prices, logger)

	h := Routes(cfg, Handlers{
		Health:    handler.NewHealthHandler(checks, logger),
		Positions: handler.NewPositionHandler(positions, logger),
		Trades:    handler.NewTradeHandler(store.Trades(), charts, logger),
	}, logger)
	return &fixture{store: store, prices: prices, handler: h, account: acc, trade: *tr}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]handler.Check
		want   int
	}{
		{"no checks", nil, http.StatusOK},
		{"all up", map[string]handler.Check{"postgres": func(context.Context) error { return nil }}, http.StatusOK},
		{"one down", map[string]handler.Check{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("refused") },
		}, http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{APIKey: "secret"}, tc.checks)
			rec := f.do(t, http.MethodGet, "/api/health", nil, nil)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
		})
	}
}

func TestAuthAndMetrics(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"}, nil)

	if rec := f.do(t, http.MethodGet, "/metrics", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	} else if !strings.Contains(rec.Body.String(), "tb_") {
		t.Fatalf("metrics body lacks tb_ series")
	}

	path := "/api/accounts/1/positions"
	if rec := f.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, path, nil, map[string]string{"X-API-Key": "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": "Bearer secret"}); rec.Code != http.StatusOK {
		t.Fatalf("bearer: status = %d", rec.Code)
	}
}

func TestListPositions(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(t, http.MethodGet, "/api/accounts/1/positions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Positions []struct {
			Instrument    string          `json:"instrument"`
			Status        string          `json:"status"`
			LastPrice     decimal.Decimal `json:"last_price"`
			UnrealizedUSD decimal.Decimal `json:"unrealized_usd"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(body.Positions))
	}
	p := body.Positions[0]
	if p.Instrument != "BTC-USDT" || p.Status != string(domain.StatusFilled) {
		t.Fatalf("unexpected position %+v", p)
	}
	if !p.LastPrice.Equal(decimal.NewFromInt(110)) || !p.UnrealizedUSD.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("last=%s unrealized=%s, want 110 and 20", p.LastPrice, p.UnrealizedUSD)
	}

	for path, want := range map[string]int{
		"/api/accounts/99/positions":  http.StatusNotFound,
		"/api/accounts/abc/positions": http.StatusBadRequest,
	} {
		if rec := f.do(t, http.MethodGet, path, nil, nil); rec.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestChartRoundTrip(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

	path := "/api/trades/" + jsonInt(f.trade.ID) + "/chart"
	if rec := f.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get before upload: status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, path, bytes.NewReader(png), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: status = %d: %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, path, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), png) {
		t.Fatalf("chart body differs")
	}

	rec = f.do(t, http.MethodPost, path, strings.NewReader("plain text"), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("text upload: status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/accounts/1/trades", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"has_chart":true`) {
		t.Fatalf("trades: status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1}, nil)

	var limited bool
	for range 5 {
		if rec := f.do(t, http.MethodGet, "/api/health", nil, nil); rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected a 429 within five requests")
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type fakeConnector struct{ accept bool }

func (c fakeConnector) Venue() domain.Venue                   { return domain.VenueBingX }
func (c fakeConnector) Gateway(domain.Account) domain.Gateway { return nil }
func (c fakeConnector) Streams() domain.StreamDialer          { return nil }
func (c fakeConnector) ValidateCredentials(context.Context, string, string) (bool, error) {
	return c.accept, nil
}

type fakeVenues struct{ conn domain.VenueConnector }

func (v fakeVenues) Connector(venue domain.Venue) (domain.VenueConnector, error) {
	if venue != domain.VenueBingX {
		return nil, domain.ErrNotFound
	}
	return v.conn, nil
}

func TestCreateAccount(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name   string
		accept bool
		body   string
		want   int
	}{
		{"accepted", true, `{"name":"swing","api_key":"a","secret_key":"b","risk_percent":"1","deposit":"1000"}`, http.StatusCreated},
		{"rejected credentials", false, `{"name":"swing","api_key":"a","secret_key":"b"}`, http.StatusUnprocessableEntity},
		{"missing secret", true, `{"name":"swing","api_key":"a"}`, http.StatusBadRequest},
		{"unknown venue", true, `{"name":"swing","venue":"okx","api_key":"a","secret_key":"b"}`, http.StatusBadRequest},
		{"unknown field", true, `{"name":"swing","api_key":"a","secret_key":"b","extra":1}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			h := Routes(Config{}, Handlers{
				Health:    handler.NewHealthHandler(nil, logger),
				Positions: handler.NewPositionHandler(service.NewPositionService(store.Accounts(), store.Positions(), nil, logger), logger),
				Trades:    handler.NewTradeHandler(store.Trades(), nil, logger),
				Accounts:  handler.NewAccountHandler(store.Accounts(), fakeVenues{fakeConnector{accept: tc.accept}}, nil, logger),
			}, logger)

			req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}
			if tc.want != http.StatusCreated {
				return
			}
			if strings.Contains(rec.Body.String(), `"b"`) {
				t.Fatalf("response leaks the secret: %s", rec.Body)
			}
			accounts, _ := store.Accounts().List(context.Background())
			if len(accounts) != 1 || accounts[0].SecretKey != "b" {
				t.Fatalf("stored accounts = %+v", accounts)
			}
		})
	}
}

type removedSessions struct{ ids []int64 }

func (r *removedSessions) Remove(id int64) { r.ids = append(r.ids, id) }

func TestUpdateCredentials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name    string
		accept  bool
		path    string
		body    string
		want    int
		rotated bool
	}{
		{"accepted", true, "/api/accounts/1/credentials", `{"api_key":"new","secret_key":"fresh"}`, http.StatusNoContent, true},
		{"rejected credentials", false, "/api/accounts/1/credentials", `{"api_key":"new","secret_key":"fresh"}`, http.StatusUnprocessableEntity, false},
		{"missing secret", true, "/api/accounts/1/credentials", `{"api_key":"new"}`, http.StatusBadRequest, false},
		{"unknown account", true, "/api/accounts/9/credentials", `{"api_key":"new","secret_key":"fresh"}`, http.StatusNotFound, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.New()
			acc := domain.Account{Name: "main", Venue: domain.VenueBingX, APIKey: "old", SecretKey: "stale"}
			if err := store.Accounts().Create(ctx, &acc); err != nil {
				t.Fatalf("create account: %v", err)
			}
			sessions := &removedSessions{}
			h := Routes(Config{}, Handlers{
				Health:    handler.NewHealthHandler(nil, logger),
				Positions: handler.NewPositionHandler(service.NewPositionService(store.Accounts(), store.Positions(), nil, logger), logger),
				Trades:    handler.NewTradeHandler(store.Trades(), nil, logger),
				Accounts:  handler.NewAccountHandler(store.Accounts(), fakeVenues{fakeConnector{accept: tc.accept}}, sessions, logger),
			}, logger)

			req := httptest.NewRequest(http.MethodPut, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body)
			}

			stored, err := store.Accounts().Get(ctx, acc.ID)
			if err != nil {
				t.Fatalf("get account: %v", err)
			}
			if tc.rotated {
				if stored.APIKey != "new" || stored.SecretKey != "fresh" {
					t.Fatalf("stored credentials = %s/%s", stored.APIKey, stored.SecretKey)
				}
				if len(sessions.ids) != 1 || sessions.ids[0] != acc.ID {
					t.Fatalf("restarted sessions = %v, want [%d]", sessions.ids, acc.ID)
				}
				return
			}
			if stored.APIKey != "old" || len(sessions.ids) != 0 {
				t.Fatalf("credentials changed on a failed rotation: key=%s restarts=%v", stored.APIKey, sessions.ids)
			}
		})
	}
}

func TestPositionOperations(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	acc := domain.Account{
		Name:        "main",
		Venue:       domain.VenueBingX,
		RiskPercent: decimal.NewFromInt(1),
		Deposit:     decimal.NewFromInt(1000),
	}
	if err := store.Accounts().Create(ctx, &acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	conn := exchangetest.NewConnector()
	registry := session.NewRegistry(session.Deps{
		Venues:    exchange.NewRegistry(conn),
		Positions: store.Positions(),
		Trades:    store.Trades(),
		Accounts:  store.Accounts(),
		Audit:     store.Audit(),
		Logger:    logger,
	}, session.Config{})
	t.Cleanup(registry.Close)

	h := Routes(Config{}, Handlers{
		Health:     handler.NewHealthHandler(nil, logger),
		Positions:  handler.NewPositionHandler(service.NewPositionService(store.Accounts(), store.Positions(), nil, logger), logger),
		Trades:     handler.NewTradeHandler(store.Trades(), nil, logger),
		Operations: handler.NewOperationsHandler(registry, logger),
	}, logger)
	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	open := `{"instrument":"btc-usdt","leverage":10,"entry_price":"100","stop_price":"95","take_profits":["110"]}`
	steps := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"preview", http.MethodPost, "/api/accounts/1/positions/preview", open, http.StatusOK},
		{"open", http.MethodPost, "/api/accounts/1/positions", open, http.StatusCreated},
		{"open twice", http.MethodPost, "/api/accounts/1/positions", open, http.StatusConflict},
		{"bad body", http.MethodPost, "/api/accounts/1/positions", `{"instrument":`, http.StatusBadRequest},
		{"stop equals entry", http.MethodPost, "/api/accounts/1/positions",
			`{"instrument":"ETH-USDT","leverage":10,"entry_price":"100","stop_price":"100","take_profits":["110"]}`, http.StatusUnprocessableEntity},
		{"cancel levels", http.MethodPut, "/api/accounts/1/positions/BTC-USDT/cancel-levels", `{"adverse":"90"}`, http.StatusNoContent},
		{"close pending", http.MethodPost, "/api/accounts/1/positions/BTC-USDT/close", "", http.StatusUnprocessableEntity},
		{"cancel", http.MethodDelete, "/api/accounts/1/positions/BTC-USDT", "", http.StatusNoContent},
		{"cancel again", http.MethodDelete, "/api/accounts/1/positions/BTC-USDT", "", http.StatusNotFound},
		{"unknown account", http.MethodPost, "/api/accounts/7/positions", open, http.StatusNotFound},
	}
	for _, st := range steps {
		rec := do(st.method, st.path, st.body)
		if rec.Code != st.want {
			t.Fatalf("%s: status = %d, want %d: %s", st.name, rec.Code, st.want, rec.Body)
		}
	}

	if _, err := store.Positions().Get(ctx, acc.ID, "BTC-USDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("position still stored after cancel: %v", err)
	}
}
