// Package exchangetest provides an in-memory Gateway and streams for tests.
package exchangetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// ErrInjected is returned by calls configured to fail.
var ErrInjected = errors.New("exchangetest: injected failure")

// Gateway records every call and keeps placed orders open until cancelled.
type Gateway struct {
	mu sync.Mutex

	nextID    int
	open      map[string]domain.Order
	Placed    []domain.OrderRequest
	Cancelled []string

	FailPlace  map[domain.OrderType]error
	FailCancel error
	FailOpen   error

	Prec      domain.Precision
	MaxLev    domain.MaxLeverage
	Bal       domain.Balance
	Server    []domain.ServerPosition
	History   []domain.Order
	Leverage  map[string]int
	ListenKey string
	Extended  int
}

var _ domain.Gateway = (*Gateway)(nil)

// NewGateway returns a Gateway with precision 0, leverage up to 100 and
// 10000 available margin.
func NewGateway() *Gateway {
	return &Gateway{
		open:      make(map[string]domain.Order),
		FailPlace: make(map[domain.OrderType]error),
		MaxLev:    domain.MaxLeverage{Long: 100, Short: 100},
		Bal:       domain.Balance{Equity: decimal.NewFromInt(10000), Available: decimal.NewFromInt(10000)},
		Leverage:  make(map[string]int),
		ListenKey: "listen-key",
	}
}

func (g *Gateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.FailPlace[req.Type]; err != nil {
		return "", err
	}
	g.nextID++
	id := fmt.Sprintf("o%d", g.nextID)
	g.Placed = append(g.Placed, req)
	if req.Type != domain.OrderTypeMarket {
		g.open[id] = domain.Order{
			ID:           id,
			Instrument:   req.Instrument,
			Type:         req.Type,
			Status:       domain.OrderStatusNew,
			Side:         req.Side,
			PositionSide: req.PositionSide,
			Quantity:     req.Quantity,
			Price:        req.Price,
			StopPrice:    req.StopPrice,
		}
	}
	return id, nil
}

func (g *Gateway) CancelOrder(_ context.Context, orderID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailCancel != nil {
		return g.FailCancel
	}
	if _, ok := g.open[orderID]; !ok {
		return fmt.Errorf("exchangetest: order %s: %w", orderID, domain.ErrNotFound)
	}
	delete(g.open, orderID)
	g.Cancelled = append(g.Cancelled, orderID)
	return nil
}

func (g *Gateway) OpenOrders(_ context.Context, instrument string) ([]domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailOpen != nil {
		return nil, g.FailOpen
	}
	var out []domain.Order
	for _, o := range g.open {
		if instrument == "" || o.Instrument == instrument {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetOrderStatus changes the status of an open order.
func (g *Gateway) SetOrderStatus(id string, status domain.OrderStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.open[id]; ok {
		o.Status = status
		g.open[id] = o
	}
}

// RemoveOpen drops an order as if it had executed.
func (g *Gateway) RemoveOpen(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, id)
}

// OpenOfType lists open orders of one type.
func (g *Gateway) OpenOfType(t domain.OrderType) []domain.Order {
	orders, _ := g.OpenOrders(context.Background(), "")
	var out []domain.Order
	for _, o := range orders {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

// PlacedOfType lists placement requests of one type.
func (g *Gateway) PlacedOfType(t domain.OrderType) []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.OrderRequest
	for _, r := range g.Placed {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// CancelledCount returns how many orders were cancelled.
func (g *Gateway) CancelledCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Cancelled)
}

func (g *Gateway) CurrentPositions(context.Context) ([]domain.ServerPosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.ServerPosition(nil), g.Server...), nil
}

func (g *Gateway) OrderHistory(_ context.Context, instrument string, start, end time.Time) ([]domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Order
	for _, o := range g.History {
		if o.Instrument != instrument {
			continue
		}
		if !o.UpdatedAt.IsZero() && (o.UpdatedAt.Before(start) || o.UpdatedAt.After(end)) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (g *Gateway) ContractPrecision(context.Context, string) (domain.Precision, error) {
	return g.Prec, nil
}

func (g *Gateway) MaxLeverage(context.Context, string) (domain.MaxLeverage, error) {
	return g.MaxLev, nil
}

func (g *Gateway) ChangeLeverage(_ context.Context, instrument string, _ domain.Side, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Leverage[instrument] = leverage
	return nil
}

func (g *Gateway) ChangeMarginMode(context.Context, string, domain.MarginMode) error {
	return nil
}

func (g *Gateway) Balance(context.Context) (domain.Balance, error) {
	return g.Bal, nil
}

func (g *Gateway) CreateListenKey(context.Context) (string, error) {
	return g.ListenKey, nil
}

func (g *Gateway) ExtendListenKey(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Extended++
	return nil
}

// SetServer replaces the server-side positions.
func (g *Gateway) SetServer(positions ...domain.ServerPosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Server = positions
}

// SetHistory replaces the order history.
func (g *Gateway) SetHistory(orders ...domain.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.History = orders
}
