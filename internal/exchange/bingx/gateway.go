package bingx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// REST endpoints of the perpetual swap API.
const (
	pathOrder          = "/openApi/swap/v2/trade/order"
	pathOpenOrders     = "/openApi/swap/v2/trade/openOrders"
	pathAllOrders      = "/openApi/swap/v2/trade/allOrders"
	pathLeverage       = "/openApi/swap/v2/trade/leverage"
	pathMarginType     = "/openApi/swap/v2/trade/marginType"
	pathPositions      = "/openApi/swap/v2/user/positions"
	pathBalance        = "/openApi/swap/v2/user/balance"
	pathContracts      = "/openApi/swap/v2/quote/contracts"
	pathUserDataStream = "/openApi/user/auth/userDataStream"

	workingTypeMark = "MARK_PRICE"
	historyLimit    = 500
)

// Gateway implements domain.Gateway for one BingX account.
type Gateway struct {
	client *Client

	precMu    sync.Mutex
	precision map[string]domain.Precision
}

var _ domain.Gateway = (*Gateway)(nil)

// NewGateway wraps a signed client.
func NewGateway(client *Client) *Gateway {
	return &Gateway{
		client:    client,
		precision: make(map[string]domain.Precision),
	}
}

// PlaceOrder submits an order and returns the venue order id. Attached
// stop-loss and take-profit legs are sent as compact JSON parameters.
func (g *Gateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	params := map[string]string{
		"symbol":        req.Instrument,
		"side":          string(req.Side),
		"positionSide":  string(req.PositionSide),
		"type":          string(req.Type),
		"quantity":      req.Quantity.String(),
		"clientOrderID": req.ClientOrderID,
	}
	if !req.Price.IsZero() {
		params["price"] = req.Price.String()
	}
	if !req.StopPrice.IsZero() {
		params["stopPrice"] = req.StopPrice.String()
	}
	switch req.Type {
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket, domain.OrderTypeTriggerLimit:
		params["workingType"] = workingTypeMark
	}
	if req.StopLoss != nil {
		leg, err := encodeLeg(domain.OrderTypeStopMarket, *req.StopLoss)
		if err != nil {
			return "", err
		}
		params["stopLoss"] = leg
	}
	if req.TakeProfit != nil {
		leg, err := encodeLeg(domain.OrderTypeTakeProfitMarket, *req.TakeProfit)
		if err != nil {
			return "", err
		}
		params["takeProfit"] = leg
	}

	body, err := g.client.post(ctx, pathOrder, params)
	if err != nil {
		return "", fmt.Errorf("bingx: place %s order %s: %w", req.Type, req.Instrument, err)
	}
	var out struct {
		Order struct {
			OrderID apiID `json:"orderId"`
		} `json:"order"`
	}
	if err := decodeData(body, &out); err != nil {
		return "", fmt.Errorf("bingx: decode order response: %w", err)
	}
	return string(out.Order.OrderID), nil
}

func encodeLeg(t domain.OrderType, price decimal.Decimal) (string, error) {
	b, err := json.Marshal(protectiveLeg{
		Type:        string(t),
		StopPrice:   price.String(),
		Price:       price.String(),
		WorkingType: workingTypeMark,
	})
	if err != nil {
		return "", fmt.Errorf("bingx: encode %s leg: %w", t, err)
	}
	return string(b), nil
}

// CancelOrder cancels one order.
func (g *Gateway) CancelOrder(ctx context.Context, orderID, instrument string) error {
	_, err := g.client.del(ctx, pathOrder, map[string]string{
		"orderId": orderID,
		"symbol":  instrument,
	})
	if err != nil {
		return fmt.Errorf("bingx: cancel order %s: %w", orderID, err)
	}
	return nil
}

// OpenOrders lists open orders of instrument.
func (g *Gateway) OpenOrders(ctx context.Context, instrument string) ([]domain.Order, error) {
	body, err := g.client.get(ctx, pathOpenOrders, map[string]string{"symbol": instrument})
	if err != nil {
		return nil, fmt.Errorf("bingx: open orders %s: %w", instrument, err)
	}
	return decodeOrders(body)
}

// OrderHistory lists orders of instrument updated within [start, end].
func (g *Gateway) OrderHistory(ctx context.Context, instrument string, start, end time.Time) ([]domain.Order, error) {
	body, err := g.client.get(ctx, pathAllOrders, map[string]string{
		"symbol":    instrument,
		"startTime": formatInt(start.UnixMilli()),
		"endTime":   formatInt(end.UnixMilli()),
		"limit":     strconv.Itoa(historyLimit),
	})
	if err != nil {
		return nil, fmt.Errorf("bingx: order history %s: %w", instrument, err)
	}
	return decodeOrders(body)
}

func decodeOrders(body []byte) ([]domain.Order, error) {
	var out struct {
		Orders []APIOrder `json:"orders"`
	}
	if err := decodeData(body, &out); err != nil {
		return nil, fmt.Errorf("bingx: decode orders: %w", err)
	}
	orders := make([]domain.Order, 0, len(out.Orders))
	for _, o := range out.Orders {
		orders = append(orders, o.ToDomainOrder())
	}
	return orders, nil
}

// CurrentPositions lists every position the venue holds for the account.
func (g *Gateway) CurrentPositions(ctx context.Context) ([]domain.ServerPosition, error) {
	body, err := g.client.get(ctx, pathPositions, nil)
	if err != nil {
		return nil, fmt.Errorf("bingx: positions: %w", err)
	}
	var raw []APIPosition
	if err := decodeData(body, &raw); err != nil {
		return nil, fmt.Errorf("bingx: decode positions: %w", err)
	}
	out := make([]domain.ServerPosition, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.ToDomainServerPosition())
	}
	return out, nil
}

// ContractPrecision returns the quantity and price precision of
// instrument. Results are cached for the life of the gateway.
func (g *Gateway) ContractPrecision(ctx context.Context, instrument string) (domain.Precision, error) {
	g.precMu.Lock()
	p, ok := g.precision[instrument]
	g.precMu.Unlock()
	if ok {
		return p, nil
	}

	body, err := g.client.get(ctx, pathContracts, map[string]string{"symbol": instrument})
	if err != nil {
		return domain.Precision{}, fmt.Errorf("bingx: contract %s: %w", instrument, err)
	}
	var contracts []APIContract
	if err := decodeData(body, &contracts); err != nil {
		return domain.Precision{}, fmt.Errorf("bingx: decode contract: %w", err)
	}
	for _, c := range contracts {
		if c.Symbol != instrument {
			continue
		}
		p = domain.Precision{Quantity: c.QuantityPrecision, Price: c.PricePrecision}
		g.precMu.Lock()
		g.precision[instrument] = p
		g.precMu.Unlock()
		return p, nil
	}
	return domain.Precision{}, fmt.Errorf("bingx: contract %s: %w", instrument, domain.ErrNotFound)
}

// MaxLeverage returns the per-side leverage ceiling of instrument.
func (g *Gateway) MaxLeverage(ctx context.Context, instrument string) (domain.MaxLeverage, error) {
	body, err := g.client.get(ctx, pathLeverage, map[string]string{"symbol": instrument})
	if err != nil {
		return domain.MaxLeverage{}, fmt.Errorf("bingx: leverage %s: %w", instrument, err)
	}
	var lev APILeverage
	if err := decodeData(body, &lev); err != nil {
		return domain.MaxLeverage{}, fmt.Errorf("bingx: decode leverage: %w", err)
	}
	return domain.MaxLeverage{Long: lev.MaxLongLeverage, Short: lev.MaxShortLeverage}, nil
}

// ChangeLeverage sets the leverage of one side of instrument.
func (g *Gateway) ChangeLeverage(ctx context.Context, instrument string, side domain.Side, leverage int) error {
	_, err := g.client.post(ctx, pathLeverage, map[string]string{
		"symbol":   instrument,
		"side":     string(side),
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("bingx: change leverage %s: %w", instrument, err)
	}
	return nil
}

// ChangeMarginMode switches the margin mode of instrument.
func (g *Gateway) ChangeMarginMode(ctx context.Context, instrument string, mode domain.MarginMode) error {
	_, err := g.client.post(ctx, pathMarginType, map[string]string{
		"symbol":     instrument,
		"marginType": string(mode),
	})
	if err != nil {
		return fmt.Errorf("bingx: change margin mode %s: %w", instrument, err)
	}
	return nil
}

// Balance returns equity and available margin.
func (g *Gateway) Balance(ctx context.Context) (domain.Balance, error) {
	body, err := g.client.get(ctx, pathBalance, nil)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("bingx: balance: %w", err)
	}
	var out struct {
		Balance APIBalance `json:"balance"`
	}
	if err := decodeData(body, &out); err != nil {
		return domain.Balance{}, fmt.Errorf("bingx: decode balance: %w", err)
	}
	return domain.Balance{
		Equity:    out.Balance.Equity.Decimal,
		Available: out.Balance.AvailableMargin.Decimal,
	}, nil
}

// CreateListenKey obtains a listen key for the account stream.
func (g *Gateway) CreateListenKey(ctx context.Context) (string, error) {
	body, err := g.client.post(ctx, pathUserDataStream, nil)
	if err != nil {
		return "", fmt.Errorf("bingx: create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("bingx: decode listen key: %w", err)
	}
	if out.ListenKey == "" {
		var nested struct {
			ListenKey string `json:"listenKey"`
		}
		if err := decodeData(body, &nested); err != nil || nested.ListenKey == "" {
			return "", fmt.Errorf("bingx: create listen key: empty key")
		}
		out.ListenKey = nested.ListenKey
	}
	return out.ListenKey, nil
}

// ExtendListenKey renews key for another hour.
func (g *Gateway) ExtendListenKey(ctx context.Context, key string) error {
	if _, err := g.client.put(ctx, pathUserDataStream, map[string]string{"listenKey": key}); err != nil {
		return fmt.Errorf("bingx: extend listen key: %w", err)
	}
	return nil
}
