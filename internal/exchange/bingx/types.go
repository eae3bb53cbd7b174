package bingx

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// apiDecimal decodes numbers sent either quoted or bare, treating empty and
// null as zero.
type apiDecimal struct {
	decimal.Decimal
}

func (d *apiDecimal) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(strings.Trim(string(data), `"`))
	if s == "" || s == "null" {
		d.Decimal = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	d.Decimal = v
	return nil
}

// apiID decodes identifiers sent either as JSON numbers or strings.
type apiID string

func (id *apiID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		s = ""
	}
	*id = apiID(s)
	return nil
}

// envelope is the common response wrapper of the REST API.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// APIOrder is an order as returned by the order, open-orders and history
// endpoints.
type APIOrder struct {
	Symbol       string     `json:"symbol"`
	OrderID      apiID      `json:"orderId"`
	Side         string     `json:"side"`
	PositionSide string     `json:"positionSide"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	OrigQty      apiDecimal `json:"origQty"`
	ExecutedQty  apiDecimal `json:"executedQty"`
	Price        apiDecimal `json:"price"`
	StopPrice    apiDecimal `json:"stopPrice"`
	AvgPrice     apiDecimal `json:"avgPrice"`
	Profit       apiDecimal `json:"profit"`
	Commission   apiDecimal `json:"commission"`
	PositionID   apiID      `json:"positionID"`
	Time         int64      `json:"time"`
	UpdateTime   int64      `json:"updateTime"`
}

// ToDomainOrder converts the API order to the domain type.
func (o APIOrder) ToDomainOrder() domain.Order {
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.Time
	}
	out := domain.Order{
		ID:           string(o.OrderID),
		Instrument:   o.Symbol,
		Type:         domain.OrderType(o.Type),
		Status:       normalizeStatus(o.Status),
		PositionID:   string(o.PositionID),
		Side:         domain.OrderSide(o.Side),
		PositionSide: domain.Side(o.PositionSide),
		Quantity:     o.OrigQty.Decimal,
		ExecutedQty:  o.ExecutedQty.Decimal,
		Price:        o.Price.Decimal,
		StopPrice:    o.StopPrice.Decimal,
		AvgPrice:     o.AvgPrice.Decimal,
		Profit:       o.Profit.Decimal,
		Commission:   o.Commission.Decimal,
	}
	if updated > 0 {
		out.UpdatedAt = time.UnixMilli(updated)
	}
	return out
}

// normalizeStatus maps the venue's spelling variants onto domain statuses.
func normalizeStatus(s string) domain.OrderStatus {
	switch s {
	case "CANCELLED":
		return domain.OrderStatusCancelled
	case "PENDING":
		return domain.OrderStatusNew
	default:
		return domain.OrderStatus(s)
	}
}

// APIPosition is one entry of the positions endpoint.
type APIPosition struct {
	Symbol           string     `json:"symbol"`
	PositionID       apiID      `json:"positionId"`
	PositionSide     string     `json:"positionSide"`
	Leverage         int        `json:"leverage"`
	PositionAmt      apiDecimal `json:"positionAmt"`
	AvailableAmt     apiDecimal `json:"availableAmt"`
	AvgPrice         apiDecimal `json:"avgPrice"`
	RealisedProfit   apiDecimal `json:"realisedProfit"`
	UnrealizedProfit apiDecimal `json:"unrealizedProfit"`
}

// ToDomainServerPosition converts the API position to the domain type.
// Held volume is the available amount, which excludes volume locked by
// pending close orders.
func (p APIPosition) ToDomainServerPosition() domain.ServerPosition {
	held := p.AvailableAmt.Decimal
	if held.IsZero() {
		held = p.PositionAmt.Abs()
	}
	return domain.ServerPosition{
		Instrument:    p.Symbol,
		PositionID:    string(p.PositionID),
		Side:          domain.Side(p.PositionSide),
		Leverage:      p.Leverage,
		HeldVolume:    held,
		AvgPrice:      p.AvgPrice.Decimal,
		RealizedPnL:   p.RealisedProfit.Decimal,
		UnrealizedPnL: p.UnrealizedProfit.Decimal,
	}
}

// APIContract carries the precision of a perpetual contract.
type APIContract struct {
	Symbol            string `json:"symbol"`
	QuantityPrecision int32  `json:"quantityPrecision"`
	PricePrecision    int32  `json:"pricePrecision"`
}

// APILeverage is the response of the leverage query.
type APILeverage struct {
	LongLeverage     int `json:"longLeverage"`
	ShortLeverage    int `json:"shortLeverage"`
	MaxLongLeverage  int `json:"maxLongLeverage"`
	MaxShortLeverage int `json:"maxShortLeverage"`
}

// APIBalance is the account summary of the balance endpoint.
type APIBalance struct {
	Balance          apiDecimal `json:"balance"`
	Equity           apiDecimal `json:"equity"`
	UnrealizedProfit apiDecimal `json:"unrealizedProfit"`
	AvailableMargin  apiDecimal `json:"availableMargin"`
}

// protectiveLeg is the JSON object attached to an order as stopLoss or
// takeProfit.
type protectiveLeg struct {
	Type        string `json:"type"`
	StopPrice   string `json:"stopPrice"`
	Price       string `json:"price"`
	WorkingType string `json:"workingType"`
}

// Stream payloads.

// wsPriceMessage is a market-stream push for a lastPrice subscription.
type wsPriceMessage struct {
	Code     int    `json:"code"`
	DataType string `json:"dataType"`
	Data     *struct {
		Event  string     `json:"e"`
		Time   int64      `json:"E"`
		Symbol string     `json:"s"`
		Price  apiDecimal `json:"c"`
	} `json:"data"`
}

// wsAccountMessage is an account-stream push.
type wsAccountMessage struct {
	Event string `json:"e"`
	Time  int64  `json:"E"`
	Order *struct {
		Symbol      string     `json:"s"`
		OrderID     apiID      `json:"i"`
		Side        string     `json:"S"`
		Type        string     `json:"o"`
		Quantity    apiDecimal `json:"q"`
		LastFilled  apiDecimal `json:"l"`
		Cumulative  apiDecimal `json:"z"`
		AvgPrice    apiDecimal `json:"ap"`
		Status      string     `json:"X"`
		RealizedPnL apiDecimal `json:"rp"`
		Commission  apiDecimal `json:"n"`
		TradeTime   int64      `json:"T"`

		// Declared so their keys never fall back onto X and n, which
		// differ only in case.
		ExecType        string `json:"x"`
		CommissionAsset string `json:"N"`
	} `json:"o"`
}

// toOrderUpdate converts an ORDER_TRADE_UPDATE push; ok is false for any
// other event.
func (m wsAccountMessage) toOrderUpdate() (domain.OrderUpdate, bool) {
	if m.Event != "ORDER_TRADE_UPDATE" || m.Order == nil {
		return domain.OrderUpdate{}, false
	}
	o := m.Order
	ts := o.TradeTime
	if ts == 0 {
		ts = m.Time
	}
	return domain.OrderUpdate{
		Instrument:  o.Symbol,
		OrderID:     string(o.OrderID),
		Type:        domain.OrderType(o.Type),
		Status:      normalizeStatus(o.Status),
		Side:        domain.OrderSide(o.Side),
		Quantity:    o.Quantity.Decimal,
		LastFilled:  o.LastFilled.Decimal,
		Cumulative:  o.Cumulative.Decimal,
		AvgPrice:    o.AvgPrice.Decimal,
		RealizedPnL: o.RealizedPnL.Decimal,
		Commission:  o.Commission.Decimal,
		Time:        time.UnixMilli(ts),
	}, true
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
