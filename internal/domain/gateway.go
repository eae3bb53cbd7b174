package domain

import (
	"context"
	"time"
)

// Gateway is the REST boundary to one account on one venue.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID, instrument string) error
	OpenOrders(ctx context.Context, instrument string) ([]Order, error)
	CurrentPositions(ctx context.Context) ([]ServerPosition, error)
	OrderHistory(ctx context.Context, instrument string, start, end time.Time) ([]Order, error)
	ContractPrecision(ctx context.Context, instrument string) (Precision, error)
	MaxLeverage(ctx context.Context, instrument string) (MaxLeverage, error)
	ChangeLeverage(ctx context.Context, instrument string, side Side, leverage int) error
	ChangeMarginMode(ctx context.Context, instrument string, mode MarginMode) error
	Balance(ctx context.Context) (Balance, error)

	// CreateListenKey obtains the session token for the order stream.
	CreateListenKey(ctx context.Context) (string, error)
	// ExtendListenKey renews the token before it expires.
	ExtendListenKey(ctx context.Context, key string) error
}

// PriceStream yields last-price ticks for one instrument.
type PriceStream interface {
	Recv(ctx context.Context) (PriceTick, error)
	Close() error
}

// OrderStream yields order events for one account.
type OrderStream interface {
	Recv(ctx context.Context) (OrderUpdate, error)
	Close() error
}

// StreamDialer opens venue streams. Implementations answer keepalive pings
// and decompress payloads internally.
type StreamDialer interface {
	SubscribePrice(ctx context.Context, instrument string) (PriceStream, error)
	SubscribeOrders(ctx context.Context, listenKey string) (OrderStream, error)
}

// VenueConnector connects accounts of one exchange.
type VenueConnector interface {
	Venue() Venue
	Gateway(acc Account) Gateway
	Streams() StreamDialer
	ValidateCredentials(ctx context.Context, apiKey, secretKey string) (bool, error)
}
