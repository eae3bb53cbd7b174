package bingx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// Config configures the BingX connector.
type Config struct {
	RESTURL        string
	StreamURL      string
	RequestTimeout time.Duration
	RecvWindow     time.Duration
	// RateLimit is the sustained request rate shared by all accounts, in
	// requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Connector builds BingX gateways for accounts and shares one stream
// dialer and one request limiter between them.
type Connector struct {
	cfg     Config
	limiter *rate.Limiter
	streams *Dialer
}

var _ domain.VenueConnector = (*Connector)(nil)

// NewConnector creates the BingX connector.
func NewConnector(cfg Config, logger *slog.Logger) *Connector {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(burst, 1))
	}
	return &Connector{
		cfg:     cfg,
		limiter: limiter,
		streams: NewDialer(cfg.StreamURL, logger),
	}
}

// Venue returns the venue tag served by this connector.
func (c *Connector) Venue() domain.Venue { return domain.VenueBingX }

// Gateway returns a REST gateway authenticated as acc.
func (c *Connector) Gateway(acc domain.Account) domain.Gateway {
	return NewGateway(c.client(acc.APIKey, acc.SecretKey))
}

// Streams returns the shared stream dialer.
func (c *Connector) Streams() domain.StreamDialer { return c.streams }

// ValidateCredentials reports whether the key pair can read the account
// balance. Rejected credentials are not an error.
func (c *Connector) ValidateCredentials(ctx context.Context, apiKey, secretKey string) (bool, error) {
	_, err := NewGateway(c.client(apiKey, secretKey)).Balance(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrUnauthorized):
		return false, nil
	default:
		return false, fmt.Errorf("bingx: validate credentials: %w", err)
	}
}

func (c *Connector) client(apiKey, secretKey string) *Client {
	return NewClient(apiKey, secretKey, ClientOptions{
		BaseURL:    c.cfg.RESTURL,
		Timeout:    c.cfg.RequestTimeout,
		RecvWindow: c.cfg.RecvWindow,
		Limiter:    c.limiter,
	})
}
