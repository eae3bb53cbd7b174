package exchangetest

import (
	"context"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// Connector serves the same Gateway and Dialer to every account.
type Connector struct {
	VenueName domain.Venue
	GW        *Gateway
	Dialer    *Dialer
	// ValidKey is the only API key ValidateCredentials accepts.
	ValidKey string
}

var _ domain.VenueConnector = (*Connector)(nil)

// NewConnector creates a BingX-tagged Connector around fresh fakes.
func NewConnector() *Connector {
	return &Connector{VenueName: domain.VenueBingX, GW: NewGateway(), Dialer: NewDialer()}
}

func (c *Connector) Venue() domain.Venue                  { return c.VenueName }
func (c *Connector) Gateway(domain.Account) domain.Gateway { return c.GW }
func (c *Connector) Streams() domain.StreamDialer         { return c.Dialer }

func (c *Connector) ValidateCredentials(_ context.Context, apiKey, _ string) (bool, error) {
	return apiKey == c.ValidKey, nil
}
