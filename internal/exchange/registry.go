// Package exchange maps account venue tags to venue connectors.
package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/tradingbuddy/internal/domain"
)

// Registry holds one connector per venue.
type Registry struct {
	mu         sync.RWMutex
	connectors map[domain.Venue]domain.VenueConnector
}

// NewRegistry creates a Registry holding the given connectors.
func NewRegistry(connectors ...domain.VenueConnector) *Registry {
	r := &Registry{connectors: make(map[domain.Venue]domain.VenueConnector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the connector for c.Venue().
func (r *Registry) Register(c domain.VenueConnector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Venue()] = c
}

// Connector returns the connector for venue.
func (r *Registry) Connector(venue domain.Venue) (domain.VenueConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[venue]
	if !ok {
		return nil, fmt.Errorf("exchange: venue %q: %w", venue, domain.ErrUnknownVenue)
	}
	return c, nil
}

// Venues lists registered venues in name order.
func (r *Registry) Venues() []domain.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Venue, 0, len(r.connectors))
	for v := range r.connectors {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
