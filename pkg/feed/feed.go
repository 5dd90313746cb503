// Package feed supplies oracle price observations to the accounting core.
//
// Prices arrive as decimal strings and are carried as mantissa/exponent
// pairs; normalization and staleness enforcement happen in the core, not
// here.
package feed

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/perp"
)

// Observe converts a decimal price into an oracle observation.
func Observe(feedID string, price decimal.Decimal, timestamp int64) (perp.Observation, error) {
	coeff := price.Coefficient()
	if !coeff.IsInt64() {
		return perp.Observation{}, fmt.Errorf("price %s out of range for feed %s", price, feedID)
	}
	return perp.Observation{
		FeedID:    feedID,
		Mantissa:  coeff.Int64(),
		Exponent:  price.Exponent(),
		Timestamp: timestamp,
	}, nil
}

// Static is an in-memory feed fed by explicit Set calls. It backs tests
// and single-node deployments where prices arrive over the admin API.
type Static struct {
	mu           sync.RWMutex
	observations map[string]perp.Observation
}

// NewStatic creates an empty static feed.
func NewStatic() *Static {
	return &Static{observations: make(map[string]perp.Observation)}
}

// Set records a price for a feed.
func (s *Static) Set(feedID string, price decimal.Decimal, timestamp int64) error {
	obs, err := Observe(feedID, price, timestamp)
	if err != nil {
		return err
	}
	s.SetObservation(obs)
	return nil
}

// SetObservation records a raw observation.
func (s *Static) SetObservation(obs perp.Observation) {
	s.mu.Lock()
	s.observations[obs.FeedID] = obs
	s.mu.Unlock()
}

// Latest implements perp.PriceFeed.
func (s *Static) Latest(feedID string) (perp.Observation, error) {
	s.mu.RLock()
	obs, ok := s.observations[feedID]
	s.mu.RUnlock()
	if !ok {
		return perp.Observation{}, fmt.Errorf("no observation for feed %s", feedID)
	}
	return obs, nil
}
