package feed

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/perp"
)

// Tick is the wire format of one price update on the feed subject.
type Tick struct {
	FeedID    string `json:"feed_id"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// NATS consumes price ticks from a NATS subject tree and caches the
// latest observation per feed.
type NATS struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger log.Logger

	mu           sync.RWMutex
	observations map[string]perp.Observation
}

// NewNATS subscribes to subjectPrefix.> and starts caching ticks.
func NewNATS(conn *nats.Conn, subjectPrefix string, logger log.Logger) (*NATS, error) {
	f := &NATS{
		conn:         conn,
		logger:       logger,
		observations: make(map[string]perp.Observation),
	}
	sub, err := conn.Subscribe(subjectPrefix+".>", func(msg *nats.Msg) {
		f.ingest(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe price feed: %w", err)
	}
	f.sub = sub
	logger.Info("price feed subscribed", "subject", subjectPrefix+".>")
	return f, nil
}

func (f *NATS) ingest(data []byte) {
	var tick Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		f.logger.Warn("malformed price tick", "error", err)
		return
	}
	price, err := decimal.NewFromString(tick.Price)
	if err != nil {
		f.logger.Warn("unparsable tick price", "feed", tick.FeedID, "error", err)
		return
	}
	obs, err := Observe(tick.FeedID, price, tick.Timestamp)
	if err != nil {
		f.logger.Warn("tick rejected", "feed", tick.FeedID, "error", err)
		return
	}

	f.mu.Lock()
	f.observations[obs.FeedID] = obs
	f.mu.Unlock()
}

// Latest implements perp.PriceFeed.
func (f *NATS) Latest(feedID string) (perp.Observation, error) {
	f.mu.RLock()
	obs, ok := f.observations[feedID]
	f.mu.RUnlock()
	if !ok {
		return perp.Observation{}, fmt.Errorf("no observation for feed %s", feedID)
	}
	return obs, nil
}

// Close drops the subscription.
func (f *NATS) Close() error {
	if f.sub != nil {
		return f.sub.Unsubscribe()
	}
	return nil
}
