// Package events publishes post-commit ledger events over NATS.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perp/pkg/perp"
)

// Subjects under the configured prefix.
const (
	SubjectTrades       = "trades"
	SubjectLiquidations = "liquidations"
	SubjectFunding      = "funding"
)

// Envelope wraps every published event with an identity and kind.
type Envelope struct {
	EventID     string      `json:"event_id"`
	Kind        string      `json:"kind"`
	PublishedAt int64       `json:"published_at"`
	Payload     interface{} `json:"payload"`
}

// Publisher implements perp.EventSink over a NATS connection. Publication
// happens after the ledger commit; a failed publish is logged and dropped,
// never unwound into the ledger.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger log.Logger
}

// NewPublisher creates a publisher rooted at the given subject prefix.
func NewPublisher(conn *nats.Conn, prefix string, logger log.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// TradeExecuted implements perp.EventSink.
func (p *Publisher) TradeExecuted(ev perp.TradeEvent) {
	p.publish(SubjectTrades, "trade", ev)
}

// PositionLiquidated implements perp.EventSink.
func (p *Publisher) PositionLiquidated(ev perp.LiquidationEvent) {
	p.publish(SubjectLiquidations, "liquidation", ev)
}

// FundingSettled implements perp.EventSink.
func (p *Publisher) FundingSettled(ev perp.FundingEvent) {
	p.publish(SubjectFunding, "funding", ev)
}

func (p *Publisher) publish(subject, kind string, payload interface{}) {
	env := Envelope{
		EventID:     uuid.NewString(),
		Kind:        kind,
		PublishedAt: time.Now().Unix(),
		Payload:     payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("encode event", "kind", kind, "error", err)
		return
	}
	if err := p.conn.Publish(p.prefix+"."+subject, data); err != nil {
		p.logger.Error("publish event", "kind", kind, "error", err)
	}
}
