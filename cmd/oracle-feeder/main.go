// oracle-feeder publishes synthetic price ticks to NATS. It exists to
// drive a perpd node in development and load testing; production nodes
// subscribe to a real oracle bridge on the same subjects.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/feed"
)

var published int64

func main() {
	natsURL := flag.String("nats", nats.DefaultURL, "NATS server URL")
	prefix := flag.String("prefix", "oracle", "Subject prefix")
	feedID := flag.String("feed", "BTC-USD", "Feed identifier")
	base := flag.Float64("price", 50_000, "Base price")
	drift := flag.Float64("drift", 0.001, "Max fractional price move per tick")
	interval := flag.Duration("interval", time.Second, "Publish interval")
	duration := flag.Duration("duration", 0, "How long to run (0 = forever)")
	flag.Parse()

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer nc.Close()

	subject := fmt.Sprintf("%s.%s", *prefix, *feedID)
	log.Printf("Publishing %s ticks to %s every %v", *feedID, subject, *interval)

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	go printStats()

	price := *base
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for now := range ticker.C {
		if !endTime.IsZero() && now.After(endTime) {
			break
		}

		// random walk around the base price
		price *= 1 + (rand.Float64()*2-1)**drift

		tick := feed.Tick{
			FeedID:    *feedID,
			Price:     decimal.NewFromFloat(price).Round(6).String(),
			Timestamp: now.Unix(),
		}
		data, _ := json.Marshal(tick)

		if err := nc.Publish(subject, data); err != nil {
			log.Printf("Publish failed: %v", err)
			continue
		}
		atomic.AddInt64(&published, 1)
	}

	nc.Flush()
	log.Printf("Done, published %d ticks", atomic.LoadInt64(&published))
}

func printStats() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		log.Printf("Published %d ticks", atomic.LoadInt64(&published))
	}
}
