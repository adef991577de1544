// Package generator produces synthetic events for the ingest topic. The
// pipeline treats the production side as interchangeable plumbing; this
// exists so a full local stack can be exercised end to end.
package generator

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/datapipe/datapipe/pkg/kafka"
)

var sources = []string{"system-a", "system-b", "system-c"}

// Event is the payload shape the consumer's parser expects.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Generator produces random events.
type Generator struct {
	rng *rand.Rand
	now func() time.Time
}

// New creates a Generator seeded from the wall clock.
func New() *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Next generates one event ready to publish: a UUID key, a JSON payload with
// its own UUID id, and content-type headers.
func (g *Generator) Next() kafka.Event {
	createdAt := g.now().Format(time.RFC3339)
	return kafka.Event{
		Key: uuid.NewString(),
		Value: Event{
			ID:        uuid.NewString(),
			Name:      fmt.Sprintf("item_%08d", g.rng.Intn(90000000)+10000000),
			CreatedAt: createdAt,
			Metadata: map[string]any{
				"source":  sources[g.rng.Intn(len(sources))],
				"version": fmt.Sprintf("%d.%d.%d", g.rng.Intn(3)+1, g.rng.Intn(10), g.rng.Intn(10)),
			},
		},
		Headers: map[string]string{
			"content-type": "application/json",
			"created_at":   createdAt,
		},
	}
}

// NextBatch generates size events.
func (g *Generator) NextBatch(size int) []kafka.Event {
	events := make([]kafka.Event, size)
	for i := range events {
		events[i] = g.Next()
	}
	return events
}
