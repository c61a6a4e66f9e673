// Package memory contains an in-process publisher used by tests and the
// no-Pub/Sub dev profile.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records publishes instead of sending them anywhere.
type Publisher struct {
	mu      sync.RWMutex
	records []Record
}

// Record captures one publish call.
type Record struct {
	Topic   string
	Payload any
}

// New returns an empty recording Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the payload and returns a deterministic pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, Record{Topic: topic, Payload: payload})
	return fmt.Sprintf("mem-%d", len(p.records)), nil
}

// Records returns a copy of everything published so far.
func (p *Publisher) Records() []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Record, len(p.records))
	copy(out, p.records)
	return out
}

// TopicCount reports how many records landed on the given topic.
func (p *Publisher) TopicCount(topic string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, r := range p.records {
		if r.Topic == topic {
			n++
		}
	}
	return n
}
