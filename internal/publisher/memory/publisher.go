// Package memory keeps published document notifications in process. It backs
// tests and single-host runs without Pub/Sub.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/govdoc-harvester/internal/crawler"
)

var _ crawler.Publisher = (*Publisher)(nil)

// Message is one recorded publish. Data holds the JSON wire form.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Publisher records messages per topic in publish order.
type Publisher struct {
	mu      sync.Mutex
	seq     int
	log     []Message
	failErr error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes later publishes fail with err until it is called with nil.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.failErr = err
	p.mu.Unlock()
}

// Publish encodes payload and appends it to the log.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("memory publisher: encode payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return "", p.failErr
	}
	p.seq++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Data: data}
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns a copy of every recorded message.
func (p *Publisher) Messages() []Message {
	return p.Topic("")
}

// Topic returns the messages sent to topic; "" matches all.
func (p *Publisher) Topic(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, 0, len(p.log))
	for _, m := range p.log {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
