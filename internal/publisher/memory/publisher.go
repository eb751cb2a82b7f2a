// Package memory implements an in-process publisher for development and
// tests.
package memory

import (
	"context"
	"sync"
)

// Message is one published event.
type Message struct {
	EventType string
	Payload   []byte
}

// Publisher records published events in memory.
type Publisher struct {
	mu       sync.Mutex
	messages []Message
}

// New builds an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish appends the event to the in-memory log.
func (p *Publisher) Publish(_ context.Context, eventType string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{
		EventType: eventType,
		Payload:   append([]byte(nil), payload...),
	})
	return nil
}

// Messages returns a snapshot of everything published so far.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}
