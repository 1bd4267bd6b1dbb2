// Package memory contains an in-memory change-event publisher for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	failWith error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish call return err. A nil err restores
// normal behavior.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.failWith)
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the recorded change events in publish order.
func (p *Publisher) Events() []docstore.ChangeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []docstore.ChangeEvent
	for _, m := range p.messages {
		if ev, ok := m.Payload.(docstore.ChangeEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
