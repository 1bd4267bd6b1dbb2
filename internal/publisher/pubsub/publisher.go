// Package pubsub publishes document change events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// Publisher sends change events to one topic.
type Publisher struct {
	publisher *pubsub.Publisher
	ordered   bool
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithOrdering keys every change event by its lineage so subscribers with
// ordering enabled see a document's versions in commit order.
func WithOrdering() Option {
	return func(p *Publisher) { p.ordered = true }
}

// New wraps a topic publisher.
func New(publisher *pubsub.Publisher, opts ...Option) *Publisher {
	p := &Publisher{publisher: publisher}
	for _, opt := range opts {
		opt(p)
	}
	if p.ordered && publisher != nil {
		publisher.EnableMessageOrdering = true
	}
	return p
}

// Publish sends payload as JSON. The topic argument is ignored because the
// Publisher is bound to a single topic. Change events carry their type, firm
// and version as attributes so subscriptions can filter without decoding.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal change event: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if ev, ok := payload.(docstore.ChangeEvent); ok {
		msg.Attributes["event_type"] = string(ev.Type)
		msg.Attributes["firm_id"] = ev.FirmID
		msg.Attributes["version"] = strconv.Itoa(ev.Version)
		if p.ordered {
			msg.OrderingKey = OrderingKey(ev)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(msg.Attributes))

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			// A failed ordered publish pauses the key until resumed.
			p.publisher.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish %s: %w", msg.Attributes["event_type"], err)
	}
	return id, nil
}

// Stop flushes pending messages and releases the publisher.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// OrderingKey identifies a document lineage.
func OrderingKey(ev docstore.ChangeEvent) string {
	return ev.FirmID + "|" + ev.CanonicalURL
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
