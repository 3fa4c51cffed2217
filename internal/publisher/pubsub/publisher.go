// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic      *pubsub.Topic
	propagator propagation.TextMapPropagator
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(pub *Publisher) {
		pub.propagator = p
	}
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, opts ...Option) *Publisher {
	p := &Publisher{topic: topic, propagator: otel.GetTextMapPropagator()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals the event to JSON and publishes it, carrying the trace context in
// message attributes.
func (p *Publisher) Publish(ctx context.Context, event crawler.PageFetched) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = map[string]string{"domain": event.Domain}
	p.propagator.Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}

var _ crawler.Publisher = (*Publisher)(nil)
