// Package pubsub publishes job events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type sendFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher sends JSON payloads through per-topic Pub/Sub publishers.
type Publisher struct {
	send sendFunc

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher backed by client. Topic publishers are created on
// first use and flushed by Close.
func New(client *pubsub.Client) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	p := &Publisher{publishers: make(map[string]*pubsub.Publisher)}
	p.send = func(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
		result := p.publisher(client, topic).Publish(ctx, msg)
		return result.Get(ctx)
	}
	return p, nil
}

func (p *Publisher) publisher(client *pubsub.Client, topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = client.Publisher(topic)
		p.publishers[topic] = pub
	}
	return pub
}

// Publish marshals the payload to JSON and publishes it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	msg, err := buildMessage(ctx, payload)
	if err != nil {
		return "", err
	}
	id, err := p.send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes and stops every topic publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, topic)
	}
}

func buildMessage(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	if job, ok := payload.(crawler.Job); ok {
		msg.Attributes["job_id"] = job.ID
		msg.Attributes["status"] = string(job.Status)
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return msg, nil
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
