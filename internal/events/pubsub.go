package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/clearcart/checkout-api/internal/checkout"
)

// PubSubPublisher fans checkout events out to Pub/Sub, one topic per event
// topic name. Topics are resolved lazily and cached for the publisher's
// lifetime.
type PubSubPublisher struct {
	client  *pubsub.Client
	prefix  string
	marshal func(any) ([]byte, error)

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubPublisher constructs a Pub/Sub backed event publisher. The optional
// prefix namespaces topic ids per environment.
func NewPubSubPublisher(client *pubsub.Client, prefix string) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub publisher: client is required")
	}
	return &PubSubPublisher{
		client:  client,
		prefix:  strings.TrimSpace(prefix),
		marshal: json.Marshal,
		topics:  make(map[string]*pubsub.Topic),
	}, nil
}

// Publish serialises event as JSON and publishes it on the topic derived from
// the event topic name. Dots become dashes to satisfy Pub/Sub naming rules.
func (p *PubSubPublisher) Publish(ctx context.Context, topic string, event any) error {
	if p == nil || p.client == nil {
		return errors.New("pubsub publisher: not initialised")
	}
	name := strings.TrimSpace(topic)
	if name == "" {
		return errors.New("pubsub publisher: topic is required")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", name, err)
	}

	attrs := map[string]string{
		"eventTopic":  name,
		"publishedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if e, ok := event.(interface{ EventOrderID() string }); ok {
		if id := strings.TrimSpace(e.EventOrderID()); id != "" {
			attrs["orderId"] = id
		}
	}

	result := p.topic(name).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// Stop flushes every cached topic. Call during shutdown.
func (p *PubSubPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
}

func (p *PubSubPublisher) topic(name string) *pubsub.Topic {
	id := TopicID(p.prefix, name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[id]; ok {
		return t
	}
	t := p.client.Topic(id)
	p.topics[id] = t
	return t
}

// TopicID maps an event topic name onto a Pub/Sub topic id.
func TopicID(prefix, topic string) string {
	id := strings.ReplaceAll(topic, ".", "-")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// AllTopics lists every topic the checkout flow publishes, for provisioning.
func AllTopics() []string {
	return []string{
		checkout.TopicOrderSubmitted,
		checkout.TopicOrderSubmitFailed,
		checkout.TopicPaymentRedirect,
		checkout.TopicPaymentAuthorized,
		checkout.TopicPaymentDeclined,
		checkout.TopicApprovalRequested,
	}
}
