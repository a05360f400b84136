package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/tradedesk/offers-api/internal/services"
)

// PubSubOfferPublisher publishes offer lifecycle events to a Pub/Sub topic.
type PubSubOfferPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OfferEventPublisher = (*PubSubOfferPublisher)(nil)

// NewPubSubOfferPublisher constructs a Pub/Sub backed lifecycle publisher. Messages carrying the same
// offer id share an ordering key when the topic has message ordering enabled.
func NewPubSubOfferPublisher(topic *pubsub.Topic) (*PubSubOfferPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub offer publisher: topic is required")
	}
	return &PubSubOfferPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishOfferEvent blocks until the server acknowledges the message and returns its id.
func (p *PubSubOfferPublisher) PublishOfferEvent(ctx context.Context, event services.OfferEvent) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub offer publisher: not initialised")
	}
	if strings.TrimSpace(event.OfferID) == "" {
		return "", errors.New("pubsub offer publisher: offer id is required")
	}

	data, err := p.marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal offer event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "type", string(event.Type))
	setAttr(attrs, "offerId", event.OfferID)
	setAttr(attrs, "buyerId", event.BuyerID)
	setAttr(attrs, "supplierId", event.SupplierID)
	setAttr(attrs, "status", string(event.Status))
	if !event.OccurredAt.IsZero() {
		attrs["occurredAt"] = event.OccurredAt.UTC().Format(time.RFC3339Nano)
	}

	msg := &pubsub.Message{Data: data, Attributes: attrs}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.OfferID
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish offer event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
