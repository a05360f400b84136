package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	domain "github.com/tradedesk/offers-api/internal/domain"
	"github.com/tradedesk/offers-api/internal/services"
)

func newTestClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPubSubOfferPublisherPublishesEvent(t *testing.T) {
	ctx := context.Background()
	srv, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "offer-events")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)

	publisher, err := NewPubSubOfferPublisher(topic)
	require.NoError(t, err)

	deadline := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	event := services.OfferEvent{
		ID:               "evt-1",
		Type:             services.OfferEventAccepted,
		OfferID:          "o1",
		BuyerID:          "buyer-1",
		SupplierID:       "supplier-1",
		Status:           domain.OfferStatusApproved,
		PurchaseDeadline: &deadline,
		OccurredAt:       deadline.Add(-24 * time.Hour),
	}
	id, err := publisher.PublishOfferEvent(ctx, event)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	messages := srv.Messages()
	require.Len(t, messages, 1)
	var payload services.OfferEvent
	require.NoError(t, json.Unmarshal(messages[0].Data, &payload))
	assert.Equal(t, event.OfferID, payload.OfferID)
	assert.Equal(t, services.OfferEventAccepted, payload.Type)
	require.NotNil(t, payload.PurchaseDeadline)
	assert.True(t, payload.PurchaseDeadline.Equal(deadline))

	attrs := messages[0].Attributes
	assert.Equal(t, "offer.accepted", attrs["type"])
	assert.Equal(t, "buyer-1", attrs["buyerId"])
	assert.Equal(t, "approved", attrs["status"])
	_, hasReason := attrs["reason"]
	assert.False(t, hasReason)

	_, err = publisher.PublishOfferEvent(ctx, services.OfferEvent{Type: services.OfferEventCreated})
	assert.Error(t, err)
}

func TestNewPubSubOfferPublisherRequiresTopic(t *testing.T) {
	_, err := NewPubSubOfferPublisher(nil)
	assert.Error(t, err)
}

type recordingHandler struct {
	mu      sync.Mutex
	changes []services.OfferChange
	seen    chan struct{}
}

func (h *recordingHandler) HandleRemoteChange(_ context.Context, change services.OfferChange) error {
	h.mu.Lock()
	h.changes = append(h.changes, change)
	h.mu.Unlock()
	h.seen <- struct{}{}
	return nil
}

func TestOfferChangeSubscriberDeliversChanges(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)

	topic, err := client.CreateTopic(ctx, "offer-changes")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)
	sub, err := client.CreateSubscription(ctx, "offer-changes-api", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	handler := &recordingHandler{seen: make(chan struct{}, 4)}
	subscriber, err := NewOfferChangeSubscriber(sub, handler, 2, nil)
	require.NoError(t, err)

	for _, body := range []string{
		`not json`,
		`{"offerId":"o1"}`,
		`{"offerId":" o2 ","buyerId":"buyer-1","status":"paid"}`,
	} {
		_, err := topic.Publish(ctx, &pubsub.Message{Data: []byte(body)}).Get(ctx)
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- subscriber.Run(runCtx) }()

	select {
	case <-handler.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	cancel()
	require.NoError(t, <-done)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.changes, 1)
	assert.Equal(t, services.OfferChange{OfferID: "o2", BuyerID: "buyer-1", Status: "paid"}, handler.changes[0])
}

func TestNewOfferChangeSubscriberValidation(t *testing.T) {
	_, err := NewOfferChangeSubscriber(nil, &recordingHandler{}, 1, nil)
	assert.Error(t, err)
}
