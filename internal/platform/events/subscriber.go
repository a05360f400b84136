package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/tradedesk/offers-api/internal/services"
)

// ChangeHandler applies an offer change observed by another process.
type ChangeHandler interface {
	HandleRemoteChange(ctx context.Context, change services.OfferChange) error
}

// offerChangeMessage is the JSON body of an offer-change notification.
type offerChangeMessage struct {
	OfferID    string `json:"offerId"`
	BuyerID    string `json:"buyerId"`
	SupplierID string `json:"supplierId"`
	Status     string `json:"status"`
}

// OfferChangeSubscriber feeds remote offer-change notifications into the session registry.
type OfferChangeSubscriber struct {
	sub     *pubsub.Subscription
	handler ChangeHandler
	logger  *zap.Logger
}

// NewOfferChangeSubscriber wires a subscription to handler. workers bounds concurrent callbacks.
func NewOfferChangeSubscriber(sub *pubsub.Subscription, handler ChangeHandler, workers int, logger *zap.Logger) (*OfferChangeSubscriber, error) {
	if sub == nil {
		return nil, errors.New("offer change subscriber: subscription is required")
	}
	if handler == nil {
		return nil, errors.New("offer change subscriber: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = workers
	}
	return &OfferChangeSubscriber{sub: sub, handler: handler, logger: logger}, nil
}

// Run receives until ctx is cancelled. Malformed messages are acked and dropped; handler failures
// are nacked for redelivery.
func (s *OfferChangeSubscriber) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		change, err := decodeChange(msg)
		if err != nil {
			s.logger.Warn("offer change dropped", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
			return
		}
		if err := s.handler.HandleRemoteChange(ctx, change); err != nil {
			s.logger.Warn("offer change handling failed",
				zap.String("message_id", msg.ID),
				zap.String("offer_id", change.OfferID),
				zap.Error(err),
			)
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func decodeChange(msg *pubsub.Message) (services.OfferChange, error) {
	var body offerChangeMessage
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return services.OfferChange{}, err
	}
	change := services.OfferChange{
		OfferID:    strings.TrimSpace(body.OfferID),
		BuyerID:    strings.TrimSpace(body.BuyerID),
		SupplierID: strings.TrimSpace(body.SupplierID),
		Status:     strings.TrimSpace(body.Status),
	}
	if change.OfferID == "" {
		return services.OfferChange{}, errors.New("offer id is required")
	}
	if change.BuyerID == "" && change.SupplierID == "" {
		return services.OfferChange{}, errors.New("buyer or supplier id is required")
	}
	return change, nil
}
