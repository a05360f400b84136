package services

import (
	"context"
	"time"

	domain "github.com/tradedesk/offers-api/internal/domain"
)

// OfferGateway exposes the remote transactional operations backing offer transitions and listings.
// Implementations return transport failures as errors; business refusals of MarkPurchased are
// reported through MarkPurchasedResult. DeleteOffer hides a pending offer from listings and never
// removes the record.
type OfferGateway interface {
	AcceptOffer(ctx context.Context, offerID string) (AcceptOfferResult, error)
	RejectOffer(ctx context.Context, offerID string, reason string) error
	MarkPurchased(ctx context.Context, offerID string, orderID string) (MarkPurchasedResult, error)
	CancelOffer(ctx context.Context, offerID string) error
	DeleteOffer(ctx context.Context, offerID string) error
	ListBuyerOffers(ctx context.Context, buyerID string) ([]domain.Offer, error)
	ListSupplierOffers(ctx context.Context, supplierID string) ([]domain.Offer, error)
	CreateOffer(ctx context.Context, offer domain.Offer) (domain.Offer, error)
	OfferLimits(ctx context.Context, buyerID, productID, supplierID string) (domain.OfferLimitUsage, error)
}

// AcceptOfferResult carries the purchase deadline assigned by the remote accept.
type AcceptOfferResult struct {
	PurchaseDeadline *time.Time
}

// MarkPurchasedResult mirrors the remote `{success, error}` payload.
type MarkPurchasedResult struct {
	Success bool
	Error   string
}

// CartStore is the bulk read/replace contract over a buyer cart.
type CartStore interface {
	Items(ctx context.Context) ([]domain.CartItem, error)
	SetItems(ctx context.Context, items []domain.CartItem) error
}

// TierSource lists and persists per-product price tiers.
type TierSource interface {
	ListTiers(ctx context.Context, productID string) ([]domain.PriceTier, error)
	BasePrice(ctx context.Context, productID string) (int64, error)
	ReplaceTiers(ctx context.Context, productID string, tiers []domain.PriceTier) error
}

// ScheduleCache stores resolved price schedules between resolution bursts.
type ScheduleCache interface {
	Get(ctx context.Context, productID string) (domain.PriceSchedule, bool, error)
	Put(ctx context.Context, schedule domain.PriceSchedule) error
	Invalidate(ctx context.Context, productID string) error
}

// OfferEventType enumerates lifecycle notifications emitted after successful transitions.
type OfferEventType string

const (
	OfferEventCreated   OfferEventType = "offer.created"
	OfferEventAccepted  OfferEventType = "offer.accepted"
	OfferEventRejected  OfferEventType = "offer.rejected"
	OfferEventReserved  OfferEventType = "offer.reserved"
	OfferEventCancelled OfferEventType = "offer.cancelled"
	OfferEventExpired   OfferEventType = "offer.expired"
)

// OfferEvent is the payload published for every lifecycle transition.
type OfferEvent struct {
	ID               string             `json:"id"`
	Type             OfferEventType     `json:"type"`
	OfferID          string             `json:"offerId"`
	BuyerID          string             `json:"buyerId,omitempty"`
	SupplierID       string             `json:"supplierId,omitempty"`
	ProductID        string             `json:"productId,omitempty"`
	Status           domain.OfferStatus `json:"status"`
	Reason           string             `json:"reason,omitempty"`
	OrderID          string             `json:"orderId,omitempty"`
	PurchaseDeadline *time.Time         `json:"purchaseDeadline,omitempty"`
	OccurredAt       time.Time          `json:"occurredAt"`
}

// OfferEventPublisher delivers lifecycle events to downstream consumers.
type OfferEventPublisher interface {
	PublishOfferEvent(ctx context.Context, event OfferEvent) (string, error)
}

// OfferChange describes a status change observed by another process.
type OfferChange struct {
	OfferID    string
	BuyerID    string
	SupplierID string
	Status     string
}

// EngineMetrics records engine counters. A nil value disables recording.
type EngineMetrics interface {
	RecordTransition(ctx context.Context, transition string, outcome string)
	RecordCartPruned(ctx context.Context, removed int)
	RecordTierFetch(ctx context.Context, source string)
}

type noopMetrics struct{}

func (noopMetrics) RecordTransition(context.Context, string, string) {}
func (noopMetrics) RecordCartPruned(context.Context, int)            {}
func (noopMetrics) RecordTierFetch(context.Context, string)          {}
