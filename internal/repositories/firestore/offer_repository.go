package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	domain "github.com/tradedesk/offers-api/internal/domain"
	pfirestore "github.com/tradedesk/offers-api/internal/platform/firestore"
	"github.com/tradedesk/offers-api/internal/services"
)

const (
	offersCollection      = "offers"
	defaultPurchaseWindow = 24 * time.Hour
)

type offerDocument struct {
	BuyerID          string     `firestore:"buyerId"`
	SupplierID       string     `firestore:"supplierId"`
	ProductID        string     `firestore:"productId"`
	OfferedPrice     int64      `firestore:"offeredPrice"`
	OfferedQuantity  int        `firestore:"offeredQuantity"`
	Status           string     `firestore:"status"`
	Message          string     `firestore:"message,omitempty"`
	OrderID          string     `firestore:"orderId,omitempty"`
	RejectionReason  string     `firestore:"rejectionReason,omitempty"`
	PurchaseDeadline *time.Time `firestore:"purchaseDeadline"`
	ExpiresAt        *time.Time `firestore:"expiresAt"`
	AcceptedAt       *time.Time `firestore:"acceptedAt"`
	ReservedAt       *time.Time `firestore:"reservedAt"`
	PurchasedAt      *time.Time `firestore:"purchasedAt"`
	ExpiredAt        *time.Time `firestore:"expiredAt"`
	RejectedAt       *time.Time `firestore:"rejectedAt"`
	CancelledAt      *time.Time `firestore:"cancelledAt"`
	DeletedAt        *time.Time `firestore:"deletedAt"`
	CreatedAt        time.Time  `firestore:"createdAt"`
	UpdatedAt        time.Time  `firestore:"updatedAt"`
}

// OfferRepository is the Firestore implementation of services.OfferGateway. Every transition reads
// the current document inside a transaction and refuses changes the stored status does not allow.
type OfferRepository struct {
	provider       *pfirestore.Provider
	base           *pfirestore.BaseRepository[offerDocument]
	purchaseWindow time.Duration
	now            func() time.Time
}

var _ services.OfferGateway = (*OfferRepository)(nil)

// NewOfferRepository constructs the gateway. A zero purchase window falls back to 24h.
func NewOfferRepository(provider *pfirestore.Provider, purchaseWindow time.Duration, clock func() time.Time) (*OfferRepository, error) {
	if provider == nil {
		return nil, errors.New("offer repository requires firestore provider")
	}
	if purchaseWindow <= 0 {
		purchaseWindow = defaultPurchaseWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &OfferRepository{
		provider:       provider,
		base:           pfirestore.NewBaseRepository[offerDocument](provider, offersCollection),
		purchaseWindow: purchaseWindow,
		now:            func() time.Time { return clock().UTC() },
	}, nil
}

func (r *OfferRepository) AcceptOffer(ctx context.Context, offerID string) (services.AcceptOfferResult, error) {
	var deadline time.Time
	err := r.transition(ctx, "offers.accept", offerID, func(doc *offerDocument, now time.Time) error {
		if status := currentStatus(*doc, now); status != domain.OfferStatusPending {
			return pfirestore.Conflict("offers.accept", "offer %s is %s", offerID, status)
		}
		deadline = now.Add(r.purchaseWindow)
		doc.Status = string(domain.OfferStatusApproved)
		doc.AcceptedAt = &now
		doc.PurchaseDeadline = &deadline
		doc.ExpiresAt = &deadline
		return nil
	})
	if err != nil {
		return services.AcceptOfferResult{}, err
	}
	return services.AcceptOfferResult{PurchaseDeadline: &deadline}, nil
}

func (r *OfferRepository) RejectOffer(ctx context.Context, offerID string, reason string) error {
	return r.transition(ctx, "offers.reject", offerID, func(doc *offerDocument, now time.Time) error {
		if status := currentStatus(*doc, now); status.IsTerminal() {
			return pfirestore.Conflict("offers.reject", "offer %s is %s", offerID, status)
		}
		doc.Status = string(domain.OfferStatusRejected)
		doc.RejectionReason = strings.TrimSpace(reason)
		doc.RejectedAt = &now
		return nil
	})
}

// MarkPurchased reserves an approved offer for an order. Refusals are reported in the result so the
// caller can tell them apart from transport failures. Repeating the call with the same order id
// succeeds.
func (r *OfferRepository) MarkPurchased(ctx context.Context, offerID string, orderID string) (services.MarkPurchasedResult, error) {
	var result services.MarkPurchasedResult
	err := r.transition(ctx, "offers.mark_purchased", offerID, func(doc *offerDocument, now time.Time) error {
		status := currentStatus(*doc, now)
		switch {
		case status == domain.OfferStatusReserved && doc.OrderID == strings.TrimSpace(orderID):
			result = services.MarkPurchasedResult{Success: true}
			return errSkipWrite
		case status == domain.OfferStatusExpired && domain.ParseOfferStatus(doc.Status) == domain.OfferStatusApproved:
			result = services.MarkPurchasedResult{Error: services.ReserveDeadlineError}
			return errSkipWrite
		case status != domain.OfferStatusApproved:
			result = services.MarkPurchasedResult{Error: fmt.Sprintf("offer is %s", status)}
			return errSkipWrite
		}
		doc.Status = string(domain.OfferStatusReserved)
		doc.OrderID = strings.TrimSpace(orderID)
		doc.ReservedAt = &now
		doc.PurchasedAt = &now
		result = services.MarkPurchasedResult{Success: true}
		return nil
	})
	if err != nil {
		return services.MarkPurchasedResult{}, err
	}
	return result, nil
}

func (r *OfferRepository) CancelOffer(ctx context.Context, offerID string) error {
	return r.transition(ctx, "offers.cancel", offerID, func(doc *offerDocument, now time.Time) error {
		if status := currentStatus(*doc, now); status.IsTerminal() {
			return pfirestore.Conflict("offers.cancel", "offer %s is %s", offerID, status)
		}
		doc.Status = string(domain.OfferStatusCancelled)
		doc.CancelledAt = &now
		return nil
	})
}

// DeleteOffer marks a pending offer as deleted. The document is kept and hidden from listings;
// deleting an already hidden offer succeeds.
func (r *OfferRepository) DeleteOffer(ctx context.Context, offerID string) error {
	err := r.transition(ctx, "offers.delete", offerID, func(doc *offerDocument, now time.Time) error {
		if status := currentStatus(*doc, now); status != domain.OfferStatusPending {
			return pfirestore.Conflict("offers.delete", "offer %s is %s", offerID, status)
		}
		doc.DeletedAt = &now
		return nil
	})
	var repoErr *pfirestore.Error
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return nil
	}
	return err
}

func (r *OfferRepository) ListBuyerOffers(ctx context.Context, buyerID string) ([]domain.Offer, error) {
	return r.list(ctx, "buyerId", buyerID)
}

func (r *OfferRepository) ListSupplierOffers(ctx context.Context, supplierID string) ([]domain.Offer, error) {
	return r.list(ctx, "supplierId", supplierID)
}

func (r *OfferRepository) CreateOffer(ctx context.Context, offer domain.Offer) (domain.Offer, error) {
	ref, err := r.base.DocumentRef(ctx, offer.ID)
	if err != nil {
		return domain.Offer{}, err
	}
	doc := encodeOffer(offer)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now()
	}
	doc.UpdatedAt = doc.CreatedAt
	if _, err := ref.Create(ctx, doc); err != nil {
		return domain.Offer{}, pfirestore.WrapError("offers.create", err)
	}
	return decodeOffer(offer.ID, doc), nil
}

// OfferLimits counts the buyer's offers created since the start of the current UTC month. Limits are
// left zero so the caller applies its configured policy.
func (r *OfferRepository) OfferLimits(ctx context.Context, buyerID, productID, supplierID string) (domain.OfferLimitUsage, error) {
	coll, err := r.base.Collection(ctx)
	if err != nil {
		return domain.OfferLimitUsage{}, err
	}
	now := r.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	recent := coll.Where("buyerId", "==", buyerID).Where("createdAt", ">=", monthStart)

	productCount, err := count(ctx, recent.Where("productId", "==", productID))
	if err != nil {
		return domain.OfferLimitUsage{}, err
	}
	supplierCount, err := count(ctx, recent.Where("supplierId", "==", supplierID))
	if err != nil {
		return domain.OfferLimitUsage{}, err
	}
	return domain.OfferLimitUsage{ProductCount: productCount, SupplierCount: supplierCount}, nil
}

var errSkipWrite = errors.New("skip write")

func (r *OfferRepository) transition(ctx context.Context, op string, offerID string, apply func(doc *offerDocument, now time.Time) error) error {
	offerID = strings.TrimSpace(offerID)
	ref, err := r.base.DocumentRef(ctx, offerID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError(op, err)
		}
		decoded, err := pfirestore.Decode[offerDocument](snap)
		if err != nil {
			return err
		}
		doc := decoded.Data
		if doc.DeletedAt != nil {
			return pfirestore.NotFound(op, "offer %s not found", offerID)
		}
		now := r.now()
		if err := apply(&doc, now); err != nil {
			return err
		}
		doc.UpdatedAt = now
		return tx.Set(ref, doc)
	})
	if errors.Is(err, errSkipWrite) {
		return nil
	}
	return err
}

func (r *OfferRepository) list(ctx context.Context, field, partyID string) ([]domain.Offer, error) {
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return nil, fmt.Errorf("%w: party id is required", services.ErrOfferInvalidInput)
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", partyID).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	offers := make([]domain.Offer, 0, len(docs))
	for _, doc := range docs {
		if doc.Data.DeletedAt != nil {
			continue
		}
		offers = append(offers, decodeOffer(doc.ID, doc.Data))
	}
	return offers, nil
}

func count(ctx context.Context, query firestore.Query) (int, error) {
	results, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("offers.count", err)
	}
	value, ok := results["total"].(*firestorepb.Value)
	if !ok {
		return 0, errors.New("offer repository: unexpected count result")
	}
	return int(value.GetIntegerValue()), nil
}

func currentStatus(doc offerDocument, now time.Time) domain.OfferStatus {
	return domain.NormalizeOfferStatus(doc.Status, doc.PurchaseDeadline, doc.ExpiresAt, now)
}

func encodeOffer(o domain.Offer) offerDocument {
	status := string(o.Status)
	if status == "" {
		status = o.RawStatus
	}
	return offerDocument{
		BuyerID:          o.BuyerID,
		SupplierID:       o.SupplierID,
		ProductID:        o.ProductID,
		OfferedPrice:     o.OfferedPrice,
		OfferedQuantity:  o.OfferedQuantity,
		Status:           status,
		Message:          o.Message,
		OrderID:          o.OrderID,
		RejectionReason:  o.RejectedReason,
		PurchaseDeadline: utc(o.PurchaseDeadline),
		ExpiresAt:        utc(o.ExpiresAt),
		AcceptedAt:       utc(o.AcceptedAt),
		ReservedAt:       utc(o.ReservedAt),
		PurchasedAt:      utc(o.PurchasedAt),
		ExpiredAt:        utc(o.ExpiredAt),
		RejectedAt:       utc(o.RejectedAt),
		CancelledAt:      utc(o.CancelledAt),
		CreatedAt:        o.CreatedAt.UTC(),
		UpdatedAt:        o.UpdatedAt.UTC(),
	}
}

// decodeOffer keeps the stored status label untouched in RawStatus; normalisation happens in the store.
func decodeOffer(id string, doc offerDocument) domain.Offer {
	return domain.Offer{
		ID:               id,
		BuyerID:          doc.BuyerID,
		SupplierID:       doc.SupplierID,
		ProductID:        doc.ProductID,
		OfferedPrice:     doc.OfferedPrice,
		OfferedQuantity:  doc.OfferedQuantity,
		Status:           domain.OfferStatus(doc.Status),
		RawStatus:        doc.Status,
		Message:          doc.Message,
		OrderID:          doc.OrderID,
		RejectedReason:   doc.RejectionReason,
		PurchaseDeadline: utc(doc.PurchaseDeadline),
		ExpiresAt:        utc(doc.ExpiresAt),
		AcceptedAt:       utc(doc.AcceptedAt),
		ReservedAt:       utc(doc.ReservedAt),
		PurchasedAt:      utc(doc.PurchasedAt),
		ExpiredAt:        utc(doc.ExpiredAt),
		RejectedAt:       utc(doc.RejectedAt),
		CancelledAt:      utc(doc.CancelledAt),
		CreatedAt:        doc.CreatedAt.UTC(),
		UpdatedAt:        doc.UpdatedAt.UTC(),
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
