package handlers

import (
	"time"

	domain "github.com/tradedesk/offers-api/internal/domain"
)

type offerPayload struct {
	ID                   string     `json:"id"`
	BuyerID              string     `json:"buyerId"`
	SupplierID           string     `json:"supplierId"`
	ProductID            string     `json:"productId"`
	OfferedPrice         int64      `json:"offeredPrice"`
	OfferedQuantity      int        `json:"offeredQuantity"`
	Status               string     `json:"status"`
	Message              string     `json:"message,omitempty"`
	OrderID              string     `json:"orderId,omitempty"`
	RejectionReason      string     `json:"rejectionReason,omitempty"`
	PurchaseDeadline     *time.Time `json:"purchaseDeadline,omitempty"`
	ExpiresAt            *time.Time `json:"expiresAt,omitempty"`
	AcceptedAt           *time.Time `json:"acceptedAt,omitempty"`
	ReservedAt           *time.Time `json:"reservedAt,omitempty"`
	ExpiredAt            *time.Time `json:"expiredAt,omitempty"`
	RejectedAt           *time.Time `json:"rejectedAt,omitempty"`
	CancelledAt          *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	TimeRemainingSeconds int64      `json:"timeRemainingSeconds"`
}

type offerListResponse struct {
	Offers []offerPayload `json:"offers"`
}

type transitionResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Offer   *offerPayload `json:"offer,omitempty"`
}

type cartItemPayload struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"productId"`
	Quantity     int       `json:"quantity"`
	OfferID      string    `json:"offerId,omitempty"`
	OfferedPrice *int64    `json:"offeredPrice,omitempty"`
	AddedAt      time.Time `json:"addedAt"`
}

type cartResponse struct {
	Items []cartItemPayload `json:"items"`
}

func buildOfferPayload(offer domain.Offer, now time.Time) offerPayload {
	return offerPayload{
		ID:                   offer.ID,
		BuyerID:              offer.BuyerID,
		SupplierID:           offer.SupplierID,
		ProductID:            offer.ProductID,
		OfferedPrice:         offer.OfferedPrice,
		OfferedQuantity:      offer.OfferedQuantity,
		Status:               string(offer.CanonicalStatus(now)),
		Message:              offer.Message,
		OrderID:              offer.OrderID,
		RejectionReason:      offer.RejectedReason,
		PurchaseDeadline:     offer.PurchaseDeadline,
		ExpiresAt:            offer.ExpiresAt,
		AcceptedAt:           offer.AcceptedAt,
		ReservedAt:           offer.ReservedAt,
		ExpiredAt:            offer.ExpiredAt,
		RejectedAt:           offer.RejectedAt,
		CancelledAt:          offer.CancelledAt,
		CreatedAt:            offer.CreatedAt,
		TimeRemainingSeconds: int64(domain.TimeRemaining(offer, now) / time.Second),
	}
}

func buildCartItemPayload(item domain.CartItem) cartItemPayload {
	return cartItemPayload{
		ID:           item.ID,
		ProductID:    item.ProductID,
		Quantity:     item.Quantity,
		OfferID:      item.OfferID,
		OfferedPrice: item.OfferedPrice,
		AddedAt:      item.AddedAt,
	}
}
