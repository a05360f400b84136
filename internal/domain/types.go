package domain

import (
	"time"
)

// OfferStatus enumerates the canonical lifecycle states of a negotiated offer.
type OfferStatus string

const (
	// OfferStatusPending awaits a supplier response.
	OfferStatusPending OfferStatus = "pending"
	// OfferStatusApproved was accepted by the supplier; the buyer must reserve before the purchase deadline.
	OfferStatusApproved OfferStatus = "approved"
	// OfferStatusReserved was committed to by the buyer and stays visible in the cart.
	OfferStatusReserved OfferStatus = "reserved"
	// OfferStatusPaid completed checkout.
	OfferStatusPaid OfferStatus = "paid"
	// OfferStatusRejected was declined by the supplier.
	OfferStatusRejected OfferStatus = "rejected"
	// OfferStatusExpired passed one of its deadlines before progressing.
	OfferStatusExpired OfferStatus = "expired"
	// OfferStatusCancelled was withdrawn by the buyer.
	OfferStatusCancelled OfferStatus = "cancelled"
)

// Offer is a buyer/supplier negotiated price and quantity for one product.
type Offer struct {
	ID              string
	BuyerID         string
	SupplierID      string
	ProductID       string
	OfferedPrice    int64
	OfferedQuantity int
	Status          OfferStatus
	// RawStatus keeps the label exactly as persisted, including legacy aliases.
	RawStatus        string
	Message          string
	OrderID          string
	PurchaseDeadline *time.Time
	ExpiresAt        *time.Time
	AcceptedAt       *time.Time
	ReservedAt       *time.Time
	PurchasedAt      *time.Time
	ExpiredAt        *time.Time
	RejectedAt       *time.Time
	CancelledAt      *time.Time
	RejectedReason   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CanonicalStatus re-derives the status at the supplied instant so that a stale stored label is never trusted.
func (o Offer) CanonicalStatus(now time.Time) OfferStatus {
	raw := string(o.Status)
	if raw == "" {
		raw = o.RawStatus
	}
	return NormalizeOfferStatus(raw, o.PurchaseDeadline, o.ExpiresAt, now)
}

// CartItem is a single line in a buyer cart. OfferID links the line to a negotiated offer.
type CartItem struct {
	ID           string
	ProductID    string
	Quantity     int
	OfferID      string
	OfferedPrice *int64
	AddedAt      time.Time
}

// HasOffer reports whether the line references an offer.
func (i CartItem) HasOffer() bool {
	return i.OfferID != ""
}

// OfferLimitUsage reports how many offers a buyer created in the current window against the configured limits.
type OfferLimitUsage struct {
	ProductCount  int
	SupplierCount int
	ProductLimit  int
	SupplierLimit int
}

// Allowed reports whether another offer may be created.
func (u OfferLimitUsage) Allowed() bool {
	return u.ProductCount < u.ProductLimit && u.SupplierCount < u.SupplierLimit
}

// CloneTime returns a copy of the pointer target so snapshots never share mutable timestamps.
func CloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}

// CloneOffer deep copies the pointer fields of an offer.
func CloneOffer(o Offer) Offer {
	dup := o
	dup.PurchaseDeadline = CloneTime(o.PurchaseDeadline)
	dup.ExpiresAt = CloneTime(o.ExpiresAt)
	dup.AcceptedAt = CloneTime(o.AcceptedAt)
	dup.ReservedAt = CloneTime(o.ReservedAt)
	dup.PurchasedAt = CloneTime(o.PurchasedAt)
	dup.ExpiredAt = CloneTime(o.ExpiredAt)
	dup.RejectedAt = CloneTime(o.RejectedAt)
	dup.CancelledAt = CloneTime(o.CancelledAt)
	return dup
}
