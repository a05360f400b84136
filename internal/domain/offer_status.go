package domain

import (
	"strings"
	"time"
)

// statusAliases maps persisted labels, including legacy ones, onto canonical statuses.
var statusAliases = map[string]OfferStatus{
	"pending":   OfferStatusPending,
	"approved":  OfferStatusApproved,
	"accepted":  OfferStatusApproved,
	"reserved":  OfferStatusReserved,
	"purchased": OfferStatusReserved,
	"paid":      OfferStatusPaid,
	"rejected":  OfferStatusRejected,
	"expired":   OfferStatusExpired,
	"cancelled": OfferStatusCancelled,
	"canceled":  OfferStatusCancelled,
}

// ParseOfferStatus maps a raw label onto the canonical enum. Unknown labels fall back to pending
// so a misclassified offer is never treated as cart-invalidating.
func ParseOfferStatus(raw string) OfferStatus {
	if status, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return OfferStatusPending
}

// NormalizeOfferStatus derives the canonical status from the stored label and deadlines at now.
// A pending or approved offer whose purchase deadline or expiry is at or before now is expired.
func NormalizeOfferStatus(raw string, purchaseDeadline, expiresAt *time.Time, now time.Time) OfferStatus {
	status := ParseOfferStatus(raw)
	if status != OfferStatusPending && status != OfferStatusApproved {
		return status
	}
	if deadlinePassed(purchaseDeadline, now) || deadlinePassed(expiresAt, now) {
		return OfferStatusExpired
	}
	return status
}

// IsTerminal reports whether no further buyer-initiated transition is accepted.
func (s OfferStatus) IsTerminal() bool {
	switch s {
	case OfferStatusReserved, OfferStatusPaid, OfferStatusRejected, OfferStatusExpired, OfferStatusCancelled:
		return true
	default:
		return false
	}
}

// InvalidatesCart reports whether cart lines referencing an offer in this status must be removed.
func (s OfferStatus) InvalidatesCart() bool {
	switch s {
	case OfferStatusRejected, OfferStatusExpired, OfferStatusCancelled, OfferStatusPaid:
		return true
	default:
		return false
	}
}

// TimeRemaining returns how long the offer has left in its current window: the response window while
// pending, the purchase window while approved, and zero otherwise.
func TimeRemaining(o Offer, now time.Time) time.Duration {
	var deadline *time.Time
	switch o.CanonicalStatus(now) {
	case OfferStatusPending:
		deadline = o.ExpiresAt
	case OfferStatusApproved:
		deadline = o.PurchaseDeadline
	}
	if deadline == nil {
		return 0
	}
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining.Truncate(time.Second)
}

func deadlinePassed(deadline *time.Time, now time.Time) bool {
	return deadline != nil && !deadline.IsZero() && !deadline.After(now)
}
