package domain

import (
	"testing"
	"time"
)

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestNormalizeOfferStatusAliases(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	cases := map[string]OfferStatus{
		"pending":     OfferStatusPending,
		"accepted":    OfferStatusApproved,
		"APPROVED":    OfferStatusApproved,
		" purchased ": OfferStatusReserved,
		"reserved":    OfferStatusReserved,
		"paid":        OfferStatusPaid,
		"rejected":    OfferStatusRejected,
		"expired":     OfferStatusExpired,
		"canceled":    OfferStatusCancelled,
		"cancelled":   OfferStatusCancelled,
		"":            OfferStatusPending,
		"mystery":     OfferStatusPending,
	}
	for raw, want := range cases {
		if got := NormalizeOfferStatus(raw, nil, nil, now); got != want {
			t.Fatalf("normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeOfferStatusDeadlineOverride(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	past := timePtr(now.Add(-5 * time.Minute))
	future := timePtr(now.Add(time.Hour))

	if got := NormalizeOfferStatus("approved", past, nil, now); got != OfferStatusExpired {
		t.Fatalf("expected expired for passed purchase deadline, got %q", got)
	}
	if got := NormalizeOfferStatus("pending", nil, past, now); got != OfferStatusExpired {
		t.Fatalf("expected expired for passed expiry, got %q", got)
	}
	if got := NormalizeOfferStatus("accepted", timePtr(now), future, now); got != OfferStatusExpired {
		t.Fatalf("deadline equal to now must expire, got %q", got)
	}
	if got := NormalizeOfferStatus("approved", future, future, now); got != OfferStatusApproved {
		t.Fatalf("expected approved, got %q", got)
	}
	// terminal labels are never overridden
	if got := NormalizeOfferStatus("purchased", past, past, now); got != OfferStatusReserved {
		t.Fatalf("expected reserved, got %q", got)
	}
	if got := NormalizeOfferStatus("paid", past, nil, now); got != OfferStatusPaid {
		t.Fatalf("expected paid, got %q", got)
	}
}

func TestNormalizeOfferStatusIsPure(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(-time.Minute)
	ptr := &deadline
	first := NormalizeOfferStatus("approved", ptr, nil, now)
	second := NormalizeOfferStatus("approved", ptr, nil, now)
	if first != second {
		t.Fatalf("expected stable output, got %q then %q", first, second)
	}
	if !ptr.Equal(now.Add(-time.Minute)) {
		t.Fatalf("deadline mutated: %v", ptr)
	}
}

func TestOfferCanonicalStatusKeepsTerms(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	offer := Offer{ID: "o1", RawStatus: "purchased", OfferedPrice: 100, OfferedQuantity: 2}
	if got := offer.CanonicalStatus(now); got != OfferStatusReserved {
		t.Fatalf("expected reserved, got %q", got)
	}
	if offer.OfferedPrice != 100 || offer.OfferedQuantity != 2 {
		t.Fatalf("terms changed: %+v", offer)
	}
}

func TestStatusClassification(t *testing.T) {
	invalidating := []OfferStatus{OfferStatusRejected, OfferStatusExpired, OfferStatusCancelled, OfferStatusPaid}
	for _, status := range invalidating {
		if !status.InvalidatesCart() {
			t.Fatalf("expected %q to invalidate cart", status)
		}
		if !status.IsTerminal() {
			t.Fatalf("expected %q to be terminal", status)
		}
	}
	if OfferStatusReserved.InvalidatesCart() {
		t.Fatalf("reserved must stay in cart")
	}
	if !OfferStatusReserved.IsTerminal() {
		t.Fatalf("reserved must be terminal for reservation")
	}
	if OfferStatusApproved.IsTerminal() || OfferStatusPending.IsTerminal() {
		t.Fatalf("pending/approved must not be terminal")
	}
}

func TestTimeRemaining(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	pending := Offer{Status: OfferStatusPending, ExpiresAt: timePtr(now.Add(90*time.Minute + 500*time.Millisecond))}
	if got := TimeRemaining(pending, now); got != 90*time.Minute {
		t.Fatalf("expected 90m, got %v", got)
	}
	approved := Offer{Status: OfferStatusApproved, PurchaseDeadline: timePtr(now.Add(2 * time.Hour)), ExpiresAt: timePtr(now.Add(3 * time.Hour))}
	if got := TimeRemaining(approved, now); got != 2*time.Hour {
		t.Fatalf("expected purchase window, got %v", got)
	}
	expired := Offer{Status: OfferStatusApproved, PurchaseDeadline: timePtr(now.Add(-time.Minute))}
	if got := TimeRemaining(expired, now); got != 0 {
		t.Fatalf("expected zero for expired offer, got %v", got)
	}
	if got := TimeRemaining(Offer{Status: OfferStatusReserved}, now); got != 0 {
		t.Fatalf("expected zero for reserved offer, got %v", got)
	}
}

func TestPriceTierContains(t *testing.T) {
	maxQty := 9
	bounded := PriceTier{MinQuantity: 5, MaxQuantity: &maxQty, Price: 90}
	if bounded.Contains(4) || !bounded.Contains(5) || !bounded.Contains(9) || bounded.Contains(10) {
		t.Fatalf("bounded tier containment wrong")
	}
	open := PriceTier{MinQuantity: 10, Price: 80}
	if !open.Contains(1_000_000) || open.Contains(9) {
		t.Fatalf("open tier containment wrong")
	}
	cloned := CloneTiers([]PriceTier{bounded})
	*cloned[0].MaxQuantity = 100
	if *bounded.MaxQuantity != 9 {
		t.Fatalf("clone shares max pointer")
	}
}
