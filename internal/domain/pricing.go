package domain

// PriceTier is one quantity band of a product's price schedule. A nil MaxQuantity means "and above".
type PriceTier struct {
	MinQuantity int
	MaxQuantity *int
	Price       int64
}

// Contains reports whether quantity falls inside the band.
func (t PriceTier) Contains(quantity int) bool {
	if quantity < t.MinQuantity {
		return false
	}
	return t.MaxQuantity == nil || quantity <= *t.MaxQuantity
}

// PriceSchedule is the complete pricing view of a product used for quantity resolution.
type PriceSchedule struct {
	ProductID string
	BasePrice int64
	Tiers     []PriceTier
}

// CloneTiers copies tiers including their bound pointers.
func CloneTiers(tiers []PriceTier) []PriceTier {
	if tiers == nil {
		return nil
	}
	out := make([]PriceTier, len(tiers))
	for i, tier := range tiers {
		out[i] = tier
		if tier.MaxQuantity != nil {
			maxQty := *tier.MaxQuantity
			out[i].MaxQuantity = &maxQty
		}
	}
	return out
}
