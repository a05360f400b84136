package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/tradedesk/offers-api/internal/domain"
)

// ErrCartUnavailable indicates the cart store could not be read or written.
var ErrCartUnavailable = errors.New("cart consistency: cart unavailable")

var errCartStoreRequired = errors.New("cart consistency: cart store is required")

// PruneResult is the outcome of one consistency pass over a cart.
type PruneResult struct {
	Kept            []domain.CartItem
	RemovedCount    int
	RemovedOfferIDs []string
}

// PruneCart removes cart lines whose referenced offer is known and currently in a cart-invalidating
// status. Statuses are re-derived at now. Lines without an offer reference, or referencing an offer
// absent from offers, are always kept. When the same offer id appears more than once the first
// occurrence wins.
func PruneCart(items []domain.CartItem, offers []domain.Offer, now time.Time) PruneResult {
	statuses := make(map[string]domain.OfferStatus, len(offers))
	for _, offer := range offers {
		id := strings.TrimSpace(offer.ID)
		if id == "" {
			continue
		}
		if _, seen := statuses[id]; seen {
			continue
		}
		statuses[id] = offer.CanonicalStatus(now)
	}

	result := PruneResult{Kept: make([]domain.CartItem, 0, len(items))}
	var removed map[string]struct{}
	for _, item := range items {
		offerID := strings.TrimSpace(item.OfferID)
		if offerID != "" {
			if status, ok := statuses[offerID]; ok && status.InvalidatesCart() {
				result.RemovedCount++
				if removed == nil {
					removed = make(map[string]struct{})
				}
				if _, dup := removed[offerID]; !dup {
					removed[offerID] = struct{}{}
					result.RemovedOfferIDs = append(result.RemovedOfferIDs, offerID)
				}
				continue
			}
		}
		result.Kept = append(result.Kept, item)
	}
	return result
}

// OffersChangedReason names what replaced an offer snapshot.
type OffersChangedReason string

const (
	OffersChangedBuyerLoad    OffersChangedReason = "load_buyer"
	OffersChangedSupplierLoad OffersChangedReason = "load_supplier"
	OffersChangedTransition   OffersChangedReason = "transition"
	OffersChangedDeleted      OffersChangedReason = "deleted"
	OffersChangedCreated      OffersChangedReason = "created"
	OffersChangedManual       OffersChangedReason = "manual"
)

// OffersChangedEvent is emitted after the offer collections of a store are replaced.
// Offers holds the buyer snapshot followed by the supplier snapshot.
type OffersChangedEvent struct {
	Reason OffersChangedReason
	Offers []domain.Offer
	At     time.Time
}

// OffersChangedHandler reacts to offer snapshot replacement.
type OffersChangedHandler interface {
	OffersChanged(ctx context.Context, event OffersChangedEvent) error
}

// CartConsistencyDeps wires the cart reconciler.
type CartConsistencyDeps struct {
	Cart    CartStore
	Metrics EngineMetrics
	Logger  func(context.Context, string, map[string]any)
}

// CartConsistency keeps a cart consistent with the offers it references.
type CartConsistency struct {
	cart    CartStore
	metrics EngineMetrics
	logger  func(context.Context, string, map[string]any)

	// serialises read-modify-write cycles against the cart store
	mu sync.Mutex
}

// NewCartConsistency constructs the reconciler for a single cart.
func NewCartConsistency(deps CartConsistencyDeps) (*CartConsistency, error) {
	if deps.Cart == nil {
		return nil, errCartStoreRequired
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CartConsistency{
		cart:    deps.Cart,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// OffersChanged runs the consistency pass for the event snapshot.
func (c *CartConsistency) OffersChanged(ctx context.Context, event OffersChangedEvent) error {
	result, err := c.Reconcile(ctx, event.Offers, event.At)
	if err != nil {
		c.logger(ctx, "cart.prune_failed", map[string]any{
			"reason": string(event.Reason),
			"error":  err.Error(),
		})
		return err
	}
	if result.RemovedCount > 0 {
		c.logger(ctx, "cart.pruned", map[string]any{
			"reason":   string(event.Reason),
			"removed":  result.RemovedCount,
			"offerIds": result.RemovedOfferIDs,
			"kept":     len(result.Kept),
		})
	}
	return nil
}

// Reconcile reads the cart, prunes it against offers and writes the kept lines back with a single
// bulk replace when anything was removed.
func (c *CartConsistency) Reconcile(ctx context.Context, offers []domain.Offer, now time.Time) (PruneResult, error) {
	if c == nil || c.cart == nil {
		return PruneResult{}, ErrCartUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	items, err := c.cart.Items(ctx)
	if err != nil {
		return PruneResult{}, fmt.Errorf("%w: read cart: %v", ErrCartUnavailable, err)
	}

	result := PruneCart(items, offers, now)
	if result.RemovedCount == 0 {
		return result, nil
	}
	if err := c.cart.SetItems(ctx, result.Kept); err != nil {
		return PruneResult{}, fmt.Errorf("%w: write cart: %v", ErrCartUnavailable, err)
	}
	c.metrics.RecordCartPruned(ctx, result.RemovedCount)
	return result, nil
}

// Items returns the current cart lines.
func (c *CartConsistency) Items(ctx context.Context) ([]domain.CartItem, error) {
	if c == nil || c.cart == nil {
		return nil, ErrCartUnavailable
	}
	items, err := c.cart.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read cart: %v", ErrCartUnavailable, err)
	}
	return items, nil
}
