package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	domain "github.com/tradedesk/offers-api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals bad request data such as a non-positive quantity or malformed tiers.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
	// ErrPricingUnavailable indicates the tier source could not produce a price.
	ErrPricingUnavailable = errors.New("pricing: unavailable")

	errTierSourceRequired = errors.New("price tier resolver: tier source is required")
)

const (
	maxTierValue          = 10_000_000
	defaultTierCacheTTL   = 5 * time.Minute
	tierFetchSourceRemote = "remote"
	tierFetchSourceCache  = "cache"
)

// TierValidation is the outcome of ValidatePriceTiers. Sorted is only populated when Valid.
type TierValidation struct {
	Valid  bool
	Errors []string
	Sorted []domain.PriceTier
}

// ValidatePriceTiers checks each band and the ladder they form once ordered by minimum quantity:
// bands must not share a minimum or overlap, and the price must not increase with quantity.
// Input is never repaired.
func ValidatePriceTiers(tiers []domain.PriceTier) TierValidation {
	var errs []string
	for i, tier := range tiers {
		if tier.MinQuantity <= 0 {
			errs = append(errs, fmt.Sprintf("tier %d: min quantity must be positive", i+1))
		}
		if tier.MinQuantity > maxTierValue {
			errs = append(errs, fmt.Sprintf("tier %d: min quantity exceeds %d", i+1, maxTierValue))
		}
		if tier.Price <= 0 {
			errs = append(errs, fmt.Sprintf("tier %d: price must be positive", i+1))
		}
		if tier.Price > maxTierValue {
			errs = append(errs, fmt.Sprintf("tier %d: price exceeds %d", i+1, maxTierValue))
		}
		if tier.MaxQuantity != nil {
			if *tier.MaxQuantity <= tier.MinQuantity {
				errs = append(errs, fmt.Sprintf("tier %d: max quantity must be greater than min quantity", i+1))
			}
			if *tier.MaxQuantity > maxTierValue {
				errs = append(errs, fmt.Sprintf("tier %d: max quantity exceeds %d", i+1, maxTierValue))
			}
		}
	}

	sorted := sortTiers(tiers)
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		switch {
		case prev.MinQuantity == cur.MinQuantity:
			errs = append(errs, fmt.Sprintf("duplicate band starting at quantity %d", cur.MinQuantity))
		case prev.MaxQuantity == nil:
			errs = append(errs, fmt.Sprintf("unbounded band starting at %d overlaps band starting at %d", prev.MinQuantity, cur.MinQuantity))
		case *prev.MaxQuantity >= cur.MinQuantity:
			errs = append(errs, fmt.Sprintf("band %d-%d overlaps band starting at %d", prev.MinQuantity, *prev.MaxQuantity, cur.MinQuantity))
		}
		if cur.Price > prev.Price {
			errs = append(errs, fmt.Sprintf("price increases from %d to %d at quantity %d", prev.Price, cur.Price, cur.MinQuantity))
		}
	}

	if len(errs) > 0 {
		return TierValidation{Valid: false, Errors: errs}
	}
	return TierValidation{Valid: true, Sorted: sorted}
}

func sortTiers(tiers []domain.PriceTier) []domain.PriceTier {
	sorted := domain.CloneTiers(tiers)
	if sorted == nil {
		sorted = []domain.PriceTier{}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinQuantity < sorted[j].MinQuantity
	})
	return sorted
}

// PriceResolution is the unit price applicable to a quantity.
type PriceResolution struct {
	ProductID        string
	Quantity         int
	Price            int64
	Tier             *domain.PriceTier
	TotalAmount      int64
	BasePriceApplied bool
}

// PriceTierResolverDeps wires the tier source and cache.
type PriceTierResolverDeps struct {
	Source   TierSource
	Cache    ScheduleCache
	CacheTTL time.Duration
	Metrics  EngineMetrics
	Tracer   trace.Tracer
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

// PriceTierResolver resolves quantity prices. Concurrent resolutions for an uncached product share a
// single fetch from the tier source.
type PriceTierResolver struct {
	source  TierSource
	cache   ScheduleCache
	metrics EngineMetrics
	tracer  trace.Tracer
	logger  func(context.Context, string, map[string]any)
	flight  singleflight.Group

	// generations is bumped by Invalidate so a fetch that raced a replacement never caches its result
	genMu       sync.Mutex
	generations map[string]uint64
}

// NewPriceTierResolver constructs a resolver. Without an explicit cache an in-memory cache with the
// configured TTL is used.
func NewPriceTierResolver(deps PriceTierResolverDeps) (*PriceTierResolver, error) {
	if deps.Source == nil {
		return nil, errTierSourceRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultTierCacheTTL
	}
	cache := deps.Cache
	if cache == nil {
		cache = NewMemoryScheduleCache(ttl, func() time.Time { return clock().UTC() })
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/tradedesk/offers-api/internal/services")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PriceTierResolver{
		source:  deps.Source,
		cache:   cache,
		metrics: metrics,
		tracer:      tracer,
		logger:      logger,
		generations: make(map[string]uint64),
	}, nil
}

// ResolvePrice returns the price of the band containing quantity, falling back to the base price.
func (r *PriceTierResolver) ResolvePrice(ctx context.Context, productID string, quantity int) (PriceResolution, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return PriceResolution{}, fmt.Errorf("%w: product id is required", ErrPricingInvalidInput)
	}
	if quantity <= 0 {
		return PriceResolution{}, fmt.Errorf("%w: quantity must be positive", ErrPricingInvalidInput)
	}

	schedule, err := r.Schedule(ctx, productID)
	if err != nil {
		return PriceResolution{}, err
	}

	resolution := PriceResolution{ProductID: productID, Quantity: quantity}
	if tier, ok := tierForQuantity(schedule.Tiers, quantity); ok {
		resolution.Price = tier.Price
		resolution.Tier = &tier
	} else {
		if schedule.BasePrice <= 0 {
			return PriceResolution{}, fmt.Errorf("%w: no price for product %s", ErrPricingUnavailable, productID)
		}
		resolution.Price = schedule.BasePrice
		resolution.BasePriceApplied = true
	}
	resolution.TotalAmount = resolution.Price * int64(quantity)
	return resolution, nil
}

// tierForQuantity expects tiers sorted by MinQuantity.
func tierForQuantity(tiers []domain.PriceTier, quantity int) (domain.PriceTier, bool) {
	idx := sort.Search(len(tiers), func(i int) bool {
		return tiers[i].MinQuantity > quantity
	})
	if idx == 0 {
		return domain.PriceTier{}, false
	}
	candidate := tiers[idx-1]
	if !candidate.Contains(quantity) {
		return domain.PriceTier{}, false
	}
	return domain.CloneTiers([]domain.PriceTier{candidate})[0], true
}

// Schedule returns the cached price schedule, fetching it once per burst when absent.
func (r *PriceTierResolver) Schedule(ctx context.Context, productID string) (domain.PriceSchedule, error) {
	if schedule, ok := r.cached(ctx, productID); ok {
		r.metrics.RecordTierFetch(ctx, tierFetchSourceCache)
		return schedule, nil
	}

	ch := r.flight.DoChan(productID, func() (any, error) {
		// a burst that started after the previous fetch landed hits the cache here
		if schedule, ok := r.cached(ctx, productID); ok {
			r.metrics.RecordTierFetch(ctx, tierFetchSourceCache)
			return schedule, nil
		}
		return r.fetch(ctx, productID)
	})

	select {
	case <-ctx.Done():
		return domain.PriceSchedule{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.PriceSchedule{}, res.Err
		}
		schedule := res.Val.(domain.PriceSchedule)
		schedule.Tiers = domain.CloneTiers(schedule.Tiers)
		return schedule, nil
	}
}

func (r *PriceTierResolver) fetch(ctx context.Context, productID string) (domain.PriceSchedule, error) {
	ctx, span := r.tracer.Start(ctx, "pricing.fetch_tiers", trace.WithAttributes(attribute.String("product.id", productID)))
	defer span.End()
	generation := r.generation(productID)

	tiers, err := r.source.ListTiers(ctx, productID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list tiers failed")
		r.logger(ctx, "pricing.fetch_failed", map[string]any{"productId": productID, "error": err.Error()})
		return domain.PriceSchedule{}, fmt.Errorf("%w: list tiers: %v", ErrPricingUnavailable, err)
	}
	r.metrics.RecordTierFetch(ctx, tierFetchSourceRemote)

	base, err := r.source.BasePrice(ctx, productID)
	if err != nil {
		if len(tiers) == 0 {
			span.RecordError(err)
			span.SetStatus(codes.Error, "base price failed")
			r.logger(ctx, "pricing.fetch_failed", map[string]any{"productId": productID, "error": err.Error()})
			return domain.PriceSchedule{}, fmt.Errorf("%w: base price: %v", ErrPricingUnavailable, err)
		}
		r.logger(ctx, "pricing.base_price_missing", map[string]any{"productId": productID, "error": err.Error()})
		base = 0
	}

	schedule := domain.PriceSchedule{ProductID: productID, BasePrice: base, Tiers: sortTiers(tiers)}
	if r.generation(productID) != generation {
		r.logger(ctx, "pricing.stale_fetch_discarded", map[string]any{"productId": productID})
		return schedule, nil
	}
	if err := r.cache.Put(ctx, schedule); err != nil {
		r.logger(ctx, "pricing.cache_error", map[string]any{"productId": productID, "op": "put", "error": err.Error()})
	}
	if r.generation(productID) != generation {
		// replaced while the entry was being written
		r.dropCached(ctx, productID)
	}
	return schedule, nil
}

func (r *PriceTierResolver) generation(productID string) uint64 {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	return r.generations[productID]
}

func (r *PriceTierResolver) cached(ctx context.Context, productID string) (domain.PriceSchedule, bool) {
	schedule, ok, err := r.cache.Get(ctx, productID)
	if err != nil {
		r.logger(ctx, "pricing.cache_error", map[string]any{"productId": productID, "op": "get", "error": err.Error()})
		return domain.PriceSchedule{}, false
	}
	return schedule, ok
}

// ReplaceTiers validates and persists a product's tiers. The final band is stored unbounded and the
// cached schedule is dropped. An empty list clears tiered pricing.
func (r *PriceTierResolver) ReplaceTiers(ctx context.Context, productID string, tiers []domain.PriceTier) (TierValidation, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return TierValidation{}, fmt.Errorf("%w: product id is required", ErrPricingInvalidInput)
	}

	validation := ValidatePriceTiers(tiers)
	if !validation.Valid {
		return validation, fmt.Errorf("%w: %s", ErrPricingInvalidInput, strings.Join(validation.Errors, "; "))
	}
	if n := len(validation.Sorted); n > 0 {
		validation.Sorted[n-1].MaxQuantity = nil
	}

	if err := r.source.ReplaceTiers(ctx, productID, validation.Sorted); err != nil {
		return TierValidation{}, fmt.Errorf("%w: replace tiers: %v", ErrPricingUnavailable, err)
	}
	r.Invalidate(ctx, productID)
	return validation, nil
}

// Invalidate drops the cached schedule for a product.
func (r *PriceTierResolver) Invalidate(ctx context.Context, productID string) {
	r.genMu.Lock()
	r.generations[productID]++
	r.genMu.Unlock()
	r.flight.Forget(productID)
	r.dropCached(ctx, productID)
}

func (r *PriceTierResolver) dropCached(ctx context.Context, productID string) {
	if err := r.cache.Invalidate(ctx, productID); err != nil {
		r.logger(ctx, "pricing.cache_error", map[string]any{"productId": productID, "op": "invalidate", "error": err.Error()})
	}
}
