package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	domain "github.com/tradedesk/offers-api/internal/domain"
	"github.com/tradedesk/offers-api/internal/repositories"
)

var (
	// ErrOfferInvalidInput indicates the caller supplied invalid input.
	ErrOfferInvalidInput = errors.New("offer store: invalid input")
	// ErrOfferNotFound indicates the offer is not part of the loaded collections.
	ErrOfferNotFound = errors.New("offer store: offer not found")
	// ErrOfferUnavailable indicates the offer listing could not be fetched.
	ErrOfferUnavailable = errors.New("offer store: unavailable")
	// ErrOfferRemote indicates the remote transition failed or refused the request.
	ErrOfferRemote = errors.New("offer store: remote operation failed")

	errOfferGatewayRequired = errors.New("offer store: gateway is required")
)

const (
	defaultOfferCacheTTL       = 30 * time.Second
	defaultOfferCallTimeout    = 30 * time.Second
	defaultOfferLoadAttempts   = 3
	defaultOfferResponseWindow = 48 * time.Hour
	defaultOfferProductLimit   = 3
	defaultOfferSupplierLimit  = 5

	maxOfferQuantity      = 1_000_000
	maxOfferMessageLength = 1000

	// ReserveDeadlineError is returned when a reservation arrives after the purchase deadline.
	ReserveDeadlineError = "purchase deadline has passed"
	// DeleteNotPendingError is returned when deleting an offer that already left PENDING.
	DeleteNotPendingError = "only pending offers can be deleted"
)

// OfferStoreDeps wires the collaborators and policy of an OfferStore.
type OfferStoreDeps struct {
	Gateway        OfferGateway
	Publisher      OfferEventPublisher
	Metrics        EngineMetrics
	Tracer         trace.Tracer
	Clock          func() time.Time
	Logger         func(context.Context, string, map[string]any)
	IDGenerator    func() string
	Sleep          func(context.Context, time.Duration) error
	CacheTTL       time.Duration
	CallTimeout    time.Duration
	LoadAttempts   int
	LoadBackoff    gax.Backoff
	ResponseWindow time.Duration
	ProductLimit   int
	SupplierLimit  int
}

// TransitionResult is the structured outcome of a lifecycle transition. Business rejections are
// reported with Success false and a nil error.
type TransitionResult struct {
	Success bool
	Error   string
	Offer   domain.Offer
}

// CreateOfferCommand describes a new offer submitted by a buyer.
type CreateOfferCommand struct {
	BuyerID    string
	SupplierID string
	ProductID  string
	Price      int64
	Quantity   int
	Message    string
}

type loadEntry struct {
	partyID string
	expires time.Time
}

// OfferStore holds the buyer-side and supplier-side offer collections of one user and runs the
// lifecycle transitions against the remote gateway. Collections are replaced wholesale on every
// change and listeners run synchronously before the changing call returns.
type OfferStore struct {
	gateway   OfferGateway
	publisher OfferEventPublisher
	metrics   EngineMetrics
	tracer    trace.Tracer
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
	newID     func() string
	sleep     func(context.Context, time.Duration) error
	sanitizer *bluemonday.Policy

	cacheTTL       time.Duration
	callTimeout    time.Duration
	loadAttempts   int
	loadBackoff    gax.Backoff
	responseWindow time.Duration
	productLimit   int
	supplierLimit  int

	mu       sync.RWMutex
	buyer    []domain.Offer
	supplier []domain.Offer

	listenersMu  sync.Mutex
	listeners    map[uint64]OffersChangedHandler
	nextListener uint64

	flight  singleflight.Group
	cacheMu sync.Mutex
	loaded  map[string]loadEntry
}

// NewOfferStore constructs an OfferStore enforcing dependency validation.
func NewOfferStore(deps OfferStoreDeps) (*OfferStore, error) {
	if deps.Gateway == nil {
		return nil, errOfferGatewayRequired
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/tradedesk/offers-api/internal/services")
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = gax.Sleep
	}

	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultOfferCacheTTL
	}
	callTimeout := deps.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultOfferCallTimeout
	}
	attempts := deps.LoadAttempts
	if attempts <= 0 {
		attempts = defaultOfferLoadAttempts
	}
	backoff := deps.LoadBackoff
	if backoff.Initial <= 0 {
		backoff.Initial = 10 * time.Millisecond
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = 2
	}
	if backoff.Max <= 0 {
		backoff.Max = time.Second
	}
	window := deps.ResponseWindow
	if window <= 0 {
		window = defaultOfferResponseWindow
	}
	productLimit := deps.ProductLimit
	if productLimit <= 0 {
		productLimit = defaultOfferProductLimit
	}
	supplierLimit := deps.SupplierLimit
	if supplierLimit <= 0 {
		supplierLimit = defaultOfferSupplierLimit
	}

	return &OfferStore{
		gateway:        deps.Gateway,
		publisher:      deps.Publisher,
		metrics:        metrics,
		tracer:         tracer,
		now:            func() time.Time { return clock().UTC() },
		logger:         logger,
		newID:          idGen,
		sleep:          sleep,
		sanitizer:      bluemonday.StrictPolicy(),
		cacheTTL:       ttl,
		callTimeout:    callTimeout,
		loadAttempts:   attempts,
		loadBackoff:    backoff,
		responseWindow: window,
		productLimit:   productLimit,
		supplierLimit:  supplierLimit,
		buyer:          []domain.Offer{},
		supplier:       []domain.Offer{},
		listeners:      make(map[uint64]OffersChangedHandler),
		loaded:         make(map[string]loadEntry),
	}, nil
}

// Subscribe registers a handler invoked after every collection replacement. The returned func
// removes the handler.
func (s *OfferStore) Subscribe(handler OffersChangedHandler) func() {
	if handler == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = handler
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// BuyerOffers returns the buyer collection with statuses re-derived at the current time.
func (s *OfferStore) BuyerOffers() []domain.Offer {
	s.mu.RLock()
	snapshot := s.buyer
	s.mu.RUnlock()
	return s.normalisedCopy(snapshot)
}

// SupplierOffers returns the supplier collection with statuses re-derived at the current time.
func (s *OfferStore) SupplierOffers() []domain.Offer {
	s.mu.RLock()
	snapshot := s.supplier
	s.mu.RUnlock()
	return s.normalisedCopy(snapshot)
}

// Offer looks up an offer in the buyer collection first, then the supplier collection.
func (s *OfferStore) Offer(offerID string) (domain.Offer, bool) {
	offer, ok := s.find(strings.TrimSpace(offerID))
	if !ok {
		return domain.Offer{}, false
	}
	offer.Status = offer.CanonicalStatus(s.now())
	return offer, true
}

// LoadBuyerOffers replaces the buyer collection from the remote listing and runs the consistency pass.
func (s *OfferStore) LoadBuyerOffers(ctx context.Context, buyerID string) ([]domain.Offer, error) {
	return s.load(ctx, "buyer", buyerID, s.gateway.ListBuyerOffers, OffersChangedBuyerLoad)
}

// LoadSupplierOffers replaces the supplier collection from the remote listing and runs the consistency pass.
func (s *OfferStore) LoadSupplierOffers(ctx context.Context, supplierID string) ([]domain.Offer, error) {
	return s.load(ctx, "supplier", supplierID, s.gateway.ListSupplierOffers, OffersChangedSupplierLoad)
}

func (s *OfferStore) load(
	ctx context.Context,
	collection string,
	partyID string,
	list func(context.Context, string) ([]domain.Offer, error),
	reason OffersChangedReason,
) ([]domain.Offer, error) {
	partyID = strings.TrimSpace(partyID)
	if partyID == "" {
		return nil, fmt.Errorf("%w: %s id is required", ErrOfferInvalidInput, collection)
	}

	if s.cacheFresh(collection, partyID) {
		// statuses may have crossed a deadline since the listing was cached
		if err := s.notify(ctx, reason); err != nil {
			s.logger(ctx, "offers.consistency_failed", map[string]any{"collection": collection, "error": err.Error()})
		}
		return s.collection(collection), nil
	}

	key := collection + ":" + partyID
	ch := s.flight.DoChan(key, func() (any, error) {
		ctx, cancel := s.detach(ctx)
		defer cancel()

		offers, err := s.listWithRetry(ctx, collection, partyID, list)
		if err != nil {
			s.dropCache(collection)
			s.logger(ctx, "offers.load_failed", map[string]any{
				"collection": collection,
				"partyId":    partyID,
				"error":      err.Error(),
			})
			if errors.Is(err, ErrOfferInvalidInput) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: load %s offers: %v", ErrOfferUnavailable, collection, err)
		}

		now := s.now()
		normalised := make([]domain.Offer, 0, len(offers))
		for _, offer := range offers {
			offer = domain.CloneOffer(offer)
			if offer.RawStatus == "" {
				offer.RawStatus = string(offer.Status)
			}
			offer.Status = offer.CanonicalStatus(now)
			normalised = append(normalised, offer)
		}
		s.replace(collection, normalised)
		s.markCache(collection, partyID)
		s.notify(ctx, reason)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return s.collection(collection), nil
	}
}

func (s *OfferStore) listWithRetry(
	ctx context.Context,
	collection string,
	partyID string,
	list func(context.Context, string) ([]domain.Offer, error),
) ([]domain.Offer, error) {
	ctx, span := s.tracer.Start(ctx, "offers.load", trace.WithAttributes(
		attribute.String("offers.collection", collection),
	))
	defer span.End()

	backoff := s.loadBackoff
	var lastErr error
	for attempt := 1; attempt <= s.loadAttempts; attempt++ {
		offers, err := list(ctx, partyID)
		if err == nil {
			return offers, nil
		}
		lastErr = err
		if !retryableLoadError(err) || attempt == s.loadAttempts {
			break
		}
		pause := backoff.Pause()
		s.logger(ctx, "offers.load_retry", map[string]any{
			"collection": collection,
			"attempt":    attempt,
			"pause":      pause.String(),
			"error":      err.Error(),
		})
		if err := s.sleep(ctx, pause); err != nil {
			lastErr = err
			break
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "load failed")
	return nil, lastErr
}

func retryableLoadError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrOfferInvalidInput) {
		return false
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return !repoErr.IsNotFound() && !repoErr.IsConflict()
	}
	return true
}

// AcceptOffer moves a pending offer to approved. The purchase deadline returned by the remote is
// merged in and mirrored onto expires_at only when present.
func (s *OfferStore) AcceptOffer(ctx context.Context, offerID string) (TransitionResult, error) {
	offerID = strings.TrimSpace(offerID)
	if offerID == "" {
		return TransitionResult{}, fmt.Errorf("%w: offer id is required", ErrOfferInvalidInput)
	}
	return s.coalesce(ctx, "accept:"+offerID, func(ctx context.Context) (TransitionResult, error) {
		current, ok := s.find(offerID)
		if !ok {
			return TransitionResult{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
		}
		if status := current.CanonicalStatus(s.now()); status != domain.OfferStatusPending {
			return rejected(current, status, fmt.Sprintf("offer is %s", status)), nil
		}

		ctx, span := s.startSpan(ctx, "offers.accept", offerID)
		defer span.End()

		res, err := s.gateway.AcceptOffer(ctx, offerID)
		if err != nil {
			return s.remoteFailure(ctx, span, "accept", offerID, err)
		}

		now := s.now()
		updated, ok := s.mutate(offerID, func(o *domain.Offer) {
			o.Status = domain.OfferStatusApproved
			o.RawStatus = string(domain.OfferStatusApproved)
			o.AcceptedAt = &now
			o.UpdatedAt = now
			if res.PurchaseDeadline != nil {
				deadline := res.PurchaseDeadline.UTC()
				o.PurchaseDeadline = &deadline
				expires := deadline
				o.ExpiresAt = &expires
			}
		})
		if !ok {
			updated = domain.Offer{ID: offerID, Status: domain.OfferStatusApproved, PurchaseDeadline: domain.CloneTime(res.PurchaseDeadline)}
		}
		s.completeTransition(ctx, "accept", OfferEventAccepted, updated, "")
		return TransitionResult{Success: true, Offer: updated}, nil
	})
}

// RejectOffer moves a non-terminal offer to rejected, forwarding the reason to the remote.
func (s *OfferStore) RejectOffer(ctx context.Context, offerID string, reason string) (TransitionResult, error) {
	offerID = strings.TrimSpace(offerID)
	if offerID == "" {
		return TransitionResult{}, fmt.Errorf("%w: offer id is required", ErrOfferInvalidInput)
	}
	reason = s.sanitize(reason)
	return s.coalesce(ctx, "reject:"+offerID, func(ctx context.Context) (TransitionResult, error) {
		current, ok := s.find(offerID)
		if !ok {
			return TransitionResult{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
		}
		if status := current.CanonicalStatus(s.now()); status.IsTerminal() {
			return rejected(current, status, fmt.Sprintf("offer is %s", status)), nil
		}

		ctx, span := s.startSpan(ctx, "offers.reject", offerID)
		defer span.End()

		if err := s.gateway.RejectOffer(ctx, offerID, reason); err != nil {
			return s.remoteFailure(ctx, span, "reject", offerID, err)
		}

		now := s.now()
		updated, ok := s.mutate(offerID, func(o *domain.Offer) {
			o.Status = domain.OfferStatusRejected
			o.RawStatus = string(domain.OfferStatusRejected)
			o.RejectedAt = &now
			o.RejectedReason = reason
			o.UpdatedAt = now
		})
		if !ok {
			updated = domain.Offer{ID: offerID, Status: domain.OfferStatusRejected, RejectedReason: reason}
		}
		s.completeTransition(ctx, "reject", OfferEventRejected, updated, reason)
		return TransitionResult{Success: true, Offer: updated}, nil
	})
}

// ReserveOffer commits the buyer to an approved offer. Reserved or paid offers are refused without a
// remote call; an offer past its purchase deadline is expired locally and refused. Local state only
// changes to reserved when the remote reports success.
func (s *OfferStore) ReserveOffer(ctx context.Context, offerID string, orderID string) (TransitionResult, error) {
	offerID = strings.TrimSpace(offerID)
	if offerID == "" {
		return TransitionResult{}, fmt.Errorf("%w: offer id is required", ErrOfferInvalidInput)
	}
	orderID = strings.TrimSpace(orderID)
	return s.coalesce(ctx, "reserve:"+offerID, func(ctx context.Context) (TransitionResult, error) {
		current, ok := s.find(offerID)
		if !ok {
			return TransitionResult{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
		}

		now := s.now()
		status := current.CanonicalStatus(now)
		switch status {
		case domain.OfferStatusReserved, domain.OfferStatusPaid:
			return rejected(current, status, "offer already reserved"), nil
		case domain.OfferStatusRejected, domain.OfferStatusCancelled:
			return rejected(current, status, fmt.Sprintf("offer is %s", status)), nil
		}
		if current.PurchaseDeadline != nil && !current.PurchaseDeadline.After(now) {
			if current.Status == domain.OfferStatusExpired && current.ExpiredAt != nil {
				return rejected(current, domain.OfferStatusExpired, ReserveDeadlineError), nil
			}
			expired, _ := s.mutate(offerID, func(o *domain.Offer) {
				o.Status = domain.OfferStatusExpired
				o.RawStatus = string(domain.OfferStatusExpired)
				o.ExpiredAt = &now
				o.UpdatedAt = now
			})
			s.logger(ctx, "offers.reserve_deadline_passed", map[string]any{
				"offerId":  offerID,
				"deadline": current.PurchaseDeadline.Format(time.RFC3339),
			})
			s.completeTransition(ctx, "expire", OfferEventExpired, expired, "")
			return TransitionResult{Success: false, Error: ReserveDeadlineError, Offer: expired}, nil
		}
		if status != domain.OfferStatusApproved {
			return rejected(current, status, fmt.Sprintf("offer is %s", status)), nil
		}

		ctx, span := s.startSpan(ctx, "offers.reserve", offerID)
		defer span.End()

		res, err := s.gateway.MarkPurchased(ctx, offerID, orderID)
		if err != nil {
			return s.remoteFailure(ctx, span, "reserve", offerID, err)
		}
		if !res.Success {
			msg := strings.TrimSpace(res.Error)
			if msg == "" {
				msg = "reservation refused"
			}
			return s.remoteFailure(ctx, span, "reserve", offerID, errors.New(msg))
		}

		reservedAt := s.now()
		updated, _ := s.mutate(offerID, func(o *domain.Offer) {
			o.Status = domain.OfferStatusReserved
			o.RawStatus = string(domain.OfferStatusReserved)
			reserved := reservedAt
			purchased := reservedAt
			o.ReservedAt = &reserved
			o.PurchasedAt = &purchased
			if orderID != "" {
				o.OrderID = orderID
			}
			o.UpdatedAt = reservedAt
		})
		s.completeTransition(ctx, "reserve", OfferEventReserved, updated, "")
		return TransitionResult{Success: true, Offer: updated}, nil
	})
}

// CancelOffer withdraws a non-terminal offer.
func (s *OfferStore) CancelOffer(ctx context.Context, offerID string) (TransitionResult, error) {
	offerID = strings.TrimSpace(offerID)
	if offerID == "" {
		return TransitionResult{}, fmt.Errorf("%w: offer id is required", ErrOfferInvalidInput)
	}
	return s.coalesce(ctx, "cancel:"+offerID, func(ctx context.Context) (TransitionResult, error) {
		current, ok := s.find(offerID)
		if !ok {
			return TransitionResult{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
		}
		if status := current.CanonicalStatus(s.now()); status.IsTerminal() {
			return rejected(current, status, fmt.Sprintf("offer is %s", status)), nil
		}

		ctx, span := s.startSpan(ctx, "offers.cancel", offerID)
		defer span.End()

		if err := s.gateway.CancelOffer(ctx, offerID); err != nil {
			return s.remoteFailure(ctx, span, "cancel", offerID, err)
		}

		now := s.now()
		updated, ok := s.mutate(offerID, func(o *domain.Offer) {
			o.Status = domain.OfferStatusCancelled
			o.RawStatus = string(domain.OfferStatusCancelled)
			o.CancelledAt = &now
			o.UpdatedAt = now
		})
		if !ok {
			updated = domain.Offer{ID: offerID, Status: domain.OfferStatusCancelled}
		}
		s.completeTransition(ctx, "cancel", OfferEventCancelled, updated, "")
		return TransitionResult{Success: true, Offer: updated}, nil
	})
}

// CreateOffer validates and submits a new offer on behalf of the buyer. Limit breaches are business
// rejections; a failing limits lookup does not block creation.
func (s *OfferStore) CreateOffer(ctx context.Context, cmd CreateOfferCommand) (TransitionResult, error) {
	cmd.BuyerID = strings.TrimSpace(cmd.BuyerID)
	cmd.SupplierID = strings.TrimSpace(cmd.SupplierID)
	cmd.ProductID = strings.TrimSpace(cmd.ProductID)
	switch {
	case cmd.BuyerID == "":
		return TransitionResult{}, fmt.Errorf("%w: buyer id is required", ErrOfferInvalidInput)
	case cmd.SupplierID == "":
		return TransitionResult{}, fmt.Errorf("%w: supplier id is required", ErrOfferInvalidInput)
	case cmd.ProductID == "":
		return TransitionResult{}, fmt.Errorf("%w: product id is required", ErrOfferInvalidInput)
	case cmd.Quantity <= 0 || cmd.Quantity > maxOfferQuantity:
		return TransitionResult{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrOfferInvalidInput, maxOfferQuantity)
	case cmd.Price <= 0:
		return TransitionResult{}, fmt.Errorf("%w: price must be positive", ErrOfferInvalidInput)
	}
	message := s.sanitize(cmd.Message)
	if len(message) > maxOfferMessageLength {
		return TransitionResult{}, fmt.Errorf("%w: message exceeds %d characters", ErrOfferInvalidInput, maxOfferMessageLength)
	}

	usage, err := s.gateway.OfferLimits(ctx, cmd.BuyerID, cmd.ProductID, cmd.SupplierID)
	if err != nil {
		s.logger(ctx, "offers.limits_unavailable", map[string]any{
			"buyerId":   cmd.BuyerID,
			"productId": cmd.ProductID,
			"error":     err.Error(),
		})
	} else {
		if usage.ProductLimit <= 0 {
			usage.ProductLimit = s.productLimit
		}
		if usage.SupplierLimit <= 0 {
			usage.SupplierLimit = s.supplierLimit
		}
		if usage.ProductCount >= usage.ProductLimit {
			return TransitionResult{Error: fmt.Sprintf("monthly offer limit of %d reached for this product", usage.ProductLimit)}, nil
		}
		if usage.SupplierCount >= usage.SupplierLimit {
			return TransitionResult{Error: fmt.Sprintf("monthly offer limit of %d reached for this supplier", usage.SupplierLimit)}, nil
		}
	}

	now := s.now()
	expires := now.Add(s.responseWindow)
	offer := domain.Offer{
		ID:              s.newID(),
		BuyerID:         cmd.BuyerID,
		SupplierID:      cmd.SupplierID,
		ProductID:       cmd.ProductID,
		OfferedPrice:    cmd.Price,
		OfferedQuantity: cmd.Quantity,
		Status:          domain.OfferStatusPending,
		RawStatus:       string(domain.OfferStatusPending),
		Message:         message,
		ExpiresAt:       &expires,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	ctx, span := s.startSpan(ctx, "offers.create", offer.ID)
	defer span.End()

	created, err := s.gateway.CreateOffer(ctx, offer)
	if err != nil {
		return s.remoteFailure(ctx, span, "create", offer.ID, err)
	}
	if created.ID == "" {
		created.ID = offer.ID
	}
	if created.ExpiresAt == nil {
		created.ExpiresAt = offer.ExpiresAt
	}
	if created.RawStatus == "" {
		created.RawStatus = string(created.Status)
	}
	created.Status = created.CanonicalStatus(now)

	s.mu.Lock()
	next := make([]domain.Offer, 0, len(s.buyer)+1)
	next = append(next, created)
	next = append(next, s.buyer...)
	s.buyer = next
	s.mu.Unlock()

	s.notify(ctx, OffersChangedCreated)
	s.metrics.RecordTransition(ctx, "create", "success")
	s.publish(ctx, OfferEventCreated, created, "")
	return TransitionResult{Success: true, Offer: domain.CloneOffer(created)}, nil
}

// DeleteOffer hides a PENDING offer of the caller's buyer collection. Offers outside that collection
// are not found; any other status is a business rejection. The remote soft delete is best effort.
func (s *OfferStore) DeleteOffer(ctx context.Context, offerID string) (TransitionResult, error) {
	offerID = strings.TrimSpace(offerID)
	if offerID == "" {
		return TransitionResult{}, fmt.Errorf("%w: offer id is required", ErrOfferInvalidInput)
	}

	s.mu.Lock()
	idx := indexOfOffer(s.buyer, offerID)
	if idx < 0 {
		s.mu.Unlock()
		return TransitionResult{}, fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	current := domain.CloneOffer(s.buyer[idx])
	if status := current.CanonicalStatus(s.now()); status != domain.OfferStatusPending {
		s.mu.Unlock()
		return rejected(current, status, DeleteNotPendingError), nil
	}
	next := make([]domain.Offer, 0, len(s.buyer)-1)
	next = append(next, s.buyer[:idx]...)
	next = append(next, s.buyer[idx+1:]...)
	s.buyer = next
	s.mu.Unlock()

	if err := s.gateway.DeleteOffer(ctx, offerID); err != nil {
		s.logger(ctx, "offers.delete_remote_failed", map[string]any{
			"offerId": offerID,
			"error":   err.Error(),
		})
	}
	s.notify(ctx, OffersChangedDeleted)
	return TransitionResult{Success: true, Offer: current}, nil
}

// ForceCleanCartOffers runs the consistency pass for the current snapshots.
func (s *OfferStore) ForceCleanCartOffers(ctx context.Context) error {
	return s.notify(ctx, OffersChangedManual)
}

// ClearOffersCache forgets cached listings and any in-flight load keys.
func (s *OfferStore) ClearOffersCache() {
	s.cacheMu.Lock()
	for collection, entry := range s.loaded {
		s.flight.Forget(collection + ":" + entry.partyID)
	}
	s.loaded = make(map[string]loadEntry)
	s.cacheMu.Unlock()
}

func (s *OfferStore) coalesce(ctx context.Context, key string, fn func(context.Context) (TransitionResult, error)) (TransitionResult, error) {
	ch := s.flight.DoChan(key, func() (any, error) {
		shared, cancel := s.detach(ctx)
		defer cancel()
		return fn(shared)
	})
	select {
	case <-ctx.Done():
		return TransitionResult{}, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(TransitionResult)
		result.Offer = domain.CloneOffer(result.Offer)
		return result, res.Err
	}
}

// detach gives a shared call its own deadline so one departing caller cannot abort it for the others.
func (s *OfferStore) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
}

func (s *OfferStore) remoteFailure(ctx context.Context, span trace.Span, transition, offerID string, err error) (TransitionResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, transition+" failed")
	s.metrics.RecordTransition(ctx, transition, "remote_failure")
	s.logger(ctx, "offers.transition_failed", map[string]any{
		"transition": transition,
		"offerId":    offerID,
		"error":      err.Error(),
	})
	result := TransitionResult{Success: false, Error: err.Error()}
	if current, ok := s.find(offerID); ok {
		current.Status = current.CanonicalStatus(s.now())
		result.Offer = current
	}
	return result, fmt.Errorf("%w: %s %s: %v", ErrOfferRemote, transition, offerID, err)
}

func (s *OfferStore) completeTransition(ctx context.Context, transition string, eventType OfferEventType, offer domain.Offer, reason string) {
	s.metrics.RecordTransition(ctx, transition, "success")
	s.notify(ctx, OffersChangedTransition)
	s.publish(ctx, eventType, offer, reason)
}

func (s *OfferStore) publish(ctx context.Context, eventType OfferEventType, offer domain.Offer, reason string) {
	if s.publisher == nil {
		return
	}
	event := OfferEvent{
		ID:               s.newID(),
		Type:             eventType,
		OfferID:          offer.ID,
		BuyerID:          offer.BuyerID,
		SupplierID:       offer.SupplierID,
		ProductID:        offer.ProductID,
		Status:           offer.Status,
		Reason:           reason,
		OrderID:          offer.OrderID,
		PurchaseDeadline: domain.CloneTime(offer.PurchaseDeadline),
		OccurredAt:       s.now(),
	}
	if _, err := s.publisher.PublishOfferEvent(ctx, event); err != nil {
		s.logger(ctx, "events.publish_failed", map[string]any{
			"eventType": string(eventType),
			"offerId":   offer.ID,
			"error":     err.Error(),
		})
	}
}

// notify hands the current snapshots to every listener and returns their joined errors.
func (s *OfferStore) notify(ctx context.Context, reason OffersChangedReason) error {
	s.listenersMu.Lock()
	handlers := make([]OffersChangedHandler, 0, len(s.listeners))
	for _, handler := range s.listeners {
		handlers = append(handlers, handler)
	}
	s.listenersMu.Unlock()
	if len(handlers) == 0 {
		return nil
	}

	s.mu.RLock()
	offers := make([]domain.Offer, 0, len(s.buyer)+len(s.supplier))
	offers = append(offers, s.buyer...)
	offers = append(offers, s.supplier...)
	s.mu.RUnlock()

	event := OffersChangedEvent{Reason: reason, Offers: offers, At: s.now()}
	var errs []error
	for _, handler := range handlers {
		if err := handler.OffersChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mutate applies fn to every copy of the offer and swaps in new snapshots.
func (s *OfferStore) mutate(offerID string, fn func(*domain.Offer)) (domain.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated domain.Offer
	found := false
	apply := func(src []domain.Offer) []domain.Offer {
		idx := indexOfOffer(src, offerID)
		if idx < 0 {
			return src
		}
		next := make([]domain.Offer, len(src))
		copy(next, src)
		offer := domain.CloneOffer(next[idx])
		fn(&offer)
		next[idx] = offer
		if !found {
			updated = offer
			found = true
		}
		return next
	}
	s.buyer = apply(s.buyer)
	s.supplier = apply(s.supplier)
	return domain.CloneOffer(updated), found
}

func (s *OfferStore) find(offerID string) (domain.Offer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx := indexOfOffer(s.buyer, offerID); idx >= 0 {
		return domain.CloneOffer(s.buyer[idx]), true
	}
	if idx := indexOfOffer(s.supplier, offerID); idx >= 0 {
		return domain.CloneOffer(s.supplier[idx]), true
	}
	return domain.Offer{}, false
}

func (s *OfferStore) replace(collection string, offers []domain.Offer) {
	s.mu.Lock()
	if collection == "buyer" {
		s.buyer = offers
	} else {
		s.supplier = offers
	}
	s.mu.Unlock()
}

func (s *OfferStore) collection(collection string) []domain.Offer {
	if collection == "buyer" {
		return s.BuyerOffers()
	}
	return s.SupplierOffers()
}

func (s *OfferStore) normalisedCopy(src []domain.Offer) []domain.Offer {
	now := s.now()
	out := make([]domain.Offer, len(src))
	for i, offer := range src {
		offer = domain.CloneOffer(offer)
		offer.Status = offer.CanonicalStatus(now)
		out[i] = offer
	}
	return out
}

func (s *OfferStore) cacheFresh(collection, partyID string) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	entry, ok := s.loaded[collection]
	return ok && entry.partyID == partyID && s.now().Before(entry.expires)
}

func (s *OfferStore) markCache(collection, partyID string) {
	s.cacheMu.Lock()
	s.loaded[collection] = loadEntry{partyID: partyID, expires: s.now().Add(s.cacheTTL)}
	s.cacheMu.Unlock()
}

func (s *OfferStore) dropCache(collection string) {
	s.cacheMu.Lock()
	delete(s.loaded, collection)
	s.cacheMu.Unlock()
}

func (s *OfferStore) startSpan(ctx context.Context, name, offerID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("offer.id", offerID)))
}

func (s *OfferStore) sanitize(text string) string {
	return strings.TrimSpace(s.sanitizer.Sanitize(norm.NFC.String(strings.TrimSpace(text))))
}

func rejected(offer domain.Offer, status domain.OfferStatus, msg string) TransitionResult {
	offer.Status = status
	return TransitionResult{Success: false, Error: msg, Offer: offer}
}

func indexOfOffer(offers []domain.Offer, offerID string) int {
	for i := range offers {
		if offers[i].ID == offerID {
			return i
		}
	}
	return -1
}
