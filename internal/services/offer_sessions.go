package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultSessionTTL = 30 * time.Minute

var errCartProviderRequired = errors.New("offer sessions: cart provider is required")

// CartProvider hands out the cart store of a user.
type CartProvider interface {
	ForUser(userID string) CartStore
}

// OfferSessionsDeps wires the session registry. Store is the template used for every per-user OfferStore.
type OfferSessionsDeps struct {
	Store      OfferStoreDeps
	Carts      CartProvider
	SessionTTL time.Duration
	Clock      func() time.Time
	Logger     func(context.Context, string, map[string]any)
}

// OfferSession bundles the offer store, cart reconciler and cart of a single user.
type OfferSession struct {
	UserID      string
	Store       *OfferStore
	Consistency *CartConsistency

	unsubscribe func()
	mu          sync.Mutex
	lastUsed    time.Time
}

func (s *OfferSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *OfferSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// OfferSessions keeps one OfferStore per user, created on first use and wired to that user's cart.
type OfferSessions struct {
	deps   OfferStoreDeps
	carts  CartProvider
	ttl    time.Duration
	now    func() time.Time
	logger func(context.Context, string, map[string]any)

	mu       sync.RWMutex
	sessions map[string]*OfferSession
	create   singleflight.Group
}

// NewOfferSessions constructs the registry enforcing dependency validation.
func NewOfferSessions(deps OfferSessionsDeps) (*OfferSessions, error) {
	if deps.Store.Gateway == nil {
		return nil, errOfferGatewayRequired
	}
	if deps.Carts == nil {
		return nil, errCartProviderRequired
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	if deps.Store.Clock == nil {
		deps.Store.Clock = clock
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	if deps.Store.Logger == nil {
		deps.Store.Logger = logger
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &OfferSessions{
		deps:     deps.Store,
		carts:    deps.Carts,
		ttl:      ttl,
		now:      func() time.Time { return clock().UTC() },
		logger:   logger,
		sessions: make(map[string]*OfferSession),
	}, nil
}

// Session returns the live session of the user, creating and loading it on first use.
// Concurrent first calls for the same user share one creation.
func (r *OfferSessions) Session(ctx context.Context, userID string) (*OfferSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOfferInvalidInput)
	}

	r.mu.RLock()
	session, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		session.touch(r.now())
		return session, nil
	}

	ch := r.create.DoChan(userID, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.sessions[userID]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		// loads carry their own deadline; a departing first caller must not leave an empty session
		created, err := r.open(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.sessions[userID] = created
		r.mu.Unlock()
		return created, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		session := res.Val.(*OfferSession)
		session.touch(r.now())
		return session, nil
	}
}

func (r *OfferSessions) open(ctx context.Context, userID string) (*OfferSession, error) {
	store, err := NewOfferStore(r.deps)
	if err != nil {
		return nil, err
	}
	consistency, err := NewCartConsistency(CartConsistencyDeps{
		Cart:    r.carts.ForUser(userID),
		Metrics: r.deps.Metrics,
		Logger:  r.deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	session := &OfferSession{
		UserID:      userID,
		Store:       store,
		Consistency: consistency,
		unsubscribe: store.Subscribe(consistency),
		lastUsed:    r.now(),
	}

	if _, err := store.LoadBuyerOffers(ctx, userID); err != nil {
		r.logger(ctx, "offers.session_load_failed", map[string]any{"userId": userID, "collection": "buyer", "error": err.Error()})
	}
	if _, err := store.LoadSupplierOffers(ctx, userID); err != nil {
		r.logger(ctx, "offers.session_load_failed", map[string]any{"userId": userID, "collection": "supplier", "error": err.Error()})
	}
	return session, nil
}

// HandleRemoteChange reloads the collections of live sessions touched by a change made elsewhere.
// Reloading re-runs the cart consistency pass of each affected session.
func (r *OfferSessions) HandleRemoteChange(ctx context.Context, change OfferChange) error {
	var errs []error
	if session := r.lookup(change.BuyerID); session != nil {
		session.Store.ClearOffersCache()
		if _, err := session.Store.LoadBuyerOffers(ctx, session.UserID); err != nil {
			errs = append(errs, err)
		}
	}
	if session := r.lookup(change.SupplierID); session != nil {
		session.Store.ClearOffersCache()
		if _, err := session.Store.LoadSupplierOffers(ctx, session.UserID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *OfferSessions) lookup(userID string) *OfferSession {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Sweep evicts sessions idle for longer than the session TTL and returns how many were removed.
func (r *OfferSessions) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	var evicted []*OfferSession
	for id, session := range r.sessions {
		if session.idleSince().Before(cutoff) {
			evicted = append(evicted, session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, session := range evicted {
		session.unsubscribe()
	}
	return len(evicted)
}

// Len reports the number of live sessions.
func (r *OfferSessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RunSweeper evicts idle sessions on every tick until ctx is done.
func (r *OfferSessions) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger(ctx, "offers.sessions_evicted", map[string]any{"count": n})
			}
		}
	}
}
