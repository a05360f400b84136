package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tradedesk/offers-api/internal/domain"
	"github.com/tradedesk/offers-api/internal/platform/httpx"
	"github.com/tradedesk/offers-api/internal/platform/requestctx"
	"github.com/tradedesk/offers-api/internal/services"
)

const defaultTransitionTimeout = 10 * time.Second

// OfferSessionProvider returns the live offer session of a user.
type OfferSessionProvider interface {
	Session(ctx context.Context, userID string) (*services.OfferSession, error)
}

// OfferHandlers exposes the offer lifecycle and cart consistency endpoints of the calling user.
type OfferHandlers struct {
	sessions     OfferSessionProvider
	timeout      time.Duration
	now          func() time.Time
	createLimits *userRateLimiter
}

// OfferOption customises OfferHandlers.
type OfferOption func(*OfferHandlers)

// NewOfferHandlers constructs the handlers.
func NewOfferHandlers(sessions OfferSessionProvider, opts ...OfferOption) *OfferHandlers {
	h := &OfferHandlers{sessions: sessions, timeout: defaultTransitionTimeout, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// WithTransitionTimeout bounds each remote transition.
func WithTransitionTimeout(timeout time.Duration) OfferOption {
	return func(h *OfferHandlers) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithOfferClock overrides the clock used to render statuses and time remaining.
func WithOfferClock(clock func() time.Time) OfferOption {
	return func(h *OfferHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithCreateRateLimit allows each user at most limit offer submissions per window.
func WithCreateRateLimit(limit int, window time.Duration) OfferOption {
	return func(h *OfferHandlers) {
		h.createLimits = newUserRateLimiter(limit, window, func() time.Time { return h.now() })
	}
}

// Routes registers the offer and cart endpoints.
func (h *OfferHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/offers/buyer", h.listBuyerOffers)
	r.Get("/offers/supplier", h.listSupplierOffers)
	r.Post("/offers", h.createOffer)
	r.Post("/offers:clear-cache", h.clearCache)
	r.Post("/offers/{offerId}:{action}", h.transition)
	r.Delete("/offers/{offerId}", h.deleteOffer)
	r.Post("/cart:clean-offers", h.cleanCart)
}

func (h *OfferHandlers) listBuyerOffers(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, (*services.OfferStore).LoadBuyerOffers)
}

func (h *OfferHandlers) listSupplierOffers(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, (*services.OfferStore).LoadSupplierOffers)
}

func (h *OfferHandlers) list(w http.ResponseWriter, r *http.Request, load func(*services.OfferStore, context.Context, string) ([]domain.Offer, error)) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	offers, err := load(session.Store, ctx, session.UserID)
	if err != nil {
		writeOfferError(ctx, w, err)
		return
	}
	now := h.now()
	items := make([]offerPayload, 0, len(offers))
	for _, offer := range offers {
		items = append(items, buildOfferPayload(offer, now))
	}
	httpx.WriteJSON(w, http.StatusOK, offerListResponse{Offers: items})
}

type createOfferRequest struct {
	SupplierID string `json:"supplierId"`
	ProductID  string `json:"productId"`
	Price      int64  `json:"price"`
	Quantity   int    `json:"quantity"`
	Message    string `json:"message"`
}

func (h *OfferHandlers) createOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if ok, retryAfter := h.createLimits.Allow(session.UserID); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many offers submitted, retry later", http.StatusTooManyRequests))
		return
	}

	var req createOfferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	result, err := session.Store.CreateOffer(ctx, services.CreateOfferCommand{
		BuyerID:    session.UserID,
		SupplierID: req.SupplierID,
		ProductID:  req.ProductID,
		Price:      req.Price,
		Quantity:   req.Quantity,
		Message:    req.Message,
	})
	h.writeTransition(ctx, w, result, err, http.StatusCreated)
}

type transitionRequest struct {
	Reason  string `json:"reason"`
	OrderID string `json:"orderId"`
}

func (h *OfferHandlers) transition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offerID := strings.TrimSpace(chi.URLParam(r, "offerId"))
	action := chi.URLParam(r, "action")
	switch action {
	case "accept", "reject", "reserve", "cancel":
	default:
		httpx.WriteError(ctx, w, httpx.NewError("route_not_found", "unknown offer action "+action, http.StatusNotFound))
		return
	}

	session, ok := h.session(w, r)
	if !ok {
		return
	}

	var req transitionRequest
	if action == "reject" || action == "reserve" {
		if r.ContentLength != 0 {
			if err := httpx.DecodeJSON(r, &req); err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
				return
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		result services.TransitionResult
		err    error
	)
	switch action {
	case "accept":
		result, err = session.Store.AcceptOffer(ctx, offerID)
	case "reject":
		result, err = session.Store.RejectOffer(ctx, offerID, req.Reason)
	case "reserve":
		result, err = session.Store.ReserveOffer(ctx, offerID, req.OrderID)
	case "cancel":
		result, err = session.Store.CancelOffer(ctx, offerID)
	}
	h.writeTransition(ctx, w, result, err, http.StatusOK)
}

func (h *OfferHandlers) deleteOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	result, err := session.Store.DeleteOffer(ctx, chi.URLParam(r, "offerId"))
	if err == nil && result.Success {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeTransition(ctx, w, result, err, http.StatusNoContent)
}

func (h *OfferHandlers) clearCache(w http.ResponseWriter, r *http.Request) {
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	session.Store.ClearOffersCache()
	w.WriteHeader(http.StatusNoContent)
}

func (h *OfferHandlers) cleanCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := session.Store.ForceCleanCartOffers(ctx); err != nil {
		writeOfferError(ctx, w, err)
		return
	}
	items, err := session.Consistency.Items(ctx)
	if err != nil {
		writeOfferError(ctx, w, err)
		return
	}
	payload := make([]cartItemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, buildCartItemPayload(item))
	}
	httpx.WriteJSON(w, http.StatusOK, cartResponse{Items: payload})
}

func (h *OfferHandlers) session(w http.ResponseWriter, r *http.Request) (*services.OfferSession, bool) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("offer_service_unavailable", "offer service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	userID := requestctx.UserID(ctx)
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	session, err := h.sessions.Session(ctx, userID)
	if err != nil {
		writeOfferError(ctx, w, err)
		return nil, false
	}
	return session, true
}

func (h *OfferHandlers) writeTransition(ctx context.Context, w http.ResponseWriter, result services.TransitionResult, err error, okStatus int) {
	if err != nil {
		writeOfferError(ctx, w, err)
		return
	}
	payload := transitionResponse{Success: result.Success, Error: result.Error}
	if result.Offer.ID != "" {
		offer := buildOfferPayload(result.Offer, h.now())
		payload.Offer = &offer
	}
	status := okStatus
	if !result.Success {
		status = http.StatusConflict
	}
	httpx.WriteJSON(w, status, payload)
}

func writeOfferError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOfferInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOfferNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("offer_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOfferRemote):
		httpx.WriteError(ctx, w, httpx.NewError("offer_remote_failure", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrOfferUnavailable), errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("offers_unavailable", err.Error(), http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("deadline_exceeded", "offer service timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process offer request", http.StatusInternalServerError))
	}
}
