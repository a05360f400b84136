package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/tradedesk/offers-api/internal/domain"
	"github.com/tradedesk/offers-api/internal/platform/httpx"
	"github.com/tradedesk/offers-api/internal/services"
)

// PriceResolver resolves quantity prices and persists tier ladders.
type PriceResolver interface {
	ResolvePrice(ctx context.Context, productID string, quantity int) (services.PriceResolution, error)
	ReplaceTiers(ctx context.Context, productID string, tiers []domain.PriceTier) (services.TierValidation, error)
}

// PricingHandlers exposes tiered price resolution and tier management.
type PricingHandlers struct {
	resolver PriceResolver
}

// NewPricingHandlers constructs pricing handlers.
func NewPricingHandlers(resolver PriceResolver) *PricingHandlers {
	return &PricingHandlers{resolver: resolver}
}

// Routes registers the pricing endpoints.
func (h *PricingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/products/{productId}/price", h.resolvePrice)
	r.Put("/products/{productId}/price-tiers", h.replaceTiers)
	r.Post("/price-tiers:validate", h.validateTiers)
}

type tierPayload struct {
	MinQuantity int   `json:"minQuantity"`
	MaxQuantity *int  `json:"maxQuantity,omitempty"`
	Price       int64 `json:"price"`
}

type tiersRequest struct {
	Tiers []tierPayload `json:"tiers"`
}

type priceResponse struct {
	ProductID        string       `json:"productId"`
	Quantity         int          `json:"quantity"`
	Price            int64        `json:"price"`
	TotalAmount      int64        `json:"totalAmount"`
	BasePriceApplied bool         `json:"basePriceApplied"`
	Tier             *tierPayload `json:"tier,omitempty"`
}

type tierValidationResponse struct {
	Valid  bool          `json:"valid"`
	Errors []string      `json:"errors,omitempty"`
	Tiers  []tierPayload `json:"tiers,omitempty"`
}

func (h *PricingHandlers) resolvePrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.resolver == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service is unavailable", http.StatusServiceUnavailable))
		return
	}
	quantity, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("quantity")))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quantity must be an integer", http.StatusBadRequest))
		return
	}

	resolution, err := h.resolver.ResolvePrice(ctx, chi.URLParam(r, "productId"), quantity)
	if err != nil {
		writePricingError(ctx, w, err)
		return
	}
	resp := priceResponse{
		ProductID:        resolution.ProductID,
		Quantity:         resolution.Quantity,
		Price:            resolution.Price,
		TotalAmount:      resolution.TotalAmount,
		BasePriceApplied: resolution.BasePriceApplied,
	}
	if resolution.Tier != nil {
		tier := buildTierPayload(*resolution.Tier)
		resp.Tier = &tier
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *PricingHandlers) replaceTiers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.resolver == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service is unavailable", http.StatusServiceUnavailable))
		return
	}
	var req tiersRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	validation, err := h.resolver.ReplaceTiers(ctx, chi.URLParam(r, "productId"), parseTiers(req.Tiers))
	if err != nil {
		if len(validation.Errors) > 0 {
			httpx.WriteJSON(w, http.StatusUnprocessableEntity, tierValidationResponse{Valid: false, Errors: validation.Errors})
			return
		}
		writePricingError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildValidationResponse(validation))
}

func (h *PricingHandlers) validateTiers(w http.ResponseWriter, r *http.Request) {
	var req tiersRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildValidationResponse(services.ValidatePriceTiers(parseTiers(req.Tiers))))
}

func parseTiers(payload []tierPayload) []domain.PriceTier {
	tiers := make([]domain.PriceTier, 0, len(payload))
	for _, p := range payload {
		tiers = append(tiers, domain.PriceTier{MinQuantity: p.MinQuantity, MaxQuantity: p.MaxQuantity, Price: p.Price})
	}
	return tiers
}

func buildTierPayload(tier domain.PriceTier) tierPayload {
	return tierPayload{MinQuantity: tier.MinQuantity, MaxQuantity: tier.MaxQuantity, Price: tier.Price}
}

func buildValidationResponse(validation services.TierValidation) tierValidationResponse {
	resp := tierValidationResponse{Valid: validation.Valid, Errors: validation.Errors}
	for _, tier := range validation.Sorted {
		resp.Tiers = append(resp.Tiers, buildTierPayload(tier))
	}
	return resp
}

func writePricingError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPricingUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", err.Error(), http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("deadline_exceeded", "pricing service timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to resolve price", http.StatusInternalServerError))
	}
}
