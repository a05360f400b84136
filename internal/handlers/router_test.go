package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tradedesk/offers-api/internal/domain"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	healthHandlers := NewHealthHandlers(
		WithHealthProbe(stubProbe{report: domain.HealthReport{
			Status:      domain.HealthStatusOK,
			GeneratedAt: now,
			Checks:      map[string]domain.DependencyHealth{"firestore": {Status: domain.HealthStatusOK}},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)

	router := NewRouter(WithHealthHandlers(healthHandlers))

	t.Run("healthz", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected content-type application/json, got %s", ct)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("default not implemented offers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/offers/buyer", nil)
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected status 501, got %d", rr.Code)
		}
	})

	t.Run("unknown route", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil)
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body["error"] != errorNotFoundCode {
			t.Fatalf("expected error code %s, got %v", errorNotFoundCode, body["error"])
		}
	})
}

func TestNewRouter_MountsRegistrars(t *testing.T) {
	var offerMiddlewareHits int
	offerMW := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			offerMiddlewareHits++
			next.ServeHTTP(w, r)
		})
	}

	router := NewRouter(
		WithOfferRoutes(func(r chi.Router) {
			r.Get("/offers/buyer", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			})
		}),
		WithOfferMiddlewares(offerMW),
		WithPricingRoutes(func(r chi.Router) {
			r.Get("/products/{productId}/price", func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("X-Product", chi.URLParam(req, "productId"))
				w.WriteHeader(http.StatusAccepted)
			})
		}),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/offers/buyer", nil))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected offer registrar to handle request, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/products/p9/price", nil))
	if rr.Code != http.StatusAccepted || rr.Header().Get("X-Product") != "p9" {
		t.Fatalf("expected pricing registrar to handle request, got %d %q", rr.Code, rr.Header().Get("X-Product"))
	}

	if offerMiddlewareHits != 1 {
		t.Fatalf("expected offer middleware to run only for offer routes, got %d", offerMiddlewareHits)
	}
}
