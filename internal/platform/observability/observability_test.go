package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tradedesk/offers-api/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	const traceHex = "105445aa7843bc8bf206b12000100000"

	sc, ok := ParseCloudTraceContext(traceHex + "/1;o=1")
	require.True(t, ok)
	assert.Equal(t, traceHex, sc.TraceID().String())
	assert.Equal(t, "0000000000000001", sc.SpanID().String())
	assert.True(t, sc.IsSampled())
	assert.True(t, sc.IsRemote())

	sc, ok = ParseCloudTraceContext(traceHex + "/18446744073709551615")
	require.True(t, ok)
	assert.Equal(t, "ffffffffffffffff", sc.SpanID().String())
	assert.False(t, sc.IsSampled())

	for _, header := range []string{"", "nope", traceHex, "short/1;o=1", traceHex + "/", traceHex + "/zz"} {
		_, ok := ParseCloudTraceContext(header)
		assert.False(t, ok, header)
	}
}

func TestTraceMiddlewareContinuesRemoteTrace(t *testing.T) {
	const traceHex = "105445aa7843bc8bf206b12000100000"
	var seen requestctx.TraceInfo
	handler := TraceMiddleware("td-prod")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers/buyer", nil)
	req.Header.Set(cloudTraceHeader, traceHex+"/2;o=1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, traceHex, seen.TraceID)
	assert.Equal(t, "td-prod", seen.ProjectID)
	assert.True(t, strings.HasPrefix(rec.Header().Get(cloudTraceHeader), traceHex+"/"))
}

func TestRequestLoggerMiddlewareFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, InjectLoggerMiddleware(logger), IdentityMiddleware, RequestLoggerMiddleware())
	r.Get("/offers/{offerId}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "buyer-1", requestctx.UserID(r.Context()))
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodGet, "/offers/o1", nil)
	req.Header.Set(UserHeader, "buyer-1\n")
	r.ServeHTTP(httptest.NewRecorder(), req)

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	entry := completed[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "/offers/{offerId}", fields["route"])
	assert.EqualValues(t, http.StatusConflict, fields["status"])
	assert.Equal(t, "buyer-1", fields["user_id"])
	assert.NotEmpty(t, fields["request_id"])
}

func TestRecoveryMiddlewareWritesJSON(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_server_error")
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestEventLoggerPrefersScopedLogger(t *testing.T) {
	baseCore, baseLogs := observer.New(zapcore.InfoLevel)
	scopedCore, scopedLogs := observer.New(zapcore.InfoLevel)
	hook := EventLogger(zap.New(baseCore), "offers")

	hook(context.Background(), "offers.load_failed", map[string]any{"user_id": "u1", "attempts": 3})
	require.Equal(t, 1, baseLogs.Len())
	entry := baseLogs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "offers", entry.LoggerName)
	assert.Equal(t, "u1", entry.ContextMap()["user_id"])

	ctx := requestctx.WithLogger(context.Background(), zap.New(scopedCore))
	hook(ctx, "cart.pruned", map[string]any{"removed": 2})
	assert.Equal(t, 1, baseLogs.Len())
	require.Equal(t, 1, scopedLogs.Len())
	assert.Equal(t, zapcore.InfoLevel, scopedLogs.All()[0].Level)
}

func TestEngineMetricsNilSafe(t *testing.T) {
	m, err := newEngineMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordTransition(context.Background(), "reserve", "success")
	m.RecordCartPruned(context.Background(), 3)
	m.RecordTierFetch(context.Background(), "cache")

	var missing *EngineMetrics
	missing.RecordTransition(context.Background(), "reserve", "success")
	missing.RecordCartPruned(context.Background(), 1)
}
