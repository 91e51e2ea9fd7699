package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/bonus-ledger/metrics"
	"github.com/warp/bonus-ledger/pos"
	"github.com/warp/bonus-ledger/tenant"
)

// APIKeyHeader carries the tenant credential.
const APIKeyHeader = "X-API-Key"

type ctxKey int

const tenantKey ctxKey = iota

// requestLogger logs one line per request and counts it by route pattern.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()

			fields := []zap.Field{
				zap.Int("status", status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID(r)),
				zap.Duration("duration", time.Since(start)),
				zap.Int("bytes", ww.BytesWritten()),
			}
			if status >= http.StatusInternalServerError {
				log.Error("request", fields...)
				return
			}
			log.Info("request", fields...)
		})
	}
}

// withTenant resolves the API key and stores the tenant in the context.
func withTenant(reg *tenant.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t, err := reg.ByAPIKey(r.Header.Get(APIKeyHeader))
			switch {
			case errors.Is(err, tenant.ErrUnknownAPIKey):
				writeError(w, http.StatusUnauthorized, "Unknown API key", nil)
				return
			case err != nil:
				writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
					Error:     "Tenant unavailable",
					Details:   err.Error(),
					Retryable: true,
				})
				return
			}
			ctx := context.WithValue(r.Context(), tenantKey, t)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tenantFrom(r *http.Request) *tenant.Tenant {
	t, _ := r.Context().Value(tenantKey).(*tenant.Tenant)
	return t
}

func serviceFrom(r *http.Request) *pos.Service {
	return tenantFrom(r).Service
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
