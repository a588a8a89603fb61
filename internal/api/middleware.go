package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/lead-capture-service/internal/observer"
	"gitlab.com/timkado/api/lead-capture-service/internal/reqctx"
	"gitlab.com/timkado/api/lead-capture-service/pkg/logger"
)

// requestContext puts the request id and a request-scoped logger on the
// context and echoes the id back in X-Request-Id.
func requestContext(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := middleware.GetReqID(ctx)
			ctx = reqctx.WithRequestID(ctx, requestID)
			ctx = reqctx.WithSource(ctx, "http")
			ctx = logger.WithLogger(ctx, logger.FromContextOr(ctx, base).Named("api").With(
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			))
			w.Header().Set(middleware.RequestIDHeader, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// recordMetrics observes every request by its route pattern and logs
// server errors.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		observer.ObserveHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))

		if status >= http.StatusInternalServerError {
			logger.FromContext(r.Context()).Warn("Request failed",
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
		}
	})
}
