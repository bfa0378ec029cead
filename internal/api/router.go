package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wavecom/relay/internal/metrics"
	"github.com/wavecom/relay/internal/redis"
)

// NewRouter assembles the gateway's HTTP routes and middleware stack.
// limiter may be nil (rate limiting disabled).
func NewRouter(h *Handler, limiter *redis.RateLimiter, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

			next.ServeHTTP(ww, req)

			logger.Info("request completed",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(req.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		r.Post("/notifications", h.CreateNotification)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/stats", h.GetStats)
		r.Get("/notifications/{id}", h.GetNotification)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
