package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xtrntr/bullion/internal/metrics"
)

// NewRouter wires every endpoint of the service. Quote push is guarded by
// feedToken rather than a user JWT.
func NewRouter(h *Handler, allowedOrigins []string, feedToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Feed-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", h.StreamQuotes(allowedOrigins))
	r.Get("/prices", h.GetPrices)
	r.With(FeedTokenMiddleware(feedToken)).Post("/prices", h.PushQuote)

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT)
	r.Route("/api", func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/trades/{action}", h.PlaceTrade)
		r.Get("/trades", h.GetUserTrades)
		r.Get("/holdings", h.GetHoldings)
		r.Get("/orders/pending", h.GetPendingOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Delete("/account", h.DeleteAccount)
	})
	return r
}
