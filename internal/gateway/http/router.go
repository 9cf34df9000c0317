package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterConfig struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
	Stock    *StockHandler
	Limiter  *UserRateLimiter
	Timeout  time.Duration
	MaxBody  int64

	// Instrument wraps the router with OpenTelemetry HTTP spans.
	Instrument bool
}

// NewRouter wires the storefront API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", UserIDHeader, RoleHeader, "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(MockAuthMiddleware)

		// Streaming routes stay outside the timeout and compression group.
		r.Get("/stock/{product_id}/events", cfg.Stock.Events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Timeout))
			r.Use(middleware.Compress(5))
			r.Use(MaxBodyMiddleware(cfg.MaxBody))

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", cfg.Cart.GetCart)
				r.Delete("/", cfg.Cart.ClearCart)
				r.Post("/items", cfg.Cart.AddItem)
				r.Delete("/items/{product_id}/one", cfg.Cart.RemoveOne)
				r.Delete("/items/{product_id}", cfg.Cart.RemoveAll)
			})

			r.With(cfg.Limiter.Middleware).Post("/checkout", cfg.Checkout.Checkout)

			r.Get("/orders", cfg.Orders.ListOrders)
			r.Get("/orders/{order_id}", cfg.Orders.GetOrder)
			r.Get("/stock/{product_id}", cfg.Stock.GetStock)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/orders", cfg.Orders.ListByStatus)
				r.Patch("/orders/{order_id}", cfg.Orders.UpdateStatus)
				r.Post("/orders/{order_id}/cancel", cfg.Orders.Cancel)
				r.Delete("/orders/{order_id}", cfg.Orders.Delete)
				r.Put("/stock/{product_id}", cfg.Stock.SetStock)
			})
		})
	})

	if !cfg.Instrument {
		return r
	}
	return otelhttp.NewHandler(r, "storefront-http")
}
