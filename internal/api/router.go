package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the REST endpoints, the live feed at /ws and /metrics.
// feed may be nil.
func NewRouter(h *Handler, feed http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	if feed != nil {
		r.Handle("/ws", feed)
	}

	r.Get("/assets", h.ListAssets)
	r.Get("/assets/{id}", h.GetAsset)
	r.Get("/assets/{id}/orderbook", h.GetOrderBook)
	r.Get("/assets/{id}/price", h.GetPrice)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetUserOrders)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Get("/trades", h.GetUserTrades)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/wallet", h.GetWallet)
	})
	return r
}
