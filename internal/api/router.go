/**
 * @description
 * Route definitions for the server process. Merchant routes sit behind the
 * bearer-token middleware; the websocket endpoint authenticates per payment
 * id; admin routes are bound to a separate internal key in deployment.
 */

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the chi router for the server process.
func NewRouter(h *Handlers, ws *SocketHandler, apiSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Settlement engine is healthy"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(MerchantAuth(apiSecret))
		r.Post("/payments", h.CreatePayment)
		r.Get("/payments", h.ListPayments)
		r.Get("/payments/{id}", h.GetPayment)
		r.Get("/payments/{id}/events", h.PaymentEvents)
		r.Post("/payments/{id}/cancel", h.CancelPayment)
	})

	r.Get("/v1/ws", ws.ServeHTTP)

	r.Route("/admin", func(r chi.Router) {
		r.Use(MerchantAuth(apiSecret))
		r.Post("/notifications/{id}/replay", h.ReplayNotification)
	})

	return r
}
