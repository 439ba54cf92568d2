package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/cardengine-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка карточных решений.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Group(func(r chi.Router) {
		r.Use(h.identity.Middleware)

		r.Post("/card-decision", h.CardDecision)
		r.Post("/card-application/customer-decision", h.CustomerDecision)

		r.Get("/card-application/{applicationNo}", h.GetApplication)
		r.Get("/card-applications", h.GetApplications)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.adminAuth.Middleware)

		r.Post("/card-application/update", h.UpdateCardApplication)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
