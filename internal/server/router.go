// Package server assembles the chi router from the managers.
package server

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/domasles/echotuner/internal/auth"
	"github.com/domasles/echotuner/internal/draft"
	"github.com/domasles/echotuner/internal/logging"
	"github.com/domasles/echotuner/internal/providers"
	"github.com/domasles/echotuner/internal/quota"
	"github.com/domasles/echotuner/internal/server/handlers"
	"github.com/domasles/echotuner/internal/server/middleware"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Auth     *auth.Manager
	Drafts   *draft.Manager
	Ledger   *quota.Ledger
	Registry *providers.Registry
}

// NewRouter builds the full route tree.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(logging.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Auth flow: no session yet, so no identity middleware.
	r.Route("/auth", func(r chi.Router) {
		r.Post("/device", handlers.RegisterDeviceHandler(deps.Auth))
		r.Post("/init", handlers.InitiateAuthHandler(deps.Auth))
		r.Get("/callback", handlers.CallbackHandler(deps.Auth))
		r.Post("/validate", handlers.ValidateHandler(deps.Auth))
		r.Get("/check", handlers.CheckAuthHandler(deps.Auth))
		r.Post("/logout", handlers.LogoutHandler(deps.Auth))
	})

	// Session-scoped API.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireIdentity)

		r.Get("/quota/status", handlers.QuotaStatusHandler(deps.Auth, deps.Ledger))

		r.Route("/drafts", func(r chi.Router) {
			r.Post("/", handlers.GenerateDraftHandler(deps.Drafts))
			r.Get("/", handlers.ListLibraryHandler(deps.Drafts))
			r.Get("/{id}", handlers.GetDraftHandler(deps.Drafts))
			r.Put("/{id}", handlers.UpdateDraftHandler(deps.Drafts))
			r.Delete("/{id}", handlers.DeleteDraftHandler(deps.Drafts))
			r.Post("/{id}/refine", handlers.RefineDraftHandler(deps.Drafts))
			r.Post("/{id}/promote", handlers.PromoteDraftHandler(deps.Drafts))
		})
	})

	// Diagnostics.
	r.Get("/providers", handlers.ListProvidersHandler(deps.Registry))
	r.Get("/providers/{name}/test", handlers.TestProviderHandler(deps.Registry))

	return r
}
