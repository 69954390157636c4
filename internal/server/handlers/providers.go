package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/domasles/echotuner/internal/providers"
)

// ListProvidersHandler handles GET /providers.
func ListProvidersHandler(registry *providers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"providers": registry.Names(),
		})
	}
}

// TestProviderHandler handles GET /providers/{name}/test: a live availability
// probe against the backend.
func TestProviderHandler(registry *providers.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provider, err := registry.Resolve(chi.URLParam(r, "name"))
		if err != nil {
			writeError(w, err)
			return
		}

		if err := provider.TestAvailability(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"provider":  provider.Name(),
			"available": true,
		})
	}
}
