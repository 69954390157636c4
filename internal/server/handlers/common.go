// Package handlers maps the manager operations onto the HTTP surface.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/domasles/echotuner/internal/auth"
	"github.com/domasles/echotuner/internal/draft"
	"github.com/domasles/echotuner/internal/providers"
	"github.com/domasles/echotuner/internal/quota"
	"github.com/domasles/echotuner/internal/spotify"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("handlers: encode response: %v", err)
	}
}

func writeErrorBody(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// writeError is the single error-to-status mapping for the whole API.
func writeError(w http.ResponseWriter, err error) {
	var providerErr *providers.ProviderError

	switch {
	case errors.Is(err, auth.ErrInvalidDevice):
		writeErrorBody(w, http.StatusBadRequest, err.Error(), "invalid_device")
	case errors.Is(err, auth.ErrExpiredOrUnknownState):
		writeErrorBody(w, http.StatusBadRequest, err.Error(), "invalid_state")
	case errors.Is(err, auth.ErrInvalidSession):
		writeErrorBody(w, http.StatusUnauthorized, err.Error(), "invalid_session")
	case errors.Is(err, draft.ErrAccessDenied):
		writeErrorBody(w, http.StatusForbidden, err.Error(), "access_denied")
	case errors.Is(err, draft.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, err.Error(), "not_found")
	case errors.Is(err, providers.ErrUnknownProvider):
		writeErrorBody(w, http.StatusNotFound, err.Error(), "unknown_provider")
	case errors.Is(err, draft.ErrDraftImmutable):
		writeErrorBody(w, http.StatusConflict, err.Error(), "draft_immutable")
	case errors.Is(err, draft.ErrPromotionPending):
		writeErrorBody(w, http.StatusConflict, err.Error(), "promotion_pending")
	case errors.Is(err, draft.ErrNoResults):
		writeErrorBody(w, http.StatusUnprocessableEntity, err.Error(), "no_results")
	case errors.Is(err, quota.ErrRateLimitExceeded):
		writeErrorBody(w, http.StatusTooManyRequests, err.Error(), "rate_limit_exceeded")
	case errors.Is(err, quota.ErrRefinementLimitExceeded):
		writeErrorBody(w, http.StatusTooManyRequests, err.Error(), "refinement_limit_exceeded")
	case errors.As(err, &providerErr):
		writeErrorBody(w, http.StatusBadGateway, providerErr.Error(), "provider_error")
	case errors.Is(err, spotify.ErrSpotifyAPI):
		writeErrorBody(w, http.StatusBadGateway, err.Error(), "external_service_error")
	default:
		log.Printf("handlers: internal error: %v", err)
		writeErrorBody(w, http.StatusInternalServerError, "internal error", "internal_error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request")
		return false
	}
	return true
}
