package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/domasles/echotuner/internal/db/models"
	"github.com/domasles/echotuner/internal/draft"
	"github.com/domasles/echotuner/internal/server/middleware"
)

// GenerateDraftHandler handles POST /drafts.
func GenerateDraftHandler(mgr *draft.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt   string `json:"prompt"`
			Count    int    `json:"count"`
			Provider string `json:"provider"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Prompt == "" {
			writeErrorBody(w, http.StatusBadRequest, "prompt is required", "invalid_request")
			return
		}

		d, err := mgr.Generate(r.Context(),
			middleware.DeviceID(r.Context()), middleware.SessionID(r.Context()),
			req.Prompt, req.Provider, req.Count)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, draftResponse(d))
	}
}

// RefineDraftHandler handles POST /drafts/{id}/refine.
func RefineDraftHandler(mgr *draft.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Feedback string `json:"feedback"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Feedback == "" {
			writeErrorBody(w, http.StatusBadRequest, "feedback is required", "invalid_request")
			return
		}

		d, err := mgr.Refine(r.Context(), chi.URLParam(r, "id"),
			middleware.DeviceID(r.Context()), middleware.SessionID(r.Context()),
			req.Feedback)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, draftResponse(d))
	}
}

// UpdateDraftHandler handles PUT /drafts/{id}: a free manual edit of the track
// list.
func UpdateDraftHandler(mgr *draft.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Songs []models.Track `json:"songs"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		d, err := mgr.Update(r.Context(), chi.URLParam(r, "id"),
			middleware.DeviceID(r.Context()), middleware.SessionID(r.Context()),
			req.Songs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, draftResponse(d))
	}
}

// GetDraftHandler handles GET /drafts/{id}.
func GetDraftHandler(mgr *draft.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := mgr.Get(r.Context(), chi.URLParam(r, "id"),
			middleware.DeviceID(r.Context()), middleware.SessionID(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, draftResponse(d))
	}
}

// DeleteDraftHandler handles DELETE /drafts/{id}.
func DeleteDraftHandler(mgr *draft.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := mgr.Delete(r.Context(), chi.URLParam(r, "id"),
			middleware.DeviceID(r.Context()), middleware.SessionID(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	}
}

// ListLibraryHandler handles GET /drafts: drafts merged with the account's
// real playlists.
func ListLibraryHandler(mgr *draft.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		library, err := mgr.ListForDevice(r.Context(),
			middleware.DeviceID(r.Context()), middleware.SessionID(r.Context()))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, library)
	}
}

// PromoteDraftHandler handles POST /drafts/{id}/promote.
func PromoteDraftHandler(mgr *draft.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Public      bool   `json:"public"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		playlistID, err := mgr.Promote(r.Context(), chi.URLParam(r, "id"),
			middleware.DeviceID(r.Context()), middleware.SessionID(r.Context()),
			req.Name, req.Description, req.Public)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"spotify_playlist_id": playlistID})
	}
}

// draftResponse inflates the serialized song list for the client.
func draftResponse(d *models.PlaylistDraft) map[string]any {
	return map[string]any{
		"id":                  d.ID,
		"device_id":           d.DeviceID,
		"prompt":              d.Prompt,
		"status":              d.Status,
		"songs":               d.Songs(),
		"spotify_playlist_id": d.SpotifyPlaylistID,
		"refinements_used":    d.RefinementsUsed,
		"created_at":          d.CreatedAt,
		"updated_at":          d.UpdatedAt,
	}
}
