package handlers

import (
	"net/http"

	"github.com/domasles/echotuner/internal/auth"
	"github.com/domasles/echotuner/internal/quota"
	"github.com/domasles/echotuner/internal/server/middleware"
)

// QuotaStatusHandler handles GET /quota/status for the authenticated device.
func QuotaStatusHandler(sessions *auth.Manager, ledger *quota.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := middleware.DeviceID(r.Context())
		sessionID := middleware.SessionID(r.Context())

		if _, err := sessions.ValidateSession(r.Context(), sessionID, deviceID); err != nil {
			writeError(w, err)
			return
		}

		status, err := ledger.GetStatus(r.Context(), deviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}
