package handlers

import (
	"fmt"
	"net/http"

	"github.com/domasles/echotuner/internal/auth"
	"github.com/domasles/echotuner/internal/server/middleware"
)

// RegisterDeviceHandler handles POST /auth/device.
func RegisterDeviceHandler(mgr *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Platform string `json:"platform"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		device, err := mgr.RegisterDevice(r.Context(), req.Platform)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, device)
	}
}

// InitiateAuthHandler handles POST /auth/init.
func InitiateAuthHandler(mgr *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DeviceID == "" {
			writeErrorBody(w, http.StatusBadRequest, "device_id is required", "invalid_request")
			return
		}

		authURL, state, err := mgr.InitiateAuth(r.Context(), req.DeviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"auth_url": authURL,
			"state":    state,
		})
	}
}

// CallbackHandler handles GET /auth/callback, the browser leg of the OAuth
// flow. It renders HTML rather than JSON: the user is looking at this page.
func CallbackHandler(mgr *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		code := r.URL.Query().Get("code")
		if errMsg := r.URL.Query().Get("error"); errMsg != "" {
			renderCallbackPage(w, http.StatusBadRequest, "Login Failed", "Spotify reported: "+errMsg)
			return
		}
		if state == "" || code == "" {
			renderCallbackPage(w, http.StatusBadRequest, "Login Failed", "Missing state or code parameter.")
			return
		}

		if _, err := mgr.CompleteAuth(r.Context(), state, code); err != nil {
			renderCallbackPage(w, http.StatusBadRequest, "Login Failed", "The login link is invalid or has expired. Start again from the app.")
			return
		}
		renderCallbackPage(w, http.StatusOK, "Login Successful", "You can close this window and return to the app.")
	}
}

func renderCallbackPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>%s</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		.title { color: #4ade80; font-size: 24px; margin-bottom: 10px; }
		.title.failed { color: #f87171; }
		.message { color: #9ca3af; margin-top: 20px; }
	</style>
</head>
<body>
	<div class="title%s">%s</div>
	<div class="message">%s</div>
</body>
</html>`, title, failedClass(status), title, message)
}

func failedClass(status int) string {
	if status >= 400 {
		return " failed"
	}
	return ""
}

// ValidateHandler handles POST /auth/validate: is this session/device pair
// still good?
func ValidateHandler(mgr *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
			DeviceID  string `json:"device_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		session, err := mgr.ValidateSession(r.Context(), req.SessionID, req.DeviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":      true,
			"account_id": session.AccountID,
			"expires_at": session.ExpiresAt,
		})
	}
}

// CheckAuthHandler handles GET /auth/check, the client poll while the user
// finishes the browser flow.
func CheckAuthHandler(mgr *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.URL.Query().Get("device_id")
		if deviceID == "" {
			deviceID = r.Header.Get(middleware.DeviceIDHeader)
		}
		if deviceID == "" {
			writeErrorBody(w, http.StatusBadRequest, "device_id is required", "invalid_request")
			return
		}

		session, ok, err := mgr.CheckPending(r.Context(), deviceID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"session_id":    session.ID,
			"account_id":    session.AccountID,
		})
	}
}

// LogoutHandler handles POST /auth/logout.
func LogoutHandler(mgr *auth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DeviceID == "" {
			writeErrorBody(w, http.StatusBadRequest, "device_id is required", "invalid_request")
			return
		}

		if err := mgr.Logout(r.Context(), req.DeviceID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"logged_out": true})
	}
}
