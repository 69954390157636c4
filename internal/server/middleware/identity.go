// Package middleware holds the HTTP middlewares specific to this service.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
)

// Identity headers every session-scoped endpoint requires.
const (
	DeviceIDHeader  = "X-Device-ID"
	SessionIDHeader = "X-Session-ID"
)

type contextKey string

const (
	deviceIDKey  contextKey = "device_id"
	sessionIDKey contextKey = "session_id"
)

// RequireIdentity rejects requests missing the identity headers and injects
// both values into the request context. Session validity itself is checked by
// the managers, which revoke on mismatch; this layer only establishes who the
// caller claims to be.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(DeviceIDHeader)
		sessionID := r.Header.Get(SessionIDHeader)
		if deviceID == "" || sessionID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"message": "missing " + DeviceIDHeader + " or " + SessionIDHeader + " header",
					"type":    "unauthorized",
				},
			})
			return
		}

		ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
		ctx = context.WithValue(ctx, sessionIDKey, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeviceID returns the device ID injected by RequireIdentity.
func DeviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}

// SessionID returns the session ID injected by RequireIdentity.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
