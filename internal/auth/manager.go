// Package auth owns devices, OAuth state tokens, and sessions. Sessions are
// fail-closed: any validation mismatch revokes the session outright.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/domasles/echotuner/internal/config"
	"github.com/domasles/echotuner/internal/db/models"
)

var (
	// ErrInvalidDevice means the device is unknown while registration is
	// required.
	ErrInvalidDevice = errors.New("unknown device")

	// ErrExpiredOrUnknownState means the OAuth state token was never issued,
	// already consumed, or past its TTL. Deliberately indistinguishable.
	ErrExpiredOrUnknownState = errors.New("expired or unknown auth state")

	// ErrInvalidSession means the session failed validation and has been
	// revoked.
	ErrInvalidSession = errors.New("invalid session")
)

// OAuthExchanger is the external OAuth surface the manager depends on.
// *spotify.Authenticator satisfies this.
type OAuthExchanger interface {
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)
	RefreshAccess(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	CurrentAccountID(ctx context.Context, accessToken string) (string, error)
}

// Manager drives the device/state/session lifecycle against the database.
type Manager struct {
	db    *gorm.DB
	oauth OAuthExchanger
	cfg   config.AuthConfig
	now   func() time.Time
}

func NewManager(db *gorm.DB, oauth OAuthExchanger, cfg config.AuthConfig) *Manager {
	return &Manager{db: db, oauth: oauth, cfg: cfg, now: time.Now}
}

// RegisterDevice issues a fresh device identifier.
func (m *Manager) RegisterDevice(ctx context.Context, platform string) (*models.Device, error) {
	device := models.Device{
		ID:           uuid.NewString(),
		Platform:     platform,
		RegisteredAt: m.now().UTC(),
	}
	if err := m.db.WithContext(ctx).Create(&device).Error; err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return &device, nil
}

// InitiateAuth starts an OAuth flow for the device: a fresh random state token
// with a TTL, bound to the device, plus the provider authorization URL.
func (m *Manager) InitiateAuth(ctx context.Context, deviceID string) (authURL, state string, err error) {
	if m.cfg.RequireDeviceRegistration {
		var count int64
		if err := m.db.WithContext(ctx).Model(&models.Device{}).
			Where("id = ?", deviceID).Count(&count).Error; err != nil {
			return "", "", fmt.Errorf("initiate auth: %w", err)
		}
		if count == 0 {
			return "", "", ErrInvalidDevice
		}
	}

	state, err = newStateToken()
	if err != nil {
		return "", "", fmt.Errorf("initiate auth: %w", err)
	}

	now := m.now().UTC()
	record := models.AuthState{
		StateToken: state,
		DeviceID:   deviceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.StateTTL),
	}
	if err := m.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", fmt.Errorf("initiate auth: %w", err)
	}
	return m.oauth.AuthCodeURL(state), state, nil
}

func newStateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CompleteAuth consumes the state token and exchanges the authorization code
// for a session. Consumption is a conditional delete, so only one of two
// concurrent callbacks with the same state can ever succeed.
func (m *Manager) CompleteAuth(ctx context.Context, state, code string) (*models.Session, error) {
	var record models.AuthState
	err := m.db.WithContext(ctx).Where("state_token = ?", state).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExpiredOrUnknownState
	}
	if err != nil {
		return nil, fmt.Errorf("complete auth: %w", err)
	}
	if record.Expired(m.now().UTC()) {
		return nil, ErrExpiredOrUnknownState
	}

	res := m.db.WithContext(ctx).Where("state_token = ?", state).Delete(&models.AuthState{})
	if res.Error != nil {
		return nil, fmt.Errorf("complete auth: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race: another callback already consumed this state.
		return nil, ErrExpiredOrUnknownState
	}

	token, err := m.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("complete auth: code exchange: %w", err)
	}
	accountID, err := m.oauth.CurrentAccountID(ctx, token.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("complete auth: account lookup: %w", err)
	}

	now := m.now().UTC()
	session := models.Session{
		ID:             uuid.NewString(),
		DeviceID:       record.DeviceID,
		AccountID:      accountID,
		AccessToken:    token.AccessToken,
		RefreshToken:   token.RefreshToken,
		TokenExpiresAt: token.Expiry,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.SessionTTL),
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// One active session per device: the new session supersedes.
		if err := tx.Where("device_id = ?", record.DeviceID).Delete(&models.Session{}).Error; err != nil {
			return err
		}
		return tx.Create(&session).Error
	})
	if err != nil {
		return nil, fmt.Errorf("complete auth: %w", err)
	}
	return &session, nil
}

// ValidateSession checks the session/device pair and returns the session on
// success. Unknown ID, device mismatch, or expiry all revoke the session and
// return ErrInvalidSession.
func (m *Manager) ValidateSession(ctx context.Context, sessionID, deviceID string) (*models.Session, error) {
	if sessionID == "" || deviceID == "" {
		return nil, ErrInvalidSession
	}

	var session models.Session
	err := m.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("validate session: %w", err)
	}

	if session.DeviceID != deviceID || session.Expired(m.now().UTC()) {
		if err := m.revoke(ctx, sessionID); err != nil {
			log.Printf("auth: revoke session %s: %v", sessionID, err)
		}
		return nil, ErrInvalidSession
	}
	return &session, nil
}

// tokenRefreshLeeway is how close to expiry the access token may get before a
// request triggers a refresh.
const tokenRefreshLeeway = 5 * time.Minute

// RefreshIfNeeded refreshes the session's access token when it is near expiry,
// persisting the new token pair. Refresh failure revokes the session: a stale
// refresh token cannot recover on its own.
func (m *Manager) RefreshIfNeeded(ctx context.Context, session *models.Session) error {
	if m.now().UTC().Add(tokenRefreshLeeway).Before(session.TokenExpiresAt) {
		return nil
	}

	token, err := m.oauth.RefreshAccess(ctx, session.RefreshToken)
	if err != nil {
		if rerr := m.revoke(ctx, session.ID); rerr != nil {
			log.Printf("auth: revoke session %s: %v", session.ID, rerr)
		}
		log.Printf("auth: token refresh failed for session %s: %v", session.ID, err)
		return ErrInvalidSession
	}

	session.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		// Providers may rotate the refresh token on use.
		session.RefreshToken = token.RefreshToken
	}
	session.TokenExpiresAt = token.Expiry

	err = m.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", session.ID).
		Updates(map[string]any{
			"access_token":     session.AccessToken,
			"refresh_token":    session.RefreshToken,
			"token_expires_at": session.TokenExpiresAt,
		}).Error
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	return nil
}

func (m *Manager) revoke(ctx context.Context, sessionID string) error {
	return m.db.WithContext(ctx).Where("id = ?", sessionID).Delete(&models.Session{}).Error
}

// Logout removes every session and pending auth state for the device.
// Idempotent: logging out an already-logged-out device succeeds.
func (m *Manager) Logout(ctx context.Context, deviceID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).Delete(&models.Session{}).Error; err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		if err := tx.Where("device_id = ?", deviceID).Delete(&models.AuthState{}).Error; err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		return nil
	})
}

// CheckPending reports whether the device has an active session, for clients
// polling while the user finishes the browser flow. The session ID is returned
// so the client can store it.
func (m *Manager) CheckPending(ctx context.Context, deviceID string) (*models.Session, bool, error) {
	var session models.Session
	err := m.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check pending: %w", err)
	}
	if session.Expired(m.now().UTC()) {
		return nil, false, nil
	}
	return &session, true, nil
}

// SweepExpired deletes expired auth states and sessions.
func (m *Manager) SweepExpired(ctx context.Context) error {
	now := m.now().UTC()
	if err := m.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.AuthState{}).Error; err != nil {
		return fmt.Errorf("sweep auth states: %w", err)
	}
	if err := m.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.Session{}).Error; err != nil {
		return fmt.Errorf("sweep sessions: %w", err)
	}
	return nil
}

// StartSweepLoop runs SweepExpired on a ticker until ctx is cancelled.
func (m *Manager) StartSweepLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.SweepExpired(ctx); err != nil {
					log.Printf("auth: sweep: %v", err)
				}
			}
		}
	}()
}
