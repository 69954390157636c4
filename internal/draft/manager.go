// Package draft implements the playlist draft lifecycle: generation,
// refinement, free edits, promotion to a real Spotify playlist, deletion, and
// the merged library view.
package draft

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/domasles/echotuner/internal/config"
	"github.com/domasles/echotuner/internal/curator"
	"github.com/domasles/echotuner/internal/db/models"
	"github.com/domasles/echotuner/internal/quota"
	"github.com/domasles/echotuner/internal/spotify"
	"github.com/domasles/echotuner/internal/util"
)

var (
	// ErrNotFound means no draft with that ID exists.
	ErrNotFound = errors.New("draft not found")

	// ErrAccessDenied means the draft exists but belongs to another device.
	ErrAccessDenied = errors.New("draft access denied")

	// ErrNoResults means the curator produced zero usable tracks.
	ErrNoResults = errors.New("no tracks produced for prompt")

	// ErrDraftImmutable means the draft was already promoted and can no longer
	// be edited or refined.
	ErrDraftImmutable = errors.New("draft already added to spotify")

	// ErrPromotionPending means another request holds the promotion claim and
	// has not finished yet.
	ErrPromotionPending = errors.New("promotion already in progress")
)

// SessionValidator authenticates a session/device pair and keeps its access
// token fresh. *auth.Manager satisfies this.
type SessionValidator interface {
	ValidateSession(ctx context.Context, sessionID, deviceID string) (*models.Session, error)
	RefreshIfNeeded(ctx context.Context, session *models.Session) error
}

// StreamingClient is the playlist surface of the external service.
// *spotify.Client satisfies this.
type StreamingClient interface {
	CreatePlaylist(ctx context.Context, accessToken, accountID, name, description string, public bool) (string, error)
	AddTracks(ctx context.Context, accessToken, playlistID string, uris []string) error
	UnfollowPlaylist(ctx context.Context, accessToken, playlistID string) error
	GetUserPlaylists(ctx context.Context, accessToken string) ([]spotify.Playlist, error)
}

// Library is the merged view of local drafts and the account's real playlists.
type Library struct {
	Drafts           []models.PlaylistDraft `json:"drafts"`
	SpotifyPlaylists []spotify.Playlist     `json:"spotify_playlists"`
}

// Manager owns draft rows and coordinates the curator, quota ledger, and
// streaming client.
type Manager struct {
	db       *gorm.DB
	sessions SessionValidator
	curate   curator.Curator
	ledger   *quota.Ledger
	client   StreamingClient
	cfg      config.DraftsConfig
	genTime  time.Duration
	now      func() time.Time
}

func NewManager(db *gorm.DB, sessions SessionValidator, cur curator.Curator, ledger *quota.Ledger, client StreamingClient, cfg config.DraftsConfig, generationTimeout time.Duration) *Manager {
	return &Manager{
		db:       db,
		sessions: sessions,
		curate:   cur,
		ledger:   ledger,
		client:   client,
		cfg:      cfg,
		genTime:  generationTimeout,
		now:      time.Now,
	}
}

// authenticate validates the session and refreshes its access token.
func (m *Manager) authenticate(ctx context.Context, sessionID, deviceID string) (*models.Session, error) {
	session, err := m.sessions.ValidateSession(ctx, sessionID, deviceID)
	if err != nil {
		return nil, err
	}
	if err := m.sessions.RefreshIfNeeded(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// generationContext detaches the AI call from the incoming request: a client
// that disconnects mid-generation must not abort a call that was already paid
// for from the quota.
func (m *Manager) generationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.genTime)
}

// Generate creates a new draft from a prompt. Quota is consumed before any
// provider call, so a rate-limited device costs nothing downstream.
func (m *Manager) Generate(ctx context.Context, deviceID, sessionID, prompt, providerName string, count int) (*models.PlaylistDraft, error) {
	session, err := m.authenticate(ctx, sessionID, deviceID)
	if err != nil {
		return nil, err
	}
	if err := m.ledger.TryConsumeGeneration(ctx, deviceID); err != nil {
		return nil, err
	}

	// The quota unit is spent: from here on nothing may depend on the
	// request staying alive, or a disconnect would waste what was paid.
	persistCtx := context.WithoutCancel(ctx)

	genCtx, cancel := m.generationContext()
	defer cancel()

	started := m.now()
	result, err := m.curate.Curate(genCtx, curator.Request{
		Prompt:      prompt,
		Count:       count,
		Provider:    providerName,
		AccessToken: session.AccessToken,
	})
	m.logRequest(persistCtx, deviceID, "generate", prompt, result, started, err)
	if err != nil {
		return nil, err
	}
	if len(result.Tracks) == 0 {
		return nil, ErrNoResults
	}

	now := m.now().UTC()
	draft := models.PlaylistDraft{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Prompt:    prompt,
		Status:    models.DraftStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	draft.SetSongs(result.Tracks)

	err = m.db.WithContext(persistCtx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&draft).Error; err != nil {
			return err
		}
		return m.ledger.WithTx(tx).EnsureDraftQuota(persistCtx, draft.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("persist draft: %w", err)
	}
	return &draft, nil
}

// Refine regenerates the draft's track list from user feedback, counting one
// refinement. Promoted drafts are immutable.
func (m *Manager) Refine(ctx context.Context, draftID, deviceID, sessionID, feedback string) (*models.PlaylistDraft, error) {
	session, err := m.authenticate(ctx, sessionID, deviceID)
	if err != nil {
		return nil, err
	}
	draft, err := m.loadOwned(ctx, draftID, deviceID)
	if err != nil {
		return nil, err
	}
	if draft.Promoted() {
		return nil, ErrDraftImmutable
	}
	if err := m.ledger.TryConsumeRefinement(ctx, draftID); err != nil {
		return nil, err
	}

	// Same contract as Generate: the refinement is paid for, so the result
	// must land even if the client goes away mid-call.
	persistCtx := context.WithoutCancel(ctx)

	genCtx, cancel := m.generationContext()
	defer cancel()

	started := m.now()
	result, err := m.curate.Curate(genCtx, curator.Request{
		Prompt:      draft.Prompt,
		Count:       len(draft.Songs()),
		Current:     draft.Songs(),
		Feedback:    feedback,
		AccessToken: session.AccessToken,
	})
	m.logRequest(persistCtx, deviceID, "refine", feedback, result, started, err)
	if err != nil {
		return nil, err
	}
	if len(result.Tracks) == 0 {
		return nil, ErrNoResults
	}

	return m.applySongs(persistCtx, draft, result.Tracks, true)
}

// Update replaces the draft's track list with a client-edited one. Free: no
// quota is consumed for manual edits.
func (m *Manager) Update(ctx context.Context, draftID, deviceID, sessionID string, songs []models.Track) (*models.PlaylistDraft, error) {
	if _, err := m.authenticate(ctx, sessionID, deviceID); err != nil {
		return nil, err
	}
	draft, err := m.loadOwned(ctx, draftID, deviceID)
	if err != nil {
		return nil, err
	}
	if draft.Promoted() {
		return nil, ErrDraftImmutable
	}
	return m.applySongs(ctx, draft, songs, false)
}

// applySongs is the single mutation path for both refinement and manual edits.
// aiAssisted bumps the visible refinement counter. The status guard closes the
// window where a promotion claimed the draft after the caller loaded it: a
// promoted draft's song cache is frozen, so 0 rows affected means immutable.
func (m *Manager) applySongs(ctx context.Context, draft *models.PlaylistDraft, songs []models.Track, aiAssisted bool) (*models.PlaylistDraft, error) {
	draft.SetSongs(songs)
	draft.UpdatedAt = m.now().UTC()
	if aiAssisted {
		draft.RefinementsUsed++
	}

	res := m.db.WithContext(ctx).Model(&models.PlaylistDraft{}).
		Where("id = ? AND status = ?", draft.ID, models.DraftStatusDraft).
		Updates(map[string]any{
			"songs_json":       draft.SongsJSON,
			"refinements_used": draft.RefinementsUsed,
			"updated_at":       draft.UpdatedAt,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("update draft: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrDraftImmutable
	}
	return draft, nil
}

// Get returns one owned draft.
func (m *Manager) Get(ctx context.Context, draftID, deviceID, sessionID string) (*models.PlaylistDraft, error) {
	if _, err := m.authenticate(ctx, sessionID, deviceID); err != nil {
		return nil, err
	}
	return m.loadOwned(ctx, draftID, deviceID)
}

// loadOwned distinguishes missing drafts from foreign ones: unknown ID is
// ErrNotFound, someone else's draft is ErrAccessDenied.
func (m *Manager) loadOwned(ctx context.Context, draftID, deviceID string) (*models.PlaylistDraft, error) {
	var draft models.PlaylistDraft
	err := m.db.WithContext(ctx).Where("id = ?", draftID).First(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if draft.DeviceID != deviceID {
		return nil, ErrAccessDenied
	}
	return &draft, nil
}

// Promote turns the draft into a real Spotify playlist exactly once.
// Re-promoting returns the existing playlist ID without creating a second
// playlist. Concurrent promotions race on a conditional status claim; the
// loser waits out the winner via ErrPromotionPending or returns its result.
func (m *Manager) Promote(ctx context.Context, draftID, deviceID, sessionID, name, description string, public bool) (string, error) {
	session, err := m.authenticate(ctx, sessionID, deviceID)
	if err != nil {
		return "", err
	}
	draft, err := m.loadOwned(ctx, draftID, deviceID)
	if err != nil {
		return "", err
	}
	if draft.Promoted() {
		return draft.SpotifyPlaylistID, nil
	}

	// Claim the draft. Only one concurrent promotion can flip draft ->
	// added_to_spotify; everyone else sees RowsAffected == 0.
	res := m.db.WithContext(ctx).Model(&models.PlaylistDraft{}).
		Where("id = ? AND status = ?", draftID, models.DraftStatusDraft).
		Updates(map[string]any{
			"status":     models.DraftStatusAddedToSpotify,
			"updated_at": m.now().UTC(),
		})
	if res.Error != nil {
		return "", fmt.Errorf("claim draft: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Someone else holds or held the claim; report their outcome.
		current, err := m.loadOwned(ctx, draftID, deviceID)
		if err != nil {
			return "", err
		}
		if current.SpotifyPlaylistID != "" {
			return current.SpotifyPlaylistID, nil
		}
		return "", ErrPromotionPending
	}

	// Once the claim is ours, resolving it (record or revert) must not hinge
	// on the request staying alive, or a disconnect strands the draft in a
	// claimed-but-empty state no retry can clear.
	persistCtx := context.WithoutCancel(ctx)

	playlistID, err := m.materialize(ctx, session, draft, name, description, public)
	if err != nil {
		m.revertClaim(persistCtx, draftID)
		return "", err
	}

	err = m.db.WithContext(persistCtx).Model(&models.PlaylistDraft{}).
		Where("id = ?", draftID).
		Updates(map[string]any{
			"spotify_playlist_id": playlistID,
			"updated_at":          m.now().UTC(),
		}).Error
	if err != nil {
		return "", fmt.Errorf("record playlist id: %w", err)
	}
	return playlistID, nil
}

// materialize creates the external playlist and fills it. If population fails
// after creation, the empty playlist is unfollowed best-effort so the revert
// leaves no half-promoted remnant on the account.
func (m *Manager) materialize(ctx context.Context, session *models.Session, draft *models.PlaylistDraft, name, description string, public bool) (string, error) {
	if name == "" {
		name = util.TruncateLog(draft.Prompt, 100)
	}

	playlistID, err := m.client.CreatePlaylist(ctx, session.AccessToken, session.AccountID, name, description, public)
	if err != nil {
		return "", err
	}

	var uris []string
	for _, track := range draft.Songs() {
		if uri := track.URI(); uri != "" {
			uris = append(uris, uri)
		}
	}
	if err := m.client.AddTracks(ctx, session.AccessToken, playlistID, uris); err != nil {
		if uerr := m.client.UnfollowPlaylist(ctx, session.AccessToken, playlistID); uerr != nil {
			log.Printf("draft: unfollow orphaned playlist %s: %v", playlistID, uerr)
		}
		return "", err
	}
	return playlistID, nil
}

func (m *Manager) revertClaim(ctx context.Context, draftID string) {
	err := m.db.WithContext(ctx).Model(&models.PlaylistDraft{}).
		Where("id = ? AND status = ? AND spotify_playlist_id = ''", draftID, models.DraftStatusAddedToSpotify).
		Updates(map[string]any{
			"status":     models.DraftStatusDraft,
			"updated_at": m.now().UTC(),
		}).Error
	if err != nil {
		log.Printf("draft: revert promotion claim %s: %v", draftID, err)
	}
}

// Delete removes an owned draft. A promoted draft is only unlinked locally;
// the real playlist on the account is never touched.
func (m *Manager) Delete(ctx context.Context, draftID, deviceID, sessionID string) error {
	if _, err := m.authenticate(ctx, sessionID, deviceID); err != nil {
		return err
	}
	draft, err := m.loadOwned(ctx, draftID, deviceID)
	if err != nil {
		return err
	}

	if err := m.db.WithContext(ctx).Where("id = ?", draft.ID).Delete(&models.PlaylistDraft{}).Error; err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return m.ledger.ReleaseDraft(ctx, draft.ID)
}

// ListForDevice returns the device's drafts merged with the account's real
// playlists. An external fetch failure degrades to drafts-only.
func (m *Manager) ListForDevice(ctx context.Context, deviceID, sessionID string) (*Library, error) {
	session, err := m.authenticate(ctx, sessionID, deviceID)
	if err != nil {
		return nil, err
	}

	var drafts []models.PlaylistDraft
	err = m.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("updated_at DESC").
		Find(&drafts).Error
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}

	library := Library{Drafts: drafts, SpotifyPlaylists: []spotify.Playlist{}}
	playlists, err := m.client.GetUserPlaylists(ctx, session.AccessToken)
	if err != nil {
		log.Printf("draft: playlist fetch for device %s failed, drafts only: %v", deviceID, err)
		return &library, nil
	}
	library.SpotifyPlaylists = playlists
	return &library, nil
}

// SweepExpired deletes unpromoted drafts idle past the retention window,
// together with their refinement counters.
func (m *Manager) SweepExpired(ctx context.Context) error {
	cutoff := m.now().UTC().Add(-m.cfg.Retention)

	var stale []models.PlaylistDraft
	err := m.db.WithContext(ctx).
		Select("id").
		Where("status = ? AND updated_at < ?", models.DraftStatusDraft, cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("sweep drafts: %w", err)
	}

	for _, draft := range stale {
		if err := m.db.WithContext(ctx).Where("id = ?", draft.ID).Delete(&models.PlaylistDraft{}).Error; err != nil {
			return fmt.Errorf("sweep drafts: %w", err)
		}
		if err := m.ledger.ReleaseDraft(ctx, draft.ID); err != nil {
			return err
		}
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
					log.Printf("draft: sweep: %v", err)
				}
			}
		}
	}()
}

func (m *Manager) logRequest(ctx context.Context, deviceID, operation, prompt string, result curator.Result, started time.Time, curateErr error) {
	row := models.RequestLog{
		ID:         uuid.NewString(),
		Timestamp:  started.Unix(),
		DeviceID:   deviceID,
		Operation:  operation,
		Provider:   result.Provider,
		Model:      result.Model,
		Duration:   m.now().Sub(started).Milliseconds(),
		TrackCount: len(result.Tracks),
		Prompt:     util.TruncatePrompt(prompt),
	}
	if curateErr != nil {
		row.Error = curateErr.Error()
	}
	if err := m.db.WithContext(ctx).Create(&row).Error; err != nil {
		log.Printf("draft: request log: %v", err)
	}
}
