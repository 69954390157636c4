package draft

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/domasles/echotuner/internal/config"
	"github.com/domasles/echotuner/internal/curator"
	"github.com/domasles/echotuner/internal/db"
	"github.com/domasles/echotuner/internal/db/models"
	"github.com/domasles/echotuner/internal/quota"
	"github.com/domasles/echotuner/internal/spotify"
)

type fakeSessions struct{}

func (fakeSessions) ValidateSession(ctx context.Context, sessionID, deviceID string) (*models.Session, error) {
	return &models.Session{
		ID:          sessionID,
		DeviceID:    deviceID,
		AccountID:   "acct-1",
		AccessToken: "tok-1",
	}, nil
}

func (fakeSessions) RefreshIfNeeded(ctx context.Context, session *models.Session) error {
	return nil
}

type fakeCurator struct {
	tracks  []models.Track
	err     error
	calls   int
	midCall func()
}

func (f *fakeCurator) Curate(ctx context.Context, req curator.Request) (curator.Result, error) {
	f.calls++
	if f.midCall != nil {
		f.midCall()
	}
	if f.err != nil {
		return curator.Result{}, f.err
	}
	return curator.Result{Tracks: f.tracks, Provider: "mock", Model: "m1"}, nil
}

type fakeClient struct {
	created     int
	addErr      error
	addHook     func()
	unfollowed  []string
	playlists   []spotify.Playlist
	listErr     error
	lastURIs    []string
	nextID      string
	createCalls []string
}

func (f *fakeClient) CreatePlaylist(ctx context.Context, accessToken, accountID, name, description string, public bool) (string, error) {
	f.created++
	f.createCalls = append(f.createCalls, name)
	if f.nextID == "" {
		return "pl-1", nil
	}
	return f.nextID, nil
}

func (f *fakeClient) AddTracks(ctx context.Context, accessToken, playlistID string, uris []string) error {
	f.lastURIs = uris
	if f.addHook != nil {
		f.addHook()
	}
	return f.addErr
}

func (f *fakeClient) UnfollowPlaylist(ctx context.Context, accessToken, playlistID string) error {
	f.unfollowed = append(f.unfollowed, playlistID)
	return nil
}

func (f *fakeClient) GetUserPlaylists(ctx context.Context, accessToken string) ([]spotify.Playlist, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.playlists, nil
}

type fixture struct {
	manager *Manager
	curator *fakeCurator
	client  *fakeClient
	ledger  *quota.Ledger
	db      *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.InitDB("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}

	ledger := quota.NewLedger(database, config.QuotaConfig{
		Generations: config.LimitConfig{Enabled: true, Max: 10},
		Refinements: config.LimitConfig{Enabled: true, Max: 3},
		KeepDays:    30,
	})
	cur := &fakeCurator{tracks: []models.Track{
		{Title: "So What", Artist: "Miles Davis", SpotifyID: "sw1"},
		{Title: "Naima", Artist: "John Coltrane"},
	}}
	client := &fakeClient{}

	manager := NewManager(database, fakeSessions{}, cur, ledger, client,
		config.DraftsConfig{Retention: 7 * 24 * time.Hour, SweepInterval: time.Hour},
		30*time.Second)

	return &fixture{manager: manager, curator: cur, client: client, ledger: ledger, db: database}
}

func TestGenerateRefineUpdateRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.manager.Generate(ctx, "dev-1", "sess-1", "calm jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if draft.Status != models.DraftStatusDraft || draft.RefinementsUsed != 0 {
		t.Fatalf("fresh draft = %+v", draft)
	}
	if len(draft.Songs()) != 2 {
		t.Fatalf("songs = %+v", draft.Songs())
	}

	f.curator.tracks = []models.Track{{Title: "Blue in Green", Artist: "Miles Davis", SpotifyID: "big1"}}
	refined, err := f.manager.Refine(ctx, draft.ID, "dev-1", "sess-1", "slower please")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if refined.ID != draft.ID || refined.DeviceID != draft.DeviceID {
		t.Fatalf("refine changed identity: %+v", refined)
	}
	if refined.RefinementsUsed != 1 {
		t.Fatalf("refinements_used = %d, want 1", refined.RefinementsUsed)
	}
	if len(refined.Songs()) != 1 || refined.Songs()[0].SpotifyID != "big1" {
		t.Fatalf("refined songs = %+v", refined.Songs())
	}

	edited, err := f.manager.Update(ctx, draft.ID, "dev-1", "sess-1", []models.Track{
		{Title: "Flamenco Sketches", Artist: "Miles Davis", SpotifyID: "fs1"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	// Manual edits are free: the counter stays where refinement left it.
	if edited.RefinementsUsed != 1 {
		t.Fatalf("manual edit consumed a refinement: %d", edited.RefinementsUsed)
	}

	reloaded, err := f.manager.Get(ctx, draft.ID, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(reloaded.Songs()) != 1 || reloaded.Songs()[0].SpotifyID != "fs1" {
		t.Fatalf("persisted songs = %+v", reloaded.Songs())
	}
}

func TestGenerate_RateLimitBeforeProviderCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := f.ledger.TryConsumeGeneration(ctx, "dev-1"); err != nil {
			t.Fatalf("seed quota %d: %v", i, err)
		}
	}

	_, err := f.manager.Generate(ctx, "dev-1", "sess-1", "anything", "", 5)
	if !errors.Is(err, quota.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if f.curator.calls != 0 {
		t.Fatalf("provider called %d times despite exhausted quota", f.curator.calls)
	}
}

func TestGenerate_ClientDisconnectStillPersists(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client drops the connection while the provider is still working.
	f.curator.midCall = cancel

	draft, err := f.manager.Generate(ctx, "dev-1", "sess-1", "calm jazz", "", 2)
	if err != nil {
		t.Fatalf("generate after disconnect: %v", err)
	}

	// The paid-for draft landed despite the dead request context.
	reloaded, err := f.manager.Get(context.Background(), draft.ID, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(reloaded.Songs()) != 2 {
		t.Fatalf("persisted songs = %+v", reloaded.Songs())
	}

	var logs int64
	if err := f.db.Model(&models.RequestLog{}).Count(&logs).Error; err != nil {
		t.Fatalf("count request logs: %v", err)
	}
	if logs != 1 {
		t.Fatalf("request logs = %d, want 1", logs)
	}
}

func TestRefine_ClientDisconnectStillPersists(t *testing.T) {
	f := newFixture(t)

	draft, err := f.manager.Generate(context.Background(), "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.curator.midCall = cancel
	f.curator.tracks = []models.Track{{Title: "Blue in Green", Artist: "Miles Davis", SpotifyID: "big1"}}

	if _, err := f.manager.Refine(ctx, draft.ID, "dev-1", "sess-1", "slower"); err != nil {
		t.Fatalf("refine after disconnect: %v", err)
	}

	reloaded, err := f.manager.Get(context.Background(), draft.ID, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.RefinementsUsed != 1 || len(reloaded.Songs()) != 1 {
		t.Fatalf("refinement lost: used=%d songs=%+v", reloaded.RefinementsUsed, reloaded.Songs())
	}
}

func TestGenerate_CreatesDraftQuotaAtomically(t *testing.T) {
	f := newFixture(t)

	draft, err := f.manager.Generate(context.Background(), "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var quotaRow models.DraftQuota
	if err := f.db.Where("draft_id = ?", draft.ID).First(&quotaRow).Error; err != nil {
		t.Fatalf("draft quota row missing: %v", err)
	}
	if quotaRow.MaxRefinements != 3 || quotaRow.RefinementsUsed != 0 {
		t.Fatalf("quota row = %+v", quotaRow)
	}
}

func TestGenerate_NoResults(t *testing.T) {
	f := newFixture(t)
	f.curator.tracks = nil

	_, err := f.manager.Generate(context.Background(), "dev-1", "sess-1", "gibberish", "", 5)
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("expected ErrNoResults, got %v", err)
	}
}

func TestRefine_OwnershipAndLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.manager.Generate(ctx, "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := f.manager.Refine(ctx, "missing", "dev-1", "sess-1", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.manager.Refine(ctx, draft.ID, "dev-2", "sess-2", "x"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := f.manager.Refine(ctx, draft.ID, "dev-1", "sess-1", "again"); err != nil {
			t.Fatalf("refine %d: %v", i, err)
		}
	}
	if _, err := f.manager.Refine(ctx, draft.ID, "dev-1", "sess-1", "again"); !errors.Is(err, quota.ErrRefinementLimitExceeded) {
		t.Fatalf("expected ErrRefinementLimitExceeded, got %v", err)
	}
}

func TestPromote_IdempotentAndExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.manager.Generate(ctx, "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	playlistID, err := f.manager.Promote(ctx, draft.ID, "dev-1", "sess-1", "Calm Jazz", "desc", false)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if playlistID != "pl-1" {
		t.Fatalf("playlist id = %q", playlistID)
	}
	// Only the resolved track makes it onto the playlist.
	if len(f.client.lastURIs) != 1 || f.client.lastURIs[0] != "spotify:track:sw1" {
		t.Fatalf("uris = %v", f.client.lastURIs)
	}

	again, err := f.manager.Promote(ctx, draft.ID, "dev-1", "sess-1", "Calm Jazz", "desc", false)
	if err != nil {
		t.Fatalf("re-promote: %v", err)
	}
	if again != playlistID {
		t.Fatalf("re-promote id = %q, want %q", again, playlistID)
	}
	if f.client.created != 1 {
		t.Fatalf("created %d playlists, want exactly 1", f.client.created)
	}

	// Promoted drafts are immutable.
	if _, err := f.manager.Refine(ctx, draft.ID, "dev-1", "sess-1", "x"); !errors.Is(err, ErrDraftImmutable) {
		t.Fatalf("expected ErrDraftImmutable, got %v", err)
	}
	if _, err := f.manager.Update(ctx, draft.ID, "dev-1", "sess-1", nil); !errors.Is(err, ErrDraftImmutable) {
		t.Fatalf("expected ErrDraftImmutable, got %v", err)
	}
}

func TestStaleEditLosesToPromotion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.manager.Generate(ctx, "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// An edit loads the draft, then a concurrent promotion claims it before
	// the edit writes back.
	stale, err := f.manager.Get(ctx, draft.ID, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.manager.Promote(ctx, draft.ID, "dev-1", "sess-1", "Jazz", "", false); err != nil {
		t.Fatalf("promote: %v", err)
	}

	_, err = f.manager.applySongs(ctx, stale, []models.Track{{Title: "X", Artist: "Y"}}, false)
	if !errors.Is(err, ErrDraftImmutable) {
		t.Fatalf("expected ErrDraftImmutable for stale edit, got %v", err)
	}

	// The promoted song cache is untouched.
	reloaded, err := f.manager.Get(ctx, draft.ID, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Songs()) != 2 {
		t.Fatalf("frozen songs overwritten: %+v", reloaded.Songs())
	}
}

func TestPromote_RevertOnExternalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.manager.Generate(ctx, "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	f.client.addErr = errors.New("spotify down")
	if _, err := f.manager.Promote(ctx, draft.ID, "dev-1", "sess-1", "Jazz", "", false); err == nil {
		t.Fatal("expected promote failure")
	}
	// The half-created playlist was cleaned up.
	if len(f.client.unfollowed) != 1 {
		t.Fatalf("unfollowed = %v, want the orphan playlist", f.client.unfollowed)
	}

	// The claim was reverted: the draft is still promotable.
	reloaded, err := f.manager.Get(ctx, draft.ID, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Promoted() {
		t.Fatalf("draft stuck in %q after failed promotion", reloaded.Status)
	}

	f.client.addErr = nil
	playlistID, err := f.manager.Promote(ctx, draft.ID, "dev-1", "sess-1", "Jazz", "", false)
	if err != nil {
		t.Fatalf("retry promote: %v", err)
	}
	if playlistID == "" {
		t.Fatal("empty playlist id on retry")
	}
}

func TestPromote_DisconnectDuringExternalCallRevertsClaim(t *testing.T) {
	f := newFixture(t)

	draft, err := f.manager.Generate(context.Background(), "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// The client disconnects while tracks are being added; the external call
	// fails and the claim must still unwind on the dead request context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.client.addHook = cancel
	f.client.addErr = context.Canceled

	if _, err := f.manager.Promote(ctx, draft.ID, "dev-1", "sess-1", "Jazz", "", false); err == nil {
		t.Fatal("expected promote failure")
	}

	reloaded, err := f.manager.Get(context.Background(), draft.ID, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reloaded.Promoted() {
		t.Fatalf("claim not reverted, draft stuck in %q", reloaded.Status)
	}

	f.client.addHook = nil
	f.client.addErr = nil
	playlistID, err := f.manager.Promote(context.Background(), draft.ID, "dev-1", "sess-1", "Jazz", "", false)
	if err != nil {
		t.Fatalf("retry promote: %v", err)
	}
	if playlistID == "" {
		t.Fatal("empty playlist id on retry")
	}
}

func TestDelete_PromotedKeepsExternalPlaylist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.manager.Generate(ctx, "dev-1", "sess-1", "jazz", "", 2)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := f.manager.Promote(ctx, draft.ID, "dev-1", "sess-1", "Jazz", "", false); err != nil {
		t.Fatalf("promote: %v", err)
	}

	if err := f.manager.Delete(ctx, draft.ID, "dev-1", "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.manager.Get(ctx, draft.ID, "dev-1", "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected draft gone, got %v", err)
	}
	// Deleting locally never touches the account's playlist.
	if len(f.client.unfollowed) != 0 {
		t.Fatalf("external playlist deleted: %v", f.client.unfollowed)
	}
}

func TestListForDevice_DegradesWithoutExternal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.manager.Generate(ctx, "dev-1", "sess-1", "jazz", "", 2); err != nil {
		t.Fatalf("generate: %v", err)
	}
	f.client.playlists = []spotify.Playlist{{ID: "pl-9", Name: "Road Trip"}}

	library, err := f.manager.ListForDevice(ctx, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(library.Drafts) != 1 || len(library.SpotifyPlaylists) != 1 {
		t.Fatalf("library = %+v", library)
	}

	f.client.listErr = errors.New("spotify down")
	library, err = f.manager.ListForDevice(ctx, "dev-1", "sess-1")
	if err != nil {
		t.Fatalf("degraded list: %v", err)
	}
	if len(library.Drafts) != 1 || len(library.SpotifyPlaylists) != 0 {
		t.Fatalf("degraded library = %+v", library)
	}
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.manager.Generate(ctx, "dev-1", "sess-1", "old", "", 2)
	if err != nil {
		t.Fatalf("generate stale: %v", err)
	}
	promoted, err := f.manager.Generate(ctx, "dev-1", "sess-1", "kept", "", 2)
	if err != nil {
		t.Fatalf("generate promoted: %v", err)
	}
	if _, err := f.manager.Promote(ctx, promoted.ID, "dev-1", "sess-1", "Kept", "", false); err != nil {
		t.Fatalf("promote: %v", err)
	}

	// Jump past the retention window.
	f.manager.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	if err := f.manager.SweepExpired(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := f.manager.Get(ctx, stale.ID, "dev-1", "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale draft survived: %v", err)
	}
	// Promoted drafts are never swept.
	if _, err := f.manager.Get(ctx, promoted.ID, "dev-1", "sess-1"); err != nil {
		t.Fatalf("promoted draft swept: %v", err)
	}
}
