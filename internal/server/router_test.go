package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/domasles/echotuner/internal/auth"
	"github.com/domasles/echotuner/internal/config"
	"github.com/domasles/echotuner/internal/curator"
	"github.com/domasles/echotuner/internal/db"
	"github.com/domasles/echotuner/internal/db/models"
	"github.com/domasles/echotuner/internal/draft"
	"github.com/domasles/echotuner/internal/providers"
	"github.com/domasles/echotuner/internal/quota"
	"github.com/domasles/echotuner/internal/server/middleware"
	"github.com/domasles/echotuner/internal/spotify"
)

type fakeExchanger struct{}

func (fakeExchanger) AuthCodeURL(state string) string {
	return "https://accounts.example.test/authorize?state=" + state
}

func (fakeExchanger) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	return &oauth2.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (fakeExchanger) RefreshAccess(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "rotated", Expiry: time.Now().Add(time.Hour)}, nil
}

func (fakeExchanger) CurrentAccountID(ctx context.Context, accessToken string) (string, error) {
	return "spotify-user", nil
}

type fakeCurator struct{}

func (fakeCurator) Curate(ctx context.Context, req curator.Request) (curator.Result, error) {
	return curator.Result{
		Tracks: []models.Track{
			{Title: "So What", Artist: "Miles Davis", SpotifyID: "sw1"},
		},
		Provider: "mock",
		Model:    "m1",
	}, nil
}

type fakeStreaming struct{}

func (fakeStreaming) CreatePlaylist(ctx context.Context, accessToken, accountID, name, description string, public bool) (string, error) {
	return "pl-1", nil
}

func (fakeStreaming) AddTracks(ctx context.Context, accessToken, playlistID string, uris []string) error {
	return nil
}

func (fakeStreaming) UnfollowPlaylist(ctx context.Context, accessToken, playlistID string) error {
	return nil
}

func (fakeStreaming) GetUserPlaylists(ctx context.Context, accessToken string) ([]spotify.Playlist, error) {
	return []spotify.Playlist{{ID: "pl-9", Name: "Road Trip"}}, nil
}

type stubProvider struct{}

func (stubProvider) Name() string { return "mock" }

func (stubProvider) GenerateText(ctx context.Context, prompt string, opts providers.Options) (string, error) {
	return "", nil
}

func (stubProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	return nil, providers.ErrEmbeddingUnsupported
}

func (stubProvider) TestAvailability(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	database, err := db.InitDB("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("init db: %v", err)
	}

	authCfg := config.AuthConfig{
		RequireDeviceRegistration: true,
		StateTTL:                  10 * time.Minute,
		SessionTTL:                24 * time.Hour,
	}
	authManager := auth.NewManager(database, fakeExchanger{}, authCfg)

	ledger := quota.NewLedger(database, config.QuotaConfig{
		Generations: config.LimitConfig{Enabled: true, Max: 5},
		Refinements: config.LimitConfig{Enabled: true, Max: 3},
		KeepDays:    30,
	})

	draftManager := draft.NewManager(database, authManager, fakeCurator{}, ledger, fakeStreaming{},
		config.DraftsConfig{Retention: 7 * 24 * time.Hour}, 30*time.Second)

	registry := providers.NewRegistry("mock")
	registry.Register(stubProvider{})

	srv := httptest.NewServer(NewRouter(Deps{
		Auth:     authManager,
		Drafts:   draftManager,
		Ledger:   ledger,
		Registry: registry,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, client *http.Client, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// authenticate walks the whole flow: register, init, callback, poll.
func authenticate(t *testing.T, srv *httptest.Server) (deviceID, sessionID string) {
	t.Helper()
	client := srv.Client()

	resp := postJSON(t, client, srv.URL+"/auth/device", map[string]string{"platform": "ios"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register device: status %d", resp.StatusCode)
	}
	var device struct {
		ID string `json:"id"`
	}
	decode(t, resp, &device)

	resp = postJSON(t, client, srv.URL+"/auth/init", map[string]string{"device_id": device.ID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: status %d", resp.StatusCode)
	}
	var initResp struct {
		AuthURL string `json:"auth_url"`
		State   string `json:"state"`
	}
	decode(t, resp, &initResp)
	if !strings.Contains(initResp.AuthURL, initResp.State) {
		t.Fatalf("auth url %q missing state %q", initResp.AuthURL, initResp.State)
	}

	resp, err := client.Get(srv.URL + "/auth/callback?state=" + initResp.State + "&code=abc")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: status %d", resp.StatusCode)
	}

	resp, err = client.Get(srv.URL + "/auth/check?device_id=" + device.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	var check struct {
		Authenticated bool   `json:"authenticated"`
		SessionID     string `json:"session_id"`
	}
	decode(t, resp, &check)
	if !check.Authenticated || check.SessionID == "" {
		t.Fatalf("check = %+v", check)
	}
	return device.ID, check.SessionID
}

func identity(deviceID, sessionID string) map[string]string {
	return map[string]string{
		middleware.DeviceIDHeader:  deviceID,
		middleware.SessionIDHeader: sessionID,
	}
}

func TestFullDraftLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	deviceID, sessionID := authenticate(t, srv)
	headers := identity(deviceID, sessionID)

	resp := postJSON(t, client, srv.URL+"/drafts", map[string]any{"prompt": "calm jazz", "count": 1}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate: status %d", resp.StatusCode)
	}
	var created struct {
		ID     string         `json:"id"`
		Status string         `json:"status"`
		Songs  []models.Track `json:"songs"`
	}
	decode(t, resp, &created)
	if created.Status != "draft" || len(created.Songs) != 1 {
		t.Fatalf("created = %+v", created)
	}

	resp = postJSON(t, client, srv.URL+"/drafts/"+created.ID+"/refine", map[string]string{"feedback": "slower"}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refine: status %d", resp.StatusCode)
	}
	var refined struct {
		RefinementsUsed int `json:"refinements_used"`
	}
	decode(t, resp, &refined)
	if refined.RefinementsUsed != 1 {
		t.Fatalf("refinements_used = %d", refined.RefinementsUsed)
	}

	resp = postJSON(t, client, srv.URL+"/drafts/"+created.ID+"/promote", map[string]any{"name": "Calm Jazz"}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("promote: status %d", resp.StatusCode)
	}
	var promoted struct {
		SpotifyPlaylistID string `json:"spotify_playlist_id"`
	}
	decode(t, resp, &promoted)
	if promoted.SpotifyPlaylistID != "pl-1" {
		t.Fatalf("playlist id = %q", promoted.SpotifyPlaylistID)
	}

	// Promoted drafts reject refinement with 409.
	resp = postJSON(t, client, srv.URL+"/drafts/"+created.ID+"/refine", map[string]string{"feedback": "x"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("refine promoted: status %d, want 409", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/drafts", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	listResp, err := client.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var library struct {
		Drafts           []json.RawMessage `json:"drafts"`
		SpotifyPlaylists []json.RawMessage `json:"spotify_playlists"`
	}
	decode(t, listResp, &library)
	if len(library.Drafts) != 1 || len(library.SpotifyPlaylists) != 1 {
		t.Fatalf("library = %d drafts, %d playlists", len(library.Drafts), len(library.SpotifyPlaylists))
	}
}

func TestIdentityHeadersRequired(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.Client(), srv.URL+"/drafts", map[string]string{"prompt": "x"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestStaleSessionRejected(t *testing.T) {
	srv := newTestServer(t)
	deviceID, _ := authenticate(t, srv)

	resp := postJSON(t, srv.Client(), srv.URL+"/drafts",
		map[string]string{"prompt": "x"}, identity(deviceID, "bogus-session"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", resp.StatusCode)
	}
}

func TestQuotaStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	deviceID, sessionID := authenticate(t, srv)

	resp := postJSON(t, client, srv.URL+"/drafts", map[string]any{"prompt": "jazz", "count": 1}, identity(deviceID, sessionID))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate: status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/quota/status", nil)
	for k, v := range identity(deviceID, sessionID) {
		req.Header.Set(k, v)
	}
	statusResp, err := client.Do(req)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status quota.Status
	decode(t, statusResp, &status)
	if !status.Enabled || status.Used != 1 || status.Max != 5 {
		t.Fatalf("status = %+v", status)
	}
}

func TestCallbackReplayFails(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	resp := postJSON(t, client, srv.URL+"/auth/device", map[string]string{"platform": "web"}, nil)
	var device struct {
		ID string `json:"id"`
	}
	decode(t, resp, &device)

	resp = postJSON(t, client, srv.URL+"/auth/init", map[string]string{"device_id": device.ID}, nil)
	var initResp struct {
		State string `json:"state"`
	}
	decode(t, resp, &initResp)

	first, err := client.Get(srv.URL + "/auth/callback?state=" + initResp.State + "&code=abc")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first callback: status %d", first.StatusCode)
	}

	second, err := client.Get(srv.URL + "/auth/callback?state=" + initResp.State + "&code=abc")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("replayed callback: status %d, want 400", second.StatusCode)
	}
}

func TestProvidersEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	resp, err := client.Get(srv.URL + "/providers")
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	var list struct {
		Providers []string `json:"providers"`
	}
	decode(t, resp, &list)
	if len(list.Providers) != 1 || list.Providers[0] != "mock" {
		t.Fatalf("providers = %v", list.Providers)
	}

	resp, err = client.Get(srv.URL + "/providers/mock/test")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe: status %d", resp.StatusCode)
	}

	resp, err = client.Get(srv.URL + "/providers/absent/test")
	if err != nil {
		t.Fatalf("absent probe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("absent probe: status %d, want 404", resp.StatusCode)
	}
}
