// Package spotify implements the streaming catalog/playlist collaborator: track
// search, playlist creation and mutation against the Spotify Web API.
//
// Response types based on https://developer.spotify.com/documentation/web-api/reference/
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/domasles/echotuner/internal/db/models"
	"golang.org/x/time/rate"
)

const (
	baseURL = "https://api.spotify.com/v1"

	defaultTimeout = 30 * time.Second

	// addTracksChunkSize is Spotify's documented per-request URI limit.
	addTracksChunkSize = 100

	// requestsPerSecond throttles outbound calls below Spotify's rate limits.
	requestsPerSecond = 10
)

// ErrSpotifyAPI wraps all Spotify Web API failures; callers treat it as
// retryable-by-resubmission.
var ErrSpotifyAPI = errors.New("spotify api error")

// Playlist is a playlist summary from the user's library.
type Playlist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TrackCount  int    `json:"track_count"`
	Public      bool   `json:"public"`
}

type apiImage struct {
	URL string `json:"url"`
}

type apiArtist struct {
	Name   string   `json:"name"`
	Genres []string `json:"genres"`
}

type apiAlbum struct {
	Name string `json:"name"`
}

type apiTrack struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Artists    []apiArtist `json:"artists"`
	Album      apiAlbum    `json:"album"`
	DurationMS int         `json:"duration_ms"`
	Popularity int         `json:"popularity"`
	URI        string      `json:"uri"`
}

type apiPlaylist struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"public"`
	Tracks      struct {
		Total int `json:"total"`
	} `json:"tracks"`
	Images []apiImage `json:"images"`
}

// Client is an authenticated-per-request Spotify Web API client. It holds no
// user credentials; the caller supplies the session's access token on every
// call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Spotify client with the given request timeout.
func NewClient(timeout time.Duration) *Client {
	return NewClientWithBaseURL(baseURL, timeout)
}

// NewClientWithBaseURL creates a client against a custom API root (tests).
func NewClientWithBaseURL(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// doRequest performs one authenticated JSON request. All failures are wrapped
// in ErrSpotifyAPI so transport details never leak to callers.
func (c *Client) doRequest(ctx context.Context, accessToken, method, endpoint string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSpotifyAPI, err)
	}

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrSpotifyAPI, err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpotifyAPI, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpotifyAPI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s returned status %d", ErrSpotifyAPI, method, endpoint, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrSpotifyAPI, err)
		}
	}
	return nil
}

// SearchTracks searches the catalog and returns up to limit track matches.
func (c *Client) SearchTracks(ctx context.Context, accessToken, query string, limit int) ([]models.Track, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	endpoint := fmt.Sprintf("/search?q=%s&type=track&limit=%d", url.QueryEscape(query), limit)

	var response struct {
		Tracks struct {
			Items []apiTrack `json:"items"`
		} `json:"tracks"`
	}
	if err := c.doRequest(ctx, accessToken, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	tracks := make([]models.Track, 0, len(response.Tracks.Items))
	for _, item := range response.Tracks.Items {
		tracks = append(tracks, toTrack(item))
	}
	return tracks, nil
}

// CreatePlaylist creates an empty playlist on the account and returns its ID.
func (c *Client) CreatePlaylist(ctx context.Context, accessToken, accountID, name, description string, public bool) (string, error) {
	endpoint := fmt.Sprintf("/users/%s/playlists", url.PathEscape(accountID))
	body := map[string]any{
		"name":        name,
		"description": description,
		"public":      public,
	}

	var response struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, accessToken, http.MethodPost, endpoint, body, &response); err != nil {
		return "", err
	}
	if response.ID == "" {
		return "", fmt.Errorf("%w: create playlist returned no id", ErrSpotifyAPI)
	}
	return response.ID, nil
}

// AddTracks appends track URIs to a playlist, chunked to the API limit.
func (c *Client) AddTracks(ctx context.Context, accessToken, playlistID string, uris []string) error {
	endpoint := fmt.Sprintf("/playlists/%s/tracks", url.PathEscape(playlistID))
	for start := 0; start < len(uris); start += addTracksChunkSize {
		end := start + addTracksChunkSize
		if end > len(uris) {
			end = len(uris)
		}
		body := map[string]any{"uris": uris[start:end]}
		if err := c.doRequest(ctx, accessToken, http.MethodPost, endpoint, body, nil); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTrack removes all occurrences of one track URI from a playlist.
func (c *Client) RemoveTrack(ctx context.Context, accessToken, playlistID, uri string) error {
	endpoint := fmt.Sprintf("/playlists/%s/tracks", url.PathEscape(playlistID))
	body := map[string]any{
		"tracks": []map[string]string{{"uri": uri}},
	}
	return c.doRequest(ctx, accessToken, http.MethodDelete, endpoint, body, nil)
}

// UnfollowPlaylist removes the playlist from the account's library. Spotify has
// no hard playlist delete; unfollowing is the documented equivalent.
func (c *Client) UnfollowPlaylist(ctx context.Context, accessToken, playlistID string) error {
	endpoint := fmt.Sprintf("/playlists/%s/followers", url.PathEscape(playlistID))
	return c.doRequest(ctx, accessToken, http.MethodDelete, endpoint, nil, nil)
}

// GetPlaylistTracks returns the ordered tracks of a playlist.
func (c *Client) GetPlaylistTracks(ctx context.Context, accessToken, playlistID string) ([]models.Track, error) {
	var tracks []models.Track
	limit, offset := 50, 0
	for {
		endpoint := fmt.Sprintf("/playlists/%s/tracks?limit=%d&offset=%d", url.PathEscape(playlistID), limit, offset)
		var response struct {
			Items []struct {
				Track apiTrack `json:"track"`
			} `json:"items"`
			Next *string `json:"next"`
		}
		if err := c.doRequest(ctx, accessToken, http.MethodGet, endpoint, nil, &response); err != nil {
			return nil, err
		}
		for _, item := range response.Items {
			tracks = append(tracks, toTrack(item.Track))
		}
		if response.Next == nil {
			return tracks, nil
		}
		offset += limit
	}
}

// GetUserPlaylists returns all playlists in the account's library.
func (c *Client) GetUserPlaylists(ctx context.Context, accessToken string) ([]Playlist, error) {
	var playlists []Playlist
	limit, offset := 50, 0
	for {
		endpoint := fmt.Sprintf("/me/playlists?limit=%d&offset=%d", limit, offset)
		var response struct {
			Items []apiPlaylist `json:"items"`
			Next  *string       `json:"next"`
		}
		if err := c.doRequest(ctx, accessToken, http.MethodGet, endpoint, nil, &response); err != nil {
			return nil, err
		}
		for _, item := range response.Items {
			playlists = append(playlists, Playlist{
				ID:          item.ID,
				Name:        item.Name,
				Description: item.Description,
				TrackCount:  item.Tracks.Total,
				Public:      item.Public,
			})
		}
		if response.Next == nil {
			return playlists, nil
		}
		offset += limit
	}
}

func toTrack(t apiTrack) models.Track {
	track := models.Track{
		Title:      t.Name,
		Album:      t.Album.Name,
		SpotifyID:  t.ID,
		DurationMS: t.DurationMS,
		Popularity: t.Popularity,
	}
	if len(t.Artists) > 0 {
		track.Artist = t.Artists[0].Name
		track.Genres = t.Artists[0].Genres
	}
	return track
}
