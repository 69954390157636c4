// Package spotify implements the OAuth collaborator against the Spotify
// accounts service: authorization URL construction, code exchange, and access
// token refresh.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/domasles/echotuner/internal/config"
	"golang.org/x/oauth2"
)

const (
	authURL        = "https://accounts.spotify.com/authorize"
	tokenURL       = "https://accounts.spotify.com/api/token"
	profileURL     = "https://api.spotify.com/v1/me"
	profileTimeout = 10 * time.Second
)

// Scopes required to read the user's profile and create/modify playlists.
var Scopes = []string{
	"user-read-private",
	"user-read-email",
	"playlist-read-private",
	"playlist-modify-public",
	"playlist-modify-private",
}

// Authenticator wraps the oauth2 flow against Spotify.
type Authenticator struct {
	config     *oauth2.Config
	profileURL string
	httpClient *http.Client
}

// NewAuthenticator builds an Authenticator from the application config.
func NewAuthenticator(cfg config.SpotifyConfig) *Authenticator {
	return &Authenticator{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		profileURL: profileURL,
		httpClient: &http.Client{Timeout: profileTimeout},
	}
}

// NewAuthenticatorForTest builds an Authenticator pointed at test servers.
func NewAuthenticatorForTest(cfg config.SpotifyConfig, tokenEndpoint, profileEndpoint string, httpClient *http.Client) *Authenticator {
	a := NewAuthenticator(cfg)
	a.config.Endpoint = oauth2.Endpoint{AuthURL: tokenEndpoint, TokenURL: tokenEndpoint}
	a.profileURL = profileEndpoint
	if httpClient != nil {
		a.httpClient = httpClient
	}
	return a
}

// AuthCodeURL returns the Spotify consent URL embedding the CSRF state token.
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for access and refresh tokens.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := a.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("spotify code exchange failed: %w", err)
	}
	return token, nil
}

// RefreshAccess obtains a fresh access token from a refresh token.
func (a *Authenticator) RefreshAccess(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	source := a.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("spotify token refresh failed: %w", err)
	}
	return token, nil
}

// CurrentAccountID resolves the Spotify user ID owning the access token.
func (a *Authenticator) CurrentAccountID(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.profileURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("spotify profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("spotify profile request failed: status %d", resp.StatusCode)
	}

	var profile struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", fmt.Errorf("failed to decode spotify profile: %w", err)
	}
	if profile.ID == "" {
		return "", fmt.Errorf("spotify profile has no user id")
	}
	return profile.ID, nil
}
