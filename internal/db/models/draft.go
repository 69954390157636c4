package models

import (
	"encoding/json"
	"time"
)

// Draft status values. There is no transition back from added_to_spotify to
// draft: once promoted, the local song list is only a cache and the
// authoritative copy lives with Spotify.
const (
	DraftStatusDraft          = "draft"
	DraftStatusAddedToSpotify = "added_to_spotify"
)

// Track is one song in a draft. SpotifyID is empty for candidates the catalog
// lookup could not resolve.
type Track struct {
	Title      string   `json:"title"`
	Artist     string   `json:"artist"`
	Album      string   `json:"album,omitempty"`
	SpotifyID  string   `json:"spotify_id,omitempty"`
	DurationMS int      `json:"duration_ms,omitempty"`
	Popularity int      `json:"popularity,omitempty"`
	Genres     []string `json:"genres,omitempty"`
}

// URI returns the Spotify track URI, or empty when the track is unresolved.
func (t Track) URI() string {
	if t.SpotifyID == "" {
		return ""
	}
	return "spotify:track:" + t.SpotifyID
}

// PlaylistDraft is a locally-owned playlist candidate. The ordered song list is
// serialized as JSON in SongsJSON; use Songs/SetSongs.
type PlaylistDraft struct {
	ID                string    `gorm:"primaryKey" json:"id"` // UUID
	DeviceID          string    `gorm:"index" json:"device_id"`
	SessionID         string    `json:"session_id"`
	Prompt            string    `gorm:"type:text" json:"prompt"`
	SongsJSON         string    `gorm:"type:text" json:"-"`
	Status            string    `gorm:"index;default:'draft'" json:"status"`
	SpotifyPlaylistID string    `json:"spotify_playlist_id,omitempty"`
	RefinementsUsed   int       `json:"refinements_used"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `gorm:"index" json:"updated_at"`
}

// Songs deserializes the ordered track list. A corrupt or empty payload yields
// an empty list rather than an error; drafts are always renderable.
func (d *PlaylistDraft) Songs() []Track {
	if d.SongsJSON == "" {
		return nil
	}
	var tracks []Track
	if err := json.Unmarshal([]byte(d.SongsJSON), &tracks); err != nil {
		return nil
	}
	return tracks
}

// SetSongs serializes the ordered track list into SongsJSON.
func (d *PlaylistDraft) SetSongs(tracks []Track) {
	data, err := json.Marshal(tracks)
	if err != nil {
		d.SongsJSON = "[]"
		return
	}
	d.SongsJSON = string(data)
}

// Promoted reports whether the draft has been materialized on Spotify.
func (d *PlaylistDraft) Promoted() bool {
	return d.Status == DraftStatusAddedToSpotify
}
