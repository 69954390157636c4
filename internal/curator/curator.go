// Package curator turns a natural-language prompt into a concrete, ordered
// track list by combining an AI text provider with the streaming catalog
// search.
package curator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/domasles/echotuner/internal/db/models"
	"github.com/domasles/echotuner/internal/providers"
)

// Request describes one curation round. Current and Feedback are set on
// refinement rounds so the provider sees what it is revising.
type Request struct {
	Prompt      string
	Count       int
	Current     []models.Track
	Feedback    string
	Provider    string // empty selects the configured default
	AccessToken string // caller's streaming-service token, used for lookups
}

// Result carries the curated tracks plus provenance for request logging.
type Result struct {
	Tracks   []models.Track
	Provider string
	Model    string
}

// Curator produces track lists from prompts.
type Curator interface {
	Curate(ctx context.Context, req Request) (Result, error)
}

// TrackSearcher resolves a free-text query against the streaming catalog.
// *spotify.Client satisfies this.
type TrackSearcher interface {
	SearchTracks(ctx context.Context, accessToken, query string, limit int) ([]models.Track, error)
}

// LLMCurator asks a text provider for candidate songs and resolves each
// candidate against the catalog. Candidates the catalog cannot find are kept
// without external IDs so the user still sees the suggestion.
type LLMCurator struct {
	registry *providers.Registry
	searcher TrackSearcher
}

func NewLLMCurator(registry *providers.Registry, searcher TrackSearcher) *LLMCurator {
	return &LLMCurator{registry: registry, searcher: searcher}
}

const defaultTrackCount = 20

func (c *LLMCurator) Curate(ctx context.Context, req Request) (Result, error) {
	provider, err := c.registry.Resolve(req.Provider)
	if err != nil {
		return Result{}, err
	}

	count := req.Count
	if count <= 0 {
		count = defaultTrackCount
	}

	raw, err := provider.GenerateText(ctx, buildPrompt(req.Prompt, count, req.Current, req.Feedback), providers.Options{})
	if err != nil {
		return Result{}, err
	}

	candidates := parseCandidates(raw)
	if len(candidates) > count {
		candidates = candidates[:count]
	}

	tracks := make([]models.Track, 0, len(candidates))
	for _, cand := range candidates {
		tracks = append(tracks, c.resolve(ctx, req.AccessToken, cand))
	}

	result := Result{Tracks: tracks, Provider: provider.Name()}
	if m, ok := provider.(interface{ GenerationModel() string }); ok {
		result.Model = m.GenerationModel()
	}
	return result, nil
}

// resolve attaches catalog metadata to a candidate via a single narrow search.
// Lookup failures degrade to the bare suggestion rather than failing the round.
func (c *LLMCurator) resolve(ctx context.Context, accessToken string, cand candidate) models.Track {
	bare := models.Track{Title: cand.Title, Artist: cand.Artist}
	if c.searcher == nil || accessToken == "" {
		return bare
	}

	query := cand.Title
	if cand.Artist != "" {
		query += " " + cand.Artist
	}
	found, err := c.searcher.SearchTracks(ctx, accessToken, query, 1)
	if err != nil {
		log.Printf("curator: catalog lookup failed for %q: %v", query, err)
		return bare
	}
	if len(found) == 0 {
		return bare
	}
	return found[0]
}

func buildPrompt(prompt string, count int, current []models.Track, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a music curator. Suggest exactly %d songs for the following request.\n", count)
	fmt.Fprintf(&b, "Request: %s\n", prompt)

	if len(current) > 0 {
		b.WriteString("\nThe current playlist is:\n")
		for _, t := range current {
			fmt.Fprintf(&b, "- %s - %s\n", t.Title, t.Artist)
		}
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nRevise the playlist according to this feedback: %s\n", feedback)
	}

	b.WriteString("\nRespond with ONLY a JSON array, no prose, in this exact shape:\n")
	b.WriteString(`[{"title": "Song Title", "artist": "Artist Name"}]`)
	return b.String()
}

type candidate struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
}

// parseCandidates extracts song suggestions from provider output. The primary
// format is a JSON array; models that ignore the instruction and answer with
// "Title - Artist" lines are handled by a line-based fallback.
func parseCandidates(raw string) []candidate {
	if cands := parseJSONArray(raw); len(cands) > 0 {
		return cands
	}
	return parseLines(raw)
}

func parseJSONArray(raw string) []candidate {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}

	var parsed []candidate
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil
	}

	cands := make([]candidate, 0, len(parsed))
	for _, c := range parsed {
		c.Title = strings.TrimSpace(c.Title)
		c.Artist = strings.TrimSpace(c.Artist)
		if c.Title == "" {
			continue
		}
		cands = append(cands, c)
	}
	return cands
}

func parseLines(raw string) []candidate {
	var cands []candidate
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. \t")
		title, artist, ok := strings.Cut(line, " - ")
		if !ok {
			continue
		}
		title = strings.TrimSpace(title)
		artist = strings.TrimSpace(artist)
		if title == "" {
			continue
		}
		cands = append(cands, candidate{Title: title, Artist: artist})
	}
	return cands
}
