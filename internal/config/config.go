// Package config loads the immutable application configuration. The Config
// struct is constructed once at process start from a YAML file plus environment
// overrides and is passed explicitly into each component's constructor; nothing
// reads configuration from ambient state after startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultStateTTL          = 10 * time.Minute
	defaultSessionTTL        = 30 * 24 * time.Hour
	defaultAuthSweepInterval = 5 * time.Minute

	defaultDraftRetention     = 7 * 24 * time.Hour
	defaultDraftSweepInterval = time.Hour

	defaultMaxGenerations = 10
	defaultMaxRefinements = 3
	defaultQuotaKeepDays  = 30

	defaultGenerationTimeout = 60 * time.Second
	defaultProbeTimeout      = 5 * time.Second
	defaultProviderTimeout   = 60 * time.Second
)

var providerNameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Config is the process-wide configuration, immutable after Load.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Spotify  SpotifyConfig
	Auth     AuthConfig
	Quota    QuotaConfig
	Drafts   DraftsConfig
	AI       AIConfig
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig contains sqlite settings.
type DatabaseConfig struct {
	Path string
}

// SpotifyConfig contains the OAuth application credentials for the streaming
// provider. ClientID/ClientSecret can be supplied via ECHOTUNER_SPOTIFY_CLIENT_ID
// and ECHOTUNER_SPOTIFY_CLIENT_SECRET instead of the config file.
type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// AuthConfig controls session issuance and cleanup.
type AuthConfig struct {
	RequireDeviceRegistration bool
	StateTTL                  time.Duration
	SessionTTL                time.Duration
	SweepInterval             time.Duration
}

// LimitConfig is one togglable quota ceiling.
type LimitConfig struct {
	Enabled bool
	Max     int
}

// QuotaConfig controls the daily generation and per-draft refinement quotas.
type QuotaConfig struct {
	Generations LimitConfig
	Refinements LimitConfig
	KeepDays    int // daily rows older than this are pruned, storage hygiene only
}

// DraftsConfig controls draft retention.
type DraftsConfig struct {
	Retention     time.Duration
	SweepInterval time.Duration
}

// AIConfig selects and parameterizes the AI backends.
type AIConfig struct {
	DefaultProvider   string
	GenerationTimeout time.Duration
	ProbeTimeout      time.Duration
	Providers         []ProviderConfig
}

// ProviderConfig describes one OpenAI-compatible AI backend. Immutable after
// load. The API key is taken from ECHOTUNER_<NAME>_API_KEY and merged into
// Headers as a bearer Authorization header unless one is already configured.
type ProviderConfig struct {
	Name            string
	Endpoint        string
	GenerationModel string
	EmbeddingModel  string
	Headers         map[string]string
	MaxTokens       int
	Temperature     float64
	Timeout         time.Duration
}

type fileConfig struct {
	Server struct {
		Host string `yaml:"host"`
		Port string `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Spotify struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
	} `yaml:"spotify"`
	Auth struct {
		RequireDeviceRegistration bool   `yaml:"require_device_registration"`
		StateTTL                  string `yaml:"state_ttl"`
		SessionTTL                string `yaml:"session_ttl"`
		SweepInterval             string `yaml:"sweep_interval"`
	} `yaml:"auth"`
	Quota struct {
		Generations fileLimit `yaml:"generations"`
		Refinements fileLimit `yaml:"refinements"`
		KeepDays    int       `yaml:"keep_days"`
	} `yaml:"quota"`
	Drafts struct {
		Retention     string `yaml:"retention"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"drafts"`
	AI struct {
		DefaultProvider   string         `yaml:"default_provider"`
		GenerationTimeout string         `yaml:"generation_timeout"`
		ProbeTimeout      string         `yaml:"probe_timeout"`
		Providers         []fileProvider `yaml:"providers"`
	} `yaml:"ai"`
}

type fileLimit struct {
	Enabled *bool `yaml:"enabled"`
	Max     int   `yaml:"max"`
}

type fileProvider struct {
	Name            string            `yaml:"name"`
	Endpoint        string            `yaml:"endpoint"`
	GenerationModel string            `yaml:"generation_model"`
	EmbeddingModel  string            `yaml:"embedding_model"`
	Headers         map[string]string `yaml:"headers"`
	MaxTokens       int               `yaml:"max_tokens"`
	Temperature     float64           `yaml:"temperature"`
	Timeout         string            `yaml:"timeout"`
}

// Load reads the configuration file at path (or the first discovered candidate
// when path is empty), applies environment overrides and defaults, and returns
// the resulting Config.
func Load(path string) (*Config, error) {
	var fc fileConfig
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", resolved, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", resolved, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: firstNonEmpty(fc.Server.Host, "127.0.0.1"),
			Port: firstNonEmpty(fc.Server.Port, "8080"),
		},
		Database: DatabaseConfig{
			Path: firstNonEmpty(os.Getenv("ECHOTUNER_DB_PATH"), fc.Database.Path, "echotuner.db"),
		},
		Spotify: SpotifyConfig{
			ClientID:     firstNonEmpty(os.Getenv("ECHOTUNER_SPOTIFY_CLIENT_ID"), fc.Spotify.ClientID),
			ClientSecret: firstNonEmpty(os.Getenv("ECHOTUNER_SPOTIFY_CLIENT_SECRET"), fc.Spotify.ClientSecret),
			RedirectURL:  firstNonEmpty(fc.Spotify.RedirectURL, "http://127.0.0.1:8080/auth/callback"),
		},
		Auth: AuthConfig{
			RequireDeviceRegistration: fc.Auth.RequireDeviceRegistration,
			StateTTL:                  parseDuration(fc.Auth.StateTTL, defaultStateTTL),
			SessionTTL:                parseDuration(fc.Auth.SessionTTL, defaultSessionTTL),
			SweepInterval:             parseDuration(fc.Auth.SweepInterval, defaultAuthSweepInterval),
		},
		Quota: QuotaConfig{
			Generations: limitFromFile(fc.Quota.Generations, defaultMaxGenerations),
			Refinements: limitFromFile(fc.Quota.Refinements, defaultMaxRefinements),
			KeepDays:    positiveOr(fc.Quota.KeepDays, defaultQuotaKeepDays),
		},
		Drafts: DraftsConfig{
			Retention:     parseDuration(fc.Drafts.Retention, defaultDraftRetention),
			SweepInterval: parseDuration(fc.Drafts.SweepInterval, defaultDraftSweepInterval),
		},
		AI: AIConfig{
			DefaultProvider:   strings.ToLower(strings.TrimSpace(fc.AI.DefaultProvider)),
			GenerationTimeout: parseDuration(fc.AI.GenerationTimeout, defaultGenerationTimeout),
			ProbeTimeout:      parseDuration(fc.AI.ProbeTimeout, defaultProbeTimeout),
		},
	}

	fileProviders := fc.AI.Providers
	if len(fileProviders) == 0 {
		fileProviders = defaultProviders()
	}
	for _, fp := range fileProviders {
		p, ok := normalizeProvider(fp)
		if !ok {
			continue
		}
		cfg.AI.Providers = append(cfg.AI.Providers, p)
	}
	sort.SliceStable(cfg.AI.Providers, func(i, j int) bool {
		return cfg.AI.Providers[i].Name < cfg.AI.Providers[j].Name
	})

	if cfg.AI.DefaultProvider == "" && len(cfg.AI.Providers) > 0 {
		cfg.AI.DefaultProvider = cfg.AI.Providers[0].Name
	}

	return cfg, nil
}

func resolvePath(path string) (string, error) {
	if explicit := strings.TrimSpace(path); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}
	if explicit := strings.TrimSpace(os.Getenv("ECHOTUNER_CONFIG")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/echotuner.yaml",
		"echotuner.yaml",
		"/etc/echotuner/echotuner.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "echotuner", "echotuner.yaml"))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func normalizeProvider(fp fileProvider) (ProviderConfig, bool) {
	name := strings.ToLower(strings.TrimSpace(fp.Name))
	if !providerNameRegexp.MatchString(name) {
		return ProviderConfig{}, false
	}
	endpoint := strings.TrimRight(strings.TrimSpace(fp.Endpoint), "/")
	if endpoint == "" || strings.TrimSpace(fp.GenerationModel) == "" {
		return ProviderConfig{}, false
	}

	headers := make(map[string]string, len(fp.Headers)+1)
	for k, v := range fp.Headers {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		headers[k] = v
	}
	if apiKey := strings.TrimSpace(os.Getenv(providerEnvName(name, "API_KEY"))); apiKey != "" {
		if _, exists := headers["Authorization"]; !exists {
			headers["Authorization"] = "Bearer " + apiKey
		}
	}

	return ProviderConfig{
		Name:            name,
		Endpoint:        endpoint,
		GenerationModel: strings.TrimSpace(fp.GenerationModel),
		EmbeddingModel:  strings.TrimSpace(fp.EmbeddingModel),
		Headers:         headers,
		MaxTokens:       positiveOr(fp.MaxTokens, 2048),
		Temperature:     fp.Temperature,
		Timeout:         parseDuration(fp.Timeout, defaultProviderTimeout),
	}, true
}

func providerEnvName(name, suffix string) string {
	upper := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(name))
	return fmt.Sprintf("ECHOTUNER_%s_%s", upper, suffix)
}

func defaultProviders() []fileProvider {
	return []fileProvider{
		{
			Name:            "openai",
			Endpoint:        "https://api.openai.com/v1",
			GenerationModel: "gpt-4o-mini",
			EmbeddingModel:  "text-embedding-3-small",
			Temperature:     0.7,
		},
		{
			Name:            "ollama",
			Endpoint:        "http://127.0.0.1:11434/v1",
			GenerationModel: "llama3",
			Temperature:     0.7,
		},
	}
}

func limitFromFile(fl fileLimit, defaultMax int) LimitConfig {
	enabled := true
	if fl.Enabled != nil {
		enabled = *fl.Enabled
	}
	return LimitConfig{Enabled: enabled, Max: positiveOr(fl.Max, defaultMax)}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw = strings.TrimSpace(raw); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			return parsed
		}
	}
	return fallback
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
