package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/domasles/echotuner/internal/auth"
	spotifyauth "github.com/domasles/echotuner/internal/auth/spotify"
	"github.com/domasles/echotuner/internal/config"
	"github.com/domasles/echotuner/internal/curator"
	"github.com/domasles/echotuner/internal/db"
	"github.com/domasles/echotuner/internal/draft"
	"github.com/domasles/echotuner/internal/providers"
	"github.com/domasles/echotuner/internal/quota"
	"github.com/domasles/echotuner/internal/server"
	"github.com/domasles/echotuner/internal/spotify"
	"github.com/domasles/echotuner/internal/version"
)

const spotifyTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	registry := providers.NewRegistryFromConfig(cfg.AI)
	authenticator := spotifyauth.NewAuthenticator(cfg.Spotify)
	spotifyClient := spotify.NewClient(spotifyTimeout)

	authManager := auth.NewManager(database, authenticator, cfg.Auth)
	ledger := quota.NewLedger(database, cfg.Quota)
	llmCurator := curator.NewLLMCurator(registry, spotifyClient)
	draftManager := draft.NewManager(database, authManager, llmCurator, ledger, spotifyClient, cfg.Drafts, cfg.AI.GenerationTimeout)

	ctx := context.Background()
	authManager.StartSweepLoop(ctx, cfg.Auth.SweepInterval)
	draftManager.StartSweepLoop(ctx, cfg.Drafts.SweepInterval)
	startQuotaPrune(ctx, ledger)

	r := server.NewRouter(server.Deps{
		Auth:     authManager,
		Drafts:   draftManager,
		Ledger:   ledger,
		Registry: registry,
	})

	host := os.Getenv("HOST")
	if host == "" {
		host = cfg.Server.Host
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}
	addr := host + ":" + port

	log.Printf("🎵 EchoTuner %s starting on http://%s", version.Version, addr)
	log.Printf("🤖 AI providers: %v (default %s)", registry.Names(), cfg.AI.DefaultProvider)
	log.Printf("🔐 Spotify redirect: %s", cfg.Spotify.RedirectURL)

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// startQuotaPrune drops quota rows older than the retention window once a day.
func startQuotaPrune(ctx context.Context, ledger *quota.Ledger) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := ledger.PruneBefore(ctx, ledger.RetentionCutoff())
				if err != nil {
					log.Printf("quota: prune: %v", err)
					continue
				}
				if deleted > 0 {
					log.Printf("quota: pruned %d stale rows", deleted)
				}
			}
		}
	}()
}
