// Command reel serves the generation pipeline over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"reel-pipeline/internal/api"
	"reel-pipeline/internal/checkpoint"
	"reel-pipeline/internal/config"
	"reel-pipeline/internal/logging"
	"reel-pipeline/internal/media"
	"reel-pipeline/internal/pipeline"
	"reel-pipeline/internal/providers"
	"reel-pipeline/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults plus env when empty)")
	flag.Parse()

	// Load .env (local dev only; production injects env directly)
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "reel: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	secrets := config.LoadSecrets()

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer log.Close()

	for _, dir := range []string{cfg.Paths.WorkDir, cfg.Paths.UploadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collab, closeProviders, err := buildCollaborators(ctx, cfg, secrets, log)
	if err != nil {
		return err
	}
	defer closeProviders()

	// Checkpoints
	var (
		ckpt   checkpoint.Store
		health func(context.Context) error
	)
	switch cfg.Checkpoint.Backend {
	case config.CheckpointPostgres:
		if secrets.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres checkpoint backend")
		}
		pg, err := checkpoint.OpenPostgres(ctx, secrets.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		ckpt = pg
		health = pg.DB.PingContext
		log.Info("checkpoints in postgres")
	default:
		ckpt = checkpoint.NewFileStore(cfg.Checkpoint.Dir)
		log.Info("checkpoints under %s", cfg.Checkpoint.Dir)
	}

	store := session.NewMemoryStore()
	reapCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go session.RunReaper(reapCtx, store, cfg.Pipeline.ReapInterval, cfg.Pipeline.SessionTTL, func(n int) {
		log.With("reaper").Info("removed %d expired sessions", n)
	})

	orch := pipeline.New(cfg, store, ckpt, collab, log)

	h := &api.Handler{
		Pipeline:  orch,
		UploadDir: cfg.Paths.UploadDir,
		MaxUpload: cfg.Server.MaxUploadMB << 20,
		Health:    health,
		Log:       log.With("http"),
	}
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      h.Router(cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("pipeline shutdown: %v", err)
		return err
	}
	log.Success("stopped cleanly")
	return nil
}

// buildCollaborators constructs the provider clients named by cfg. The
// returned func releases any client that holds a connection.
func buildCollaborators(ctx context.Context, cfg *config.Config, secrets config.Secrets, log *logging.Logger) (pipeline.Collaborators, func(), error) {
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	var collab pipeline.Collaborators
	switch cfg.Providers.Prompts.Backend {
	case config.PromptsGemini:
		g, err := providers.NewGeminiPrompts(ctx, cfg.Providers.Prompts, secrets.GeminiAPIKey, log.With("prompts"))
		if err != nil {
			return collab, closeAll, fmt.Errorf("gemini client: %w", err)
		}
		closers = append(closers, g.Close)
		collab.Prompts = g
	default:
		collab.Prompts = providers.NewGroqPrompts(cfg.Providers.Prompts, secrets.GroqAPIKey, log.With("prompts"))
	}

	collab.Images = providers.NewHTTPImageGenerator(cfg.Providers.Images, secrets.ImageAPIKey, log.With("images"))
	collab.Videos = providers.NewHTTPVideoGenerator(cfg.Providers.Videos, secrets.VideoAPIKey, log.With("videos"))
	collab.Music = providers.NewHTTPMusicSynthesizer(cfg.Providers.Music, secrets.MusicAPIKey, log.With("music"))

	if cfg.Pipeline.VoiceoverEnabled {
		sp, err := providers.NewGoogleSpeech(ctx, cfg.Providers.Voice, log.With("speech"))
		if err != nil {
			closeAll()
			return collab, func() {}, fmt.Errorf("text-to-speech client: %w", err)
		}
		collab.Speech = sp
	}

	engine := media.NewEngine(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, cfg.Media.Width, cfg.Media.Height, cfg.Media.FPS, log.With("ffmpeg"))
	gains := media.Gains{Voice: cfg.Media.VoiceGain, Music: cfg.Media.MusicGain, Original: cfg.Media.OriginalGain}
	collab.Assembler = media.NewAssembler(engine, gains, cfg.Media.KeepClipAudio, log.With("assembler"))

	return collab, closeAll, nil
}
