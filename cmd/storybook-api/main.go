// Package main provides the storybook API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/storybook-ai/storybook-engine/internal/artifacts"
	"github.com/storybook-ai/storybook-engine/internal/config"
	"github.com/storybook-ai/storybook-engine/internal/observability"
	"github.com/storybook-ai/storybook-engine/internal/openai"
	"github.com/storybook-ai/storybook-engine/internal/pipeline"
	"github.com/storybook-ai/storybook-engine/internal/session"
)

func main() {
	// Best effort; the environment may carry everything already.
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "storybook-engine",
	})

	if cfg.OpenAI.APIKey == "" {
		logger.Warn().Msg("OPENAI_API_KEY not set, generation requests will fail upstream")
	}

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("sessions", cfg.Sessions.Driver).
		Msg("Starting storybook API")

	store, err := newSessionStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session store")
	}
	defer store.Close()

	files, err := artifacts.NewStore(cfg.Storage.UploadsDir, cfg.Storage.OutputsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create artifact store")
	}

	provider := openai.NewClient(openai.Config{
		APIKey:            cfg.OpenAI.APIKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		ChatModel:         cfg.OpenAI.ChatModel,
		ImageModel:        cfg.OpenAI.ImageModel,
		ImageSize:         cfg.OpenAI.ImageSize,
		RequestTimeout:    cfg.OpenAI.RequestTimeout,
		ImageFetchRetries: cfg.OpenAI.ImageFetchRetries,
	})

	generator := pipeline.NewGenerator(logger, store, files, provider, pipeline.Config{
		PageDelay: cfg.Book.PageDelay,
	})

	// The sweeper runs for the life of the process, independent of requests.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()

	sweeper := session.NewSweeper(logger, store, files, session.SweeperConfig{
		Retention:     cfg.Sessions.Retention,
		SweepInterval: cfg.Sessions.SweepInterval,
	})
	go sweeper.Run(sweepCtx)

	router := NewRouter(logger, cfg, store, files, generator)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}

// newSessionStore builds the configured session store driver.
func newSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Sessions.Driver {
	case "redis":
		return session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Sessions.Redis.Addr,
			Password: cfg.Sessions.Redis.Password,
			DB:       cfg.Sessions.Redis.DB,
			PoolSize: cfg.Sessions.Redis.PoolSize,
			// Leave generous headroom past the retention window; the
			// sweeper owns eviction, the TTL only catches strays.
			RecordTTL: cfg.Sessions.Retention + cfg.Sessions.SweepInterval*2,
		})
	default:
		return session.NewMemoryStore(), nil
	}
}
