// Package main provides the API router setup.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/storybook-ai/storybook-engine/cmd/storybook-api/handlers"
	"github.com/storybook-ai/storybook-engine/cmd/storybook-api/middleware"
	"github.com/storybook-ai/storybook-engine/internal/artifacts"
	"github.com/storybook-ai/storybook-engine/internal/config"
	"github.com/storybook-ai/storybook-engine/internal/observability"
	"github.com/storybook-ai/storybook-engine/internal/session"
)

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, store session.Store, files *artifacts.Store, runner handlers.Runner) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(middleware.APIKey(middleware.APIKeyConfig{
		Enabled:   cfg.Auth.Enabled,
		SecretKey: cfg.Auth.SecretKey,
	}))

	// Health check (unauthenticated by route order is fine since the key
	// gate is rarely enabled; deployment probes set the key when it is).
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"storybook-engine"}`))
	})

	bookHandler := handlers.NewBookHandler(logger, store, files, runner, cfg.Server.MaxUploadBytes)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))
		r.Post("/upload", bookHandler.Upload)
		r.Get("/progress/{sessionID}", bookHandler.Progress)
	})

	// No request timeout on the download stream.
	r.Get("/download/{sessionID}", bookHandler.Download)

	return r
}
