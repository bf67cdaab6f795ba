package session

import (
	"context"
	"time"

	"github.com/storybook-ai/storybook-engine/internal/observability"
)

// ArtifactRemover deletes the on-disk files owned by a session.
type ArtifactRemover interface {
	RemoveSession(sessionID string) error
}

// SweeperConfig holds retention settings.
type SweeperConfig struct {
	Retention     time.Duration // e.g. 24 hours
	SweepInterval time.Duration // e.g. 1 hour
}

// Sweeper evicts expired sessions and their owned files. The retention
// window is chosen to exceed worst-case generation time, so a session is
// never swept mid-generation.
type Sweeper struct {
	logger *observability.Logger
	store  Store
	files  ArtifactRemover
	config SweeperConfig
}

// NewSweeper creates a new sweeper.
func NewSweeper(logger *observability.Logger, store Store, files ArtifactRemover, cfg SweeperConfig) *Sweeper {
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}

	return &Sweeper{
		logger: logger,
		store:  store,
		files:  files,
		config: cfg,
	}
}

// Run executes sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Stopping session sweeper")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Session sweep failed")
			}
		}
	}
}

// Sweep evicts every session older than the retention window, deleting the
// record and both owned files together. Files already removed are tolerated.
func (s *Sweeper) Sweep(ctx context.Context) error {
	recs, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-s.config.Retention)
	evicted := 0

	for _, rec := range recs {
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}

		if err := s.files.RemoveSession(rec.SessionID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("session_id", rec.SessionID).
				Msg("Failed to remove session artifacts")
			continue // keep the record so a later sweep retries the files
		}

		if err := s.store.Delete(ctx, rec.SessionID); err != nil {
			s.logger.Warn().
				Err(err).
				Str("session_id", rec.SessionID).
				Msg("Failed to delete session record")
			continue
		}

		evicted++
		s.logger.Info().
			Str("session_id", rec.SessionID).
			Msg("Cleaned up expired session")
	}

	if evicted > 0 {
		s.logger.Info().
			Int("evicted", evicted).
			Int("scanned", len(recs)).
			Msg("Session sweep completed")
	}

	return nil
}
