// Package pipeline runs the four-stage book generation for one session:
// photo analysis, story outline, per-page illustration, and PDF assembly.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/storybook-ai/storybook-engine/internal/artifacts"
	"github.com/storybook-ai/storybook-engine/internal/imaging"
	"github.com/storybook-ai/storybook-engine/internal/observability"
	"github.com/storybook-ai/storybook-engine/internal/pdf"
	"github.com/storybook-ai/storybook-engine/internal/session"
	"github.com/storybook-ai/storybook-engine/internal/story"
)

// neutralDescription substitutes for a failed photo analysis.
const neutralDescription = "a child with kind features"

// placeholderSize is the edge length of the stand-in illustration.
const placeholderSize = 1024

// Provider is the generative-AI collaborator the pipeline depends on.
type Provider interface {
	AnalyzeImage(ctx context.Context, imagePath string) (string, error)
	GenerateStory(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateImage(ctx context.Context, prompt string) (image.Image, error)
}

// Config holds pipeline pacing settings.
type Config struct {
	// PageDelay throttles successive image-generation calls to respect the
	// provider's requests-per-minute ceiling.
	PageDelay time.Duration
}

// Generator owns the progress record of each session it runs: it is the only
// writer while the run is in flight.
type Generator struct {
	logger   *observability.Logger
	store    session.Store
	files    *artifacts.Store
	provider Provider
	config   Config
}

// NewGenerator creates a new generator.
func NewGenerator(logger *observability.Logger, store session.Store, files *artifacts.Store, provider Provider, cfg Config) *Generator {
	return &Generator{
		logger:   logger,
		store:    store,
		files:    files,
		provider: provider,
		config:   cfg,
	}
}

// Run executes the full pipeline for a session, to completion or terminal
// failure. It is dispatched as a detached unit of work and never returns an
// error to the caller; outcomes are observable only through the session
// record.
func (g *Generator) Run(ctx context.Context, sessionID, uploadPath, storyID, gender string) {
	logger := g.logger.WithSession(sessionID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprint(r)).Msg("Book generation panicked")
			g.fail(ctx, sessionID, "an internal error occurred during generation")
		}
	}()

	logger.Info().
		Str("story", storyID).
		Str("gender", gender).
		Msg("Starting book generation")

	tpl, ok := story.LookupTemplate(storyID)
	if !ok {
		// The handler validates the template; reaching this is a wiring bug.
		logger.Error().Str("story", storyID).Msg("Unknown story template")
		g.fail(ctx, sessionID, "unknown story template")
		return
	}

	// The whole book is personalized to this photo. A source that cannot be
	// read is terminal, unlike a failed analysis of a readable one.
	if _, err := os.Stat(uploadPath); err != nil {
		logger.Error().Err(err).Str("upload", uploadPath).Msg("Source photo unreadable")
		g.fail(ctx, sessionID, "the uploaded photo could not be read")
		return
	}

	// Stage 1: visual analysis. A failed analysis degrades to a neutral
	// description rather than aborting the session.
	g.setPhase(ctx, sessionID, 5, session.StatusAnalyzing)

	description, err := g.provider.AnalyzeImage(ctx, uploadPath)
	if err != nil {
		logger.Warn().Err(err).Msg("Photo analysis failed, using neutral description")
		description = neutralDescription
	}

	// Stage 2: story outline, with the predefined fallback on failure or
	// malformed output.
	g.setPhase(ctx, sessionID, 15, session.StatusWriting)

	outline := g.makeOutline(ctx, logger, tpl, gender, description)

	// Stage 3: one illustration per page, throttled between calls. A failed
	// page gets a placeholder so the book still assembles.
	pages := make([]pdf.Page, 0, len(outline.Pages))
	total := len(outline.Pages)

	for i, page := range outline.Pages {
		progress := 15 + (i+1)*75/total
		g.setPhase(ctx, sessionID, progress, session.StatusIllustrating(page.PageNumber, total))

		img, err := g.provider.GenerateImage(ctx, pagePrompt(page, description, page.PageNumber, total))
		if err != nil {
			logger.Warn().
				Err(err).
				Int("page", page.PageNumber).
				Msg("Page illustration failed, using placeholder")
			img = imaging.Placeholder(placeholderSize)
		}

		pages = append(pages, pdf.Page{Image: img, Text: page.Text})

		if i < total-1 && g.config.PageDelay > 0 {
			select {
			case <-ctx.Done():
				logger.Warn().Err(ctx.Err()).Msg("Generation context cancelled")
				g.fail(ctx, sessionID, "generation was interrupted")
				return
			case <-time.After(g.config.PageDelay):
			}
		}
	}

	// Stage 4: assembly. Failure here is fatal to the session; partial
	// artifacts are left for the sweeper.
	g.setPhase(ctx, sessionID, 95, session.StatusCompiling)

	pdfPath, err := g.files.WritePDF(sessionID, func(w io.Writer) error {
		return pdf.Compose(w, pages)
	})
	if err != nil {
		logger.Error().Err(err).Msg("PDF assembly failed")
		g.fail(ctx, sessionID, "could not assemble the book")
		return
	}

	if err := g.store.Update(ctx, sessionID, func(rec *session.Record) {
		rec.Progress = 100
		rec.Status = session.StatusComplete
		rec.Completed = true
		rec.PDFPath = pdfPath
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to record completion")
		return
	}

	logger.Info().Str("pdf", pdfPath).Msg("Book generation completed")
}

// makeOutline runs stage 2 and applies the fallback policy, logging which
// path produced the outline.
func (g *Generator) makeOutline(ctx context.Context, logger *observability.Logger, tpl story.Template, gender, description string) story.Outline {
	raw, err := g.provider.GenerateStory(ctx, story.OutlineSystemPrompt, tpl.OutlinePrompt(gender, description))
	if err != nil {
		logger.Warn().Err(err).Str("outline_source", "fallback").Msg("Story generation failed, using fallback outline")
		return tpl.Fallback(description)
	}

	outline, err := story.ParseOutline(raw, description)
	if err != nil {
		logger.Warn().Err(err).Str("outline_source", "fallback").Msg("Story response malformed, using fallback outline")
		return tpl.Fallback(description)
	}

	logger.Info().Str("outline_source", "model").Str("title", outline.StoryTitle).Msg("Story outline generated")
	return outline
}

// setPhase advances the session's status and progress on stage entry.
func (g *Generator) setPhase(ctx context.Context, sessionID string, progress int, status session.Status) {
	if err := g.store.Update(ctx, sessionID, func(rec *session.Record) {
		rec.Progress = progress
		rec.Status = status
	}); err != nil {
		g.logger.WithSession(sessionID).Warn().Err(err).Msg("Failed to update session phase")
	}
}

// fail moves the session to its terminal failure state with a user-safe
// summary. Progress is left where it was; the record stops moving.
func (g *Generator) fail(ctx context.Context, sessionID, message string) {
	if err := g.store.Update(ctx, sessionID, func(rec *session.Record) {
		rec.Status = session.StatusFailed
		rec.Error = message
		rec.Completed = false
	}); err != nil {
		g.logger.WithSession(sessionID).Error().Err(err).Msg("Failed to record session failure")
	}
}

// pagePrompt builds a consistency-preserving illustration prompt within the
// provider's length limits.
func pagePrompt(page story.Page, description string, pageNum, total int) string {
	base := truncateRunes(page.ImagePrompt, 400)
	char := truncateRunes(description, 200)

	return fmt.Sprintf("%s. Character: %s. Consistent character appearance, children's book illustration style, vibrant colors, square composition, page %d of %d",
		base, char, pageNum, total)
}

// truncateRunes caps s at n runes, never splitting a multi-byte character.
func truncateRunes(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}
