// Package handlers provides the HTTP handlers for the storybook API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/storybook-ai/storybook-engine/internal/artifacts"
	"github.com/storybook-ai/storybook-engine/internal/imaging"
	"github.com/storybook-ai/storybook-engine/internal/observability"
	"github.com/storybook-ai/storybook-engine/internal/session"
	"github.com/storybook-ai/storybook-engine/internal/story"
)

// Runner dispatches one book generation as a detached unit of work.
type Runner interface {
	Run(ctx context.Context, sessionID, uploadPath, storyID, gender string)
}

// BookHandler handles upload, progress, and download requests.
type BookHandler struct {
	logger         *observability.Logger
	store          session.Store
	files          *artifacts.Store
	runner         Runner
	maxUploadBytes int64
}

// NewBookHandler creates a new book handler.
func NewBookHandler(logger *observability.Logger, store session.Store, files *artifacts.Store, runner Runner, maxUploadBytes int64) *BookHandler {
	return &BookHandler{
		logger:         logger,
		store:          store,
		files:          files,
		runner:         runner,
		maxUploadBytes: maxUploadBytes,
	}
}

// UploadResponseDTO is the accepted-upload response.
type UploadResponseDTO struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ProgressDTO is the progress snapshot returned to pollers. PDFPath is the
// download reference, present only once the session completed successfully.
type ProgressDTO struct {
	Progress  int    `json:"progress"`
	Status    string `json:"status"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
	PDFPath   string `json:"pdf_path,omitempty"`
}

// Upload handles POST /upload: validates the photo and selections, creates
// the session, and dispatches generation without awaiting it.
func (h *BookHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large, maximum size is %dMB", h.maxUploadBytes>>20))
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid upload request")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "no image file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		h.writeError(w, http.StatusBadRequest, "no file selected")
		return
	}

	ext, err := imaging.ValidateFilename(header.Filename)
	if err != nil {
		h.writeError(w, http.StatusBadRequest,
			"invalid file type, allowed types: "+strings.Join(imaging.AllowedExtensions(), ", "))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "could not read uploaded file")
		return
	}

	// Sniff the content; the extension alone is never trusted.
	if _, err := imaging.Sniff(data); err != nil {
		h.logger.Warn().Err(err).Str("filename", header.Filename).Msg("Rejected non-image upload")
		h.writeError(w, http.StatusBadRequest, "file is not a valid image")
		return
	}

	storyID := r.FormValue("story_type")
	if _, ok := story.LookupTemplate(storyID); !ok {
		h.writeError(w, http.StatusBadRequest, "invalid story selection")
		return
	}

	gender, ok := story.NormalizeGender(r.FormValue("gender"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid gender selection")
		return
	}

	sessionID := uuid.New().String()

	uploadPath, err := h.files.SaveUpload(sessionID, ext, bytes.NewReader(data))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to persist upload")
		h.writeError(w, http.StatusInternalServerError, "an error occurred processing your request")
		return
	}

	rec := &session.Record{
		SessionID:  sessionID,
		Status:     session.StatusStarting,
		Progress:   0,
		CreatedAt:  time.Now(),
		UploadPath: uploadPath,
	}
	if err := h.store.Insert(r.Context(), rec); err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to create session")
		// No record means the sweeper will never see this upload.
		if rmErr := h.files.RemoveSession(sessionID); rmErr != nil {
			h.logger.Warn().Err(rmErr).Str("session_id", sessionID).Msg("Failed to remove orphaned upload")
		}
		h.writeError(w, http.StatusInternalServerError, "an error occurred processing your request")
		return
	}

	h.logger.Info().
		Str("session_id", sessionID).
		Str("story", storyID).
		Str("gender", gender).
		Msg("Upload accepted, dispatching generation")

	// Detached: the request context dies with this response.
	go h.runner.Run(context.Background(), sessionID, uploadPath, storyID, gender)

	h.writeJSON(w, http.StatusAccepted, UploadResponseDTO{
		SessionID: sessionID,
		Message:   "generation started",
	})
}

// Progress handles GET /progress/{sessionID}: a read-only snapshot of the
// session's record.
func (h *BookHandler) Progress(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := h.store.Get(r.Context(), sessionID)
	if errors.Is(err, session.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read session")
		h.writeError(w, http.StatusInternalServerError, "an error occurred processing your request")
		return
	}

	dto := ProgressDTO{
		Progress:  rec.Progress,
		Status:    string(rec.Status),
		Completed: rec.Completed,
		Error:     rec.Error,
	}
	if rec.Completed && rec.Error == "" {
		dto.PDFPath = "/download/" + rec.SessionID
	}

	h.writeJSON(w, http.StatusOK, dto)
}

// Download handles GET /download/{sessionID}: streams the finished book.
func (h *BookHandler) Download(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := h.store.Get(r.Context(), sessionID)
	if errors.Is(err, session.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read session")
		h.writeError(w, http.StatusInternalServerError, "an error occurred processing your request")
		return
	}

	if !rec.Completed || rec.Error != "" || rec.PDFPath == "" {
		h.writeError(w, http.StatusConflict, "book not ready")
		return
	}

	if _, err := os.Stat(rec.PDFPath); err != nil {
		h.writeError(w, http.StatusNotFound, "book no longer available")
		return
	}

	filename := fmt.Sprintf("storybook_%s.pdf", time.Now().Format("20060102"))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, rec.PDFPath)
}

func (h *BookHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *BookHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
