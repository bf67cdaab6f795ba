// Package artifacts manages the two on-disk areas a session owns: the
// transient upload and the generated PDF. All paths are derived from the
// session id, never from client-supplied names.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store addresses session-owned files under the uploads and outputs areas.
type Store struct {
	uploadsDir string
	outputsDir string
}

// NewStore creates the artifact store, ensuring both directories exist.
func NewStore(uploadsDir, outputsDir string) (*Store, error) {
	for _, dir := range []string{uploadsDir, outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}

	return &Store{uploadsDir: uploadsDir, outputsDir: outputsDir}, nil
}

// UploadPath returns the upload path for a session. The extension must
// already be validated; it is the only client-influenced component.
func (s *Store) UploadPath(sessionID, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return filepath.Join(s.uploadsDir, fmt.Sprintf("%s_source.%s", sessionID, ext))
}

// PDFPath returns the output document path for a session.
func (s *Store) PDFPath(sessionID string) string {
	return filepath.Join(s.outputsDir, sessionID+".pdf")
}

// SaveUpload streams the uploaded image to the uploads area and returns
// its path.
func (s *Store) SaveUpload(sessionID, ext string, r io.Reader) (string, error) {
	path := s.UploadPath(sessionID, ext)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}

	return path, nil
}

// WritePDF publishes the document atomically: the content is written to a
// temp file in the outputs area and renamed into place.
func (s *Store) WritePDF(sessionID string, write func(io.Writer) error) (string, error) {
	tmp, err := os.CreateTemp(s.outputsDir, sessionID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp pdf: %w", err)
	}
	tmpPath := tmp.Name()

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write pdf: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close pdf: %w", err)
	}

	path := s.PDFPath(sessionID)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publish pdf: %w", err)
	}

	return path, nil
}

// RemoveSession deletes every file the session owns. Missing files are
// tolerated; the first real error is returned after attempting all removals.
func (s *Store) RemoveSession(sessionID string) error {
	var firstErr error

	uploads, err := filepath.Glob(filepath.Join(s.uploadsDir, sessionID+"_*"))
	if err != nil {
		firstErr = err
	}
	for _, path := range uploads {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	if err := os.Remove(s.PDFPath(sessionID)); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
