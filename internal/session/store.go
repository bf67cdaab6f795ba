// Package session tracks the lifecycle of book-generation sessions: the
// progress record, the store implementations, and the retention sweeper.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store errors.
var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
)

// Status is one of the closed set of human-readable phase labels.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusAnalyzing Status = "analyzing photo"
	StatusWriting   Status = "writing story"
	StatusCompiling Status = "compiling PDF"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// StatusIllustrating labels the per-page image generation phase.
func StatusIllustrating(page, total int) Status {
	return Status(fmt.Sprintf("illustrating page %d of %d", page, total))
}

// Record is the progress record for one generation session. It is created by
// the upload handler, mutated only by the owning pipeline, read by the
// progress and download endpoints, and deleted by the sweeper.
type Record struct {
	SessionID  string    `json:"session_id"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Completed  bool      `json:"completed"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UploadPath string    `json:"upload_path,omitempty"`
	PDFPath    string    `json:"pdf_path,omitempty"`
}

// Terminal reports whether the record reached a terminal state.
func (r *Record) Terminal() bool {
	return r.Completed || r.Error != ""
}

// Store is the session store interface. Implementations must tolerate
// concurrent readers against a single per-session writer plus the sweeper.
type Store interface {
	// Insert adds a new record. Fails with ErrExists on id collision.
	Insert(ctx context.Context, rec *Record) error
	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Update applies fn to the record under the store's write lock.
	Update(ctx context.Context, sessionID string, fn func(*Record)) error
	// List returns copies of all records.
	List(ctx context.Context) ([]*Record, error)
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, sessionID string) error
	// Len returns the number of records.
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore implements an in-memory session store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]*Record)}
}

// Insert adds a new record.
func (s *MemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recs[rec.SessionID]; ok {
		return ErrExists
	}

	cp := *rec
	s.recs[rec.SessionID] = &cp
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec
	return &cp, nil
}

// Update applies fn to the record under the write lock.
func (s *MemoryStore) Update(ctx context.Context, sessionID string, fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[sessionID]
	if !ok {
		return ErrNotFound
	}

	fn(rec)
	return nil
}

// List returns copies of all records.
func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*Record, 0, len(s.recs))
	for _, rec := range s.recs {
		cp := *rec
		recs = append(recs, &cp)
	}
	return recs, nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, sessionID)
	return nil
}

// Len returns the number of records.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.recs), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
