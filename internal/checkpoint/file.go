package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"reel-pipeline/internal/types"
)

const artifactsFileName = "artifacts.json"

// FileStore keeps one JSON document per session attempt under
// <root>/<session>/attempt-<n>/artifacts.json.
type FileStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir, now: time.Now}
}

var _ Store = (*FileStore)(nil)

// AttemptDir is the per-attempt directory that also holds the stage media.
func AttemptDir(root, sessionID string, attempt int) string {
	return filepath.Join(root, sessionID, "attempt-"+strconv.Itoa(attempt))
}

func (s *FileStore) path(sessionID string, attempt int) string {
	return filepath.Join(AttemptDir(s.root, sessionID, attempt), artifactsFileName)
}

// Load reads a document.
func (s *FileStore) Load(ctx context.Context, sessionID string, attempt int) (*types.Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(sessionID, attempt)
}

func (s *FileStore) load(sessionID string, attempt int) (*types.Artifacts, error) {
	data, err := os.ReadFile(s.path(sessionID, attempt))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var doc types.Artifacts
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshalling checkpoint: %w", err)
	}
	return &doc, nil
}

// Append merges p and writes the document back atomically.
func (s *FileStore) Append(ctx context.Context, sessionID string, attempt int, p Patch) (*types.Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(sessionID, attempt)
	if errors.Is(err, ErrNotFound) {
		doc = &types.Artifacts{SessionID: sessionID, Attempt: attempt}
	} else if err != nil {
		return nil, err
	}
	if err := Apply(doc, p, s.now()); err != nil {
		return nil, err
	}
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *FileStore) save(doc *types.Artifacts) error {
	dir := AttemptDir(s.root, doc.SessionID, doc.Attempt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling checkpoint: %w", err)
	}
	tmp := filepath.Join(dir, artifactsFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, artifactsFileName)); err != nil {
		return fmt.Errorf("persisting checkpoint: %w", err)
	}
	return nil
}
