package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps one JSON cursor file per source under a directory.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a torn cursor.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cursor dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(sourceID string) string {
	return filepath.Join(s.dir, sourceID+".cursor")
}

// Get reads the cursor for sourceID.
func (s *FileStore) Get(_ context.Context, sourceID string) (Position, error) {
	data, err := os.ReadFile(s.path(sourceID))
	if err != nil {
		if os.IsNotExist(err) {
			return Position{}, ErrNotFound
		}
		return Position{}, fmt.Errorf("read cursor %s: %w", sourceID, err)
	}

	var pos Position
	if err := json.Unmarshal(data, &pos); err != nil {
		// A corrupt cursor restarts the source from zero rather than
		// failing the pipeline.
		return Position{}, ErrNotFound
	}
	return pos, nil
}

// Put writes the cursor for sourceID atomically.
func (s *FileStore) Put(_ context.Context, sourceID string, pos Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal cursor %s: %w", sourceID, err)
	}

	tmp := s.path(sourceID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cursor %s: %w", sourceID, err)
	}
	if err := os.Rename(tmp, s.path(sourceID)); err != nil {
		return fmt.Errorf("commit cursor %s: %w", sourceID, err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
