package devicemodule

import (
	"errors"
	"fmt"
	"os"

	"github.com/mantonx/signage/internal/utils"
)

// ErrNoSnapshot is returned when no configuration has been persisted yet.
var ErrNoSnapshot = errors.New("no persisted configuration")

// SnapshotStore persists the last adopted configuration document.
type SnapshotStore interface {
	Load() ([]byte, error)
	Save(raw []byte) error
}

// FileSnapshotStore keeps the snapshot in a single JSON file.
type FileSnapshotStore struct {
	path string
}

func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

func (s *FileSnapshotStore) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

func (s *FileSnapshotStore) Save(raw []byte) error {
	if err := utils.WriteFileAtomic(s.path, raw, 0644); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}
