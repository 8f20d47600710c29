// Package notes writes user notes to text files.
package notes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyNote is returned for blank note content.
var ErrEmptyNote = errors.New("no content provided")

// Store saves notes into a directory.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore returns a store writing into dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the notes directory.
func (s *Store) Dir() string { return s.dir }

// Save writes content to a new file and returns its name.
func (s *Store) Save(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyNote
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create notes dir: %w", err)
	}

	name := fmt.Sprintf("notice_%s_%s.txt", s.now().Format("20060102_150405"), uuid.NewString()[:8])
	if err := os.WriteFile(filepath.Join(s.dir, name), []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write note: %w", err)
	}
	return name, nil
}
