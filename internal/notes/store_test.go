package notes

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveWritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notices")
	s := NewStore(dir)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 15, 4, 5, 0, time.UTC) }

	name, err := s.Save("cue card: describe a book")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^notice_20260304_150405_[0-9a-f]{8}\.txt$`), name)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, "cue card: describe a book", string(data))
}

func TestSaveUniqueNames(t *testing.T) {
	s := NewStore(t.TempDir())
	a, err := s.Save("one")
	require.NoError(t, err)
	b, err := s.Save("two")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSaveRejectsBlank(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Save(" \n\t")
	assert.ErrorIs(t, err, ErrEmptyNote)
}
