// Package settings persists the user's model and endpoint preferences.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Key names the stored preferences; the file is <dir>/<Key>.yaml.
const Key = "ieltsExaminerSettings"

// Defaults.
const (
	DefaultConversationModel = "gemma3:4b"
	DefaultScoringModel      = "deepseek:1.5b"
	DefaultOllamaEndpoint    = "http://localhost:11434"
)

// ErrInvalidEndpoint is returned for an endpoint that is not an http(s) URL.
var ErrInvalidEndpoint = errors.New("ollama endpoint must start with http:// or https://")

// Settings are the user-selectable models and chat endpoint.
type Settings struct {
	ConversationModel string `yaml:"conversationModel" json:"conversationModel"`
	ScoringModel      string `yaml:"scoringModel" json:"scoringModel"`
	OllamaEndpoint    string `yaml:"ollamaEndpoint" json:"ollamaEndpoint"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		ConversationModel: DefaultConversationModel,
		ScoringModel:      DefaultScoringModel,
		OllamaEndpoint:    DefaultOllamaEndpoint,
	}
}

// WithDefaults fills blank fields from Defaults.
func (s Settings) WithDefaults() Settings {
	d := Defaults()
	if strings.TrimSpace(s.ConversationModel) == "" {
		s.ConversationModel = d.ConversationModel
	}
	if strings.TrimSpace(s.ScoringModel) == "" {
		s.ScoringModel = d.ScoringModel
	}
	if strings.TrimSpace(s.OllamaEndpoint) == "" {
		s.OllamaEndpoint = d.OllamaEndpoint
	}
	return s
}

// Validate checks the endpoint scheme.
func (s Settings) Validate() error {
	if !strings.HasPrefix(s.OllamaEndpoint, "http://") && !strings.HasPrefix(s.OllamaEndpoint, "https://") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, s.OllamaEndpoint)
	}
	return nil
}

// Store reads and writes Settings as YAML in a directory.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, Key+".yaml")}
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// Load returns the stored settings, or the defaults when nothing is stored.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return Defaults(), fmt.Errorf("read settings: %w", err)
	}

	var out Settings
	if err := yaml.Unmarshal(data, &out); err != nil {
		return Defaults(), fmt.Errorf("parse settings %s: %w", s.path, err)
	}
	return out.WithDefaults(), nil
}

// Save validates and writes settings, replacing the file atomically.
func (s *Store) Save(in Settings) (Settings, error) {
	in = in.WithDefaults()
	if err := in.Validate(); err != nil {
		return in, err
	}

	data, err := yaml.Marshal(in)
	if err != nil {
		return in, fmt.Errorf("encode settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return in, fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, Key+"-*.tmp")
	if err != nil {
		return in, fmt.Errorf("create temp settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return in, fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return in, fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return in, fmt.Errorf("replace settings: %w", err)
	}
	return in, nil
}
