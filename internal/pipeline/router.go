package pipeline

import (
	"fmt"
	"slices"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

// engineSet holds the interchangeable backends of one stage (chat or tts).
// A request for an unregistered engine is served by the default engine and
// counted as a fallback, so a misconfigured host still gets an examiner.
type engineSet[T any] struct {
	stage    string
	backends map[string]T
	def      string
}

func newEngineSet[T any](stage string, backends map[string]T, def string) engineSet[T] {
	return engineSet[T]{stage: stage, backends: backends, def: def}
}

// Resolve returns the name of the engine that serves requests for engine, and
// its backend. An empty engine selects the default.
func (s engineSet[T]) Resolve(engine string) (string, T, error) {
	if engine == "" {
		engine = s.def
	}
	if backend, ok := s.backends[engine]; ok {
		return engine, backend, nil
	}
	backend, ok := s.backends[s.def]
	if !ok {
		var zero T
		return "", zero, fmt.Errorf("%s: engine %q not configured and no default %q", s.stage, engine, s.def)
	}
	metrics.EngineFallbacks.WithLabelValues(s.stage).Inc()
	return s.def, backend, nil
}

// Default returns the default engine name.
func (s engineSet[T]) Default() string { return s.def }

// Engines returns the configured engine names, sorted.
func (s engineSet[T]) Engines() []string {
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
