// Package finalize cleans a finished transcript before it is sent as a turn.
package finalize

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

// Punctuator restores punctuation and casing in recognized text.
type Punctuator interface {
	Punctuate(ctx context.Context, text string) (string, error)
}

// Finalizer runs best-effort normalization over raw transcripts.
type Finalizer struct {
	punct Punctuator
	log   zerolog.Logger
}

// New creates a finalizer. A nil punctuator makes Finalize the identity.
func New(punct Punctuator, log zerolog.Logger) *Finalizer {
	return &Finalizer{punct: punct, log: log}
}

// Finalize returns the punctuated form of raw, or raw itself if
// normalization fails for any reason.
func (f *Finalizer) Finalize(ctx context.Context, raw string) string {
	if f.punct == nil || strings.TrimSpace(raw) == "" {
		return raw
	}

	start := time.Now()
	cleaned, err := f.punct.Punctuate(ctx, raw)
	metrics.StageDuration.WithLabelValues("punctuate").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Errors.WithLabelValues("punctuate", "fallback").Inc()
		f.log.Warn().Err(err).Msg("punctuation failed, using raw transcript")
		return raw
	}
	if strings.TrimSpace(cleaned) == "" {
		metrics.Errors.WithLabelValues("punctuate", "empty").Inc()
		f.log.Warn().Msg("punctuation returned empty text, using raw transcript")
		return raw
	}
	return cleaned
}
