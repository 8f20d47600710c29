// Package scoring builds the end-of-test scoring request from the
// conversation and the collected speech metadata.
package scoring

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/conversation"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/fluency"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/prompts"
)

// Trigger requests band scores for the current session.
type Trigger struct {
	sess *conversation.Session
	log  zerolog.Logger
}

// New creates a Trigger for sess.
func New(sess *conversation.Session, log zerolog.Logger) *Trigger {
	return &Trigger{sess: sess, log: log}
}

// Prompt returns the scoring instructions followed by the speech summary.
func (t *Trigger) Prompt() string {
	return prompts.Scoring + "\n\n" + fluency.Summarize(t.sess.Metrics())
}

// Status is the message shown while scores are generated.
func (t *Trigger) Status() string {
	return fmt.Sprintf("Generating IELTS scores using %s...", t.sess.Models().Scoring)
}

// RequestScoring appends the visible scoring request and sends the scoring
// prompt. It returns conversation.ErrSendInFlight without touching the
// history when another exchange is pending.
func (t *Trigger) RequestScoring() error {
	if t.sess.InFlight() {
		return conversation.ErrSendInFlight
	}
	prompt := t.Prompt()
	t.sess.AppendUserTurn(prompts.ScoringRequestLine)
	if err := t.sess.Send(prompt, true); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	metrics.ScoringRequests.Inc()
	t.log.Info().
		Str("model", t.sess.Models().Scoring).
		Int("responses", len(t.sess.Metrics())).
		Msg("scoring requested")
	return nil
}
