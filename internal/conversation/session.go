// Package conversation owns the ordered turn history of one speaking test and
// the single outstanding exchange with the chat service.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/fluency"
)

// DefaultTimeout bounds one chat exchange.
const DefaultTimeout = 120 * time.Second

var (
	// ErrSendInFlight is returned when a send is attempted while a reply is pending.
	ErrSendInFlight = errors.New("a turn is already awaiting a reply")
	// ErrChatTimeout marks an exchange that exceeded its timeout.
	ErrChatTimeout = errors.New("chat request timed out")
	// ErrEmptyTurn is returned for blank turn text.
	ErrEmptyTurn = errors.New("turn text is empty")
	// ErrEmptyReply is reported when the chat service answers with no text.
	ErrEmptyReply = errors.New("chat service returned an empty reply")
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser     Role = "user"
	RoleExaminer Role = "examiner"
)

// Part is the IELTS speaking test part (1, 2 or 3).
type Part int

// Turn is one message of the conversation. Immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatClient performs one chat exchange.
type ChatClient interface {
	Chat(ctx context.Context, req contract.ChatRequest) (string, error)
}

// Poster delivers a closure to the session loop.
type Poster interface {
	Post(fn func()) bool
}

// Observer is notified, on the session loop, when an exchange resolves.
type Observer interface {
	Replied(text string, scoring bool)
	Failed(err error, scoring bool)
}

// Models selects the model identifiers and chat endpoint for exchanges.
type Models struct {
	Conversation string
	Scoring      string
	Endpoint     string
}

// Config configures a Session.
type Config struct {
	SystemPrompt string
	Timeout      time.Duration
	Models       Models
	Now          func() time.Time
}

// Session is the conversation state of one test. Methods must be called from
// the session loop; only the chat call itself runs elsewhere.
type Session struct {
	cfg  Config
	chat ChatClient
	post Poster
	obs  Observer
	log  zerolog.Logger
	ctx  context.Context

	activePart Part
	active     bool
	startedAt  time.Time
	turns      []Turn
	metrics    []fluency.SpeechMetric

	inFlight bool
	epoch    int
	cancel   context.CancelFunc
}

// New creates an inactive session. ctx bounds every exchange it issues.
func New(ctx context.Context, cfg Config, chat ChatClient, post Poster, obs Observer, log zerolog.Logger) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are an IELTS speaking examiner."
	}
	return &Session{cfg: cfg, chat: chat, post: post, obs: obs, log: log, ctx: ctx, activePart: 1}
}

// Reset starts a fresh test for part. Any pending reply is abandoned.
func (s *Session) Reset(part Part) {
	s.abandon()
	s.turns = nil
	s.metrics = nil
	s.activePart = part
	s.active = true
	s.startedAt = s.cfg.Now()
}

// Close abandons any pending exchange.
func (s *Session) Close() {
	s.abandon()
	s.active = false
}

// Abandon drops the pending exchange, if any. Its reply is discarded when it
// arrives and the history is left as is.
func (s *Session) Abandon() { s.abandon() }

// AppendUserTurn appends a user turn.
func (s *Session) AppendUserTurn(text string) Turn { return s.appendTurn(RoleUser, text) }

// AppendExaminerTurn appends an examiner turn.
func (s *Session) AppendExaminerTurn(text string) Turn { return s.appendTurn(RoleExaminer, text) }

// Send issues the next exchange. The payload is the system prompt, the turn
// history and text as the newest user message. Conversational text is also
// appended as a user turn; scoring instructions are not.
func (s *Session) Send(text string, scoring bool) error {
	if s.inFlight {
		return ErrSendInFlight
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyTurn
	}

	req := s.BuildRequest(text, scoring)
	if !scoring {
		s.appendTurn(RoleUser, text)
	}

	s.inFlight = true
	epoch := s.epoch
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	s.cancel = cancel
	timeout := s.cfg.Timeout

	s.log.Info().
		Str("model", req.Model).
		Bool("scoring", scoring).
		Int("messages", len(req.Messages)).
		Msg("sending turn")

	go func() {
		defer cancel()
		reply, err := s.chat.Chat(ctx, req)
		if err == nil && strings.TrimSpace(reply) == "" {
			err = ErrEmptyReply
		}
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %dms: %v", ErrChatTimeout, timeout.Milliseconds(), err)
		}
		s.post.Post(func() { s.resolve(epoch, strings.TrimSpace(reply), err, scoring) })
	}()
	return nil
}

// BuildRequest assembles the chat payload for text without sending it.
func (s *Session) BuildRequest(text string, scoring bool) contract.ChatRequest {
	msgs := make([]contract.Message, 0, len(s.turns)+2)
	msgs = append(msgs, contract.Message{Role: contract.RoleSystem, Content: s.cfg.SystemPrompt})
	for _, t := range s.turns {
		role := contract.RoleUser
		if t.Role == RoleExaminer {
			role = contract.RoleAssistant
		}
		msgs = append(msgs, contract.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, contract.Message{Role: contract.RoleUser, Content: text})

	model := s.cfg.Models.Conversation
	if scoring {
		model = s.cfg.Models.Scoring
	}
	return contract.ChatRequest{Model: model, Messages: msgs, Endpoint: s.cfg.Models.Endpoint}
}

func (s *Session) resolve(epoch int, reply string, err error, scoring bool) {
	if epoch != s.epoch {
		s.log.Debug().Msg("dropping reply for abandoned exchange")
		return
	}
	s.inFlight = false
	s.cancel = nil

	if err != nil {
		s.log.Warn().Err(err).Bool("scoring", scoring).Msg("chat exchange failed")
		s.obs.Failed(err, scoring)
		return
	}
	s.appendTurn(RoleExaminer, reply)
	s.obs.Replied(reply, scoring)
}

func (s *Session) abandon() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++
	s.inFlight = false
}

func (s *Session) appendTurn(role Role, text string) Turn {
	t := Turn{Role: role, Text: text, CreatedAt: s.cfg.Now()}
	s.turns = append(s.turns, t)
	return t
}

// RecordMetric appends a finalized turn's speech metric.
func (s *Session) RecordMetric(m fluency.SpeechMetric) { s.metrics = append(s.metrics, m) }

// Turns returns a copy of the history.
func (s *Session) Turns() []Turn { return append([]Turn(nil), s.turns...) }

// Metrics returns a copy of the recorded speech metrics.
func (s *Session) Metrics() []fluency.SpeechMetric {
	return append([]fluency.SpeechMetric(nil), s.metrics...)
}

// InFlight reports whether an exchange is pending.
func (s *Session) InFlight() bool { return s.inFlight }

// Active reports whether a test is running.
func (s *Session) Active() bool { return s.active }

// SetActive marks the test as running or stopped.
func (s *Session) SetActive(active bool) { s.active = active }

// ActivePart returns the selected test part.
func (s *Session) ActivePart() Part { return s.activePart }

// StartedAt returns when the current test started.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Models returns the current model selection.
func (s *Session) Models() Models { return s.cfg.Models }

// SetModels replaces the model selection for subsequent exchanges.
func (s *Session) SetModels(m Models) { s.cfg.Models = m }
