// Package ws bridges a host WebSocket connection to one examiner session.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/conversation"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/examiner"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared backends and per-session defaults.
type HandlerConfig struct {
	Deps          examiner.Deps
	Models        conversation.Models
	SystemPrompt  string
	Voice         string
	ChatTimeout   time.Duration
	SynthTimeout  time.Duration
	AudioRate     int
	MaxConcurrent int
	Logger        zerolog.Logger
}

// Handler manages examiner sessions with admission control.
type Handler struct {
	cfg HandlerConfig
	sem chan struct{}
}

// NewHandler creates a WebSocket handler with shared backends and a
// concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and runs the session.
// Returns 503 if at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.cfg.Logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	h.runSession(r.Context(), conn)
}

func (h *Handler) runSession(ctx context.Context, conn *websocket.Conn) {
	sessionID := uuid.NewString()
	log := h.cfg.Logger.With().Str("sessionId", sessionID).Logger()

	engine := examiner.New(context.WithoutCancel(ctx), examiner.Config{
		SessionID:    sessionID,
		Models:       h.models(log),
		SystemPrompt: h.cfg.SystemPrompt,
		Voice:        h.cfg.Voice,
		ChatTimeout:  h.cfg.ChatTimeout,
		SynthTimeout: h.cfg.SynthTimeout,
		AudioRate:    h.cfg.AudioRate,
	}, h.cfg.Deps, newEventSender(conn, log), log)
	go engine.Run()
	defer engine.Close()

	log.Info().Msg("session started")
	processMessages(conn, engine, log)
	log.Info().Msg("session ended")
}

// models returns the persisted model selection, or the configured defaults.
func (h *Handler) models(log zerolog.Logger) conversation.Models {
	store := h.cfg.Deps.Settings
	if store == nil {
		return h.cfg.Models
	}
	s, err := store.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", store.Path()).Msg("load settings, using defaults")
	}
	return ModelsFrom(s)
}

// ModelsFrom converts stored settings into a model selection.
func ModelsFrom(s settings.Settings) conversation.Models {
	return conversation.Models{
		Conversation: s.ConversationModel,
		Scoring:      s.ScoringModel,
		Endpoint:     s.OllamaEndpoint,
	}
}

// processMessages reads frames until the connection closes. Text frames are
// JSON events; binary frames are raw audio for server-side recognition.
func processMessages(conn *websocket.Conn, engine *examiner.Engine, log zerolog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("connection closed")
			return
		}

		if msgType == websocket.BinaryMessage {
			engine.Audio(data)
			continue
		}

		var ev examiner.Inbound
		if err = json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("malformed event")
			continue
		}
		if !engine.Handle(ev) {
			return
		}
	}
}

func newEventSender(conn *websocket.Conn, log zerolog.Logger) examiner.Emitter {
	var mu sync.Mutex
	return examiner.EmitterFunc(func(ev examiner.Outbound) {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("type", ev.Type).Msg("marshal event")
			return
		}

		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err = conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Debug().Err(err).Str("type", ev.Type).Msg("write event")
		}
	})
}
