package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/models"
)

// hubFetchTimeout bounds one Ollama status query.
const hubFetchTimeout = 5 * time.Second

type loadedModels interface {
	Loaded(ctx context.Context) ([]models.Loaded, error)
}

// modelHub fans the set of models loaded in Ollama out to SSE subscribers.
type modelHub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	ollama loadedModels
	log    zerolog.Logger
}

func newModelHub(ollama loadedModels, log zerolog.Logger) *modelHub {
	return &modelHub{
		subs:   map[chan []byte]struct{}{},
		ollama: ollama,
		log:    log,
	}
}

func (h *modelHub) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *modelHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// fetch returns the loaded models as JSON, or nil when Ollama is unreachable.
func (h *modelHub) fetch(ctx context.Context) []byte {
	ctx, cancel := context.WithTimeout(ctx, hubFetchTimeout)
	defer cancel()
	loaded, err := h.ollama.Loaded(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("fetch loaded models")
		return nil
	}
	if loaded == nil {
		loaded = []models.Loaded{}
	}
	data, err := json.Marshal(map[string]any{"loaded": loaded})
	if err != nil {
		return nil
	}
	return data
}

// broadcast sends data to every subscriber. A subscriber whose buffer is
// full misses this update and keeps the one already queued.
func (h *modelHub) broadcast(data []byte) {
	if data == nil {
		return
	}
	h.log.Debug().RawJSON("data", data).Msg("model status broadcast")
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
	h.mu.Unlock()
}
