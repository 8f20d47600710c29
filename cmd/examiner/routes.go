package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/finalize"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/notes"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/pipeline"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/trace"
)

const (
	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes = 1 << 20

	// defaultTraceSessionLimit is how many trace sessions are returned
	// when the caller omits the ?limit= query parameter.
	defaultTraceSessionLimit = 20
)

// routes wires all HTTP endpoints and wraps them in panic recovery.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/session", a.wsHandler)
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/memory", handleMemory)
	mux.HandleFunc("POST /api/chat", a.handleChat)
	mux.HandleFunc("POST /api/punctuate", a.handlePunctuate)
	mux.HandleFunc("POST /api/tts", a.handleTTS)
	mux.HandleFunc("POST /api/save-notice", a.handleSaveNotice)
	mux.HandleFunc("GET /api/settings", a.handleGetSettings)
	mux.HandleFunc("POST /api/settings", a.handleSaveSettings)
	mux.HandleFunc("GET /api/models", a.handleModels)
	mux.HandleFunc("POST /api/models/preload", a.handlePreload)
	mux.HandleFunc("POST /api/models/unload", a.handleUnload)
	mux.HandleFunc("GET /api/models/stream", a.handleModelStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	registerTraceRoutes(mux, a.traceStore)
	mux.Handle("GET /", staticHandler(a.cfg.staticDir))
	return withSentryRecovery(mux)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *app) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_concurrent": a.cfg.maxConcurrent,
		"chat": map[string]any{
			"active":  a.chat.Default(),
			"engines": a.chat.Engines(),
			"timeout": a.cfg.chatTimeout.String(),
		},
		"tts": map[string]any{
			"active":  a.tts.Default(),
			"engines": a.tts.Engines(),
			"voice":   a.cfg.ttsVoice,
		},
		"punctuation":      a.cfg.punctuateURL != "",
		"events":           a.publisher.Enabled(),
		"tracing":          a.traceStore != nil,
		"server_recognize": a.speech != nil,
		"goroutines":       runtime.NumGoroutine(),
	})
}

func handleMemory(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	const mb = 1024 * 1024
	writeJSON(w, http.StatusOK, map[string]any{
		"alloc_mb":     float64(m.Alloc) / mb,
		"sys_mb":       float64(m.Sys) / mb,
		"heap_objects": m.HeapObjects,
		"num_gc":       m.NumGC,
	})
}

func (a *app) handleChat(w http.ResponseWriter, r *http.Request) {
	var req contract.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, contract.ChatResponse{Error: err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, contract.ChatResponse{Error: "messages are required"})
		return
	}
	if req.Model == "" {
		req.Model = a.storedSettings().ConversationModel
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.chatTimeout)
	defer cancel()
	reply, err := a.chat.Chat(ctx, req)
	if err != nil {
		a.log.Error().Err(err).Str("model", req.Model).Msg("chat endpoint")
		captureError(r, err, "chat")
		writeJSON(w, http.StatusInternalServerError, contract.ChatResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, contract.ChatResponse{Response: reply})
}

func (a *app) handlePunctuate(w http.ResponseWriter, r *http.Request) {
	var req contract.PunctuateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, contract.PunctuateResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusOK, contract.PunctuateResponse{Text: req.Text})
		return
	}
	text := finalize.New(a.punct, a.log).Finalize(r.Context(), req.Text)
	writeJSON(w, http.StatusOK, contract.PunctuateResponse{Text: pipeline.FormatSentences(text)})
}

func (a *app) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req contract.TTSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, contract.TTSResponse{Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, contract.TTSResponse{Error: "text is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.synthTimeout)
	defer cancel()
	res, err := a.tts.Synthesize(ctx, req.Text, a.cfg.ttsEngine, pipeline.TTSOptions{Voice: req.Voice})
	if err != nil {
		a.log.Error().Err(err).Msg("tts endpoint")
		captureError(r, err, "tts")
		writeJSON(w, http.StatusInternalServerError, contract.TTSResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, contract.TTSResponse{Audio: base64.StdEncoding.EncodeToString(res.Audio)})
}

func (a *app) handleSaveNotice(w http.ResponseWriter, r *http.Request) {
	var req contract.NoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, contract.NoteResponse{Error: err.Error()})
		return
	}
	name, err := a.notes.Save(r.Context(), req.Content)
	if errors.Is(err, notes.ErrEmptyNote) {
		writeJSON(w, http.StatusBadRequest, contract.NoteResponse{Error: err.Error()})
		return
	}
	if err != nil {
		a.log.Error().Err(err).Msg("save notice")
		captureError(r, err, "save-notice")
		writeJSON(w, http.StatusInternalServerError, contract.NoteResponse{Error: err.Error()})
		return
	}
	a.log.Info().Str("filename", name).Msg("notice saved")
	writeJSON(w, http.StatusOK, contract.NoteResponse{Filename: name})
}

// storedSettings returns the persisted settings, logging read failures.
func (a *app) storedSettings() settings.Settings {
	s, err := a.settings.Load()
	if err != nil {
		a.log.Warn().Err(err).Str("path", a.settings.Path()).Msg("load settings, using defaults")
	}
	return s
}

func (a *app) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.storedSettings())
}

func (a *app) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var in settings.Settings
	if err := decodeJSON(w, r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	saved, err := a.settings.Save(in)
	if errors.Is(err, settings.ErrInvalidEndpoint) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		captureError(r, err, "save settings")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *app) handleModels(w http.ResponseWriter, r *http.Request) {
	installed, err := a.ollama.List(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("list ollama models")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	names := make([]string, 0, len(installed))
	for _, m := range installed {
		names = append(names, m.Name)
	}
	loaded, err := a.ollama.Loaded(r.Context())
	if err != nil {
		a.log.Warn().Err(err).Msg("list loaded models")
	}
	loadedNames := make([]string, 0, len(loaded))
	for _, m := range loaded {
		loadedNames = append(loadedNames, m.Name)
	}
	s := a.storedSettings()
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": s.ConversationModel,
		"scoring":      s.ScoringModel,
		"models":       names,
		"loaded":       loadedNames,
		"chat_engines": a.chat.Engines(),
		"tts_engines":  a.tts.Engines(),
	})
}

type modelRequest struct {
	Model string `json:"model"`
}

func (a *app) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Model == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	a.log.Info().Str("model", req.Model).Msg("preloading model")
	if err := a.ollama.Preload(r.Context(), req.Model); err != nil {
		a.log.Error().Err(err).Str("model", req.Model).Msg("preload model")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.hub.broadcast(a.hub.fetch(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *app) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Model == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	a.log.Info().Str("model", req.Model).Msg("unloading model")
	if err := a.ollama.Unload(r.Context(), req.Model); err != nil {
		a.log.Error().Err(err).Str("model", req.Model).Msg("unload model")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.hub.broadcast(a.hub.fetch(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *app) handleModelStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch := a.hub.subscribe()
	defer a.hub.unsubscribe(ch)

	if data := a.hub.fetch(r.Context()); data != nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := queryInt(r, "limit", defaultTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, exchanges, err := store.GetSession(r.Context(), r.PathValue("id"))
		if err != nil {
			traceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "exchanges": exchanges})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}/exchanges/{exchangeId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		ex, spans, err := store.GetExchange(r.Context(), r.PathValue("id"), r.PathValue("exchangeId"))
		if err != nil {
			traceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exchange": ex, "spans": spans})
	})
}

func traceError(w http.ResponseWriter, err error) {
	if errors.Is(err, trace.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// staticHandler serves files from dir, answering unknown paths with
// index.html so the client app handles its own routes.
func staticHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context.
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
