package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/events"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/models"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/notes"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/pipeline"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
)

type stubChat struct {
	mu    sync.Mutex
	reply string
	err   error
	got   contract.ChatRequest
}

func (s *stubChat) Chat(_ context.Context, req contract.ChatRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = req
	return s.reply, s.err
}

func (s *stubChat) request() contract.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.got
}

type stubTTS struct {
	audio []byte
	err   error
}

func (s stubTTS) SynthesizeAudio(context.Context, string, pipeline.TTSOptions) ([]byte, error) {
	return s.audio, s.err
}

type failingPunctuator struct{}

func (failingPunctuator) Punctuate(context.Context, string) (string, error) {
	return "", errors.New("model offline")
}

// fakeOllama serves the subset of the Ollama API the routes use.
type fakeOllama struct {
	mu     sync.Mutex
	loaded []string
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.URL.Path {
	case "/api/tags":
		fmt.Fprint(w, `{"models":[{"name":"gemma3:4b","size":3300000000},{"name":"deepseek:1.5b","size":1100000000}]}`)
	case "/api/ps":
		loaded := make([]models.Loaded, 0, len(f.loaded))
		for _, n := range f.loaded {
			loaded = append(loaded, models.Loaded{Name: n, Size: 1})
		}
		json.NewEncoder(w).Encode(map[string]any{"models": loaded})
	case "/api/generate":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		name, _ := body["model"].(string)
		if body["keep_alive"] == float64(0) {
			kept := f.loaded[:0]
			for _, n := range f.loaded {
				if n != name {
					kept = append(kept, n)
				}
			}
			f.loaded = kept
		} else {
			f.loaded = append(f.loaded, name)
		}
		fmt.Fprint(w, `{"done":true}`)
	default:
		http.NotFound(w, r)
	}
}

type testApp struct {
	*app
	chat *stubChat
	srv  *httptest.Server
}

func newTestApp(t *testing.T, tts pipeline.TTSSynthesizer) *testApp {
	t.Helper()
	ollama := httptest.NewServer(&fakeOllama{})
	t.Cleanup(ollama.Close)

	dir := t.TempDir()
	chat := &stubChat{reply: "Thank you. Where do you live?"}
	a := &app{
		cfg: config{
			staticDir:     filepath.Join(dir, "static"),
			maxConcurrent: 10,
			chatTimeout:   time.Second,
			synthTimeout:  time.Second,
			ttsEngine:     "stub",
		},
		chat:      pipeline.NewChatRouter(map[string]pipeline.ChatBackend{"stub": chat}, "stub"),
		punct:     pipeline.BasicPunctuator{},
		tts:       pipeline.NewTTSRouter(map[string]pipeline.TTSSynthesizer{"stub": tts}, "stub"),
		notes:     localNotes{store: notes.NewStore(filepath.Join(dir, "notices"))},
		settings:  settings.NewStore(dir),
		ollama:    models.NewOllama(ollama.URL),
		publisher: events.New(nil, zerolog.Nop()),
		wsHandler: http.NotFoundHandler(),
		log:       zerolog.Nop(),
	}
	a.hub = newModelHub(a.ollama, zerolog.Nop())

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return &testApp{app: a, chat: chat, srv: srv}
}

func (ta *testApp) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ta.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (ta *testApp) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(ta.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestHealthEndpoints(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	resp, body := ta.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, body = ta.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestChatEndpoint(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	resp, out := ta.post(t, "/api/chat", contract.ChatRequest{
		Messages: []contract.Message{{Role: contract.RoleUser, Content: "My name is Sam."}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Thank you. Where do you live?", out["response"])

	got := ta.chat.request()
	assert.Equal(t, settings.DefaultConversationModel, got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, contract.RoleSystem, got.Messages[0].Role)
}

func TestChatEndpointErrors(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	resp, out := ta.post(t, "/api/chat", contract.ChatRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "messages are required", out["error"])

	ta.chat.mu.Lock()
	ta.chat.err = errors.New("ollama status 500: boom")
	ta.chat.mu.Unlock()
	resp, out = ta.post(t, "/api/chat", contract.ChatRequest{
		Messages: []contract.Message{{Role: contract.RoleUser, Content: "hello"}},
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, out["error"], "boom")
	assert.NotContains(t, out, "response")
}

func TestPunctuateEndpoint(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	_, out := ta.post(t, "/api/punctuate", contract.PunctuateRequest{Text: "i think so. it is fine"})
	assert.Equal(t, "I think so. It is fine.", out["text"])

	ta.punct = failingPunctuator{}
	resp, out := ta.post(t, "/api/punctuate", contract.PunctuateRequest{Text: "well. maybe not"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Well. Maybe not", out["text"])
}

func TestTTSEndpoint(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})
	resp, out := ta.post(t, "/api/tts", contract.TTSRequest{Text: "Hello."})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "d2F2", out["audio"])

	resp, out = ta.post(t, "/api/tts", contract.TTSRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "text is required", out["error"])

	failing := newTestApp(t, stubTTS{err: errors.New("piper status 503: busy")})
	resp, out = failing.post(t, "/api/tts", contract.TTSRequest{Text: "Hello."})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, out["error"], "busy")
	assert.NotContains(t, out, "audio")
}

func TestSaveNoticeEndpoint(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	resp, out := ta.post(t, "/api/save-notice", contract.NoteRequest{Content: "Practice linking words."})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	name, _ := out["filename"].(string)
	require.NotEmpty(t, name)
	data, err := os.ReadFile(filepath.Join(ta.notes.(localNotes).store.Dir(), name))
	require.NoError(t, err)
	assert.Equal(t, "Practice linking words.", string(data))

	resp, out = ta.post(t, "/api/save-notice", contract.NoteRequest{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, notes.ErrEmptyNote.Error(), out["error"])
}

func TestSettingsEndpoints(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	_, body := ta.get(t, "/api/settings")
	var s settings.Settings
	require.NoError(t, json.Unmarshal([]byte(body), &s))
	assert.Equal(t, settings.Defaults(), s)

	resp, out := ta.post(t, "/api/settings", settings.Settings{ConversationModel: "llama3:8b"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "llama3:8b", out["conversationModel"])
	assert.Equal(t, settings.DefaultScoringModel, out["scoringModel"])

	resp, out = ta.post(t, "/api/settings", settings.Settings{OllamaEndpoint: "ftp://gpu"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "http://")

	_, body = ta.get(t, "/api/settings")
	require.NoError(t, json.Unmarshal([]byte(body), &s))
	assert.Equal(t, "llama3:8b", s.ConversationModel)
	assert.Equal(t, settings.DefaultOllamaEndpoint, s.OllamaEndpoint)
}

func TestModelsEndpoint(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	resp, _ := ta.post(t, "/api/models/preload", modelRequest{Model: "gemma3:4b"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := ta.get(t, "/api/models")
	var out struct {
		Conversation string   `json:"conversation"`
		Models       []string `json:"models"`
		Loaded       []string `json:"loaded"`
		ChatEngines  []string `json:"chat_engines"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, settings.DefaultConversationModel, out.Conversation)
	assert.Equal(t, []string{"gemma3:4b", "deepseek:1.5b"}, out.Models)
	assert.Equal(t, []string{"gemma3:4b"}, out.Loaded)
	assert.Equal(t, []string{"stub"}, out.ChatEngines)

	resp, _ = ta.post(t, "/api/models/unload", modelRequest{Model: "gemma3:4b"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, body = ta.get(t, "/api/models")
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Empty(t, out.Loaded)
}

func TestModelStreamBroadcastsChanges(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ta.srv.URL+"/api/models/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	next := func() string {
		for {
			line, err := lines.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}
	assert.JSONEq(t, `{"loaded":[]}`, next())

	preload, _ := ta.post(t, "/api/models/preload", modelRequest{Model: "deepseek:1.5b"})
	assert.Equal(t, http.StatusOK, preload.StatusCode)
	assert.JSONEq(t, `{"loaded":[{"name":"deepseek:1.5b","size":1}]}`, next())
}

func TestPreloadRejectsMissingModel(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})
	resp, err := http.Post(ta.srv.URL+"/api/models/preload", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTraceRoutesDisabled(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})
	resp, body := ta.get(t, "/api/traces/sessions")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "tracing disabled")
}

func TestStatusAndMemory(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})

	_, body := ta.get(t, "/api/status")
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, float64(10), status["max_concurrent"])
	assert.Equal(t, false, status["tracing"])
	assert.Equal(t, false, status["events"])

	_, body = ta.get(t, "/api/memory")
	var mem map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &mem))
	assert.Contains(t, mem, "alloc_mb")
	assert.Contains(t, mem, "num_gc")

	resp, body := ta.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "examiner_sessions_total")
}

func TestStaticFallsBackToIndex(t *testing.T) {
	ta := newTestApp(t, stubTTS{audio: []byte("wav")})
	require.NoError(t, os.MkdirAll(ta.cfg.staticDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ta.cfg.staticDir, "index.html"), []byte("<h1>examiner</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ta.cfg.staticDir, "app.js"), []byte("console.log(1)"), 0o644))

	_, body := ta.get(t, "/app.js")
	assert.Equal(t, "console.log(1)", body)

	resp, body := ta.get(t, "/test/part2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>examiner</h1>", body)
}

func TestPanicsAreRecovered(t *testing.T) {
	h := withSentryRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
