package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/events"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/examiner"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/logging"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/models"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/notes"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/pipeline"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/recognizer"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/trace"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/ws"
)

// app holds the process-wide backends shared by HTTP routes and sessions.
type app struct {
	cfg        config
	chat       *pipeline.ChatRouter
	punct      pipeline.Punctuator
	tts        *pipeline.TTSRouter
	notes      noteSaver
	settings   *settings.Store
	ollama     *models.Ollama
	publisher  *events.Publisher
	traceStore *trace.Store
	speech     *recognizer.Client
	hub        *modelHub
	wsHandler  http.Handler
	log        zerolog.Logger
}

// noteSaver persists a note and returns the file it was written to.
type noteSaver interface {
	Save(ctx context.Context, content string) (string, error)
}

type localNotes struct{ store *notes.Store }

func (n localNotes) Save(_ context.Context, content string) (string, error) {
	return n.store.Save(content)
}

// newApp builds every backend named by cfg. Optional backends that fail to
// initialize are logged and left disabled.
func newApp(ctx context.Context, cfg config, log zerolog.Logger) *app {
	a := &app{
		cfg:      cfg,
		settings: settings.NewStore(cfg.dataDir),
		ollama:   models.NewOllama(cfg.ollamaURL),
		log:      log,
	}
	remoteHTTP := pipeline.NewPooledHTTPClient(cfg.chatPoolSize, 0)

	a.chat = newChatRouter(cfg, remoteHTTP)
	a.punct = pipeline.BasicPunctuator{}
	if cfg.punctuateURL != "" {
		a.punct = pipeline.NewPunctuationClient(cfg.punctuateURL, remoteHTTP)
	}
	a.tts = newTTSRouter(cfg, remoteHTTP)

	a.notes = localNotes{store: notes.NewStore(cfg.notesDir)}
	if cfg.remoteURL != "" {
		a.notes = pipeline.NewRemoteNotes(cfg.remoteURL, remoteHTTP)
	}

	a.publisher = events.New(&events.Config{
		Brokers:    cfg.kafkaBrokers,
		TopicTurns: cfg.kafkaTurns,
		TopicScore: cfg.kafkaScores,
		Enabled:    len(cfg.kafkaBrokers) > 0,
	}, logging.WithComponent("events"))

	if cfg.traceDBURL != "" {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, err := trace.Open(initCtx, cfg.traceDBURL)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("trace store unavailable, tracing disabled")
		} else {
			a.traceStore = store
			log.Info().Msg("tracing enabled")
		}
	}

	if cfg.googleSTT {
		client, err := recognizer.NewClient(ctx, recognizer.Config{
			LanguageCode:   cfg.sttLanguage,
			SampleRateHz:   int32(cfg.sttSampleRate),
			AudioEncoding:  cfg.sttEncoding,
			InterimResults: true,
		}, logging.WithComponent("recognizer"))
		if err != nil {
			log.Warn().Err(err).Msg("google speech unavailable, server-side recognition disabled")
		} else {
			a.speech = client
		}
	}

	a.hub = newModelHub(a.ollama, logging.WithComponent("models"))
	a.wsHandler = ws.NewHandler(ws.HandlerConfig{
		Deps:          a.sessionDeps(),
		Models:        ws.ModelsFrom(settings.Defaults()),
		SystemPrompt:  cfg.systemPrompt,
		Voice:         cfg.ttsVoice,
		ChatTimeout:   cfg.chatTimeout,
		SynthTimeout:  cfg.synthTimeout,
		AudioRate:     cfg.sttSampleRate,
		MaxConcurrent: cfg.maxConcurrent,
		Logger:        logging.WithComponent("ws"),
	})
	return a
}

// sessionDeps adapts the shared backends to a session. Disabled optional
// backends stay nil interfaces.
func (a *app) sessionDeps() examiner.Deps {
	deps := examiner.Deps{
		Chat:       a.chat,
		Punctuator: a.punct,
		Synth:      pipeline.EngineSynthesizer{Router: a.tts, Engine: a.cfg.ttsEngine},
		Settings:   a.settings,
		Publisher:  a.publisher,
	}
	if a.traceStore != nil {
		deps.Trace = a.traceStore
	}
	if a.speech != nil {
		client := a.speech
		deps.Speech = func(ctx context.Context, sink recognizer.Sink, log zerolog.Logger) examiner.AudioRecognizer {
			return client.NewStream(ctx, sink, log)
		}
	}
	return deps
}

func newChatRouter(cfg config, remoteHTTP *http.Client) *pipeline.ChatRouter {
	openaiURL := cfg.openaiBaseURL
	if openaiURL == "" {
		openaiURL = strings.TrimRight(cfg.ollamaURL, "/") + "/v1"
	}
	provider := pipeline.NewOpenAIAgentProvider(openaiURL, cfg.openaiAPIKey)
	backends := map[string]pipeline.ChatBackend{
		"ollama": pipeline.NewOllamaChatClient(cfg.ollamaURL, settings.DefaultConversationModel, cfg.chatMaxTokens, cfg.chatPoolSize),
		"openai": pipeline.NewOpenAIChatClient(openaiURL, cfg.openaiAPIKey, settings.DefaultConversationModel, cfg.chatMaxTokens, cfg.chatPoolSize),
		"agent":  pipeline.NewAgentChatClient(provider, settings.DefaultConversationModel, cfg.chatMaxTokens),
	}
	if cfg.remoteURL != "" {
		backends["remote"] = pipeline.NewRemoteChatClient(cfg.remoteURL, remoteHTTP)
	}
	return pipeline.NewChatRouter(backends, cfg.chatEngine)
}

func newTTSRouter(cfg config, remoteHTTP *http.Client) *pipeline.TTSRouter {
	ttsHTTP := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, cfg.synthTimeout)
	backends := map[string]pipeline.TTSSynthesizer{
		"piper": pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.ttsVoice, ttsHTTP),
	}
	if cfg.kokoroURL != "" {
		backends["kokoro"] = pipeline.NewOpenAISynthesizer(cfg.kokoroURL, "kokoro", "af_heart", ttsHTTP)
	}
	if cfg.melottsURL != "" {
		backends["melotts"] = pipeline.NewMeloSynthesizer(cfg.melottsURL, ttsHTTP)
	}
	if cfg.elevenlabsAPIKey != "" {
		backends["elevenlabs"] = pipeline.NewElevenLabsSynthesizer(cfg.elevenlabsAPIKey, cfg.elevenlabsVoiceID, cfg.elevenlabsModelID, ttsHTTP)
	}
	if cfg.remoteURL != "" {
		backends["remote"] = pipeline.NewRemoteSynthesizer(cfg.remoteURL, remoteHTTP)
	}
	return pipeline.NewTTSRouter(backends, cfg.ttsEngine)
}

// close releases backends in reverse order of creation.
func (a *app) close() {
	if a.speech != nil {
		if err := a.speech.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close speech client")
		}
	}
	if a.traceStore != nil {
		if err := a.traceStore.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close trace store")
		}
	}
	if err := a.publisher.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close event publisher")
	}
}
