package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

const elevenLabsAPIURL = "https://api.elevenlabs.io/v1/text-to-speech"

// TTSOptions holds per-call TTS tuning parameters.
type TTSOptions struct {
	Speed float64
	Voice string
}

// TTSSynthesizer produces audio from text.
type TTSSynthesizer interface {
	SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error)
}

// TTSResult is one synthesized examiner turn and the engine that rendered it.
type TTSResult struct {
	Audio   []byte
	Engine  string
	Latency time.Duration
}

// TTSRouter dispatches to the backend named by engine, falling back to the
// default engine for unknown names.
type TTSRouter struct {
	engineSet[TTSSynthesizer]
}

// NewTTSRouter creates a router over backends with def as the default engine.
func NewTTSRouter(backends map[string]TTSSynthesizer, def string) *TTSRouter {
	return &TTSRouter{engineSet: newEngineSet("tts", backends, def)}
}

// Synthesize renders text with the engine's backend. Empty audio is an error.
func (r *TTSRouter) Synthesize(ctx context.Context, text, engine string, opts TTSOptions) (*TTSResult, error) {
	served, backend, err := r.Resolve(engine)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	audio, err := backend.SynthesizeAudio(ctx, text, opts)
	switch {
	case err != nil:
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		return nil, err
	case len(audio) == 0:
		metrics.Errors.WithLabelValues("tts", "empty").Inc()
		return nil, fmt.Errorf("tts engine %q returned no audio", served)
	}
	res := &TTSResult{Audio: audio, Engine: served, Latency: time.Since(start)}
	metrics.StageDuration.WithLabelValues("tts").Observe(res.Latency.Seconds())
	return res, nil
}

// EngineSynthesizer binds a TTSRouter to one engine so it can serve as a
// session's speech synthesizer.
type EngineSynthesizer struct {
	Router *TTSRouter
	Engine string
}

// Synthesize renders an examiner turn in the given voice.
func (e EngineSynthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	res, err := e.Router.Synthesize(ctx, text, e.Engine, TTSOptions{Voice: voice})
	if err != nil {
		return nil, err
	}
	return res.Audio, nil
}

// voiceServer is an HTTP synthesis backend that takes a JSON body and
// answers with raw audio.
type voiceServer struct {
	url     string
	header  http.Header
	payload func(text string, opts TTSOptions) any
	client  *http.Client
}

func (v *voiceServer) SynthesizeAudio(ctx context.Context, text string, opts TTSOptions) ([]byte, error) {
	body, err := json.Marshal(v.payload(text, opts))
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tts request: %w", err)
	}
	req.Header = v.header.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("tts status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return io.ReadAll(resp.Body)
}

func pickVoice(configured string, opts TTSOptions) string {
	if opts.Voice != "" {
		return opts.Voice
	}
	return configured
}

// NewPiperSynthesizer returns a backend for a piper HTTP server (WAV output).
func NewPiperSynthesizer(url, voice string, client *http.Client) TTSSynthesizer {
	return &voiceServer{
		url:    url + "/synthesize",
		header: http.Header{},
		client: client,
		payload: func(text string, opts TTSOptions) any {
			return map[string]string{"text": text, "voice": pickVoice(voice, opts)}
		},
	}
}

// NewOpenAISynthesizer returns a backend for a server exposing the OpenAI
// /v1/audio/speech API, such as Kokoro.
func NewOpenAISynthesizer(url, model, voice string, client *http.Client) TTSSynthesizer {
	return &voiceServer{
		url:    url + "/v1/audio/speech",
		header: http.Header{},
		client: client,
		payload: func(text string, opts TTSOptions) any {
			return struct {
				Input          string  `json:"input"`
				Model          string  `json:"model"`
				Voice          string  `json:"voice"`
				Speed          float64 `json:"speed,omitempty"`
				ResponseFormat string  `json:"response_format"`
			}{text, model, pickVoice(voice, opts), opts.Speed, "wav"}
		},
	}
}

// NewMeloSynthesizer returns a backend for a MeloTTS server. The voice is
// fixed to the default English speaker.
func NewMeloSynthesizer(url string, client *http.Client) TTSSynthesizer {
	return &voiceServer{
		url:    url + "/convert/tts",
		header: http.Header{},
		client: client,
		payload: func(text string, opts TTSOptions) any {
			speed := opts.Speed
			if speed <= 0 {
				speed = 1
			}
			return struct {
				Text      string  `json:"text"`
				Speed     float64 `json:"speed"`
				Language  string  `json:"language"`
				SpeakerID string  `json:"speaker_id"`
			}{text, speed, "EN", "EN-Default"}
		},
	}
}

// NewElevenLabsSynthesizer returns a backend for the ElevenLabs cloud API
// (MP3 output).
func NewElevenLabsSynthesizer(apiKey, voiceID, modelID string, client *http.Client) TTSSynthesizer {
	header := http.Header{}
	header.Set("xi-api-key", apiKey)
	header.Set("Accept", "audio/mpeg")
	return &voiceServer{
		url:    elevenLabsAPIURL + "/" + voiceID,
		header: header,
		client: client,
		payload: func(text string, _ TTSOptions) any {
			return map[string]any{
				"text":     text,
				"model_id": modelID,
				"voice_settings": map[string]float64{
					"stability":        0.5,
					"similarity_boost": 0.75,
				},
			}
		},
	}
}
