package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/prompts"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
)

type config struct {
	port          string
	staticDir     string
	dataDir       string
	notesDir      string
	maxConcurrent int

	ollamaURL     string
	chatEngine    string
	chatMaxTokens int
	chatPoolSize  int
	chatTimeout   time.Duration
	systemPrompt  string
	openaiBaseURL string
	openaiAPIKey  string
	remoteURL     string
	punctuateURL  string

	ttsEngine         string
	ttsVoice          string
	ttsPoolSize       int
	synthTimeout      time.Duration
	piperURL          string
	kokoroURL         string
	melottsURL        string
	elevenlabsAPIKey  string
	elevenlabsVoiceID string
	elevenlabsModelID string

	googleSTT     bool
	sttLanguage   string
	sttSampleRate int
	sttEncoding   string
	kafkaBrokers  []string
	kafkaTurns    string
	kafkaScores   string
	traceDBURL    string
	sentryDSN     string
	sentryEnv     string
	logLevel      string
	logFormat     string
}

// setDefaults registers every key with its default. Keys map to upper-case
// environment variables, so "ollama_url" is read from OLLAMA_URL.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "5000")
	v.SetDefault("static_dir", "static")
	v.SetDefault("data_dir", ".")
	v.SetDefault("notes_dir", "notices")
	v.SetDefault("max_concurrent", 100)

	v.SetDefault("ollama_url", settings.DefaultOllamaEndpoint)
	v.SetDefault("chat_engine", "ollama")
	v.SetDefault("chat_max_tokens", 8192)
	v.SetDefault("chat_pool_size", 50)
	v.SetDefault("chat_timeout", 120*time.Second)
	v.SetDefault("system_prompt", prompts.System)
	v.SetDefault("openai_base_url", "")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("backend_url", "")
	v.SetDefault("punctuate_url", "")

	v.SetDefault("tts_engine", "piper")
	v.SetDefault("tts_voice", "en_US-lessac-medium")
	v.SetDefault("tts_pool_size", 50)
	v.SetDefault("synth_timeout", 30*time.Second)
	v.SetDefault("piper_url", "http://localhost:5100")
	v.SetDefault("kokoro_url", "")
	v.SetDefault("melotts_url", "")
	v.SetDefault("elevenlabs_api_key", "")
	v.SetDefault("elevenlabs_voice_id", "21m00Tcm4TlvDq8ikWAM")
	v.SetDefault("elevenlabs_model_id", "eleven_turbo_v2_5")

	v.SetDefault("google_stt", false)
	v.SetDefault("stt_language", "en-US")
	v.SetDefault("stt_sample_rate", 16000)
	v.SetDefault("stt_encoding", "LINEAR16")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic_turns", "examiner.turns")
	v.SetDefault("kafka_topic_scores", "examiner.scores")
	v.SetDefault("trace_database_url", "")
	v.SetDefault("sentry_dsn", "")
	v.SetDefault("sentry_environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// initViper layers defaults, an optional YAML file and the environment.
func initViper(v *viper.Viper, file string) error {
	setDefaults(v)
	v.AutomaticEnv()
	if file == "" {
		return nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", file, err)
	}
	return nil
}

func loadConfig(v *viper.Viper) config {
	return config{
		port:          v.GetString("port"),
		staticDir:     v.GetString("static_dir"),
		dataDir:       v.GetString("data_dir"),
		notesDir:      v.GetString("notes_dir"),
		maxConcurrent: v.GetInt("max_concurrent"),

		ollamaURL:     v.GetString("ollama_url"),
		chatEngine:    v.GetString("chat_engine"),
		chatMaxTokens: v.GetInt("chat_max_tokens"),
		chatPoolSize:  v.GetInt("chat_pool_size"),
		chatTimeout:   v.GetDuration("chat_timeout"),
		systemPrompt:  v.GetString("system_prompt"),
		openaiBaseURL: v.GetString("openai_base_url"),
		openaiAPIKey:  v.GetString("openai_api_key"),
		remoteURL:     v.GetString("backend_url"),
		punctuateURL:  v.GetString("punctuate_url"),

		ttsEngine:         v.GetString("tts_engine"),
		ttsVoice:          v.GetString("tts_voice"),
		ttsPoolSize:       v.GetInt("tts_pool_size"),
		synthTimeout:      v.GetDuration("synth_timeout"),
		piperURL:          v.GetString("piper_url"),
		kokoroURL:         v.GetString("kokoro_url"),
		melottsURL:        v.GetString("melotts_url"),
		elevenlabsAPIKey:  v.GetString("elevenlabs_api_key"),
		elevenlabsVoiceID: v.GetString("elevenlabs_voice_id"),
		elevenlabsModelID: v.GetString("elevenlabs_model_id"),

		googleSTT:     v.GetBool("google_stt"),
		sttLanguage:   v.GetString("stt_language"),
		sttSampleRate: v.GetInt("stt_sample_rate"),
		sttEncoding:   v.GetString("stt_encoding"),
		kafkaBrokers:  splitList(v.GetString("kafka_brokers")),
		kafkaTurns:    v.GetString("kafka_topic_turns"),
		kafkaScores:   v.GetString("kafka_topic_scores"),
		traceDBURL:    v.GetString("trace_database_url"),
		sentryDSN:     v.GetString("sentry_dsn"),
		sentryEnv:     v.GetString("sentry_environment"),
		logLevel:      v.GetString("log_level"),
		logFormat:     v.GetString("log_format"),
	}
}

// splitList parses a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
