package trace

import "time"

// Session represents one examiner WebSocket connection.
type Session struct {
	ID            string     `json:"id"`
	Metadata      string     `json:"metadata"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ExchangeCount int        `json:"exchange_count,omitempty"`
}

// Exchange kinds.
const (
	KindTurn    = "turn"
	KindScoring = "scoring"
)

// Exchange statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Exchange is one user turn (or scoring request) and the examiner reply.
type Exchange struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Part           int       `json:"part"`
	Kind           string    `json:"kind"`
	StartedAt      time.Time `json:"started_at"`
	DurationMs     float64   `json:"duration_ms,omitempty"`
	Transcript     string    `json:"transcript,omitempty"`
	Reply          string    `json:"reply,omitempty"`
	Status         string    `json:"status"`
	WordCount      int       `json:"word_count,omitempty"`
	WordsPerMinute int       `json:"words_per_minute,omitempty"`
	Hesitations    int       `json:"hesitations,omitempty"`
	SpanCount      int       `json:"span_count,omitempty"`
}

// Span is one stage of an exchange: punctuate, chat or tts.
type Span struct {
	ID         string    `json:"id"`
	ExchangeID string    `json:"exchange_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
