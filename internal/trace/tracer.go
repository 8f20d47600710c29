package trace

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxIOLen     = 500
	writeTimeout = 5 * time.Second
)

// Writer is the subset of Store the tracer writes through.
type Writer interface {
	CreateSession(ctx context.Context, id, metadata string) error
	EndSession(ctx context.Context, id string) error
	CreateExchange(ctx context.Context, ex Exchange) error
	FinishExchange(ctx context.Context, ex Exchange) error
	CreateSpan(ctx context.Context, sp Span) error
}

type traceMsg struct {
	kind     string // "session_create", "session_end", "exchange_create", "exchange_finish", "span"
	metadata string
	exchange Exchange
	span     Span
}

// Tracer writes one session's trace data asynchronously via a buffered
// channel. Calls never block the caller; when the buffer is full the record
// is dropped. All methods are nil-safe.
type Tracer struct {
	w         Writer
	sessionID string
	ch        chan traceMsg
	done      chan struct{}
	log       zerolog.Logger
}

// NewTracer records the session start and returns a tracer bound to it.
// Must call Close when done.
func NewTracer(w Writer, sessionID, metadata string, log zerolog.Logger) *Tracer {
	t := &Tracer{
		w:         w,
		sessionID: sessionID,
		ch:        make(chan traceMsg, 64),
		done:      make(chan struct{}),
		log:       log,
	}
	go t.drain()
	t.send(traceMsg{kind: "session_create", metadata: metadata})
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	handlers := map[string]func() error{
		"session_create":  func() error { return t.w.CreateSession(ctx, t.sessionID, m.metadata) },
		"session_end":     func() error { return t.w.EndSession(ctx, t.sessionID) },
		"exchange_create": func() error { return t.w.CreateExchange(ctx, m.exchange) },
		"exchange_finish": func() error { return t.w.FinishExchange(ctx, m.exchange) },
		"span":            func() error { return t.w.CreateSpan(ctx, m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		t.log.Warn().Err(err).Str("kind", m.kind).Msg("trace write failed")
	}
}

func (t *Tracer) send(m traceMsg) {
	select {
	case t.ch <- m:
	default:
		t.log.Warn().Str("kind", m.kind).Msg("trace buffer full, dropping record")
	}
}

// StartExchange begins a new exchange and returns its ID.
func (t *Tracer) StartExchange(part int, kind, transcript string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.send(traceMsg{kind: "exchange_create", exchange: Exchange{
		ID:         id,
		SessionID:  t.sessionID,
		Part:       part,
		Kind:       kind,
		StartedAt:  time.Now(),
		Transcript: truncate(transcript, maxIOLen),
	}})
	return id
}

// FinishExchange records the outcome of exchange ex.ID.
func (t *Tracer) FinishExchange(ex Exchange) {
	if t == nil || ex.ID == "" {
		return
	}
	ex.Reply = truncate(ex.Reply, maxIOLen)
	t.send(traceMsg{kind: "exchange_finish", exchange: ex})
}

// RecordSpan records a completed stage of an exchange.
func (t *Tracer) RecordSpan(exchangeID, name string, startedAt time.Time, input, output string, err error) {
	if t == nil || exchangeID == "" {
		return
	}
	sp := Span{
		ID:         uuid.NewString(),
		ExchangeID: exchangeID,
		Name:       name,
		StartedAt:  startedAt,
		DurationMs: float64(time.Since(startedAt).Milliseconds()),
		Input:      truncate(input, maxIOLen),
		Output:     truncate(output, maxIOLen),
		Status:     StatusOK,
	}
	if err != nil {
		sp.Status = StatusError
		sp.Error = err.Error()
	}
	t.send(traceMsg{kind: "span", span: sp})
}

// Close records the session end, drains pending writes and stops the
// background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: "session_end"})
	close(t.ch)
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
