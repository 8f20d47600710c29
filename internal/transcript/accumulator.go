// Package transcript turns the host recognizer's incremental results into one
// finished user utterance per recording attempt.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/bus"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

// ErrorNoSpeech is the host error kind reported when a recognition session
// heard nothing.
const ErrorNoSpeech = "no-speech"

var (
	// ErrCaptureUnavailable is returned by Start when the host cannot capture speech.
	ErrCaptureUnavailable = errors.New("speech capture unavailable")
	// ErrBusy is returned by Start while a previous attempt is still running.
	ErrBusy = errors.New("recording attempt already in progress")
)

// State is the accumulator's position in a recording attempt.
type State int

const (
	StateIdle State = iota
	StateListening
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFinalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// Recognizer is the host's speech capture capability. Only one recognition
// session is active at a time.
type Recognizer interface {
	Available() bool
	Start() error
	Stop() error
}

// Buffer is the state of the current recording attempt.
type Buffer struct {
	RawText        string
	TurnStartedAt  time.Time
	LastSpeechAt   time.Time
	SpeechDetected bool
	PauseCount     int
}

// Transcript is the finished utterance handed to the finalizer.
type Transcript struct {
	Attempt    int
	Text       string
	StartedAt  time.Time
	PauseCount int
}

// Observer receives the accumulator's outputs.
type Observer interface {
	// Listening is called once host capture has started for an attempt.
	Listening(attempt int)
	// Interim carries the text recognized so far.
	Interim(text string)
	// Handoff delivers the finished utterance. Called at most once per attempt.
	Handoff(t Transcript)
	// Ended reports an attempt that stopped without any usable speech.
	Ended(attempt int)
	// Aborted reports a capture error that discarded the attempt.
	Aborted(kind string)
}

// Config holds timing thresholds.
type Config struct {
	PauseThreshold time.Duration
	SilenceTimeout time.Duration
	RestartDelay   time.Duration
	Now            func() time.Time
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		PauseThreshold: 1500 * time.Millisecond,
		SilenceTimeout: 60 * time.Second,
		RestartDelay:   300 * time.Millisecond,
		Now:            time.Now,
	}
}

// Accumulator is the recording-attempt state machine. It is not safe for
// concurrent use: every method, and every callback scheduled through its
// Scheduler, must run on the session loop.
type Accumulator struct {
	cfg   Config
	rec   Recognizer
	sched bus.Scheduler
	obs   Observer
	log   zerolog.Logger

	state   State
	attempt int
	buf     Buffer

	// committed holds text from finished host sessions within this attempt;
	// hypothesis is the cumulative text of the running host session.
	committed  string
	hypothesis string

	manualStop     bool
	sent           bool
	restartPending bool

	silence bus.Timer
	restart bus.Timer
}

// New creates an accumulator in the idle state.
func New(cfg Config, rec Recognizer, sched bus.Scheduler, obs Observer, log zerolog.Logger) *Accumulator {
	def := DefaultConfig()
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = def.PauseThreshold
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Accumulator{cfg: cfg, rec: rec, sched: sched, obs: obs, log: log}
}

// State returns the current state.
func (a *Accumulator) State() State { return a.state }

// Attempt returns the id of the current or most recent attempt.
func (a *Accumulator) Attempt() int { return a.attempt }

// Buffer returns a snapshot of the current attempt's buffer.
func (a *Accumulator) Buffer() Buffer {
	b := a.buf
	b.RawText = a.text()
	return b
}

// Start begins a new recording attempt.
func (a *Accumulator) Start() error {
	if a.state != StateIdle {
		return ErrBusy
	}
	if !a.rec.Available() {
		a.log.Warn().Msg("speech recognition not available on host")
		return ErrCaptureUnavailable
	}

	now := a.cfg.Now()
	a.attempt++
	a.buf = Buffer{TurnStartedAt: now, LastSpeechAt: now}
	a.committed, a.hypothesis = "", ""
	a.manualStop, a.sent, a.restartPending = false, false, false

	if err := a.rec.Start(); err != nil {
		return fmt.Errorf("start recognition: %w", err)
	}
	a.state = StateListening
	a.log.Debug().Int("attempt", a.attempt).Msg("recording started")
	a.obs.Listening(a.attempt)
	return nil
}

// OnPartialResult replaces the running hypothesis with the host's cumulative
// text. A final result is committed to the attempt's accumulated text.
func (a *Accumulator) OnPartialResult(text string, final bool) {
	if a.state != StateListening {
		return
	}
	a.hypothesis = strings.TrimSpace(text)
	if final {
		a.commit()
	}
	a.obs.Interim(a.text())
}

// OnSpeechActivity records speech at ts, counts hesitation pauses and
// re-arms the silence timer.
func (a *Accumulator) OnSpeechActivity(ts time.Time) {
	if a.state != StateListening {
		return
	}
	if !a.buf.SpeechDetected {
		a.buf.SpeechDetected = true
	} else if ts.Sub(a.buf.LastSpeechAt) > a.cfg.PauseThreshold {
		a.buf.PauseCount++
	}
	a.buf.LastSpeechAt = ts
	a.armSilence(a.cfg.SilenceTimeout)
}

// Stop ends listening. A manual stop finalizes the attempt immediately and is
// never followed by a restart. A non-manual stop is the host ending its
// recognition session on its own; capture is restarted after RestartDelay
// unless the attempt is stopped or sent in the meantime.
func (a *Accumulator) Stop(manual bool) {
	if a.state != StateListening {
		return
	}
	if manual {
		a.manualStop = true
		a.cancelTimers()
		a.stopHost()
		a.finalize()
		return
	}
	if a.manualStop || a.sent {
		return
	}
	a.scheduleRestart()
}

// OnHostEnd handles the host's end-of-recognition callback.
func (a *Accumulator) OnHostEnd() { a.Stop(false) }

// OnError handles a host capture error of the given kind.
func (a *Accumulator) OnError(kind string) {
	if a.state != StateListening {
		return
	}
	if kind == ErrorNoSpeech && a.text() != "" && !a.manualStop {
		a.log.Debug().Int("attempt", a.attempt).Msg("no-speech with pending text, restarting")
		a.scheduleRestart()
		return
	}
	a.abort(kind)
}

// Complete returns a finalizing attempt to idle once its transcript has been
// consumed.
func (a *Accumulator) Complete(attempt int) {
	if attempt != a.attempt || a.state != StateFinalizing {
		return
	}
	a.state = StateIdle
}

// Reset cancels everything in progress and returns to idle without a handoff.
func (a *Accumulator) Reset() {
	if a.state == StateListening {
		a.stopHost()
	}
	a.cancelTimers()
	a.attempt++
	a.buf = Buffer{}
	a.committed, a.hypothesis = "", ""
	a.manualStop, a.sent, a.restartPending = false, false, false
	a.state = StateIdle
}

func (a *Accumulator) text() string {
	switch {
	case a.committed == "":
		return a.hypothesis
	case a.hypothesis == "":
		return a.committed
	default:
		return a.committed + " " + a.hypothesis
	}
}

func (a *Accumulator) commit() {
	a.committed = a.text()
	a.hypothesis = ""
}

func (a *Accumulator) armSilence(d time.Duration) {
	if a.silence != nil {
		a.silence.Stop()
	}
	attempt := a.attempt
	a.silence = a.sched.AfterFunc(d, func() { a.onSilence(attempt) })
}

func (a *Accumulator) onSilence(attempt int) {
	if attempt != a.attempt || a.state != StateListening {
		return
	}
	a.silence = nil
	if !a.buf.SpeechDetected || a.sent {
		return
	}
	a.log.Info().Int("attempt", a.attempt).Dur("timeout", a.cfg.SilenceTimeout).Msg("silence timeout, finalizing")
	a.manualStop = true
	a.cancelTimers()
	a.stopHost()
	a.finalize()
}

func (a *Accumulator) scheduleRestart() {
	if a.restartPending {
		return
	}
	a.commit()
	a.restartPending = true
	if a.silence != nil {
		a.silence.Stop()
		a.silence = nil
	}
	attempt := a.attempt
	a.restart = a.sched.AfterFunc(a.cfg.RestartDelay, func() { a.onRestart(attempt) })
}

func (a *Accumulator) onRestart(attempt int) {
	if attempt != a.attempt || a.state != StateListening {
		return
	}
	a.restart = nil
	a.restartPending = false
	if a.manualStop || a.sent {
		return
	}
	if err := a.rec.Start(); err != nil {
		a.log.Warn().Err(err).Int("attempt", a.attempt).Msg("recognition restart failed, finalizing")
		a.manualStop = true
		a.finalize()
		return
	}
	metrics.RecognizerRestarts.Inc()
	if a.buf.SpeechDetected {
		remaining := a.cfg.SilenceTimeout - a.cfg.Now().Sub(a.buf.LastSpeechAt)
		if remaining < 0 {
			remaining = 0
		}
		a.armSilence(remaining)
	}
}

func (a *Accumulator) finalize() {
	if a.sent {
		return
	}
	a.cancelTimers()
	text := a.text()
	if !a.buf.SpeechDetected || text == "" {
		a.state = StateIdle
		metrics.RecordingAttempts.WithLabelValues("empty").Inc()
		a.obs.Ended(a.attempt)
		return
	}
	a.sent = true
	a.state = StateFinalizing
	metrics.RecordingAttempts.WithLabelValues("finalized").Inc()
	a.obs.Handoff(Transcript{
		Attempt:    a.attempt,
		Text:       text,
		StartedAt:  a.buf.TurnStartedAt,
		PauseCount: a.buf.PauseCount,
	})
}

func (a *Accumulator) abort(kind string) {
	a.log.Warn().Str("kind", kind).Int("attempt", a.attempt).Msg("recognition error, discarding attempt")
	a.cancelTimers()
	a.stopHost()
	a.sent = true
	a.buf = Buffer{}
	a.committed, a.hypothesis = "", ""
	a.state = StateIdle
	metrics.RecordingAttempts.WithLabelValues("aborted").Inc()
	a.obs.Aborted(kind)
}

func (a *Accumulator) cancelTimers() {
	if a.silence != nil {
		a.silence.Stop()
		a.silence = nil
	}
	if a.restart != nil {
		a.restart.Stop()
		a.restart = nil
	}
	a.restartPending = false
}

func (a *Accumulator) stopHost() {
	if err := a.rec.Stop(); err != nil {
		a.log.Debug().Err(err).Msg("stop recognition")
	}
}
