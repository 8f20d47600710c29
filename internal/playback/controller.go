// Package playback speaks examiner replies through the host's audio output,
// one utterance at a time.
package playback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
)

// DefaultTimeout bounds one synthesis call.
const DefaultTimeout = 30 * time.Second

var (
	// ErrNoLocalSynthesis is reported when synthesis failed and the host has no
	// built-in synthesizer to fall back to.
	ErrNoLocalSynthesis = errors.New("local speech synthesis unavailable")
	// ErrEmptyAudio is returned for a synthesis result with no payload.
	ErrEmptyAudio = errors.New("synthesizer returned no audio")
	errNoSynthesizer = errors.New("no synthesizer configured")
)

// Status is the controller's playback state.
type Status int

const (
	StatusIdle Status = iota
	StatusGenerating
	StatusPlaying
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusGenerating:
		return "generating"
	case StatusPlaying:
		return "playing"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Synthesizer converts text into an audio payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Player is the host's audio output. Handles are identified by id; the host
// reports start, end and errors back to the controller.
type Player interface {
	Play(id int64, audio []byte) error
	SpeakLocal(id int64, text string) error
	Halt(id int64)
	LocalAvailable() bool
}

// Poster delivers a closure to the session loop.
type Poster interface {
	Post(fn func()) bool
}

// Observer is notified of playback transitions on the session loop.
type Observer interface {
	Generating(id int64)
	Playing(id int64, local bool)
	Finished(id int64)
	Stopped(id int64)
	Failed(id int64, err error)
}

// Config configures a Controller.
type Config struct {
	Voice   string
	Timeout time.Duration
}

type handle struct {
	id     int64
	text   string
	local  bool
	cancel context.CancelFunc
}

// Controller owns the single active audio handle. Methods must be called
// from the session loop.
type Controller struct {
	cfg    Config
	synth  Synthesizer
	player Player
	post   Poster
	obs    Observer
	log    zerolog.Logger
	ctx    context.Context

	status Status
	active *handle
	seq    int64
}

// New creates an idle controller. ctx bounds every synthesis call.
func New(ctx context.Context, cfg Config, synth Synthesizer, player Player, post Poster, obs Observer, log zerolog.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Controller{cfg: cfg, synth: synth, player: player, post: post, obs: obs, log: log, ctx: ctx}
}

// Status returns the current playback state.
func (c *Controller) Status() Status { return c.status }

// Active reports whether a handle is generating or playing.
func (c *Controller) Active() bool { return c.active != nil }

// Current returns the active handle id, or 0.
func (c *Controller) Current() int64 {
	if c.active == nil {
		return 0
	}
	return c.active.id
}

// Speak halts any current playback and starts speaking text.
func (c *Controller) Speak(text string) int64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	c.release()

	c.seq++
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	h := &handle{id: c.seq, text: text, cancel: cancel}
	c.active = h
	c.status = StatusGenerating
	c.obs.Generating(h.id)

	if c.synth == nil {
		cancel()
		c.fallback(h, errNoSynthesizer)
		return h.id
	}

	voice := c.cfg.Voice
	go func() {
		defer cancel()
		start := time.Now()
		audio, err := c.synth.Synthesize(ctx, text, voice)
		metrics.StageDuration.WithLabelValues("speak").Observe(time.Since(start).Seconds())
		c.post.Post(func() { c.synthesized(h.id, audio, err) })
	}()
	return h.id
}

// Stop halts and releases the active handle. No-op when idle.
func (c *Controller) Stop() {
	if c.active == nil {
		return
	}
	id := c.active.id
	c.release()
	c.status = StatusIdle
	c.obs.Stopped(id)
}

// PlaybackStarted is reported by the host when audio for id starts.
func (c *Controller) PlaybackStarted(id int64) {
	h := c.current(id)
	if h == nil {
		return
	}
	c.status = StatusPlaying
	c.obs.Playing(id, h.local)
}

// PlaybackEnded is reported by the host when audio for id completes.
func (c *Controller) PlaybackEnded(id int64) {
	if c.current(id) == nil {
		return
	}
	c.active = nil
	c.status = StatusIdle
	c.obs.Finished(id)
}

// PlaybackError is reported by the host when audio for id cannot play.
func (c *Controller) PlaybackError(id int64, cause error) {
	h := c.current(id)
	if h == nil {
		return
	}
	if h.local {
		c.fail(h, cause)
		return
	}
	c.fallback(h, cause)
}

func (c *Controller) synthesized(id int64, audio []byte, err error) {
	h := c.current(id)
	if h == nil {
		return
	}
	if err == nil && len(audio) == 0 {
		err = ErrEmptyAudio
	}
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "synth").Inc()
		c.fallback(h, err)
		return
	}
	if err = c.player.Play(id, audio); err != nil {
		c.fallback(h, err)
	}
}

func (c *Controller) fallback(h *handle, cause error) {
	c.log.Warn().Err(cause).Int64("handle", h.id).Msg("speech synthesis failed, trying local synthesis")
	if !c.player.LocalAvailable() {
		c.fail(h, fmt.Errorf("%w: %v", ErrNoLocalSynthesis, cause))
		return
	}
	h.local = true
	if err := c.player.SpeakLocal(h.id, h.text); err != nil {
		c.fail(h, err)
		return
	}
	metrics.PlaybackFallbacks.Inc()
}

func (c *Controller) fail(h *handle, err error) {
	metrics.Errors.WithLabelValues("playback", "failed").Inc()
	c.log.Error().Err(err).Int64("handle", h.id).Msg("playback failed")
	h.cancel()
	c.active = nil
	c.status = StatusError
	c.obs.Failed(h.id, err)
}

func (c *Controller) current(id int64) *handle {
	if c.active == nil || c.active.id != id {
		return nil
	}
	return c.active
}

func (c *Controller) release() {
	h := c.active
	if h == nil {
		return
	}
	h.cancel()
	c.player.Halt(h.id)
	c.active = nil
}
