// Package script drives the fixed IELTS test structure: the opening line of
// each part, the elapsed-time display and the closing line.
package script

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/bus"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/conversation"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/prompts"
)

// TickInterval is the elapsed-timer resolution.
const TickInterval = time.Second

// Ticker schedules a periodic callback on the session loop.
type Ticker interface {
	Every(d time.Duration, fn func()) bus.Timer
}

// Config configures a Driver.
type Config struct {
	// Pick returns a uniform index in [0, n). Defaults to math/rand/v2.
	Pick func(n int) int
	Now  func() time.Time
	// OnTick receives the formatted elapsed time once per tick.
	OnTick func(elapsed string)
}

// Driver starts and stops tests on a conversation session. Methods must be
// called from the session loop.
type Driver struct {
	cfg    Config
	sess   *conversation.Session
	ticker Ticker
	log    zerolog.Logger

	timer bus.Timer
}

// New creates a Driver for sess.
func New(cfg Config, sess *conversation.Session, ticker Ticker, log zerolog.Logger) *Driver {
	if cfg.Pick == nil {
		cfg.Pick = rand.IntN
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Driver{cfg: cfg, sess: sess, ticker: ticker, log: log}
}

// StartTest resets the session for part, starts the elapsed timer and
// returns the examiner's opening line, already appended as a turn.
func (d *Driver) StartTest(part conversation.Part) string {
	if part < 1 || part > 3 {
		d.log.Warn().Int("part", int(part)).Msg("unknown test part, using part 1")
		part = 1
	}
	d.stopTimer()
	d.sess.Reset(part)

	if d.ticker != nil {
		d.timer = d.ticker.Every(TickInterval, d.tick)
	}
	if d.cfg.OnTick != nil {
		d.cfg.OnTick(FormatElapsed(0))
	}

	opening := Opening(part, d.cfg.Pick)
	d.sess.AppendExaminerTurn(opening)
	d.log.Info().Int("part", int(part)).Msg("test started")
	return opening
}

// StopTest stops the timer, marks the session inactive and returns the
// closing line. The caller decides whether to append and speak it.
func (d *Driver) StopTest() string {
	d.stopTimer()
	d.sess.SetActive(false)
	d.log.Info().Dur("elapsed", d.Elapsed()).Msg("test stopped")
	return prompts.Conclusion
}

// Elapsed returns the time since the current test started.
func (d *Driver) Elapsed() time.Duration {
	start := d.sess.StartedAt()
	if start.IsZero() {
		return 0
	}
	return d.cfg.Now().Sub(start)
}

// Running reports whether the elapsed timer is armed.
func (d *Driver) Running() bool { return d.timer != nil }

func (d *Driver) tick() {
	if d.cfg.OnTick != nil && d.sess.Active() {
		d.cfg.OnTick(FormatElapsed(d.Elapsed()))
	}
}

func (d *Driver) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Opening returns the first examiner line for part. pick selects a topic.
func Opening(part conversation.Part, pick func(n int) int) string {
	switch part {
	case 2:
		return prompts.Part2Intro + " " + prompts.Part2Topics[pick(len(prompts.Part2Topics))]
	case 3:
		group := prompts.Part3Groups[pick(len(prompts.Part3Groups))]
		return prompts.Part3Intro + " " + group.Questions[0]
	default:
		return prompts.Part1Intro
	}
}

// FormatElapsed renders d as MM:SS.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
