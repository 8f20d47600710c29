package transcript

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/bus"
)

type fakeRecognizer struct {
	available bool
	startErr  error
	starts    int
	stops     int
}

func (f *fakeRecognizer) Available() bool { return f.available }

func (f *fakeRecognizer) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}

func (f *fakeRecognizer) Stop() error {
	f.stops++
	return nil
}

type recorder struct {
	listening []int
	interim   []string
	handoffs  []Transcript
	ended     []int
	aborted   []string
}

func (r *recorder) Listening(attempt int) { r.listening = append(r.listening, attempt) }
func (r *recorder) Interim(text string)   { r.interim = append(r.interim, text) }
func (r *recorder) Handoff(t Transcript)  { r.handoffs = append(r.handoffs, t) }
func (r *recorder) Ended(attempt int)     { r.ended = append(r.ended, attempt) }
func (r *recorder) Aborted(kind string)   { r.aborted = append(r.aborted, kind) }

type harness struct {
	acc   *Accumulator
	rec   *fakeRecognizer
	obs   *recorder
	clock *bus.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := bus.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := &fakeRecognizer{available: true}
	obs := &recorder{}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	return &harness{
		acc:   New(cfg, rec, clock, obs, zerolog.Nop()),
		rec:   rec,
		obs:   obs,
		clock: clock,
	}
}

// speak delivers a cumulative hypothesis the way the engine does: activity first.
func (h *harness) speak(text string) {
	h.acc.OnSpeechActivity(h.clock.Now())
	h.acc.OnPartialResult(text, false)
}

func TestStartWithoutCapture(t *testing.T) {
	h := newHarness(t)
	h.rec.available = false

	err := h.acc.Start()

	require.ErrorIs(t, err, ErrCaptureUnavailable)
	assert.Equal(t, StateIdle, h.acc.State())
	assert.Zero(t, h.rec.starts)
	assert.Empty(t, h.obs.listening)
}

func TestStartHostFailureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.rec.startErr = errors.New("not-allowed")

	err := h.acc.Start()

	require.Error(t, err)
	assert.Equal(t, StateIdle, h.acc.State())
}

func TestManualStopHandsOffLastHypothesis(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	assert.Equal(t, StateListening, h.acc.State())

	h.speak("i")
	h.speak("i think")
	h.speak("i think that")
	h.acc.Stop(true)

	require.Len(t, h.obs.handoffs, 1)
	assert.Equal(t, "i think that", h.obs.handoffs[0].Text)
	assert.Equal(t, 1, h.obs.handoffs[0].Attempt)
	assert.Equal(t, StateFinalizing, h.acc.State())
	assert.Equal(t, 1, h.rec.stops)
	assert.Equal(t, []string{"i", "i think", "i think that"}, h.obs.interim)
}

func TestSilenceTimeoutAndHostEndHandOffOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("my hometown is small")

	h.clock.Advance(60 * time.Second)
	h.acc.OnHostEnd()
	h.clock.Advance(time.Second)
	h.acc.Stop(true)

	require.Len(t, h.obs.handoffs, 1)
	assert.Equal(t, "my hometown is small", h.obs.handoffs[0].Text)
	assert.Equal(t, 1, h.rec.starts)
}

func TestSilenceTimerRestartsOnActivity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("first")

	h.clock.Advance(50 * time.Second)
	h.speak("first second")
	h.clock.Advance(50 * time.Second)
	assert.Empty(t, h.obs.handoffs)

	h.clock.Advance(10 * time.Second)
	require.Len(t, h.obs.handoffs, 1)
	assert.Equal(t, "first second", h.obs.handoffs[0].Text)
}

func TestPauseCounting(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())

	h.clock.Advance(3 * time.Second)
	h.speak("so")
	h.clock.Advance(time.Second)
	h.speak("so i")
	h.clock.Advance(2 * time.Second)
	h.speak("so i went")
	h.clock.Advance(1500 * time.Millisecond)
	h.speak("so i went home")

	assert.Equal(t, 1, h.acc.Buffer().PauseCount)
	assert.True(t, h.acc.Buffer().SpeechDetected)
}

func TestHostEndRestartsAndAccumulates(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("hello there")

	h.acc.OnHostEnd()
	h.acc.OnHostEnd()
	assert.Equal(t, 1, h.rec.starts)

	h.clock.Advance(300 * time.Millisecond)
	assert.Equal(t, 2, h.rec.starts)
	assert.Equal(t, StateListening, h.acc.State())

	h.speak("how are")
	h.speak("how are you")
	h.acc.Stop(true)

	require.Len(t, h.obs.handoffs, 1)
	assert.Equal(t, "hello there how are you", h.obs.handoffs[0].Text)
}

func TestManualStopCancelsPendingRestart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("one two")

	h.acc.OnHostEnd()
	h.clock.Advance(100 * time.Millisecond)
	h.acc.Stop(true)
	h.clock.Advance(time.Second)

	assert.Equal(t, 1, h.rec.starts)
	assert.Len(t, h.obs.handoffs, 1)
	assert.Zero(t, h.clock.Pending())
}

func TestRestartRearmsRemainingSilence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("still talking")

	h.clock.Advance(40 * time.Second)
	h.acc.OnHostEnd()
	h.clock.Advance(300 * time.Millisecond)
	require.Equal(t, 2, h.rec.starts)

	h.clock.Advance(19 * time.Second)
	assert.Empty(t, h.obs.handoffs)
	h.clock.Advance(time.Second)
	require.Len(t, h.obs.handoffs, 1)
}

func TestRestartFailureFinalizesCollectedText(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("keep this")

	h.acc.OnHostEnd()
	h.rec.startErr = errors.New("audio-capture")
	h.clock.Advance(300 * time.Millisecond)

	require.Len(t, h.obs.handoffs, 1)
	assert.Equal(t, "keep this", h.obs.handoffs[0].Text)
}

func TestFinalResultCommits(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())

	h.acc.OnSpeechActivity(h.clock.Now())
	h.acc.OnPartialResult("he", false)
	h.acc.OnPartialResult("hello", true)
	h.acc.OnPartialResult("world", false)
	h.acc.Stop(true)

	require.Len(t, h.obs.handoffs, 1)
	assert.Equal(t, "hello world", h.obs.handoffs[0].Text)
}

func TestNoSpeechWithTextRestartsSilently(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("partial answer")

	h.acc.OnError(ErrorNoSpeech)
	h.acc.OnHostEnd()
	h.clock.Advance(300 * time.Millisecond)

	assert.Empty(t, h.obs.aborted)
	assert.Equal(t, 2, h.rec.starts)
	assert.Equal(t, "partial answer", h.acc.Buffer().RawText)
}

func TestNoSpeechWithoutTextAborts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())

	h.acc.OnError(ErrorNoSpeech)

	assert.Equal(t, []string{ErrorNoSpeech}, h.obs.aborted)
	assert.Equal(t, StateIdle, h.acc.State())
}

func TestOtherErrorDiscardsBuffer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("something")

	h.acc.OnError("network")
	h.clock.Advance(2 * time.Minute)
	h.acc.OnHostEnd()

	assert.Equal(t, []string{"network"}, h.obs.aborted)
	assert.Empty(t, h.obs.handoffs)
	assert.Equal(t, "", h.acc.Buffer().RawText)
	assert.Equal(t, StateIdle, h.acc.State())
	assert.Zero(t, h.clock.Pending())
}

func TestStopWithoutSpeechEndsAttempt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())

	h.acc.Stop(true)

	assert.Empty(t, h.obs.handoffs)
	assert.Equal(t, []int{1}, h.obs.ended)
	assert.Equal(t, StateIdle, h.acc.State())
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)

	h.acc.Stop(true)
	h.acc.Stop(false)

	assert.Equal(t, StateIdle, h.acc.State())
	assert.Zero(t, h.rec.stops)
	assert.Empty(t, h.obs.ended)
}

func TestStartWhileFinalizingIsBusy(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("answer")
	h.acc.Stop(true)

	require.ErrorIs(t, h.acc.Start(), ErrBusy)

	h.acc.Complete(h.obs.handoffs[0].Attempt)
	require.NoError(t, h.acc.Start())
	assert.Equal(t, 2, h.acc.Attempt())
	assert.Equal(t, "", h.acc.Buffer().RawText)
	assert.Zero(t, h.acc.Buffer().PauseCount)
}

func TestResultsIgnoredOutsideListening(t *testing.T) {
	h := newHarness(t)

	h.acc.OnPartialResult("ghost", false)
	h.acc.OnSpeechActivity(h.clock.Now())

	assert.Empty(t, h.obs.interim)
	assert.False(t, h.acc.Buffer().SpeechDetected)
}

func TestResetCancelsTimers(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.acc.Start())
	h.speak("abandoned")

	h.acc.Reset()
	h.clock.Advance(2 * time.Minute)

	assert.Empty(t, h.obs.handoffs)
	assert.Equal(t, StateIdle, h.acc.State())
	assert.Equal(t, 1, h.rec.stops)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "finalizing", StateFinalizing.String())
	assert.Equal(t, "unknown", State(42).String())
}
