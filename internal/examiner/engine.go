// Package examiner runs one speaking test session: it wires the recording,
// conversation, playback and scoring components onto a single event loop and
// translates host events into calls on them.
package examiner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/audio"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/bus"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/conversation"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/events"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/finalize"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/fluency"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/metrics"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/playback"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/prompts"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/recognizer"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/scoring"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/script"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/trace"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/transcript"
)

const (
	loopBuffer     = 256
	outboxBuffer   = 64
	publishTimeout = 10 * time.Second
)

var errAbandoned = errors.New("exchange abandoned")

// SpeechFactory creates a server-side recognizer that reports to sink.
type SpeechFactory func(ctx context.Context, sink recognizer.Sink, log zerolog.Logger) AudioRecognizer

// Deps are the shared backends a session uses. Every field is optional
// except Chat.
type Deps struct {
	Chat       conversation.ChatClient
	Punctuator finalize.Punctuator
	Synth      playback.Synthesizer
	Settings   *settings.Store
	Publisher  *events.Publisher
	Trace      trace.Writer
	Speech     SpeechFactory
}

// Config configures one Engine.
type Config struct {
	SessionID    string
	Models       conversation.Models
	SystemPrompt string
	Voice        string
	ChatTimeout  time.Duration
	SynthTimeout time.Duration
	Transcript   transcript.Config
	// AudioRate is the sample rate the server-side recognizer expects.
	AudioRate int
	// Scheduler drives recording timers. Defaults to the session loop.
	Scheduler bus.Scheduler
	Pick      func(n int) int
	Now       func() time.Time
}

// audioInput conditions streamed frames for the server-side recognizer.
type audioInput struct {
	conv *audio.Converter
	vad  *audio.Detector
}

type exchange struct {
	id        string
	startedAt time.Time
	input     string
	metric    *fluency.SpeechMetric
}

// Engine is the state of one connected host. All component state is touched
// only from the loop goroutine started by Run.
type Engine struct {
	cfg    Config
	deps   Deps
	out    Emitter
	log    zerolog.Logger
	loop   *bus.Loop
	ctx    context.Context
	cancel context.CancelFunc

	sess   *conversation.Session
	acc    *transcript.Accumulator
	fin    *finalize.Finalizer
	play   *playback.Controller
	driver *script.Driver
	scorer *scoring.Trigger
	tracer *trace.Tracer
	rec    *hostRecognizer
	player *hostPlayer
	stream AudioRecognizer
	input  atomic.Pointer[audioInput]

	notice   string
	controls Controls
	emitted  bool
	exchange *exchange

	outbox     chan func(ctx context.Context) error
	outboxDone chan struct{}
	closeOnce  sync.Once
}

// New builds a session engine. Call Run to start processing and Close when
// the host disconnects.
func New(ctx context.Context, cfg Config, deps Deps, out Emitter, log zerolog.Logger) *Engine {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Transcript.Now == nil {
		cfg.Transcript.Now = cfg.Now
	}
	if cfg.AudioRate <= 0 {
		cfg.AudioRate = 16000
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		out:        out,
		log:        log,
		loop:       bus.New(loopBuffer),
		ctx:        ctx,
		cancel:     cancel,
		outbox:     make(chan func(ctx context.Context) error, outboxBuffer),
		outboxDone: make(chan struct{}),
	}
	var sched bus.Scheduler = e.loop
	if cfg.Scheduler != nil {
		sched = cfg.Scheduler
	}
	sched = refreshScheduler{e: e, inner: sched}
	post := enginePoster{e}

	e.sess = conversation.New(ctx, conversation.Config{
		SystemPrompt: prompts.ForRequest(cfg.SystemPrompt),
		Timeout:      cfg.ChatTimeout,
		Models:       cfg.Models,
		Now:          cfg.Now,
	}, deps.Chat, post, chatObserver{e}, log)

	e.rec = &hostRecognizer{e: e}
	if deps.Speech != nil {
		e.stream = deps.Speech(ctx, streamSink{e}, log)
		e.rec.stream = e.stream
	}
	e.acc = transcript.New(cfg.Transcript, e.rec, sched, captureObserver{e}, log)
	e.fin = finalize.New(deps.Punctuator, log)

	e.player = &hostPlayer{e: e}
	e.play = playback.New(ctx, playback.Config{Voice: cfg.Voice, Timeout: cfg.SynthTimeout},
		deps.Synth, e.player, post, speechObserver{e}, log)

	e.driver = script.New(script.Config{
		Pick: cfg.Pick,
		Now:  cfg.Now,
		OnTick: func(elapsed string) {
			e.emit(Outbound{Type: OutTimer, Elapsed: elapsed})
		},
	}, e.sess, e.loop, log)
	e.scorer = scoring.New(e.sess, log)

	if deps.Trace != nil {
		meta, _ := json.Marshal(map[string]string{
			"conversationModel": cfg.Models.Conversation,
			"scoringModel":      cfg.Models.Scoring,
		})
		e.tracer = trace.NewTracer(deps.Trace, cfg.SessionID, string(meta), log)
	}

	go e.drainOutbox()
	return e
}

// SessionID returns the engine's session id.
func (e *Engine) SessionID() string { return e.cfg.SessionID }

// Run processes events until Close is called or the context ends.
func (e *Engine) Run() {
	e.loop.Run(e.ctx)
}

// Handle queues a host event. It returns false once the engine is closed.
func (e *Engine) Handle(ev Inbound) bool {
	return e.post(func() { e.dispatch(ev) })
}

// Audio forwards one audio frame to the server-side recognizer. Frames are
// converted to 16-bit PCM at the recognizer's rate once the host has said
// hello; voiced frames count as speech activity.
func (e *Engine) Audio(frame []byte) {
	if e.stream == nil {
		return
	}
	if in := e.input.Load(); in != nil {
		samples := in.conv.Samples(frame)
		if in.vad.Voiced(samples) {
			e.post(func() { e.acc.OnSpeechActivity(e.cfg.Now()) })
		}
		frame = audio.EncodePCM16(samples)
	}
	if err := e.stream.SendAudio(frame); err != nil && !errors.Is(err, recognizer.ErrNotStarted) {
		e.log.Debug().Err(err).Msg("forward audio frame")
	}
}

// Close stops the session: recording and playback are halted, any pending
// exchange is abandoned and queued events are flushed. Run must have been
// started.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.loop.Do(e.shutdown)
		e.cancel()
		e.loop.Close()
		<-e.loop.Done()
		close(e.outbox)
		<-e.outboxDone
		e.tracer.Close()
	})
}

func (e *Engine) shutdown() {
	e.acc.Reset()
	e.play.Stop()
	if e.driver.Running() {
		e.driver.StopTest()
	}
	e.sess.Close()
	e.finishExchange("", errAbandoned)
}

// post runs fn on the loop and re-derives the controls afterwards.
func (e *Engine) post(fn func()) bool {
	return e.loop.Post(func() {
		fn()
		e.refresh()
	})
}

// enginePoster posts component callbacks through post.
type enginePoster struct{ e *Engine }

func (p enginePoster) Post(fn func()) bool { return p.e.post(fn) }

// refreshScheduler re-derives the controls after every timer callback.
type refreshScheduler struct {
	e     *Engine
	inner bus.Scheduler
}

func (s refreshScheduler) AfterFunc(d time.Duration, fn func()) bus.Timer {
	return s.inner.AfterFunc(d, func() {
		fn()
		s.e.refresh()
	})
}

func (e *Engine) dispatch(ev Inbound) {
	switch ev.Type {
	case InHello:
		e.hello(ev)
	case InStartTest:
		e.startTest(ev.Part)
	case InStopTest:
		e.stopTest()
	case InStartRecording:
		e.startRecording()
	case InStopRecording:
		e.acc.Stop(true)
	case InRecognitionResult:
		e.acc.OnSpeechActivity(e.cfg.Now())
		e.acc.OnPartialResult(ev.Text, ev.Final)
	case InRecognitionEnd:
		e.acc.OnHostEnd()
	case InRecognitionError:
		e.acc.OnError(ev.Error)
	case InSendText:
		e.sendText(ev.Text)
	case InStopSpeaking:
		e.play.Stop()
	case InRequestScoring:
		e.requestScoring()
	case InPlaybackStarted:
		e.play.PlaybackStarted(ev.ID)
	case InPlaybackEnded, InLocalSpeechEnded:
		e.play.PlaybackEnded(ev.ID)
	case InPlaybackError:
		e.play.PlaybackError(ev.ID, hostError(ev.Error))
	case InUpdateSettings:
		e.updateSettings(ev.Settings)
	default:
		e.log.Warn().Str("type", ev.Type).Msg("unknown event type")
		e.emit(Outbound{Type: OutError, Text: fmt.Sprintf("unknown event type %q", ev.Type)})
	}
}

func hostError(msg string) error {
	if msg == "" {
		msg = "host playback error"
	}
	return errors.New(msg)
}

func (e *Engine) hello(ev Inbound) {
	recognition, synthesis := ev.Recognition, ev.Synthesis
	e.rec.host = recognition
	e.player.local = synthesis
	e.notice = ""

	switch {
	case !recognition && e.stream == nil:
		e.notice = "Speech recognition is not supported here. Please type your answers."
	case !recognition:
		e.log.Info().Msg("host recognition unavailable, using server-side recognition")
	}
	if !synthesis {
		e.log.Info().Msg("host speech synthesis unavailable, playback has no fallback")
	}
	e.log.Info().Bool("recognition", recognition).Bool("synthesis", synthesis).Msg("host connected")
	if e.stream != nil {
		e.configureAudio(ev.Audio)
	}

	e.emitSettings()
	if e.notice != "" {
		e.emit(Outbound{Type: OutStatus, Level: LevelWarning, Text: e.notice, Persistent: true})
		return
	}
	e.status(LevelInfo, "Ready. Select a test part and press Start Test.")
}

// configureAudio prepares frame conversion for the host's format. Without a
// usable format frames are forwarded unchanged.
func (e *Engine) configureAudio(format *audio.Format) {
	in := audio.Format{Codec: audio.CodecPCM16, SampleRate: e.cfg.AudioRate}
	if format != nil {
		in = *format
	}
	conv, err := audio.NewConverter(in, e.cfg.AudioRate)
	if err != nil {
		e.log.Warn().Err(err).Msg("audio format rejected, forwarding frames unchanged")
		e.input.Store(nil)
		return
	}
	e.input.Store(&audioInput{conv: conv, vad: audio.NewDetector(audio.DefaultThresholdDB, audio.DefaultInterval)})
}

func (e *Engine) startTest(part int) {
	if e.acc.State() == transcript.StateListening {
		e.emit(Outbound{Type: OutInterimClear})
	}
	e.acc.Reset()
	e.finishExchange("", errAbandoned)

	opening := e.driver.StartTest(conversation.Part(part))
	e.emit(Outbound{Type: OutTestStarted, Part: int(e.sess.ActivePart())})
	e.emitTurn(conversation.RoleExaminer, opening)
	e.publishTurn(conversation.RoleExaminer, opening, nil)
	e.play.Speak(opening)
	e.status(LevelInfo, "Test started. Please respond to the examiner.")
}

func (e *Engine) stopTest() {
	if !e.sess.Active() {
		e.status(LevelWarning, "No test is running.")
		return
	}
	if e.acc.State() == transcript.StateListening {
		e.emit(Outbound{Type: OutInterimClear})
	}
	e.acc.Reset()
	if e.sess.InFlight() {
		e.sess.Abandon()
		e.finishExchange("", errAbandoned)
	}

	conclusion := e.driver.StopTest()
	e.sess.AppendExaminerTurn(conclusion)
	e.emitTurn(conversation.RoleExaminer, conclusion)
	e.publishTurn(conversation.RoleExaminer, conclusion, nil)
	e.play.Speak(conclusion)
	e.status(LevelInfo, "Test ended. You can now request your scores.")
}

func (e *Engine) startRecording() {
	if !e.derive().Record {
		switch {
		case !e.rec.Available():
			e.status(LevelWarning, "Speech recognition is not available.")
		default:
			e.status(LevelWarning, "Please wait for the examiner before recording.")
		}
		return
	}
	if err := e.acc.Start(); err != nil {
		e.status(LevelError, fmt.Sprintf("Could not start recording: %v", err))
	}
}

func (e *Engine) sendText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		e.status(LevelWarning, "Please enter a response first.")
		return
	}
	if !e.derive().Send {
		e.status(LevelWarning, "Please wait for the examiner before sending.")
		return
	}
	exID := e.tracer.StartExchange(int(e.sess.ActivePart()), trace.KindTurn, text)
	e.send(text, exID, nil)
}

func (e *Engine) requestScoring() {
	if !e.derive().Score {
		if e.acc.State() != transcript.StateIdle {
			e.status(LevelWarning, "Please finish recording before requesting scores.")
			return
		}
		e.status(LevelWarning, "Start a test and wait for the examiner before requesting scores.")
		return
	}
	exID := e.tracer.StartExchange(int(e.sess.ActivePart()), trace.KindScoring, prompts.ScoringRequestLine)
	if err := e.scorer.RequestScoring(); err != nil {
		e.tracer.FinishExchange(trace.Exchange{ID: exID, Status: trace.StatusError})
		e.status(LevelError, fmt.Sprintf("Could not request scores: %v", err))
		return
	}
	e.exchange = &exchange{id: exID, startedAt: time.Now(), input: prompts.ScoringRequestLine}
	e.emitTurn(conversation.RoleUser, prompts.ScoringRequestLine)
	e.publishTurn(conversation.RoleUser, prompts.ScoringRequestLine, nil)
	e.status(LevelInfo, e.scorer.Status())
}

// finalizeTurn punctuates a handed-off transcript off the loop and sends it.
func (e *Engine) finalizeTurn(t transcript.Transcript) {
	exID := e.tracer.StartExchange(int(e.sess.ActivePart()), trace.KindTurn, t.Text)
	e.status(LevelInfo, "Processing your response...")
	go func() {
		start := time.Now()
		text := e.fin.Finalize(e.ctx, t.Text)
		e.post(func() { e.finalized(t, text, exID, start) })
	}()
}

func (e *Engine) finalized(t transcript.Transcript, text, exID string, start time.Time) {
	if t.Attempt != e.acc.Attempt() || e.acc.State() != transcript.StateFinalizing {
		e.log.Debug().Int("attempt", t.Attempt).Msg("dropping transcript of abandoned attempt")
		e.tracer.FinishExchange(trace.Exchange{ID: exID, Status: trace.StatusError})
		return
	}
	e.tracer.RecordSpan(exID, "punctuate", start, t.Text, text, nil)
	e.acc.Complete(t.Attempt)
	e.emit(Outbound{Type: OutInterimClear})

	metric := fluency.Record(t.Text, t.StartedAt, t.PauseCount, e.cfg.Now())
	e.send(text, exID, &metric)
}

func (e *Engine) send(text, exID string, metric *fluency.SpeechMetric) {
	if err := e.sess.Send(text, false); err != nil {
		e.tracer.FinishExchange(trace.Exchange{ID: exID, Status: trace.StatusError})
		e.status(LevelError, fmt.Sprintf("Could not send your response: %v", err))
		return
	}
	if metric != nil {
		e.sess.RecordMetric(*metric)
	}
	e.exchange = &exchange{id: exID, startedAt: time.Now(), input: text, metric: metric}
	e.emitTurn(conversation.RoleUser, text)
	e.publishTurn(conversation.RoleUser, text, metric)
	e.status(LevelInfo, fmt.Sprintf("Waiting for response using %s...", e.sess.Models().Conversation))
}

func (e *Engine) replied(reply string, scoring bool) {
	e.finishExchange(reply, nil)
	e.emitTurn(conversation.RoleExaminer, reply)
	if scoring {
		e.publishScore(reply)
		e.status(LevelInfo, "Scoring complete.")
		return
	}
	e.publishTurn(conversation.RoleExaminer, reply, nil)
	e.play.Speak(reply)
}

func (e *Engine) chatFailed(err error) {
	e.finishExchange("", err)
	e.status(LevelError, fmt.Sprintf("Error: %v. Please try again with a shorter response or check your connection.", err))
}

// finishExchange closes the traced exchange, if one is open.
func (e *Engine) finishExchange(reply string, err error) {
	ex := e.exchange
	if ex == nil {
		return
	}
	e.exchange = nil
	e.tracer.RecordSpan(ex.id, "chat", ex.startedAt, ex.input, reply, err)

	out := trace.Exchange{
		ID:         ex.id,
		Reply:      reply,
		Status:     trace.StatusOK,
		DurationMs: float64(time.Since(ex.startedAt).Milliseconds()),
	}
	if err != nil {
		out.Status = trace.StatusError
	}
	if ex.metric != nil {
		out.WordCount = ex.metric.WordCount
		out.WordsPerMinute = ex.metric.WordsPerMinute
		out.Hesitations = ex.metric.HesitationMarkers
	}
	e.tracer.FinishExchange(out)
}

func (e *Engine) updateSettings(in *settings.Settings) {
	if in == nil {
		e.status(LevelError, "No settings provided.")
		return
	}
	next := in.WithDefaults()
	if err := next.Validate(); err != nil {
		e.status(LevelError, fmt.Sprintf("Invalid settings: %v", err))
		return
	}
	if e.deps.Settings != nil {
		saved, err := e.deps.Settings.Save(next)
		if err != nil {
			e.log.Error().Err(err).Msg("save settings")
			e.status(LevelError, fmt.Sprintf("Could not save settings: %v", err))
			return
		}
		next = saved
	}
	e.sess.SetModels(conversation.Models{
		Conversation: next.ConversationModel,
		Scoring:      next.ScoringModel,
		Endpoint:     next.OllamaEndpoint,
	})
	e.emitSettings()
	e.status(LevelInfo, "Settings saved successfully.")
}

// derive computes which host controls are enabled from component state.
func (e *Engine) derive() Controls {
	idle := e.acc.State() == transcript.StateIdle
	free := !e.sess.InFlight()
	quiet := !e.play.Active()
	return Controls{
		Record:       e.rec.Available() && idle && free && quiet,
		StopRecord:   e.acc.State() == transcript.StateListening,
		Send:         idle && free && quiet,
		StopSpeaking: e.play.Active(),
		Score:        !e.sess.StartedAt().IsZero() && idle && free,
	}
}

func (e *Engine) refresh() {
	c := e.derive()
	if e.emitted && c == e.controls {
		return
	}
	e.controls, e.emitted = c, true
	e.emit(Outbound{Type: OutControls, Controls: &c})
}

func (e *Engine) emit(ev Outbound) {
	e.out.Emit(ev)
}

func (e *Engine) status(level, text string) {
	e.emit(Outbound{Type: OutStatus, Level: level, Text: text})
}

func (e *Engine) emitTurn(role conversation.Role, text string) {
	metrics.Turns.WithLabelValues(string(role)).Inc()
	e.emit(Outbound{Type: OutTurn, Role: string(role), Text: text})
}

func (e *Engine) emitSettings() {
	m := e.sess.Models()
	e.emit(Outbound{Type: OutSettings, Settings: &settings.Settings{
		ConversationModel: m.Conversation,
		ScoringModel:      m.Scoring,
		OllamaEndpoint:    m.Endpoint,
	}})
}

func (e *Engine) publishTurn(role conversation.Role, text string, metric *fluency.SpeechMetric) {
	if e.deps.Publisher == nil {
		return
	}
	ev := events.TurnEvent{
		SessionID: e.cfg.SessionID,
		Part:      int(e.sess.ActivePart()),
		Role:      string(role),
		Text:      text,
		Metric:    metric,
		CreatedAt: e.cfg.Now(),
	}
	e.enqueue(func(ctx context.Context) error { return e.deps.Publisher.PublishTurn(ctx, ev) })
}

func (e *Engine) publishScore(feedback string) {
	if e.deps.Publisher == nil {
		return
	}
	ev := events.ScoreEvent{
		SessionID: e.cfg.SessionID,
		Part:      int(e.sess.ActivePart()),
		Model:     e.sess.Models().Scoring,
		Summary:   fluency.Summarize(e.sess.Metrics()),
		Feedback:  feedback,
		CreatedAt: e.cfg.Now(),
	}
	e.enqueue(func(ctx context.Context) error { return e.deps.Publisher.PublishScore(ctx, ev) })
}

// enqueue hands a publish call to the outbox goroutine so the loop never
// waits on the broker. Events are dropped when the outbox is full.
func (e *Engine) enqueue(fn func(ctx context.Context) error) {
	select {
	case e.outbox <- fn:
	default:
		e.log.Warn().Msg("event outbox full, dropping event")
	}
}

func (e *Engine) drainOutbox() {
	defer close(e.outboxDone)
	for fn := range e.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := fn(ctx); err != nil {
			e.log.Debug().Err(err).Msg("publish session event")
		}
		cancel()
	}
}
