package examiner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/audio"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/contract"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/conversation"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/events"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/fluency"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/prompts"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/recognizer"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/trace"
)

type recorder struct {
	mu     sync.Mutex
	events []Outbound
}

func (r *recorder) Emit(ev Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outbound(nil), r.events...)
}

func (r *recorder) count(pred func(Outbound) bool) int {
	n := 0
	for _, ev := range r.all() {
		if pred(ev) {
			n++
		}
	}
	return n
}

func (r *recorder) lastControls() Controls {
	evs := r.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == OutControls {
			return *evs[i].Controls
		}
	}
	return Controls{}
}

type fakeChat struct {
	mu    sync.Mutex
	reqs  []contract.ChatRequest
	reply string
	err   error
	gate  chan struct{}
}

func (f *fakeChat) Chat(ctx context.Context, req contract.ChatRequest) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	gate, reply, err := f.gate, f.reply, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (f *fakeChat) requests() []contract.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contract.ChatRequest(nil), f.reqs...)
}

type fakeSynth struct{ err error }

func (f fakeSynth) Synthesize(context.Context, string, string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("wav"), nil
}

type upperPunctuator struct{}

func (upperPunctuator) Punctuate(_ context.Context, text string) (string, error) {
	return strings.ToUpper(text[:1]) + text[1:] + ".", nil
}

type harness struct {
	t    *testing.T
	e    *Engine
	out  *recorder
	chat *fakeChat
}

func newHarness(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	chat, ok := deps.Chat.(*fakeChat)
	if !ok || chat == nil {
		chat = &fakeChat{reply: "Tell me more about that."}
		deps.Chat = chat
	}
	if deps.Synth == nil {
		deps.Synth = fakeSynth{}
	}
	if cfg.Pick == nil {
		cfg.Pick = func(int) int { return 0 }
	}
	if cfg.Models == (conversation.Models{}) {
		cfg.Models = conversation.Models{
			Conversation: "gemma3:4b",
			Scoring:      "deepseek:1.5b",
			Endpoint:     "http://localhost:11434",
		}
	}
	out := &recorder{}
	e := New(context.Background(), cfg, deps, out, zerolog.Nop())
	go e.Run()
	t.Cleanup(e.Close)
	return &harness{t: t, e: e, out: out, chat: chat}
}

func (h *harness) send(ev Inbound) {
	h.t.Helper()
	require.True(h.t, h.e.Handle(ev))
}

func (h *harness) sync() { h.e.loop.Do(func() {}) }

func (h *harness) wait(pred func(Outbound) bool) Outbound {
	h.t.Helper()
	var got Outbound
	require.Eventually(h.t, func() bool {
		for _, ev := range h.out.all() {
			if pred(ev) {
				got = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func (h *harness) waitStatus(substr string) Outbound {
	h.t.Helper()
	return h.wait(func(ev Outbound) bool { return ev.Type == OutStatus && strings.Contains(ev.Text, substr) })
}

func (h *harness) waitTurn(role conversation.Role, text string) {
	h.t.Helper()
	h.wait(func(ev Outbound) bool { return ev.Type == OutTurn && ev.Role == string(role) && ev.Text == text })
}

// finishSpeech plays handle id to completion on the host side.
func (h *harness) finishSpeech(id int64) {
	h.t.Helper()
	h.wait(func(ev Outbound) bool { return ev.Type == OutPlayAudio && ev.ID == id })
	h.send(Inbound{Type: InPlaybackStarted, ID: id})
	h.send(Inbound{Type: InPlaybackEnded, ID: id})
	h.sync()
}

func (h *harness) startTest(part int) {
	h.t.Helper()
	h.send(Inbound{Type: InHello, Recognition: true, Synthesis: true})
	h.send(Inbound{Type: InStartTest, Part: part})
	h.finishSpeech(1)
}

func isType(typ string) func(Outbound) bool {
	return func(ev Outbound) bool { return ev.Type == typ }
}

func TestHelloReportsSettingsAndControls(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.send(Inbound{Type: InHello, Recognition: true, Synthesis: true})
	h.sync()

	ev := h.wait(isType(OutSettings))
	assert.Equal(t, "gemma3:4b", ev.Settings.ConversationModel)
	assert.Equal(t, "deepseek:1.5b", ev.Settings.ScoringModel)
	h.waitStatus("Ready")
	assert.Equal(t, Controls{Record: true, Send: true}, h.out.lastControls())
}

func TestMissingRecognitionDisablesRecording(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.send(Inbound{Type: InHello, Recognition: false, Synthesis: false})
	h.sync()

	ev := h.waitStatus("not supported")
	assert.True(t, ev.Persistent)
	assert.Equal(t, LevelWarning, ev.Level)
	assert.False(t, h.out.lastControls().Record)

	h.send(Inbound{Type: InStartRecording})
	h.waitStatus("Speech recognition is not available.")
	assert.Zero(t, h.out.count(isType(OutRecognitionStart)))
}

func TestStartTestSpeaksOpening(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.send(Inbound{Type: InHello, Recognition: true, Synthesis: true})
	h.send(Inbound{Type: InStartTest, Part: 2})

	started := h.wait(isType(OutTestStarted))
	assert.Equal(t, 2, started.Part)
	h.waitTurn(conversation.RoleExaminer, prompts.Part2Intro+" "+prompts.Part2Topics[0])
	h.wait(func(ev Outbound) bool { return ev.Type == OutTimer && ev.Elapsed == "00:00" })

	play := h.wait(isType(OutPlayAudio))
	assert.Equal(t, int64(1), play.ID)
	assert.Equal(t, "d2F2", play.Audio)

	h.sync()
	c := h.out.lastControls()
	assert.True(t, c.StopSpeaking)
	assert.False(t, c.Record)
	assert.False(t, c.Send)

	h.send(Inbound{Type: InPlaybackStarted, ID: 1})
	h.waitStatus("Examiner is speaking...")
	h.send(Inbound{Type: InPlaybackEnded, ID: 1})
	h.sync()
	assert.Equal(t, Controls{Record: true, Send: true, Score: true}, h.out.lastControls())
}

func TestUnknownPartFallsBackToPartOne(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.send(Inbound{Type: InStartTest, Part: 7})
	started := h.wait(isType(OutTestStarted))
	assert.Equal(t, 1, started.Part)
	h.waitTurn(conversation.RoleExaminer, prompts.Part1Intro)
}

func TestRecordedTurnIsPunctuatedMeasuredAndSent(t *testing.T) {
	h := newHarness(t, Config{}, Deps{Punctuator: upperPunctuator{}})
	h.startTest(1)

	h.send(Inbound{Type: InStartRecording})
	start := h.wait(isType(OutRecognitionStart))
	assert.Equal(t, ModeHost, start.Mode)
	h.waitStatus("Listening")

	h.send(Inbound{Type: InRecognitionResult, Text: "i think um the weather", Final: false})
	h.send(Inbound{Type: InRecognitionResult, Text: "i think um the weather is nice", Final: false})
	h.wait(func(ev Outbound) bool { return ev.Type == OutInterim && ev.Text == "i think um the weather is nice" })
	h.sync()
	assert.True(t, h.out.lastControls().StopRecord)

	h.send(Inbound{Type: InStopRecording})
	h.wait(isType(OutRecognitionStop))
	h.waitTurn(conversation.RoleUser, "I think um the weather is nice.")
	h.waitTurn(conversation.RoleExaminer, "Tell me more about that.")

	reqs := h.chat.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gemma3:4b", reqs[0].Model)
	assert.Equal(t, "http://localhost:11434", reqs[0].Endpoint)
	msgs := reqs[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, contract.RoleSystem, msgs[0].Role)
	assert.Equal(t, prompts.Part1Intro, msgs[1].Content)
	assert.Equal(t, "I think um the weather is nice.", msgs[2].Content)

	var recorded []fluency.SpeechMetric
	h.e.loop.Do(func() { recorded = h.e.sess.Metrics() })
	require.Len(t, recorded, 1)
	assert.Equal(t, 1, recorded[0].HesitationMarkers)
	assert.Equal(t, 7, recorded[0].WordCount)

	// the reply is spoken on a new handle
	h.wait(func(ev Outbound) bool { return ev.Type == OutPlayAudio && ev.ID == 2 })
}

func TestStopWithoutSpeechEndsAttempt(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.startTest(1)

	h.send(Inbound{Type: InStartRecording})
	h.send(Inbound{Type: InStopRecording})
	h.waitStatus("No speech detected")
	h.sync()
	assert.Empty(t, h.chat.requests())
	assert.True(t, h.out.lastControls().Record)
}

func TestRecognitionErrorDiscardsAttempt(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.startTest(1)

	h.send(Inbound{Type: InStartRecording})
	h.send(Inbound{Type: InRecognitionResult, Text: "hello"})
	h.send(Inbound{Type: InRecognitionError, Error: "not-allowed"})
	h.waitStatus("Microphone access was denied.")
	h.sync()
	assert.Empty(t, h.chat.requests())
}

func TestSendTextWhileAwaitingReplyIsRejected(t *testing.T) {
	chat := &fakeChat{reply: "Why is that?", gate: make(chan struct{})}
	h := newHarness(t, Config{}, Deps{Chat: chat})
	h.startTest(1)

	h.send(Inbound{Type: InSendText, Text: "  My name is Sam.  "})
	h.waitTurn(conversation.RoleUser, "My name is Sam.")
	h.waitStatus("Waiting for response using gemma3:4b")
	h.sync()
	c := h.out.lastControls()
	assert.False(t, c.Send)
	assert.False(t, c.Record)
	assert.False(t, c.Score)

	h.send(Inbound{Type: InSendText, Text: "Again"})
	h.waitStatus("Please wait for the examiner before sending.")

	close(chat.gate)
	h.waitTurn(conversation.RoleExaminer, "Why is that?")
	assert.Len(t, chat.requests(), 1)
}

func TestChatFailureRestoresControls(t *testing.T) {
	chat := &fakeChat{err: errors.New("chat status 502: bad gateway")}
	h := newHarness(t, Config{}, Deps{Chat: chat})
	h.startTest(1)

	h.send(Inbound{Type: InSendText, Text: "Hello"})
	ev := h.waitStatus("Error: chat status 502")
	assert.Equal(t, LevelError, ev.Level)
	h.sync()
	assert.True(t, h.out.lastControls().Send)
	assert.Equal(t, 1, h.out.count(func(ev Outbound) bool {
		return ev.Type == OutTurn && ev.Role == string(conversation.RoleExaminer)
	}))
}

func TestChatTimeoutReportsErrorWithoutExaminerTurn(t *testing.T) {
	chat := &fakeChat{reply: "late", gate: make(chan struct{})}
	h := newHarness(t, Config{ChatTimeout: 30 * time.Millisecond}, Deps{Chat: chat})
	h.startTest(1)

	h.send(Inbound{Type: InSendText, Text: "Hello"})
	h.waitStatus("timed out")
	h.sync()
	assert.True(t, h.out.lastControls().Send)
	assert.Zero(t, h.out.count(func(ev Outbound) bool { return ev.Type == OutTurn && ev.Text == "late" }))
}

func TestScoringRequest(t *testing.T) {
	chat := &fakeChat{reply: "Fluency: 6.5"}
	h := newHarness(t, Config{}, Deps{Chat: chat, Publisher: events.New(nil, zerolog.Nop())})
	h.startTest(1)

	h.send(Inbound{Type: InRequestScoring})
	h.waitTurn(conversation.RoleUser, prompts.ScoringRequestLine)
	h.waitStatus("Generating IELTS scores using deepseek:1.5b...")
	h.waitTurn(conversation.RoleExaminer, "Fluency: 6.5")
	h.waitStatus("Scoring complete.")

	reqs := chat.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "deepseek:1.5b", reqs[0].Model)
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Equal(t, prompts.Scoring+"\n\n"+fluency.NoDataSummary, last.Content)

	h.sync()
	// scores are shown, not spoken
	assert.Equal(t, 1, h.out.count(isType(OutPlayAudio)))
}

func TestScoringBeforeTestIsRejected(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.send(Inbound{Type: InRequestScoring})
	h.waitStatus("Start a test")
	h.sync()
	assert.Empty(t, h.chat.requests())
}

func TestStopTestSpeaksConclusion(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.startTest(3)

	h.send(Inbound{Type: InStopTest})
	h.waitTurn(conversation.RoleExaminer, prompts.Conclusion)
	h.wait(func(ev Outbound) bool { return ev.Type == OutPlayAudio && ev.ID == 2 })
	h.waitStatus("Test ended")

	h.send(Inbound{Type: InStopTest})
	h.waitStatus("No test is running.")

	h.sync()
	assert.True(t, h.out.lastControls().Score)
}

func TestStopTestDropsPendingReply(t *testing.T) {
	chat := &fakeChat{reply: "late", gate: make(chan struct{})}
	h := newHarness(t, Config{}, Deps{Chat: chat})
	h.startTest(1)

	h.send(Inbound{Type: InSendText, Text: "I live in Dhaka"})
	h.waitTurn(conversation.RoleUser, "I live in Dhaka")
	h.send(Inbound{Type: InStopTest})
	h.waitTurn(conversation.RoleExaminer, prompts.Conclusion)
	close(chat.gate)

	assert.Never(t, func() bool {
		return h.out.count(func(ev Outbound) bool { return ev.Type == OutTurn && ev.Text == "late" }) > 0
	}, 100*time.Millisecond, 10*time.Millisecond)

	h.sync()
	var turns []conversation.Turn
	h.e.loop.Do(func() { turns = h.e.sess.Turns() })
	require.Len(t, turns, 3)
	assert.Equal(t, "I live in Dhaka", turns[1].Text)
	assert.Equal(t, prompts.Conclusion, turns[2].Text)
	assert.True(t, h.out.lastControls().Score)
}

func TestScoringWaitsForRecordingToFinish(t *testing.T) {
	h := newHarness(t, Config{}, Deps{Punctuator: upperPunctuator{}})
	h.startTest(1)

	h.send(Inbound{Type: InStartRecording})
	h.waitStatus("Listening")
	h.send(Inbound{Type: InRecognitionResult, Text: "my name is anna", Final: true})
	h.sync()
	assert.False(t, h.out.lastControls().Score)

	h.send(Inbound{Type: InRequestScoring})
	h.waitStatus("Please finish recording before requesting scores.")

	h.send(Inbound{Type: InStopRecording})
	h.waitTurn(conversation.RoleUser, "My name is anna.")
	h.waitTurn(conversation.RoleExaminer, "Tell me more about that.")

	reqs := h.chat.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gemma3:4b", reqs[0].Model)
	h.sync()
	var recorded []fluency.SpeechMetric
	h.e.loop.Do(func() { recorded = h.e.sess.Metrics() })
	require.Len(t, recorded, 1)
	assert.Equal(t, 4, recorded[0].WordCount)
	assert.True(t, h.out.lastControls().Score)
}

func TestStopSpeakingHaltsPlayback(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.send(Inbound{Type: InHello, Recognition: true, Synthesis: true})
	h.send(Inbound{Type: InStartTest, Part: 1})
	h.wait(isType(OutPlayAudio))

	h.send(Inbound{Type: InStopSpeaking})
	halt := h.wait(isType(OutHaltAudio))
	assert.Equal(t, int64(1), halt.ID)
	h.waitStatus("Speech stopped.")
	h.sync()
	assert.False(t, h.out.lastControls().StopSpeaking)
}

func TestSynthesisFailureUsesLocalVoice(t *testing.T) {
	h := newHarness(t, Config{}, Deps{Synth: fakeSynth{err: errors.New("tts status 500")}})
	h.send(Inbound{Type: InHello, Recognition: true, Synthesis: true})
	h.send(Inbound{Type: InStartTest, Part: 1})

	local := h.wait(isType(OutSpeakLocal))
	assert.Equal(t, prompts.Part1Intro, local.Text)
	h.send(Inbound{Type: InPlaybackStarted, ID: local.ID})
	h.waitStatus("built-in voice")
	h.send(Inbound{Type: InLocalSpeechEnded, ID: local.ID})
	h.waitStatus("Your turn")
}

func TestSynthesisFailureWithoutLocalVoiceReportsError(t *testing.T) {
	h := newHarness(t, Config{}, Deps{Synth: fakeSynth{err: errors.New("tts status 500")}})
	h.send(Inbound{Type: InHello, Recognition: true, Synthesis: false})
	h.send(Inbound{Type: InStartTest, Part: 1})

	ev := h.waitStatus("Speech playback failed")
	assert.Equal(t, LevelError, ev.Level)
	h.sync()
	assert.True(t, h.out.lastControls().Record)
}

func TestUpdateSettings(t *testing.T) {
	store := settings.NewStore(t.TempDir())
	h := newHarness(t, Config{}, Deps{Settings: store})
	h.send(Inbound{Type: InUpdateSettings, Settings: &settings.Settings{
		ConversationModel: "llama3:8b",
		OllamaEndpoint:    "http://ollama:11434",
	}})
	h.waitStatus("Settings saved successfully.")
	ev := h.wait(func(ev Outbound) bool {
		return ev.Type == OutSettings && ev.Settings.ConversationModel == "llama3:8b"
	})
	assert.Equal(t, settings.DefaultScoringModel, ev.Settings.ScoringModel)

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", saved.ConversationModel)
	assert.Equal(t, "http://ollama:11434", saved.OllamaEndpoint)

	h.send(Inbound{Type: InSendText, Text: "Hi"})
	h.waitTurn(conversation.RoleExaminer, "Tell me more about that.")
	reqs := h.chat.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "llama3:8b", reqs[0].Model)
	assert.Equal(t, "http://ollama:11434", reqs[0].Endpoint)

	h.send(Inbound{Type: InUpdateSettings, Settings: &settings.Settings{OllamaEndpoint: "ftp://nope"}})
	h.waitStatus("Invalid settings")
}

func TestUnknownEventIsReported(t *testing.T) {
	h := newHarness(t, Config{}, Deps{})
	h.send(Inbound{Type: "dance"})
	ev := h.wait(isType(OutError))
	assert.Equal(t, `unknown event type "dance"`, ev.Text)
}

type fakeAudio struct {
	mu      sync.Mutex
	sink    recognizer.Sink
	started int
	stopped int
	frames  [][]byte
}

func (f *fakeAudio) Available() bool { return true }

func (f *fakeAudio) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeAudio) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeAudio) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func TestServerSideRecognition(t *testing.T) {
	fa := &fakeAudio{}
	speech := func(_ context.Context, sink recognizer.Sink, _ zerolog.Logger) AudioRecognizer {
		fa.sink = sink
		return fa
	}
	h := newHarness(t, Config{}, Deps{Speech: speech})
	h.send(Inbound{Type: InHello, Recognition: false, Synthesis: false,
		Audio: &audio.Format{Codec: audio.CodecFloat32, SampleRate: 48000}})
	h.send(Inbound{Type: InStartTest, Part: 1})
	h.finishSpeech(1)
	assert.True(t, h.out.lastControls().Record)

	h.send(Inbound{Type: InStartRecording})
	start := h.wait(isType(OutRecognitionStart))
	assert.Equal(t, ModeAudio, start.Mode)

	h.e.Audio(make([]byte, 480*4))
	fa.sink.Activity(time.Now())
	fa.sink.Result("hello there", true)
	h.wait(func(ev Outbound) bool { return ev.Type == OutInterim && ev.Text == "hello there" })

	h.send(Inbound{Type: InStopRecording})
	h.waitTurn(conversation.RoleUser, "hello there")

	fa.mu.Lock()
	defer fa.mu.Unlock()
	assert.Equal(t, 1, fa.started)
	assert.Equal(t, 1, fa.stopped)
	require.Len(t, fa.frames, 1)
	assert.Len(t, fa.frames[0], 160*2, "48 kHz float frames reach the recognizer as 16 kHz PCM")
}

func TestUnsupportedAudioFormatIsForwarded(t *testing.T) {
	fa := &fakeAudio{}
	speech := func(_ context.Context, sink recognizer.Sink, _ zerolog.Logger) AudioRecognizer {
		fa.sink = sink
		return fa
	}
	h := newHarness(t, Config{}, Deps{Speech: speech})
	h.send(Inbound{Type: InHello, Audio: &audio.Format{Codec: "opus", SampleRate: 48000}})
	h.wait(isType(OutStatus))

	h.e.Audio([]byte{1, 2, 3})

	fa.mu.Lock()
	defer fa.mu.Unlock()
	assert.Equal(t, [][]byte{{1, 2, 3}}, fa.frames)
}

type memTrace struct {
	mu        sync.Mutex
	ops       []string
	exchanges map[string]trace.Exchange
}

func (m *memTrace) add(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *memTrace) CreateSession(context.Context, string, string) error {
	return m.add("session_create")
}
func (m *memTrace) EndSession(context.Context, string) error { return m.add("session_end") }
func (m *memTrace) CreateExchange(_ context.Context, ex trace.Exchange) error {
	return m.add("exchange_create:" + ex.Kind)
}

func (m *memTrace) FinishExchange(_ context.Context, ex trace.Exchange) error {
	m.mu.Lock()
	m.exchanges[ex.ID] = ex
	m.mu.Unlock()
	return m.add("exchange_finish:" + ex.Status)
}

func (m *memTrace) CreateSpan(_ context.Context, sp trace.Span) error {
	return m.add("span:" + sp.Name)
}

func TestExchangesAreTraced(t *testing.T) {
	mt := &memTrace{exchanges: map[string]trace.Exchange{}}
	h := newHarness(t, Config{}, Deps{Trace: mt, Punctuator: upperPunctuator{}})
	h.startTest(1)

	h.send(Inbound{Type: InStartRecording})
	h.send(Inbound{Type: InRecognitionResult, Text: "um i like tea", Final: true})
	h.send(Inbound{Type: InStopRecording})
	h.waitTurn(conversation.RoleExaminer, "Tell me more about that.")
	h.e.Close()

	mt.mu.Lock()
	defer mt.mu.Unlock()
	assert.Equal(t, []string{
		"session_create",
		"exchange_create:turn",
		"span:punctuate",
		"span:chat",
		"exchange_finish:ok",
		"session_end",
	}, mt.ops)
	require.Len(t, mt.exchanges, 1)
	for _, ex := range mt.exchanges {
		assert.Equal(t, "Tell me more about that.", ex.Reply)
		assert.Equal(t, 4, ex.WordCount)
		assert.Equal(t, 2, ex.Hesitations)
	}
}
