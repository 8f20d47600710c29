package examiner

import (
	"encoding/base64"
	"time"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/playback"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/transcript"
)

// AudioRecognizer is a server-side recognizer fed with raw audio frames.
type AudioRecognizer interface {
	transcript.Recognizer
	SendAudio(frame []byte) error
}

// hostRecognizer asks the host to start and stop capture. When the host
// cannot recognize speech itself it falls back to the server-side stream,
// and the host only ships audio.
type hostRecognizer struct {
	e      *Engine
	host   bool
	stream AudioRecognizer
	mode   string
}

func (r *hostRecognizer) Available() bool { return r.host || r.stream != nil }

func (r *hostRecognizer) Start() error {
	if r.host {
		r.mode = ModeHost
		r.e.emit(Outbound{Type: OutRecognitionStart, Mode: ModeHost})
		return nil
	}
	if r.stream == nil {
		return transcript.ErrCaptureUnavailable
	}
	if err := r.stream.Start(); err != nil {
		return err
	}
	r.mode = ModeAudio
	r.e.emit(Outbound{Type: OutRecognitionStart, Mode: ModeAudio})
	return nil
}

func (r *hostRecognizer) Stop() error {
	mode := r.mode
	r.mode = ""
	r.e.emit(Outbound{Type: OutRecognitionStop})
	if mode == ModeAudio {
		return r.stream.Stop()
	}
	return nil
}

// hostPlayer plays audio through the host's output.
type hostPlayer struct {
	e     *Engine
	local bool
}

func (p *hostPlayer) Play(id int64, audio []byte) error {
	p.e.emit(Outbound{Type: OutPlayAudio, ID: id, Audio: base64.StdEncoding.EncodeToString(audio)})
	return nil
}

func (p *hostPlayer) SpeakLocal(id int64, text string) error {
	if !p.local {
		return playback.ErrNoLocalSynthesis
	}
	p.e.emit(Outbound{Type: OutSpeakLocal, ID: id, Text: text})
	return nil
}

func (p *hostPlayer) Halt(id int64) {
	p.e.emit(Outbound{Type: OutHaltAudio, ID: id})
}

func (p *hostPlayer) LocalAvailable() bool { return p.local }

// streamSink moves server-side recognition output onto the session loop.
type streamSink struct{ e *Engine }

func (s streamSink) Result(text string, final bool) {
	s.e.post(func() { s.e.acc.OnPartialResult(text, final) })
}

func (s streamSink) Activity(ts time.Time) {
	s.e.post(func() { s.e.acc.OnSpeechActivity(ts) })
}

func (s streamSink) End() {
	s.e.post(func() { s.e.acc.OnHostEnd() })
}

func (s streamSink) Error(kind string) {
	s.e.post(func() { s.e.acc.OnError(kind) })
}
