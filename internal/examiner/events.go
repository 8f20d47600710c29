package examiner

import (
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/audio"
	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/settings"
)

// Inbound event types sent by the host.
const (
	InHello             = "hello"
	InStartTest         = "start_test"
	InStopTest          = "stop_test"
	InStartRecording    = "start_recording"
	InStopRecording     = "stop_recording"
	InRecognitionResult = "recognition_result"
	InRecognitionEnd    = "recognition_end"
	InRecognitionError  = "recognition_error"
	InSendText          = "send_text"
	InStopSpeaking      = "stop_speaking"
	InRequestScoring    = "request_scoring"
	InPlaybackStarted   = "playback_started"
	InPlaybackEnded     = "playback_ended"
	InPlaybackError     = "playback_error"
	InLocalSpeechEnded  = "local_speech_ended"
	InUpdateSettings    = "update_settings"
)

// Outbound event types sent to the host.
const (
	OutStatus           = "status"
	OutControls         = "controls"
	OutTestStarted      = "test_started"
	OutTurn             = "turn"
	OutInterim          = "interim"
	OutInterimClear     = "interim_clear"
	OutTimer            = "timer"
	OutPlayAudio        = "play_audio"
	OutSpeakLocal       = "speak_local"
	OutHaltAudio        = "halt_audio"
	OutRecognitionStart = "recognition_start"
	OutRecognitionStop  = "recognition_stop"
	OutSettings         = "settings"
	OutError            = "error"
)

// Status levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Recognition modes announced with recognition_start. In audio mode the host
// streams raw audio frames instead of recognizing speech itself.
const (
	ModeHost  = "host"
	ModeAudio = "audio"
)

// Inbound is one host event. Only the fields of its type are set.
type Inbound struct {
	Type        string             `json:"type"`
	Recognition bool               `json:"recognition,omitempty"`
	Synthesis   bool               `json:"synthesis,omitempty"`
	Part        int                `json:"part,omitempty"`
	Text        string             `json:"text,omitempty"`
	Final       bool               `json:"final,omitempty"`
	Error       string             `json:"error,omitempty"`
	ID          int64              `json:"id,omitempty"`
	Settings    *settings.Settings `json:"settings,omitempty"`
	Audio       *audio.Format      `json:"audio,omitempty"`
}

// Controls is the set of enabled host controls.
type Controls struct {
	Record       bool `json:"record"`
	StopRecord   bool `json:"stopRecord"`
	Send         bool `json:"send"`
	StopSpeaking bool `json:"stopSpeaking"`
	Score        bool `json:"score"`
}

// Outbound is one event for the host.
type Outbound struct {
	Type       string             `json:"type"`
	Text       string             `json:"text,omitempty"`
	Level      string             `json:"level,omitempty"`
	Persistent bool               `json:"persistent,omitempty"`
	Role       string             `json:"role,omitempty"`
	Part       int                `json:"part,omitempty"`
	Controls   *Controls          `json:"controls,omitempty"`
	ID         int64              `json:"id,omitempty"`
	Audio      string             `json:"audio,omitempty"`
	Mode       string             `json:"mode,omitempty"`
	Elapsed    string             `json:"elapsed,omitempty"`
	Settings   *settings.Settings `json:"settings,omitempty"`
}

// Emitter delivers outbound events to the host. Emit may be called from the
// session loop only.
type Emitter interface {
	Emit(ev Outbound)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev Outbound)

// Emit calls f(ev).
func (f EmitterFunc) Emit(ev Outbound) { f(ev) }
