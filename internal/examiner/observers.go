package examiner

import (
	"fmt"

	"github.com/Shehjad-Ishan/ielts-chatbot-gemini/internal/transcript"
)

// captureObserver receives recording-attempt outcomes.
type captureObserver struct{ e *Engine }

func (o captureObserver) Listening(int) {
	o.e.status(LevelInfo, "Listening... Speak now.")
}

func (o captureObserver) Interim(text string) {
	o.e.emit(Outbound{Type: OutInterim, Text: text})
}

func (o captureObserver) Handoff(t transcript.Transcript) {
	o.e.finalizeTurn(t)
}

func (o captureObserver) Ended(int) {
	o.e.emit(Outbound{Type: OutInterimClear})
	o.e.status(LevelWarning, "No speech detected. Please try again.")
}

func (o captureObserver) Aborted(kind string) {
	o.e.emit(Outbound{Type: OutInterimClear})
	switch kind {
	case "not-allowed", "service-not-allowed":
		o.e.status(LevelError, "Microphone access was denied.")
	default:
		o.e.status(LevelError, fmt.Sprintf("Speech recognition error: %s. Please try again.", kind))
	}
}

// chatObserver receives resolved chat exchanges.
type chatObserver struct{ e *Engine }

func (o chatObserver) Replied(text string, scoring bool) { o.e.replied(text, scoring) }

func (o chatObserver) Failed(err error, _ bool) { o.e.chatFailed(err) }

// speechObserver receives playback transitions.
type speechObserver struct{ e *Engine }

func (o speechObserver) Generating(int64) {
	o.e.status(LevelInfo, "Generating speech...")
}

func (o speechObserver) Playing(_ int64, local bool) {
	if local {
		o.e.status(LevelInfo, "Examiner is speaking (built-in voice)...")
		return
	}
	o.e.status(LevelInfo, "Examiner is speaking...")
}

func (o speechObserver) Finished(int64) {
	o.e.status(LevelInfo, "Your turn. Press Start Recording to answer.")
}

func (o speechObserver) Stopped(int64) {
	o.e.status(LevelInfo, "Speech stopped.")
}

func (o speechObserver) Failed(_ int64, err error) {
	o.e.status(LevelError, fmt.Sprintf("Speech playback failed: %v", err))
}
