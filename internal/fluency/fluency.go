// Package fluency derives per-turn speech metrics from finalized transcripts
// and summarizes them for the scoring request.
package fluency

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// NoDataSummary is returned by Summarize when nothing has been recorded.
const NoDataSummary = "No speech metadata available."

// SpeechMetric describes one finalized user turn.
type SpeechMetric struct {
	Timestamp         time.Time `json:"timestamp"`
	DurationSeconds   float64   `json:"durationSeconds"`
	WordCount         int       `json:"wordCount"`
	WordsPerMinute    int       `json:"wordsPerMinute"`
	HesitationMarkers int       `json:"hesitationMarkers"`
	RepeatedWords     int       `json:"repeatedWords"`
	SilencesCount     int       `json:"silencesCount"`
}

// hesitationPattern matches filler words and phrases as whole words so that
// "er" inside "weather" or "like" inside "likely" is not counted.
var hesitationPattern = regexp.MustCompile(`(?i)\b(?:um|uh|er|hmm|like|you\W+know)\b`)

var fillers = map[string]bool{"um": true, "uh": true, "er": true, "hmm": true, "like": true}

// Record computes the metric for a transcript spoken between startedAt and now.
func Record(transcript string, startedAt time.Time, pauseCount int, now time.Time) SpeechMetric {
	elapsed := math.Round(now.Sub(startedAt).Seconds()*100) / 100
	if elapsed < 0 {
		elapsed = 0
	}

	words := strings.Fields(transcript)
	wpm := 0
	if elapsed > 0 {
		wpm = int(math.Round(float64(len(words)) / elapsed * 60))
	}

	return SpeechMetric{
		Timestamp:         now,
		DurationSeconds:   elapsed,
		WordCount:         len(words),
		WordsPerMinute:    wpm,
		HesitationMarkers: CountHesitations(transcript),
		RepeatedWords:     CountRepeats(words),
		SilencesCount:     pauseCount,
	}
}

// CountHesitations counts filler markers, case-insensitively.
func CountHesitations(transcript string) int {
	return len(hesitationPattern.FindAllStringIndex(transcript, -1))
}

// CountRepeats counts adjacent duplicate tokens. A doubled filler ("um um")
// is already a hesitation and is not counted again as a repetition.
func CountRepeats(words []string) int {
	n := 0
	for i := 1; i < len(words); i++ {
		prev := normalize(words[i-1])
		cur := normalize(words[i])
		if cur == "" || cur != prev || fillers[cur] {
			continue
		}
		n++
	}
	return n
}

func normalize(word string) string {
	return strings.ToLower(strings.Trim(word, ".,!?;:\"'"))
}

// Summarize aggregates recorded metrics into the text appended to the
// scoring prompt.
func Summarize(metrics []SpeechMetric) string {
	if len(metrics) == 0 {
		return NoDataSummary
	}

	var words, hesitations, repeats int
	var duration float64
	for _, m := range metrics {
		words += m.WordCount
		duration += m.DurationSeconds
		hesitations += m.HesitationMarkers
		repeats += m.RepeatedWords
	}

	avg := 0
	if duration > 0 {
		avg = int(math.Round(float64(words) / duration * 60))
	}

	return fmt.Sprintf(`Speech Metadata Summary:
- Total responses: %d
- Average speaking rate: %d words per minute
- Total hesitation markers: %d
- Repeated words: %d
- Speaking fluidity: %s`, len(metrics), avg, hesitations, repeats, FluidityLabel(hesitations))
}

// FluidityLabel maps a total hesitation count to a qualitative label.
func FluidityLabel(hesitations int) string {
	switch {
	case hesitations <= 5:
		return "Very fluid"
	case hesitations <= 15:
		return "Moderately fluid"
	default:
		return "Less fluid with noticeable hesitations"
	}
}
