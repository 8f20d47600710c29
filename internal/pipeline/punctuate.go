package pipeline

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Punctuator restores punctuation in raw recognized text.
type Punctuator interface {
	Punctuate(ctx context.Context, text string) (string, error)
}

// FormatSentences capitalizes the first letter of every ". " separated sentence.
func FormatSentences(text string) string {
	parts := strings.Split(text, ". ")
	for i, s := range parts {
		parts[i] = capitalize(s)
	}
	return strings.Join(parts, ". ")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// BasicPunctuator is a local punctuator used when no punctuation model is
// configured: it fixes the pronoun "i", capitalizes sentences and adds a
// terminal period.
type BasicPunctuator struct{}

// Punctuate implements Punctuator.
func (BasicPunctuator) Punctuate(_ context.Context, text string) (string, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return "", nil
	}
	for i, w := range words {
		switch strings.ToLower(w) {
		case "i", "i'm", "i've", "i'll", "i'd":
			words[i] = capitalize(strings.ToLower(w))
		}
	}
	out := strings.Join(words, " ")
	if last, _ := utf8.DecodeLastRuneInString(out); !strings.ContainsRune(".!?", last) {
		out += "."
	}
	return FormatSentences(out), nil
}
