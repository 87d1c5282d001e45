package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// FormatOptions controls presentation-layer formatting. None of this is
// applied to live display text; it is for batch and note output only.
type FormatOptions struct {
	CapitalizeSentences bool
	TrailingNewline     bool
}

// Format normalizes whitespace and optionally capitalizes sentence starts.
func Format(text string, opts FormatOptions) string {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return ""
	}

	if opts.CapitalizeSentences {
		normalized = capitalizeSentences(normalized)
	}
	if opts.TrailingNewline {
		return normalized + "\n"
	}
	return normalized
}

// capitalizeSentences upcases the first letter of the text and of every
// run following sentence-ending punctuation.
func capitalizeSentences(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	atStart := true
	for _, r := range text {
		if atStart && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			atStart = false
			continue
		}
		if isSentenceEnd(r) {
			atStart = true
		}
		b.WriteRune(r)
	}

	return capitalizePronounI(b.String())
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// capitalizePronounI upcases standalone "i" and "i'" contractions.
func capitalizePronounI(text string) string {
	words := strings.Split(text, " ")
	for i, word := range words {
		if word == "i" {
			words[i] = "I"
			continue
		}
		if strings.HasPrefix(word, "i'") {
			_, size := utf8.DecodeRuneInString(word)
			words[i] = "I" + word[size:]
		}
	}
	return strings.Join(words, " ")
}
