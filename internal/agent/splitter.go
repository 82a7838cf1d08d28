package agent

import (
	"strings"
	"unicode"
)

// sentence terminators for both Latin and CJK punctuation.
var terminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
}

// SplitSentences breaks text at sentence-ending punctuation followed by
// whitespace or end of input. The terminator stays attached to its sentence.
// Sentences are trimmed; empty ones are dropped.
func SplitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if !terminators[r] {
			continue
		}
		atEnd := i == len(runes)-1
		if atEnd || unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
