// Package vocab applies user-configured term substitutions to finished
// transcripts. Matching is case-insensitive and whole-word: a candidate is
// rejected when the adjacent rune on either side is a letter or digit in any
// script. Replacement runs after LLM formatting so a formatter cannot undo an
// explicit user correction.
package vocab

import (
	"strings"
	"unicode"
)

// Entry is one user-configured substitution. The replacement is inserted
// verbatim, preserving its casing.
type Entry struct {
	Word        string
	Replacement string
}

// Apply performs every substitution across text and returns the result.
// Entries with an empty word are skipped.
func Apply(text string, entries []Entry) string {
	for _, entry := range entries {
		if strings.TrimSpace(entry.Word) == "" {
			continue
		}
		text = replaceWord(text, entry.Word, entry.Replacement)
	}
	return text
}

func replaceWord(text, word, replacement string) string {
	runes := []rune(text)
	target := []rune(word)
	if len(target) == 0 || len(runes) < len(target) {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(runes); {
		if i+len(target) <= len(runes) &&
			foldEqual(runes[i:i+len(target)], target) &&
			isBoundary(runes, i-1) &&
			isBoundary(runes, i+len(target)) {
			b.WriteString(replacement)
			i += len(target)
			continue
		}
		b.WriteRune(runes[i])
		i++
	}
	return b.String()
}

func foldEqual(a, b []rune) bool {
	for i := range b {
		if unicode.ToLower(a[i]) != unicode.ToLower(b[i]) {
			return false
		}
	}
	return true
}

// isBoundary reports whether the rune at index (or the edge of the text) can
// delimit a whole-word match.
func isBoundary(runes []rune, index int) bool {
	if index < 0 || index >= len(runes) {
		return true
	}
	r := runes[index]
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
