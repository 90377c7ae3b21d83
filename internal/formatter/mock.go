package formatter

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MockProvider trims and sentence-cases the input without calling any model.
// Selected via the "mock" vendor for development and tests.
type MockProvider struct{}

func (MockProvider) Format(_ context.Context, text string, _ Context) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil
	}
	first, size := utf8.DecodeRuneInString(trimmed)
	return string(unicode.ToUpper(first)) + trimmed[size:], nil
}
