package pipeline

import (
	"strings"
	"time"

	"github.com/amicalhq/dictation-core/internal/accessibility"
	"github.com/amicalhq/dictation-core/internal/settings"
	"github.com/amicalhq/dictation-core/internal/stt"
)

// session is the in-flight state for one dictation. Mode and accessibility
// context are snapshotted at creation so a settings change mid-dictation does
// not shift behavior under the user.
type session struct {
	id       string
	mode     settings.Mode
	axCtx    accessibility.Context
	provider stt.Provider

	// results is the ordered transcript fragments. Cumulative providers
	// replace the whole slice with a single element on every update;
	// delta providers append.
	results []string
	chunks  int

	recordingStartedAt time.Time
}

func (s *session) aggregate() string {
	return strings.Join(s.results, "")
}

func (s *session) accumulate(text string) {
	if text == "" {
		return
	}
	if s.provider.Cumulative() {
		s.results = []string{text}
		return
	}
	s.results = append(s.results, text)
}

func (s *session) lastFragment() string {
	if len(s.results) == 0 {
		return ""
	}
	return s.results[len(s.results)-1]
}
