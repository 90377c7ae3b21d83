package stt

import "context"

// Request carries one audio chunk plus the context hints providers use to
// stay coherent across chunk boundaries.
type Request struct {
	SessionID         string
	Audio             []byte
	SampleRate        int
	Channels          int
	SpeechProbability float64
	Speaking          bool
	// PreviousChunk is the most recent accumulated fragment, Aggregated the
	// full transcript so far. Providers may use either to avoid duplicating
	// overlap.
	PreviousChunk string
	Aggregated    string
	// Language is empty when the session auto-detects.
	Language string
}

// FlushRequest asks a provider to emit whatever it is still buffering at the
// end of a session.
type FlushRequest struct {
	SessionID          string
	Language           string
	Aggregated         string
	AudioFilePath      string
	CustomInstructions string
	// WithFormatting requests server-side formatting from providers that fuse
	// transcription and formatting; others ignore it.
	WithFormatting bool
}

// Provider is a pluggable speech-to-text backend.
//
// Transcribe may return an empty string while buffering; that is normal and
// leaves the session transcript untouched. Cumulative providers return the
// full session text on every call (replacing the accumulated sequence);
// non-cumulative providers return only new deltas to append.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (string, error)
	Flush(ctx context.Context, req FlushRequest) (string, error)
	// Reset discards any buffered audio or partial state so nothing bleeds
	// into an unrelated session.
	Reset()
	Cumulative() bool
	ModelID() string
}
