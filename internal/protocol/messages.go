package protocol

import "time"

// AudioChunk carries one slice of captured microphone audio for a session.
// PCM is little-endian 16-bit mono unless the runtime is configured otherwise.
// An empty PCM payload is a keepalive and must not advance the transcript.
type AudioChunk struct {
	SessionID          string     `json:"session_id"`
	Sequence           int        `json:"sequence"`
	SampleRate         int        `json:"sample_rate"`
	Channels           int        `json:"channels"`
	PCM                []byte     `json:"pcm"`
	RecordingStartedAt *time.Time `json:"recording_started_at,omitempty"`
}

// ChunkReply is the request/reply answer to an AudioChunk: the transcript
// accumulated so far for the session, or an error message.
type ChunkReply struct {
	SessionID  string `json:"session_id"`
	Transcript string `json:"transcript"`
	Error      string `json:"error,omitempty"`
}

// CancelSession discards a session without producing a transcript.
type CancelSession struct {
	SessionID string `json:"session_id"`
}

// FinalizeSession asks the pipeline to flush, format, and persist a session.
type FinalizeSession struct {
	SessionID          string     `json:"session_id"`
	AudioFilePath      string     `json:"audio_file_path,omitempty"`
	RecordingStartedAt *time.Time `json:"recording_started_at,omitempty"`
	RecordingStoppedAt *time.Time `json:"recording_stopped_at,omitempty"`
}

// FinalizeReply carries the final transcript text. Saved is false when the
// transcript was computed but could not be persisted.
type FinalizeReply struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Saved     bool   `json:"saved"`
	Error     string `json:"error,omitempty"`
}

// Transcript is broadcast on the bus so widget/overlay subscribers can render
// live text without participating in the request/reply exchange.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioChunkPrefix  = "dictation.audio.chunk"
	SubjectSessionCancel     = "dictation.session.cancel"
	SubjectSessionFinalize   = "dictation.session.finalize"
	SubjectTranscriptPartial = "dictation.transcript.partial"
	SubjectTranscriptFinal   = "dictation.transcript.final"
	SubjectNotify            = "dictation.notify"
	SubjectModelAvailable    = "dictation.model.available"
)

// ModelAvailability answers a model-availability query from the shell, which
// gates the record button on it.
type ModelAvailability struct {
	Available bool `json:"available"`
}

// Notification is a user-facing warning (missing model, absent credential)
// the desktop shell renders as a system notification.
type Notification struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
