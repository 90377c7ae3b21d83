package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Usage is the per-session telemetry recorded at finalization.
type Usage struct {
	SessionID         string
	RecordingSeconds  float64
	ProcessingSeconds float64
	AudioSeconds      float64
	RealtimeFactor    float64
	Words             int
	Characters        int
	VocabularyEntries int
	SpeechModel       string
	FormattingModel   string
	Saved             bool
}

// UsageSink receives finalization telemetry. Recording is best effort; sinks
// must not fail the pipeline.
type UsageSink interface {
	Record(ctx context.Context, usage Usage)
}

// MeterSink publishes usage through the OpenTelemetry meter.
type MeterSink struct {
	log                *slog.Logger
	sessions           metric.Int64Counter
	recordingDuration  metric.Float64Histogram
	processingDuration metric.Float64Histogram
	audioDuration      metric.Float64Histogram
	realtimeFactor     metric.Float64Histogram
	words              metric.Int64Histogram
}

func NewMeterSink(log *slog.Logger) (*MeterSink, error) {
	meter := otel.Meter("github.com/amicalhq/dictation-core/runtime")

	sessions, err := meter.Int64Counter("amical.dictation.sessions",
		metric.WithDescription("Finalized dictation sessions"))
	if err != nil {
		return nil, err
	}
	recording, err := meter.Float64Histogram("amical.dictation.recording_duration_seconds",
		metric.WithDescription("Wall-clock recording duration"))
	if err != nil {
		return nil, err
	}
	processing, err := meter.Float64Histogram("amical.dictation.processing_duration_seconds",
		metric.WithDescription("Finalization processing duration"))
	if err != nil {
		return nil, err
	}
	audio, err := meter.Float64Histogram("amical.dictation.audio_duration_seconds",
		metric.WithDescription("Captured audio duration"))
	if err != nil {
		return nil, err
	}
	realtime, err := meter.Float64Histogram("amical.dictation.realtime_factor",
		metric.WithDescription("Audio seconds processed per processing second"))
	if err != nil {
		return nil, err
	}
	words, err := meter.Int64Histogram("amical.dictation.transcript_words",
		metric.WithDescription("Words in the final transcript"))
	if err != nil {
		return nil, err
	}

	return &MeterSink{
		log:                log.With(slog.String("component", "usage-sink")),
		sessions:           sessions,
		recordingDuration:  recording,
		processingDuration: processing,
		audioDuration:      audio,
		realtimeFactor:     realtime,
		words:              words,
	}, nil
}

func (s *MeterSink) Record(ctx context.Context, usage Usage) {
	attrs := metric.WithAttributes(
		attribute.String("speech_model", usage.SpeechModel),
		attribute.String("formatting_model", usage.FormattingModel),
		attribute.Bool("saved", usage.Saved),
	)
	s.sessions.Add(ctx, 1, attrs)
	s.recordingDuration.Record(ctx, usage.RecordingSeconds, attrs)
	s.processingDuration.Record(ctx, usage.ProcessingSeconds, attrs)
	if usage.AudioSeconds > 0 {
		s.audioDuration.Record(ctx, usage.AudioSeconds, attrs)
	}
	if usage.RealtimeFactor > 0 {
		s.realtimeFactor.Record(ctx, usage.RealtimeFactor, attrs)
	}
	s.words.Record(ctx, int64(usage.Words), attrs)
}
