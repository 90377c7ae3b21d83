package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/amicalhq/dictation-core/internal/accessibility"
	"github.com/amicalhq/dictation-core/internal/config"
	"github.com/amicalhq/dictation-core/internal/formatter"
	"github.com/amicalhq/dictation-core/internal/models"
	"github.com/amicalhq/dictation-core/internal/protocol"
	"github.com/amicalhq/dictation-core/internal/settings"
	"github.com/amicalhq/dictation-core/internal/store"
	"github.com/amicalhq/dictation-core/internal/stt"
	"github.com/amicalhq/dictation-core/internal/vad"
)

type scriptedProvider struct {
	cumulative bool
	outputs    []string
	flushText  string
	flushErr   error
	resets     int
}

func (s *scriptedProvider) Transcribe(context.Context, stt.Request) (string, error) {
	if len(s.outputs) == 0 {
		return "", nil
	}
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

func (s *scriptedProvider) Flush(context.Context, stt.FlushRequest) (string, error) {
	return s.flushText, s.flushErr
}

func (s *scriptedProvider) Reset()           { s.resets++ }
func (s *scriptedProvider) Cumulative() bool { return s.cumulative }
func (s *scriptedProvider) ModelID() string  { return "scripted" }

type fakeStore struct {
	records []store.Record
	err     error
}

func (f *fakeStore) CreateTranscription(_ context.Context, rec store.Record) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.records = append(f.records, rec)
	return int64(len(f.records)), nil
}

type fakeFormatter struct {
	out string
	err error
}

func (f *fakeFormatter) Format(context.Context, string, formatter.Context) (string, error) {
	return f.out, f.err
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Modes = config.ModesConfig{
		ActiveModeID: "default",
		Items:        []config.ModeConfig{{ID: "default", Name: "Default", Language: "en"}},
	}
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Config, prov stt.Provider, st *fakeStore, bridge accessibility.Bridge, fmtProv formatter.Provider) *Pipeline {
	t.Helper()
	log := newLogger()
	svc := settings.NewService(cfg)
	reg := models.NewRegistry(cfg.Transcription, svc, log)
	p, err := New(Deps{
		Config:   cfg.Transcription,
		Settings: svc,
		Models:   reg,
		Store:    st,
		Bridge:   bridge,
		Logger:   log,
		NewProvider: func(settings.Mode) (stt.Provider, error) {
			return prov, nil
		},
		NewFormatter: func(formatter.VendorConfig) (formatter.Provider, error) {
			if fmtProv == nil {
				return nil, fmt.Errorf("no formatter available")
			}
			return fmtProv, nil
		},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func audioChunk(sessionID string, seq int) protocol.AudioChunk {
	return protocol.AudioChunk{
		SessionID:  sessionID,
		Sequence:   seq,
		SampleRate: 16000,
		Channels:   1,
		PCM:        make([]byte, 320),
	}
}

func TestEmptyChunkDoesNotCreateSession(t *testing.T) {
	st := &fakeStore{}
	prov := &scriptedProvider{outputs: []string{" hello"}}
	p := newTestPipeline(t, testConfig(), prov, st, accessibility.NewStatic(accessibility.Context{}), nil)

	text, err := p.ProcessStreamingChunk(context.Background(), protocol.AudioChunk{SessionID: "s1"})
	if err != nil {
		t.Fatalf("empty chunk: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty aggregate, got %q", text)
	}
	// No session should exist, so finalize is a no-op.
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil || out != "" {
		t.Fatalf("expected no-op finalize, got %q, %v", out, err)
	}
	if len(st.records) != 0 {
		t.Fatalf("nothing should be persisted")
	}
}

func TestEmptyChunkKeepsAggregate(t *testing.T) {
	prov := &scriptedProvider{outputs: []string{" hello"}}
	p := newTestPipeline(t, testConfig(), prov, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	text, err := p.ProcessStreamingChunk(context.Background(), protocol.AudioChunk{SessionID: "s1"})
	if err != nil {
		t.Fatalf("keepalive: %v", err)
	}
	if text != " hello" {
		t.Fatalf("keepalive changed aggregate: %q", text)
	}
}

func TestDeltaAccumulation(t *testing.T) {
	prov := &scriptedProvider{outputs: []string{" hello", "", " world"}}
	p := newTestPipeline(t, testConfig(), prov, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)

	want := []string{" hello", " hello", " hello world"}
	for i, expected := range want {
		text, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", i))
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if text != expected {
			t.Fatalf("chunk %d: got %q, want %q", i, text, expected)
		}
	}
}

func TestCumulativeReplacesAggregate(t *testing.T) {
	prov := &scriptedProvider{cumulative: true, outputs: []string{"hello", "hello world"}}
	p := newTestPipeline(t, testConfig(), prov, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)

	text, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0))
	if err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if text != "hello" {
		t.Fatalf("got %q", text)
	}
	text, err = p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 1))
	if err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("cumulative output should replace, got %q", text)
	}
}

func TestCancelDiscardsSession(t *testing.T) {
	st := &fakeStore{}
	prov := &scriptedProvider{outputs: []string{" hello"}}
	p := newTestPipeline(t, testConfig(), prov, st, accessibility.NewStatic(accessibility.Context{}), nil)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	p.Cancel("s1")
	if prov.resets != 1 {
		t.Fatalf("expected provider reset, got %d", prov.resets)
	}

	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil || out != "" {
		t.Fatalf("canceled session should finalize to nothing, got %q, %v", out, err)
	}
	if len(st.records) != 0 {
		t.Fatalf("canceled session must not persist")
	}
}

func TestCancelUnknownSessionIsNoop(t *testing.T) {
	prov := &scriptedProvider{}
	p := newTestPipeline(t, testConfig(), prov, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)
	p.Cancel("missing")
	if prov.resets != 0 {
		t.Fatalf("unknown cancel must not touch providers")
	}
}

func TestFinalizeFlushErrorKeepsSession(t *testing.T) {
	prov := &scriptedProvider{outputs: []string{" hello"}, flushErr: errors.New("engine busy")}
	st := &fakeStore{}
	p := newTestPipeline(t, testConfig(), prov, st, accessibility.NewStatic(accessibility.Context{}), nil)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if _, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"}); err == nil {
		t.Fatalf("expected flush error")
	}
	if len(st.records) != 0 {
		t.Fatalf("failed finalize must not persist")
	}

	// The session survives so finalize can be retried.
	prov.flushErr = nil
	prov.flushText = " world"
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("got %q", out)
	}
}

func TestFinalizeStripsLeadingSpace(t *testing.T) {
	cases := []struct {
		name   string
		before string
		want   string
	}{
		{name: "empty insertion point", before: "", want: "hello"},
		{name: "whitespace before cursor", before: "note: ", want: "hello"},
		{name: "word before cursor", before: "note", want: " hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prov := &scriptedProvider{outputs: []string{" hello"}}
			bridge := accessibility.NewStatic(accessibility.Context{TextBeforeCursor: tc.before})
			p := newTestPipeline(t, testConfig(), prov, &fakeStore{}, bridge, nil)

			if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
				t.Fatalf("chunk: %v", err)
			}
			out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
			if err != nil {
				t.Fatalf("finalize: %v", err)
			}
			if out != tc.want {
				t.Fatalf("got %q, want %q", out, tc.want)
			}
		})
	}
}

func formattingConfig() config.Config {
	cfg := testConfig()
	cfg.Modes.Items[0].FormatterEnabled = true
	cfg.Modes.Items[0].FormatterModel = "gpt-4o-mini"
	cfg.Models.SyncedProviderModels = []config.ProviderModel{{ID: "gpt-4o-mini", Provider: "OpenAI"}}
	cfg.Providers.OpenAIAPIKey = "sk-test"
	return cfg
}

func TestFinalizeFormatsTranscript(t *testing.T) {
	prov := &scriptedProvider{outputs: []string{" hello world"}}
	st := &fakeStore{}
	fmtProv := &fakeFormatter{out: "Hello, world."}
	p := newTestPipeline(t, formattingConfig(), prov, st, accessibility.NewStatic(accessibility.Context{}), fmtProv)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out != "Hello, world." {
		t.Fatalf("got %q", out)
	}
	if len(st.records) != 1 {
		t.Fatalf("expected persisted record")
	}
	if st.records[0].FormattingModel != "gpt-4o-mini" {
		t.Fatalf("formatting model not recorded: %q", st.records[0].FormattingModel)
	}
}

func TestFinalizeFormattingFailureKeepsRawText(t *testing.T) {
	prov := &scriptedProvider{outputs: []string{" hello world"}}
	st := &fakeStore{}
	fmtProv := &fakeFormatter{err: errors.New("model overloaded")}
	p := newTestPipeline(t, formattingConfig(), prov, st, accessibility.NewStatic(accessibility.Context{}), fmtProv)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil {
		t.Fatalf("finalize should degrade, not fail: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("got %q", out)
	}
	if st.records[0].FormattingModel != "" {
		t.Fatalf("failed formatting must not be recorded as a model")
	}
}

func TestFinalizeAppliesVocabulary(t *testing.T) {
	cfg := testConfig()
	cfg.Vocabulary.Entries = []config.VocabEntry{{Word: "api", Replacement: "API"}}
	prov := &scriptedProvider{outputs: []string{" the api works"}}
	st := &fakeStore{}
	p := newTestPipeline(t, cfg, prov, st, accessibility.NewStatic(accessibility.Context{}), nil)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out != "the API works" {
		t.Fatalf("got %q", out)
	}
}

// recordingFormatter echoes its input so tests can observe exactly what text
// the formatter was handed.
type recordingFormatter struct {
	input string
}

func (f *recordingFormatter) Format(_ context.Context, text string, _ formatter.Context) (string, error) {
	f.input = text
	return text, nil
}

func TestVocabularyAppliedAfterFormatting(t *testing.T) {
	cfg := formattingConfig()
	cfg.Vocabulary.Entries = []config.VocabEntry{{Word: "api", Replacement: "A.P.I."}}
	prov := &scriptedProvider{outputs: []string{" the api works"}}
	fmtProv := &recordingFormatter{}
	p := newTestPipeline(t, cfg, prov, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), fmtProv)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// The formatter sees the raw transcript; replacements happen on its output.
	if fmtProv.input != "the api works" {
		t.Fatalf("formatter input: got %q", fmtProv.input)
	}
	if strings.Contains(fmtProv.input, "A.P.I.") {
		t.Fatalf("vocabulary must not run before formatting: %q", fmtProv.input)
	}
	if out != "the A.P.I. works" {
		t.Fatalf("got %q", out)
	}
}

func TestConcurrentChunksDoNotLoseUpdates(t *testing.T) {
	const workers = 8
	outputs := make([]string, workers)
	for i := range outputs {
		outputs[i] = fmt.Sprintf(" part%d", i)
	}
	prov := &scriptedProvider{outputs: outputs}
	p := newTestPipeline(t, testConfig(), prov, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", seq)); err != nil {
				t.Errorf("chunk %d: %v", seq, err)
			}
		}(i)
	}
	wg.Wait()

	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	for i := 0; i < workers; i++ {
		if !strings.Contains(out, fmt.Sprintf("part%d", i)) {
			t.Fatalf("fragment %d lost, aggregate %q", i, out)
		}
	}
}

type countingDetector struct {
	resets int
}

func (d *countingDetector) ProcessFrame([]float32) (vad.Result, error) {
	return vad.Result{Probability: 1, Speaking: true}, nil
}

func (d *countingDetector) FrameSize() int { return 160 }

func (d *countingDetector) Reset() { d.resets++ }

func TestCancelResetsVoiceGate(t *testing.T) {
	det := &countingDetector{}
	log := newLogger()
	cfg := testConfig()
	svc := settings.NewService(cfg)
	prov := &scriptedProvider{outputs: []string{" hello"}}
	p, err := New(Deps{
		Config:   cfg.Transcription,
		Settings: svc,
		Models:   models.NewRegistry(cfg.Transcription, svc, log),
		Store:    &fakeStore{},
		Gate:     vad.NewGate(det, log),
		Logger:   log,
		NewProvider: func(settings.Mode) (stt.Provider, error) {
			return prov, nil
		},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	p.Cancel("s1")
	if det.resets != 1 {
		t.Fatalf("detector should reset once on cancel, got %d", det.resets)
	}
}

func TestIsModelAvailableFollowsRegistry(t *testing.T) {
	cfg := testConfig()
	cfg.Models.SelectedModel = "gpt-4o-transcribe"
	p := newTestPipeline(t, cfg, &scriptedProvider{}, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)
	if p.IsModelAvailable() {
		t.Fatalf("API model must be unavailable without a credential")
	}

	cfg.Providers.OpenAIAPIKey = "sk-test"
	p = newTestPipeline(t, cfg, &scriptedProvider{}, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)
	if !p.IsModelAvailable() {
		t.Fatalf("API model should be available once the key is set")
	}
}

func TestFinalizePersistFailureReturnsText(t *testing.T) {
	prov := &scriptedProvider{outputs: []string{" hello"}}
	st := &fakeStore{err: errors.New("disk full")}
	p := newTestPipeline(t, testConfig(), prov, st, accessibility.NewStatic(accessibility.Context{}), nil)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("expected ErrPersist, got %v", err)
	}
	if out != "hello" {
		t.Fatalf("transcript must survive persistence failure, got %q", out)
	}

	// The session is gone either way.
	retry, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil || retry != "" {
		t.Fatalf("session should be removed after finalize, got %q, %v", retry, err)
	}
}

func TestFinalizeRemovesSession(t *testing.T) {
	prov := &scriptedProvider{outputs: []string{" hello"}}
	p := newTestPipeline(t, testConfig(), prov, &fakeStore{}, accessibility.NewStatic(accessibility.Context{}), nil)

	if _, err := p.ProcessStreamingChunk(context.Background(), audioChunk("s1", 0)); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if _, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if prov.resets != 1 {
		t.Fatalf("provider should be reset after finalize")
	}
	out, err := p.Finalize(context.Background(), protocol.FinalizeSession{SessionID: "s1"})
	if err != nil || out != "" {
		t.Fatalf("second finalize should be a no-op, got %q, %v", out, err)
	}
}
