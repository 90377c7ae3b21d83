package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/amicalhq/dictation-core/internal/accessibility"
	"github.com/amicalhq/dictation-core/internal/config"
	"github.com/amicalhq/dictation-core/internal/formatter"
	"github.com/amicalhq/dictation-core/internal/models"
	"github.com/amicalhq/dictation-core/internal/protocol"
	"github.com/amicalhq/dictation-core/internal/settings"
	"github.com/amicalhq/dictation-core/internal/store"
	"github.com/amicalhq/dictation-core/internal/stt"
	"github.com/amicalhq/dictation-core/internal/vad"
	"github.com/amicalhq/dictation-core/internal/vocab"
)

// ErrPersist marks a finalization whose transcript was produced but could not
// be saved. The wrapped error still carries the storage failure; the
// transcript travels back alongside it.
var ErrPersist = errors.New("transcript not persisted")

// Settings is the slice of the settings service the pipeline reads.
type Settings interface {
	ActiveMode() settings.Mode
	Vocabulary(limit int) []vocab.Entry
	Credential(name string) (string, bool)
	DefaultLanguageModel() string
	OnboardingComplete() bool
}

// Models is the slice of the model registry the pipeline consults.
type Models interface {
	SelectedModel() (models.SpeechModel, bool)
	Lookup(id string) (models.SpeechModel, bool)
	IsAvailable() bool
	ModelPath(model models.SpeechModel) string
	PreferredDownloadedModel() (models.SpeechModel, bool)
	VendorForLanguageModel(modelID string) (string, bool)
}

// Persister saves finished transcriptions.
type Persister interface {
	CreateTranscription(ctx context.Context, rec store.Record) (int64, error)
}

// Notifier surfaces user-facing warnings (missing model, absent credentials).
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Deps wires the pipeline's collaborators. NewProvider and NewFormatter are
// overridable for tests; nil selects the real constructors.
type Deps struct {
	Config   config.TranscriptionConfig
	Settings Settings
	Models   Models
	Store    Persister
	Bridge   accessibility.Bridge
	Gate     *vad.Gate
	Sink     UsageSink
	Notifier Notifier
	Logger   *slog.Logger

	NewProvider  func(mode settings.Mode) (stt.Provider, error)
	NewFormatter func(cfg formatter.VendorConfig) (formatter.Provider, error)
}

// Pipeline owns dictation sessions from first audio chunk to persisted
// transcript.
//
// Locking: mu is the transcription mutex; it guards the session map and every
// provider Transcribe/Flush/Reset call so chunk, cancel, and flush never
// interleave. modelMu serializes model preloading. The VAD gate carries its
// own lock and is always taken before mu, never under it.
type Pipeline struct {
	cfg      config.TranscriptionConfig
	settings Settings
	models   Models
	store    Persister
	bridge   accessibility.Bridge
	gate     *vad.Gate
	sink     UsageSink
	notifier Notifier
	log      *slog.Logger

	newProvider  func(mode settings.Mode) (stt.Provider, error)
	newFormatter func(cfg formatter.VendorConfig) (formatter.Provider, error)

	mu       sync.Mutex
	sessions map[string]*session

	modelMu sync.Mutex
}

func New(deps Deps) (*Pipeline, error) {
	if deps.Settings == nil || deps.Models == nil || deps.Store == nil {
		return nil, fmt.Errorf("pipeline requires settings, models, and store")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("pipeline requires a logger")
	}
	p := &Pipeline{
		cfg:          deps.Config,
		settings:     deps.Settings,
		models:       deps.Models,
		store:        deps.Store,
		bridge:       deps.Bridge,
		gate:         deps.Gate,
		sink:         deps.Sink,
		notifier:     deps.Notifier,
		log:          deps.Logger.With(slog.String("component", "pipeline")),
		newProvider:  deps.NewProvider,
		newFormatter: deps.NewFormatter,
		sessions:     make(map[string]*session),
	}
	if p.gate == nil {
		p.gate = vad.NewGate(nil, deps.Logger)
	}
	if p.newProvider == nil {
		p.newProvider = p.buildProvider
	}
	if p.newFormatter == nil {
		p.newFormatter = func(cfg formatter.VendorConfig) (formatter.Provider, error) {
			return formatter.New(cfg, deps.Logger)
		}
	}
	return p, nil
}

// Initialize warms the selected offline model and surfaces a warning when the
// configured model cannot transcribe at all.
func (p *Pipeline) Initialize(ctx context.Context) error {
	if !p.models.IsAvailable() && p.settings.OnboardingComplete() {
		p.log.Warn("selected speech model is not available")
		if p.notifier != nil {
			p.notifier.Notify(ctx, "The selected speech model is not available. Download it or add a credential in settings.")
		}
	}

	if !p.cfg.PreloadModel || p.cfg.LocalCommand == "" {
		return nil
	}
	model, ok := p.models.SelectedModel()
	if !ok || model.Setup != models.SetupOffline {
		return nil
	}

	p.modelMu.Lock()
	defer p.modelMu.Unlock()

	local, err := stt.NewLocalProvider(p.cfg, p.models.ModelPath(model), p.log)
	if err != nil {
		return err
	}
	if err := local.Preload(ctx); err != nil {
		p.log.Warn("model preload failed", slog.String("model", model.ID), slog.String("error", err.Error()))
		return nil
	}
	p.log.Info("speech model preloaded", slog.String("model", model.ID))
	return nil
}

// IsModelAvailable reports whether the selected speech model can transcribe
// right now: offline weights on disk, a vendor credential, or a cloud token.
func (p *Pipeline) IsModelAvailable() bool {
	return p.models.IsAvailable()
}

// HandleModelChange re-warms after the selected model changes. New sessions
// pick up the selection on creation; in-flight sessions keep their provider.
func (p *Pipeline) HandleModelChange(ctx context.Context) {
	model, ok := p.models.SelectedModel()
	if !ok {
		p.log.Warn("model selection changed to an unknown model")
		return
	}
	p.log.Info("speech model changed", slog.String("model", model.ID))

	if model.Setup != models.SetupOffline || !p.cfg.PreloadModel || p.cfg.LocalCommand == "" {
		return
	}

	p.modelMu.Lock()
	defer p.modelMu.Unlock()

	local, err := stt.NewLocalProvider(p.cfg, p.models.ModelPath(model), p.log)
	if err != nil {
		p.log.Warn("model preload failed", slog.String("error", err.Error()))
		return
	}
	if err := local.Preload(ctx); err != nil {
		p.log.Warn("model preload failed", slog.String("model", model.ID), slog.String("error", err.Error()))
	}
}

// ProcessStreamingChunk feeds one audio chunk into its session, creating the
// session on first audio. It returns the transcript accumulated so far.
//
// An empty chunk is a keepalive: it creates nothing, gates nothing, and
// returns the current aggregate unchanged.
func (p *Pipeline) ProcessStreamingChunk(ctx context.Context, chunk protocol.AudioChunk) (string, error) {
	if len(chunk.PCM) == 0 {
		p.mu.Lock()
		defer p.mu.Unlock()
		if sess, ok := p.sessions[chunk.SessionID]; ok {
			return sess.aggregate(), nil
		}
		return "", nil
	}

	// Voice activity runs outside the transcription mutex; the gate has its
	// own lock and degrades to a neutral result on failure.
	frame := vad.FrameFromPCM(chunk.PCM, p.gate.FrameSize())
	activity := p.gate.Evaluate(frame)

	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[chunk.SessionID]
	if !ok {
		var err error
		sess, err = p.openSession(ctx, chunk)
		if err != nil {
			return "", err
		}
		p.sessions[chunk.SessionID] = sess
	}

	text, err := sess.provider.Transcribe(ctx, stt.Request{
		SessionID:         sess.id,
		Audio:             chunk.PCM,
		SampleRate:        chunk.SampleRate,
		Channels:          chunk.Channels,
		SpeechProbability: activity.Probability,
		Speaking:          activity.Speaking,
		PreviousChunk:     sess.lastFragment(),
		Aggregated:        sess.aggregate(),
		Language:          sess.mode.Language,
	})
	sess.chunks++
	if err != nil {
		return sess.aggregate(), fmt.Errorf("transcribe chunk %d: %w", chunk.Sequence, err)
	}
	sess.accumulate(text)
	return sess.aggregate(), nil
}

// Cancel discards a session without producing a transcript. Unknown sessions
// are a no-op.
func (p *Pipeline) Cancel(sessionID string) {
	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		p.log.Debug("cancel for unknown session", slog.String("session_id", sessionID))
		return
	}
	sess.provider.Reset()
	delete(p.sessions, sessionID)
	p.mu.Unlock()

	p.gate.Reset()
	p.log.Info("session canceled", slog.String("session_id", sessionID))
}

// Finalize flushes the provider, formats, applies vocabulary, persists, and
// removes the session. The transcript is returned even when persistence
// fails; in that case the error wraps ErrPersist.
func (p *Pipeline) Finalize(ctx context.Context, req protocol.FinalizeSession) (string, error) {
	started := time.Now()

	p.mu.Lock()
	sess, ok := p.sessions[req.SessionID]
	if !ok {
		p.mu.Unlock()
		p.log.Warn("finalize for unknown session", slog.String("session_id", req.SessionID))
		return "", nil
	}

	fc := sess.mode.Formatter
	flushed, err := sess.provider.Flush(ctx, stt.FlushRequest{
		SessionID:          sess.id,
		Language:           sess.mode.Language,
		Aggregated:         sess.aggregate(),
		AudioFilePath:      req.AudioFilePath,
		CustomInstructions: sess.mode.CustomInstructions,
		WithFormatting:     fc.Enabled && fc.ModelID == models.AmicalModelID,
	})
	if err != nil {
		// Session stays so finalize can be retried.
		p.mu.Unlock()
		return "", fmt.Errorf("flush session: %w", err)
	}
	sess.accumulate(flushed)
	text := sess.aggregate()
	cumulative := sess.provider.Cumulative()
	chunks := sess.chunks
	p.mu.Unlock()

	text = stripLeadingSpace(text, cumulative, sess.axCtx)

	formattingModel := ""
	if fc.Enabled && strings.TrimSpace(text) != "" {
		if fc.ModelID == models.AmicalModelID {
			// Integrated cloud formatting was requested during the flush.
			if cumulative {
				formattingModel = models.AmicalModelID
			} else {
				p.log.Warn("integrated formatting requires the cloud speech model, skipping",
					slog.String("session_id", sess.id))
			}
		} else {
			formatted, model, ferr := p.formatText(ctx, text, sess)
			if ferr != nil {
				p.log.Warn("formatting failed, keeping raw transcript",
					slog.String("session_id", sess.id), slog.String("error", ferr.Error()))
			} else if formatted != "" {
				text = formatted
				formattingModel = model
			}
		}
	}

	vocabulary := p.settings.Vocabulary(0)
	text = vocab.Apply(text, vocabulary)

	audioSeconds := p.audioSeconds(req)
	rec := store.Record{
		Text:            text,
		Timestamp:       recordingStop(req, started),
		Language:        sess.mode.Language,
		AudioFile:       req.AudioFilePath,
		Duration:        audioSeconds,
		SpeechModel:     sess.provider.ModelID(),
		FormattingModel: formattingModel,
		Meta: map[string]any{
			"mode_id":      sess.mode.ID,
			"app_name":     sess.axCtx.AppName,
			"window_title": sess.axCtx.WindowTitle,
			"chunks":       chunks,
		},
	}
	_, persistErr := p.store.CreateTranscription(ctx, rec)
	if persistErr != nil {
		p.log.Error("failed to persist transcription",
			slog.String("session_id", sess.id), slog.String("error", persistErr.Error()))
	}

	if p.sink != nil {
		processing := time.Since(started).Seconds()
		usage := Usage{
			SessionID:         sess.id,
			RecordingSeconds:  recordingStop(req, started).Sub(recordingStart(req, sess)).Seconds(),
			ProcessingSeconds: processing,
			AudioSeconds:      audioSeconds,
			Words:             len(strings.Fields(text)),
			Characters:        utf8.RuneCountInString(text),
			VocabularyEntries: len(vocabulary),
			SpeechModel:       sess.provider.ModelID(),
			FormattingModel:   formattingModel,
			Saved:             persistErr == nil,
		}
		if processing > 0 && audioSeconds > 0 {
			usage.RealtimeFactor = audioSeconds / processing
		}
		p.sink.Record(ctx, usage)
	}

	p.mu.Lock()
	sess.provider.Reset()
	delete(p.sessions, req.SessionID)
	p.mu.Unlock()
	p.gate.Reset()

	p.log.Info("session finalized",
		slog.String("session_id", sess.id),
		slog.Int("chunks", chunks),
		slog.Bool("saved", persistErr == nil))

	if persistErr != nil {
		return text, fmt.Errorf("%w: %v", ErrPersist, persistErr)
	}
	return text, nil
}

// openSession snapshots mode and accessibility context for a new dictation.
// Callers hold p.mu.
func (p *Pipeline) openSession(ctx context.Context, chunk protocol.AudioChunk) (*session, error) {
	mode := p.settings.ActiveMode()

	var axCtx accessibility.Context
	if p.bridge != nil {
		snapshot, err := p.bridge.AccessibilityContext(ctx)
		if err != nil {
			p.log.Warn("accessibility context unavailable", slog.String("error", err.Error()))
		} else {
			axCtx = snapshot
		}
	}

	provider, err := p.newProvider(mode)
	if err != nil {
		return nil, fmt.Errorf("select transcription provider: %w", err)
	}

	now := time.Now()
	recStart := now
	if chunk.RecordingStartedAt != nil {
		recStart = *chunk.RecordingStartedAt
	}

	p.log.Info("session started",
		slog.String("session_id", chunk.SessionID),
		slog.String("mode", mode.ID),
		slog.String("model", provider.ModelID()))

	return &session{
		id:                 chunk.SessionID,
		mode:               mode,
		axCtx:              axCtx,
		provider:           provider,
		recordingStartedAt: recStart,
	}, nil
}

// buildProvider resolves the session's speech model to a concrete backend.
// The mode's speech model overrides the global selection when set.
func (p *Pipeline) buildProvider(mode settings.Mode) (stt.Provider, error) {
	model, ok := p.models.SelectedModel()
	if mode.SpeechModelID != "" {
		if override, found := p.models.Lookup(mode.SpeechModelID); found {
			model, ok = override, true
		}
	}
	if !ok || (model.Setup == models.SetupOffline && p.cfg.LocalCommand == "") {
		if fallback, found := p.models.PreferredDownloadedModel(); found && p.cfg.LocalCommand != "" {
			model, ok = fallback, true
		} else {
			p.log.Warn("no usable speech model, using mock transcription")
			return stt.NewMockProvider(), nil
		}
	}

	switch model.Setup {
	case models.SetupOffline:
		return stt.NewLocalProvider(p.cfg, p.models.ModelPath(model), p.log)
	case models.SetupAPI:
		endpoint, credName := transcriptionEndpoint(model.Provider)
		key, found := p.settings.Credential(credName)
		if !found {
			return nil, fmt.Errorf("no credential configured for %s", model.Provider)
		}
		return stt.NewAPIProvider(endpoint, key, model.ID, p.cfg, p.log), nil
	case models.SetupAmical:
		token, found := p.settings.Credential(settings.CredentialAmical)
		if !found {
			return nil, fmt.Errorf("no cloud token configured")
		}
		return stt.NewCloudProvider(p.cfg.CloudURL, token, p.log), nil
	default:
		return nil, fmt.Errorf("unknown model setup %q", model.Setup)
	}
}

// formatText runs the transcript through the configured language model,
// walking the model id, its fallback, and the global default until one
// resolves to a vendor with a credential.
func (p *Pipeline) formatText(ctx context.Context, text string, sess *session) (string, string, error) {
	fc := sess.mode.Formatter
	candidates := []string{fc.ModelID, fc.FallbackModel, p.settings.DefaultLanguageModel()}

	var lastErr error
	for _, modelID := range candidates {
		if modelID == "" || modelID == models.AmicalModelID {
			continue
		}
		vendor, ok := p.models.VendorForLanguageModel(modelID)
		if !ok {
			lastErr = fmt.Errorf("no vendor for formatting model %q", modelID)
			continue
		}
		cred, ok := p.settings.Credential(vendor)
		if !ok {
			lastErr = fmt.Errorf("no credential for vendor %q", vendor)
			continue
		}
		cfg := formatter.VendorConfig{Vendor: formatter.Vendor(vendor), Model: modelID}
		if vendor == settings.CredentialOllama {
			cfg.Endpoint = cred
		} else {
			cfg.APIKey = cred
		}
		provider, err := p.newFormatter(cfg)
		if err != nil {
			lastErr = err
			continue
		}
		formatted, err := provider.Format(ctx, text, formatter.Context{
			AppName:            sess.axCtx.AppName,
			WindowTitle:        sess.axCtx.WindowTitle,
			TextBeforeCursor:   sess.axCtx.TextBeforeCursor,
			TextAfterCursor:    sess.axCtx.TextAfterCursor,
			CustomInstructions: sess.mode.CustomInstructions,
			Language:           sess.mode.Language,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return formatted, modelID, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no formatting model configured")
	}
	return "", "", lastErr
}

func (p *Pipeline) audioSeconds(req protocol.FinalizeSession) float64 {
	if req.AudioFilePath != "" {
		if seconds, err := stt.WavDuration(req.AudioFilePath); err == nil {
			return seconds
		}
	}
	if req.RecordingStartedAt != nil && req.RecordingStoppedAt != nil {
		return req.RecordingStoppedAt.Sub(*req.RecordingStartedAt).Seconds()
	}
	return 0
}

// stripLeadingSpace removes the artificial leading space delta engines emit
// when the text will land at a position that already provides separation.
func stripLeadingSpace(text string, cumulative bool, axCtx accessibility.Context) string {
	if cumulative || !strings.HasPrefix(text, " ") {
		return text
	}
	before := axCtx.TextBeforeCursor
	if before == "" {
		return text[1:]
	}
	last, _ := utf8.DecodeLastRuneInString(before)
	if unicode.IsSpace(last) {
		return text[1:]
	}
	return text
}

func recordingStart(req protocol.FinalizeSession, sess *session) time.Time {
	if req.RecordingStartedAt != nil {
		return *req.RecordingStartedAt
	}
	return sess.recordingStartedAt
}

func recordingStop(req protocol.FinalizeSession, fallback time.Time) time.Time {
	if req.RecordingStoppedAt != nil {
		return *req.RecordingStoppedAt
	}
	return fallback
}

func transcriptionEndpoint(provider string) (string, string) {
	switch provider {
	case "Groq":
		return stt.GroqTranscriptionURL, settings.CredentialGroq
	case "Grok":
		return stt.GrokTranscriptionURL, settings.CredentialGrok
	default:
		return stt.OpenAITranscriptionURL, settings.CredentialOpenAI
	}
}
