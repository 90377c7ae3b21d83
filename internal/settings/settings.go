// Package settings is the typed read surface over the user's configuration
// that the pipeline consumes: active mode, formatter config, transcription
// preferences, vendor credentials, and vocabulary. The full settings UI and
// migration story live in the desktop shell; the daemon only needs getters.
package settings

import (
	"sync"

	"github.com/amicalhq/dictation-core/internal/config"
	"github.com/amicalhq/dictation-core/internal/vocab"
)

// FormatterConfig is the per-mode formatting choice.
type FormatterConfig struct {
	Enabled       bool
	ModelID       string
	FallbackModel string
}

// Mode is one dictation mode as the pipeline sees it. Language is empty when
// the mode auto-detects.
type Mode struct {
	ID                 string
	Name               string
	Language           string
	AutoDetectLanguage bool
	Formatter          FormatterConfig
	CustomInstructions string
	SpeechModelID      string
}

// TranscriptionSettings are the pipeline-relevant transcription preferences.
type TranscriptionSettings struct {
	SampleRate   int
	Channels     int
	PreloadModel bool
}

// Credential names used with Service.Credential.
const (
	CredentialOpenAI     = "openai"
	CredentialAnthropic  = "anthropic"
	CredentialGoogle     = "google"
	CredentialOpenRouter = "openrouter"
	CredentialOllama     = "ollama"
	CredentialGroq       = "groq"
	CredentialGrok       = "grok"
	CredentialAmical     = "amical"
)

// Service serves settings reads. Mutation happens through the desktop shell
// rewriting the config; the daemon treats a loaded Config as authoritative
// for its lifetime but keeps the lock so a future reload hook stays safe.
type Service struct {
	mu  sync.RWMutex
	cfg config.Config
}

func NewService(cfg config.Config) *Service {
	return &Service{cfg: cfg}
}

// ActiveMode returns the currently selected mode, falling back to the first
// configured mode when the active id is unset or stale.
func (s *Service) ActiveMode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.cfg.Modes.Items
	active := s.cfg.Modes.ActiveModeID
	for _, item := range items {
		if item.ID == active {
			return toMode(item)
		}
	}
	if len(items) > 0 {
		return toMode(items[0])
	}
	return Mode{ID: "default", Name: "Default", AutoDetectLanguage: true}
}

// FormatterConfig returns the active mode's formatter configuration.
func (s *Service) FormatterConfig() FormatterConfig {
	return s.ActiveMode().Formatter
}

func (s *Service) TranscriptionSettings() TranscriptionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TranscriptionSettings{
		SampleRate:   s.cfg.Transcription.SampleRate,
		Channels:     s.cfg.Transcription.Channels,
		PreloadModel: s.cfg.Transcription.PreloadModel,
	}
}

// Credential returns the stored secret (or endpoint, for Ollama) for a
// vendor. ok is false when nothing is configured.
func (s *Service) Credential(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	switch name {
	case CredentialOpenAI:
		value = s.cfg.Providers.OpenAIAPIKey
	case CredentialAnthropic:
		value = s.cfg.Providers.AnthropicAPIKey
	case CredentialGoogle:
		value = s.cfg.Providers.GoogleAPIKey
	case CredentialOpenRouter:
		value = s.cfg.Providers.OpenRouterAPIKey
	case CredentialOllama:
		value = s.cfg.Providers.OllamaEndpoint
	case CredentialGroq:
		value = s.cfg.Providers.GroqAPIKey
	case CredentialGrok:
		value = s.cfg.Providers.GrokAPIKey
	case CredentialAmical:
		value = s.cfg.Providers.AmicalToken
	}
	return value, value != ""
}

// Vocabulary returns up to limit replacement entries in configured order.
// limit <= 0 applies the configured default.
func (s *Service) Vocabulary(limit int) []vocab.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = s.cfg.Vocabulary.Limit
	}
	entries := s.cfg.Vocabulary.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]vocab.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, vocab.Entry{Word: e.Word, Replacement: e.Replacement})
	}
	return out
}

func (s *Service) DefaultLanguageModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Models.DefaultLanguageModel
}

func (s *Service) SelectedSpeechModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Models.SelectedModel
}

func (s *Service) SyncedProviderModels() []config.ProviderModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]config.ProviderModel(nil), s.cfg.Models.SyncedProviderModels...)
}

func (s *Service) OnboardingComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.OnboardingComplete
}

func toMode(item config.ModeConfig) Mode {
	language := item.Language
	if item.AutoDetectLanguage {
		language = ""
	}
	return Mode{
		ID:                 item.ID,
		Name:               item.Name,
		Language:           language,
		AutoDetectLanguage: item.AutoDetectLanguage,
		Formatter: FormatterConfig{
			Enabled:       item.FormatterEnabled,
			ModelID:       item.FormatterModel,
			FallbackModel: item.FormatterFallback,
		},
		CustomInstructions: item.CustomInstructions,
		SpeechModelID:      item.SpeechModel,
	}
}
