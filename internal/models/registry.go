// Package models is the speech/language model registry the pipeline consults
// for provider selection and availability. Download management lives in the
// desktop shell; the registry only verifies what is on disk and what the
// settings say is selected.
package models

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/amicalhq/dictation-core/internal/config"
	"github.com/amicalhq/dictation-core/internal/settings"
)

// Setup describes how a speech model runs.
type Setup string

const (
	// SetupOffline models are whisper.cpp weights downloaded to disk.
	SetupOffline Setup = "offline"
	// SetupAPI models run against a transcription vendor's HTTP API.
	SetupAPI Setup = "api"
	// SetupAmical models run on the integrated Amical cloud stream, which
	// can also format server-side during the flush.
	SetupAmical Setup = "amical"
)

// AmicalModelID identifies both the cloud speech model and the integrated
// cloud formatter in mode configuration.
const AmicalModelID = "amical-cloud"

// SpeechModel is one catalog entry.
type SpeechModel struct {
	ID       string
	Name     string
	Setup    Setup
	Provider string
	Filename string
}

// preferredFallback is the order used to re-select a model when the current
// selection disappears.
var preferredFallback = []string{
	"whisper-large-v3-turbo",
	"whisper-large-v1",
	"whisper-medium",
	"whisper-small",
	"whisper-base",
	"whisper-tiny",
}

// Catalog returns the built-in speech model catalog.
func Catalog() []SpeechModel {
	return []SpeechModel{
		{ID: "whisper-tiny", Name: "Whisper Tiny", Setup: SetupOffline, Provider: "local-whisper", Filename: "ggml-tiny.bin"},
		{ID: "whisper-base", Name: "Whisper Base", Setup: SetupOffline, Provider: "local-whisper", Filename: "ggml-base.bin"},
		{ID: "whisper-small", Name: "Whisper Small", Setup: SetupOffline, Provider: "local-whisper", Filename: "ggml-small.bin"},
		{ID: "whisper-medium", Name: "Whisper Medium", Setup: SetupOffline, Provider: "local-whisper", Filename: "ggml-medium.bin"},
		{ID: "whisper-large-v1", Name: "Whisper Large v1", Setup: SetupOffline, Provider: "local-whisper", Filename: "ggml-large-v1.bin"},
		{ID: "whisper-large-v3-turbo", Name: "Whisper Large v3 Turbo", Setup: SetupOffline, Provider: "local-whisper", Filename: "ggml-large-v3-turbo.bin"},
		{ID: "gpt-4o-transcribe", Name: "GPT-4o Transcribe", Setup: SetupAPI, Provider: "OpenAI"},
		{ID: "whisper-1", Name: "Whisper v2 (API)", Setup: SetupAPI, Provider: "OpenAI"},
		{ID: "whisper-large-v3", Name: "Whisper Large v3 (Groq)", Setup: SetupAPI, Provider: "Groq"},
		{ID: "grok-2-transcribe", Name: "Grok Transcribe", Setup: SetupAPI, Provider: "Grok"},
		{ID: AmicalModelID, Name: "Amical Cloud", Setup: SetupAmical, Provider: "Amical"},
	}
}

// Registry answers model selection and availability questions.
type Registry struct {
	modelsDir string
	settings  *settings.Service
	log       *slog.Logger
	catalog   map[string]SpeechModel
}

func NewRegistry(cfg config.TranscriptionConfig, svc *settings.Service, log *slog.Logger) *Registry {
	catalog := make(map[string]SpeechModel)
	for _, m := range Catalog() {
		catalog[m.ID] = m
	}
	return &Registry{
		modelsDir: cfg.ModelsDir,
		settings:  svc,
		log:       log.With(slog.String("component", "model-registry")),
		catalog:   catalog,
	}
}

// SelectedModel resolves the configured selection against the catalog.
func (r *Registry) SelectedModel() (SpeechModel, bool) {
	id := r.settings.SelectedSpeechModel()
	if id == "" {
		return SpeechModel{}, false
	}
	model, ok := r.catalog[id]
	return model, ok
}

// Lookup returns the catalog entry for a model id.
func (r *Registry) Lookup(id string) (SpeechModel, bool) {
	model, ok := r.catalog[id]
	return model, ok
}

// IsAvailable reports whether the selected model can actually transcribe:
// offline weights exist on disk, the owning API vendor has a credential, or
// the Amical cloud token is present.
func (r *Registry) IsAvailable() bool {
	model, ok := r.SelectedModel()
	if !ok {
		return false
	}
	switch model.Setup {
	case SetupOffline:
		return r.downloaded(model)
	case SetupAPI:
		_, ok := r.settings.Credential(credentialForProvider(model.Provider))
		return ok
	case SetupAmical:
		_, ok := r.settings.Credential(settings.CredentialAmical)
		return ok
	}
	return false
}

// ValidDownloadedModels scans the models directory and returns every offline
// catalog model whose weights are present.
func (r *Registry) ValidDownloadedModels() []SpeechModel {
	var valid []SpeechModel
	for _, m := range Catalog() {
		if m.Setup == SetupOffline && r.downloaded(m) {
			valid = append(valid, m)
		}
	}
	return valid
}

// PreferredDownloadedModel returns the best downloaded offline model per the
// fallback order, used when a selection disappears.
func (r *Registry) PreferredDownloadedModel() (SpeechModel, bool) {
	for _, id := range preferredFallback {
		model := r.catalog[id]
		if r.downloaded(model) {
			return model, true
		}
	}
	return SpeechModel{}, false
}

// ModelPath returns the on-disk weights path for an offline model.
func (r *Registry) ModelPath(model SpeechModel) string {
	if model.Filename == "" {
		return ""
	}
	return filepath.Join(r.modelsDir, model.Filename)
}

// VendorForLanguageModel reports which vendor owns a formatting model id,
// consulting the synced provider model catalog.
func (r *Registry) VendorForLanguageModel(modelID string) (string, bool) {
	if modelID == "" {
		return "", false
	}
	for _, m := range r.settings.SyncedProviderModels() {
		if m.ID == modelID {
			return strings.ToLower(m.Provider), true
		}
	}
	return "", false
}

func (r *Registry) downloaded(model SpeechModel) bool {
	path := r.ModelPath(model)
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

func credentialForProvider(provider string) string {
	switch provider {
	case "OpenAI":
		return settings.CredentialOpenAI
	case "Groq":
		return settings.CredentialGroq
	case "Grok":
		return settings.CredentialGrok
	default:
		return strings.ToLower(provider)
	}
}
