package models

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/amicalhq/dictation-core/internal/config"
	"github.com/amicalhq/dictation-core/internal/settings"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRegistry(t *testing.T, cfg config.Config) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	cfg.Transcription.ModelsDir = dir
	svc := settings.NewService(cfg)
	return NewRegistry(cfg.Transcription, svc, newLogger()), dir
}

func writeWeights(t *testing.T, dir, filename string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, filename), []byte("weights"), 0o644); err != nil {
		t.Fatalf("write weights: %v", err)
	}
}

func TestSelectedModelResolvesCatalog(t *testing.T) {
	cfg := config.Default()
	cfg.Models.SelectedModel = "whisper-base"
	reg, _ := newRegistry(t, cfg)

	model, ok := reg.SelectedModel()
	if !ok {
		t.Fatalf("expected catalog hit")
	}
	if model.Setup != SetupOffline || model.Filename != "ggml-base.bin" {
		t.Fatalf("unexpected model: %+v", model)
	}
}

func TestIsAvailableOfflineRequiresWeights(t *testing.T) {
	cfg := config.Default()
	cfg.Models.SelectedModel = "whisper-tiny"
	reg, dir := newRegistry(t, cfg)

	if reg.IsAvailable() {
		t.Fatalf("model should be unavailable before download")
	}
	writeWeights(t, dir, "ggml-tiny.bin")
	if !reg.IsAvailable() {
		t.Fatalf("model should be available once weights exist")
	}
}

func TestIsAvailableAPIRequiresCredential(t *testing.T) {
	cfg := config.Default()
	cfg.Models.SelectedModel = "gpt-4o-transcribe"
	reg, _ := newRegistry(t, cfg)
	if reg.IsAvailable() {
		t.Fatalf("API model should be unavailable without a key")
	}

	cfg.Providers.OpenAIAPIKey = "sk-test"
	reg, _ = newRegistry(t, cfg)
	if !reg.IsAvailable() {
		t.Fatalf("API model should be available with a key")
	}
}

func TestPreferredDownloadedModelFollowsFallbackOrder(t *testing.T) {
	reg, dir := newRegistry(t, config.Default())

	if _, ok := reg.PreferredDownloadedModel(); ok {
		t.Fatalf("nothing downloaded yet")
	}

	writeWeights(t, dir, "ggml-tiny.bin")
	model, ok := reg.PreferredDownloadedModel()
	if !ok || model.ID != "whisper-tiny" {
		t.Fatalf("expected tiny, got %+v", model)
	}

	writeWeights(t, dir, "ggml-medium.bin")
	model, ok = reg.PreferredDownloadedModel()
	if !ok || model.ID != "whisper-medium" {
		t.Fatalf("medium should outrank tiny, got %+v", model)
	}
}

func TestVendorForLanguageModel(t *testing.T) {
	cfg := config.Default()
	cfg.Models.SyncedProviderModels = []config.ProviderModel{
		{ID: "gpt-4o-mini", Provider: "OpenAI"},
		{ID: "claude-haiku", Provider: "Anthropic"},
	}
	reg, _ := newRegistry(t, cfg)

	vendor, ok := reg.VendorForLanguageModel("claude-haiku")
	if !ok || vendor != "anthropic" {
		t.Fatalf("got %q, %v", vendor, ok)
	}
	if _, ok := reg.VendorForLanguageModel("unknown"); ok {
		t.Fatalf("unknown model must not resolve")
	}
}
