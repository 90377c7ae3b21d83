package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Transcription.SampleRate != 16000 {
		t.Fatalf("expected 16kHz default sample rate, got %d", cfg.Transcription.SampleRate)
	}
	if cfg.Modes.ActiveModeID != "default" {
		t.Fatalf("expected default active mode, got %q", cfg.Modes.ActiveModeID)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AMICAL_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("AMICAL_BUS_USERNAME", "alice")
	t.Setenv("AMICAL_BUS_PASSWORD", "secret")
	t.Setenv("AMICAL_STORE_PATH", "./tmp.db")
	t.Setenv("AMICAL_TRANSCRIPTION_SAMPLE_RATE", "8000")
	t.Setenv("AMICAL_TRANSCRIPTION_PRELOAD_MODEL", "true")
	t.Setenv("AMICAL_VAD_THRESHOLD", "0.7")
	t.Setenv("AMICAL_MODELS_SELECTED", "whisper-base")
	t.Setenv("AMICAL_OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Transcription.SampleRate != 8000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Transcription.SampleRate)
	}
	if !cfg.Transcription.PreloadModel {
		t.Fatalf("expected preload flag override")
	}
	if cfg.VAD.Threshold != 0.7 {
		t.Fatalf("expected vad threshold override, got %f", cfg.VAD.Threshold)
	}
	if cfg.Models.SelectedModel != "whisper-base" {
		t.Fatalf("expected selected model override")
	}
	if cfg.Providers.OpenAIAPIKey != "sk-test" {
		t.Fatalf("expected api key override")
	}
}

func TestLoadFileAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dictation.yaml")
	body := `
modes:
  active_mode_id: notes
  items:
    - id: notes
      name: Notes
      language: en
      formatter_enabled: true
      formatter_model: gpt-4o-mini
vocabulary:
  entries:
    - word: api
      replacement: API
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Modes.ActiveModeID != "notes" {
		t.Fatalf("expected active mode from file, got %q", cfg.Modes.ActiveModeID)
	}
	if !cfg.Modes.Items[0].FormatterEnabled {
		t.Fatalf("expected formatter enabled")
	}
	if len(cfg.Vocabulary.Entries) != 1 || cfg.Vocabulary.Entries[0].Replacement != "API" {
		t.Fatalf("unexpected vocabulary: %+v", cfg.Vocabulary.Entries)
	}
}

func TestValidateRejectsUnknownActiveMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dictation.yaml")
	body := `
modes:
  active_mode_id: missing
  items:
    - id: default
      name: Default
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown active mode")
	}
}
