package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TranscriptionConfig struct {
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	LocalCommand  string `yaml:"local_command"`
	ModelsDir     string `yaml:"models_dir"`
	MinBatchMS    int    `yaml:"min_batch_ms"`
	PreloadModel  bool   `yaml:"preload_model"`
	CloudURL      string `yaml:"cloud_url"`
	RecordingsDir string `yaml:"recordings_dir"`
}

type VADConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Threshold      float64 `yaml:"threshold"`
	FrameSize      int     `yaml:"frame_size"`
	HangoverFrames int     `yaml:"hangover_frames"`
}

// ModeConfig is one dictation mode: a named bundle of language, formatting,
// and instruction settings the user switches between.
type ModeConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Default            bool   `yaml:"default"`
	Language           string `yaml:"language"`
	AutoDetectLanguage bool   `yaml:"auto_detect_language"`
	FormatterEnabled   bool   `yaml:"formatter_enabled"`
	FormatterModel     string `yaml:"formatter_model"`
	FormatterFallback  string `yaml:"formatter_fallback"`
	CustomInstructions string `yaml:"custom_instructions"`
	SpeechModel        string `yaml:"speech_model"`
}

type ModesConfig struct {
	ActiveModeID string       `yaml:"active_mode_id"`
	Items        []ModeConfig `yaml:"items"`
}

type VocabEntry struct {
	Word        string `yaml:"word"`
	Replacement string `yaml:"replacement"`
}

type VocabularyConfig struct {
	Limit   int          `yaml:"limit"`
	Entries []VocabEntry `yaml:"entries"`
}

// ProvidersConfig holds per-vendor credentials and endpoints. An empty value
// disables the matching vendor; the pipeline degrades instead of failing.
type ProvidersConfig struct {
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	GoogleAPIKey     string `yaml:"google_api_key"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	OllamaEndpoint   string `yaml:"ollama_endpoint"`
	GroqAPIKey       string `yaml:"groq_api_key"`
	GrokAPIKey       string `yaml:"grok_api_key"`
	AmicalToken      string `yaml:"amical_token"`
}

type ProviderModel struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
}

type ModelsConfig struct {
	SelectedModel        string          `yaml:"selected_model"`
	DefaultLanguageModel string          `yaml:"default_language_model"`
	SyncedProviderModels []ProviderModel `yaml:"synced_provider_models"`
}

type Config struct {
	RuntimeName        string              `yaml:"runtime_name"`
	Environment        string              `yaml:"environment"`
	OnboardingComplete bool                `yaml:"onboarding_complete"`
	HTTP               HTTPConfig          `yaml:"http"`
	Telemetry          TelemetryConfig     `yaml:"telemetry"`
	Bus                BusConfig           `yaml:"bus"`
	Store              StoreConfig         `yaml:"store"`
	Transcription      TranscriptionConfig `yaml:"transcription"`
	VAD                VADConfig           `yaml:"vad"`
	Modes              ModesConfig         `yaml:"modes"`
	Vocabulary         VocabularyConfig    `yaml:"vocabulary"`
	Providers          ProvidersConfig     `yaml:"providers"`
	Models             ModelsConfig        `yaml:"models"`
}

func Default() Config {
	return Config{
		RuntimeName: "amical-dictation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/transcriptions.db",
		},
		Transcription: TranscriptionConfig{
			SampleRate:    16000,
			Channels:      1,
			ModelsDir:     "./data/models",
			MinBatchMS:    1500,
			RecordingsDir: "./data/recordings",
			CloudURL:      "wss://cloud.amical.ai/v1/stream",
		},
		VAD: VADConfig{
			Enabled:        true,
			Threshold:      0.5,
			FrameSize:      512,
			HangoverFrames: 12,
		},
		Modes: ModesConfig{
			ActiveModeID: "default",
			Items: []ModeConfig{
				{
					ID:                 "default",
					Name:               "Default",
					Default:            true,
					AutoDetectLanguage: true,
				},
			},
		},
		Vocabulary: VocabularyConfig{
			Limit: 500,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "AMICAL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AMICAL_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.OnboardingComplete, "AMICAL_ONBOARDING_COMPLETE")
	overrideString(&cfg.HTTP.Bind, "AMICAL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AMICAL_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AMICAL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AMICAL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AMICAL_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "AMICAL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AMICAL_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "AMICAL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AMICAL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AMICAL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AMICAL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AMICAL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AMICAL_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "AMICAL_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "AMICAL_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxRecords, "AMICAL_STORE_MAX_RECORDS")
	overrideBool(&cfg.Store.VacuumOnStart, "AMICAL_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Transcription.SampleRate, "AMICAL_TRANSCRIPTION_SAMPLE_RATE")
	overrideInt(&cfg.Transcription.Channels, "AMICAL_TRANSCRIPTION_CHANNELS")
	overrideString(&cfg.Transcription.LocalCommand, "AMICAL_TRANSCRIPTION_LOCAL_COMMAND")
	overrideString(&cfg.Transcription.ModelsDir, "AMICAL_TRANSCRIPTION_MODELS_DIR")
	overrideInt(&cfg.Transcription.MinBatchMS, "AMICAL_TRANSCRIPTION_MIN_BATCH_MS")
	overrideBool(&cfg.Transcription.PreloadModel, "AMICAL_TRANSCRIPTION_PRELOAD_MODEL")
	overrideString(&cfg.Transcription.CloudURL, "AMICAL_TRANSCRIPTION_CLOUD_URL")
	overrideBool(&cfg.VAD.Enabled, "AMICAL_VAD_ENABLED")
	overrideFloat(&cfg.VAD.Threshold, "AMICAL_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.FrameSize, "AMICAL_VAD_FRAME_SIZE")
	overrideString(&cfg.Models.SelectedModel, "AMICAL_MODELS_SELECTED")
	overrideString(&cfg.Models.DefaultLanguageModel, "AMICAL_MODELS_DEFAULT_LANGUAGE")
	overrideString(&cfg.Providers.OpenAIAPIKey, "AMICAL_OPENAI_API_KEY")
	overrideString(&cfg.Providers.AnthropicAPIKey, "AMICAL_ANTHROPIC_API_KEY")
	overrideString(&cfg.Providers.GoogleAPIKey, "AMICAL_GOOGLE_API_KEY")
	overrideString(&cfg.Providers.OpenRouterAPIKey, "AMICAL_OPENROUTER_API_KEY")
	overrideString(&cfg.Providers.OllamaEndpoint, "AMICAL_OLLAMA_ENDPOINT")
	overrideString(&cfg.Providers.GroqAPIKey, "AMICAL_GROQ_API_KEY")
	overrideString(&cfg.Providers.GrokAPIKey, "AMICAL_GROK_API_KEY")
	overrideString(&cfg.Providers.AmicalToken, "AMICAL_CLOUD_TOKEN")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Store.MaxRecords < 0 {
		return errors.New("store.max_records must be >= 0")
	}
	if cfg.Transcription.SampleRate <= 0 {
		return errors.New("transcription.sample_rate must be positive")
	}
	if cfg.Transcription.Channels <= 0 {
		return errors.New("transcription.channels must be positive")
	}
	if cfg.Transcription.MinBatchMS < 0 {
		return errors.New("transcription.min_batch_ms must be >= 0")
	}
	if cfg.VAD.Enabled {
		if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
			return errors.New("vad.threshold must be between 0 and 1")
		}
		if cfg.VAD.FrameSize <= 0 {
			return errors.New("vad.frame_size must be positive")
		}
	}
	if len(cfg.Modes.Items) == 0 {
		return errors.New("modes.items must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Modes.Items))
	for _, mode := range cfg.Modes.Items {
		if mode.ID == "" {
			return errors.New("every mode must have an id")
		}
		if seen[mode.ID] {
			return fmt.Errorf("duplicate mode id %q", mode.ID)
		}
		seen[mode.ID] = true
	}
	if cfg.Modes.ActiveModeID != "" && !seen[cfg.Modes.ActiveModeID] {
		return fmt.Errorf("modes.active_mode_id %q does not match any mode", cfg.Modes.ActiveModeID)
	}
	if cfg.Vocabulary.Limit < 0 {
		return errors.New("vocabulary.limit must be >= 0")
	}
	return nil
}
