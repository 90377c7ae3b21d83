package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/amicalhq/dictation-core/internal/config"
)

// Endpoints for the hosted transcription vendors. All three speak the
// OpenAI-compatible multipart transcription API.
const (
	OpenAITranscriptionURL = "https://api.openai.com/v1/audio/transcriptions"
	GroqTranscriptionURL   = "https://api.groq.com/openai/v1/audio/transcriptions"
	GrokTranscriptionURL   = "https://api.x.ai/v1/audio/transcriptions"
)

// APIProvider batches PCM and posts it to a hosted transcription endpoint.
// Like the local engine it is delta-style: each successful call transcribes
// only the audio accumulated since the previous one.
type APIProvider struct {
	endpoint string
	apiKey   string
	modelID  string
	cfg      config.TranscriptionConfig
	client   *http.Client
	log      *slog.Logger

	mu  sync.Mutex
	buf []byte
}

type apiResult struct {
	Text string `json:"text"`
}

func NewAPIProvider(endpoint, apiKey, modelID string, cfg config.TranscriptionConfig, log *slog.Logger) *APIProvider {
	return &APIProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		modelID:  modelID,
		cfg:      cfg,
		client:   &http.Client{Timeout: 60 * time.Second},
		log:      log.With(slog.String("component", "stt-api")),
	}
}

func (p *APIProvider) Cumulative() bool { return false }

func (p *APIProvider) ModelID() string { return p.modelID }

func (p *APIProvider) Transcribe(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, req.Audio...)
	if len(p.buf) < p.minBatchBytes() || req.Speaking {
		return "", nil
	}

	batch := p.buf
	p.buf = nil
	text, err := p.post(ctx, batch, req.Language)
	if err != nil {
		p.buf = batch
		return "", err
	}
	return text, nil
}

func (p *APIProvider) Flush(ctx context.Context, req FlushRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return "", nil
	}
	batch := p.buf
	p.buf = nil
	return p.post(ctx, batch, req.Language)
}

func (p *APIProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
}

func (p *APIProvider) minBatchBytes() int {
	ms := p.cfg.MinBatchMS
	if ms <= 0 {
		ms = 1500
	}
	return p.cfg.SampleRate * p.cfg.Channels * 2 * ms / 1000
}

func (p *APIProvider) post(ctx context.Context, pcm []byte, language string) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), "amical_stt_api_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, p.cfg.SampleRate, p.cfg.Channels); err != nil {
		return "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind wav: %w", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("copy wav into request: %w", err)
	}
	if err := writer.WriteField("model", p.modelID); err != nil {
		return "", err
	}
	if language != "" {
		if err := writer.WriteField("language", language); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("transcription API returned %s: %s", resp.Status, payload)
	}

	var result apiResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return result.Text, nil
}
