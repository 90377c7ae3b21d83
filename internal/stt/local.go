package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/amicalhq/dictation-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// LocalProvider runs whisper.cpp out-of-process. It buffers incoming PCM and
// only transcribes once a minimum batch has accumulated, so successive
// Transcribe calls return deltas (or empty strings while buffering).
//
// The whisper CLI conventionally prefixes output with a space; the pipeline
// strips it at finalization when the insertion point allows.
type LocalProvider struct {
	cmd       []string
	modelPath string
	cfg       config.TranscriptionConfig
	log       *slog.Logger

	mu     sync.Mutex
	buf    []byte
	loaded bool
}

type localResult struct {
	Text string `json:"text"`
}

func NewLocalProvider(cfg config.TranscriptionConfig, modelPath string, log *slog.Logger) (*LocalProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.LocalCommand)
	if err != nil {
		return nil, fmt.Errorf("parse transcription command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcription command is empty")
	}
	return &LocalProvider{
		cmd:       args,
		modelPath: modelPath,
		cfg:       cfg,
		log:       log.With(slog.String("component", "stt-local")),
	}, nil
}

func (p *LocalProvider) Cumulative() bool { return false }

func (p *LocalProvider) ModelID() string { return "local-whisper" }

// SetModelPath switches the weights used for subsequent runs. Called under
// the pipeline's model-load mutex when the selection changes.
func (p *LocalProvider) SetModelPath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modelPath = path
	p.loaded = false
}

// Preload warms the engine by transcribing a short stretch of silence, so
// the first real chunk does not pay the model-load cost.
func (p *LocalProvider) Preload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}
	silence := make([]byte, p.cfg.SampleRate/10*2)
	if _, err := p.run(ctx, silence, ""); err != nil {
		return fmt.Errorf("preload model: %w", err)
	}
	p.loaded = true
	return nil
}

func (p *LocalProvider) Transcribe(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, req.Audio...)
	if len(p.buf) < p.minBatchBytes() {
		return "", nil
	}
	// Hold partial speech until the speaker pauses so words are not cut
	// mid-utterance; flush will pick up whatever remains.
	if req.Speaking && len(p.buf) < 4*p.minBatchBytes() {
		return "", nil
	}

	batch := p.buf
	p.buf = nil
	text, err := p.run(ctx, batch, req.Language)
	if err != nil {
		// Keep the batch so a retried chunk does not lose audio.
		p.buf = batch
		return "", err
	}
	p.loaded = true
	return text, nil
}

func (p *LocalProvider) Flush(ctx context.Context, req FlushRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return "", nil
	}
	batch := p.buf
	p.buf = nil
	text, err := p.run(ctx, batch, req.Language)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (p *LocalProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = nil
}

func (p *LocalProvider) minBatchBytes() int {
	ms := p.cfg.MinBatchMS
	if ms <= 0 {
		ms = 1500
	}
	return p.cfg.SampleRate * p.cfg.Channels * 2 * ms / 1000
}

// run stages the batch as a wav file and invokes the whisper CLI, expecting a
// JSON object with a "text" field on stdout.
func (p *LocalProvider) run(ctx context.Context, pcm []byte, language string) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), "amical_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, p.cfg.SampleRate, p.cfg.Channels); err != nil {
		return "", err
	}

	args := append([]string{}, p.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if p.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", p.modelPath)
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("transcription command failed: %w: %s", err, stderr.String())
	}

	var resp localResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return resp.Text, nil
}
