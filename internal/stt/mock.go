package stt

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider returns canned text and is used when no transcription command
// is configured, so the rest of the pipeline can be exercised end to end.
type MockProvider struct {
	mu     sync.Mutex
	chunks int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Cumulative() bool { return false }

func (p *MockProvider) ModelID() string { return "mock" }

func (p *MockProvider) Transcribe(_ context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks++
	if len(req.Audio) == 0 {
		return "", nil
	}
	return fmt.Sprintf(" mock transcript %d", p.chunks), nil
}

func (p *MockProvider) Flush(context.Context, FlushRequest) (string, error) {
	return "", nil
}

func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = 0
}
