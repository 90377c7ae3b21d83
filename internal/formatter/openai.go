package formatter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	openAIChatURL     = "https://api.openai.com/v1/chat/completions"
	openRouterChatURL = "https://openrouter.ai/api/v1/chat/completions"
)

// chatProvider speaks the OpenAI chat-completions dialect, which OpenRouter
// also serves.
type chatProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	log      *slog.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func newChatProvider(endpoint, apiKey, model string, log *slog.Logger) *chatProvider {
	return &chatProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.With(slog.String("component", "formatter-chat")),
	}
}

func (p *chatProvider) Format(ctx context.Context, text string, fctx Context) (string, error) {
	payload := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: buildSystemPrompt(fctx)},
			{Role: "user", Content: text},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("formatting request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("formatting API returned %s: %s", resp.Status, detail)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode formatting response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("formatting response had no choices")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
