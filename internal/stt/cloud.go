package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloudProvider streams audio to the Amical cloud over a websocket. The
// server re-transcribes the whole session on every update, so each message
// carries the full concatenated text: this provider is cumulative and its
// output replaces the accumulated sequence rather than appending to it.
//
// When FlushRequest.WithFormatting is set, the server formats the final text
// before returning it (transcription and formatting fused server-side).
type CloudProvider struct {
	url    string
	token  string
	dialer *websocket.Dialer
	log    *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	latest    string
	finalCh   chan string
}

type cloudControl struct {
	Type               string `json:"type"`
	SessionID          string `json:"session_id,omitempty"`
	Language           string `json:"language,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
	WithFormatting     bool   `json:"with_formatting,omitempty"`
}

type cloudTranscript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

const cloudFlushTimeout = 30 * time.Second

func NewCloudProvider(url, token string, log *slog.Logger) *CloudProvider {
	return &CloudProvider{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.With(slog.String("component", "stt-cloud")),
	}
}

func (p *CloudProvider) Cumulative() bool { return true }

func (p *CloudProvider) ModelID() string { return "amical-cloud" }

func (p *CloudProvider) Transcribe(ctx context.Context, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConn(ctx, req.SessionID, req.Language); err != nil {
		return "", err
	}
	if err := p.conn.WriteMessage(websocket.BinaryMessage, req.Audio); err != nil {
		p.closeLocked()
		return "", fmt.Errorf("stream audio: %w", err)
	}
	return p.latest, nil
}

func (p *CloudProvider) Flush(ctx context.Context, req FlushRequest) (string, error) {
	p.mu.Lock()
	if p.conn == nil {
		aggregated := req.Aggregated
		p.mu.Unlock()
		return aggregated, nil
	}
	control := cloudControl{
		Type:               "finalize",
		CustomInstructions: req.CustomInstructions,
		WithFormatting:     req.WithFormatting,
	}
	if err := p.conn.WriteJSON(control); err != nil {
		p.closeLocked()
		p.mu.Unlock()
		return "", fmt.Errorf("request finalize: %w", err)
	}
	finalCh := p.finalCh
	p.mu.Unlock()

	select {
	case text, ok := <-finalCh:
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closeLocked()
		if !ok {
			return "", fmt.Errorf("cloud stream closed before final transcript")
		}
		return text, nil
	case <-time.After(cloudFlushTimeout):
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closeLocked()
		return "", fmt.Errorf("timed out waiting for final transcript")
	case <-ctx.Done():
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closeLocked()
		return "", ctx.Err()
	}
}

func (p *CloudProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

// ensureConn dials the stream lazily on the first chunk of a session.
// Callers hold p.mu.
func (p *CloudProvider) ensureConn(ctx context.Context, sessionID, language string) error {
	if p.conn != nil && p.sessionID == sessionID {
		return nil
	}
	p.closeLocked()

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}
	conn, resp, err := p.dialer.DialContext(ctx, p.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial cloud stream: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dial cloud stream: %w", err)
	}

	start := cloudControl{Type: "start", SessionID: sessionID, Language: language}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return fmt.Errorf("start cloud session: %w", err)
	}

	p.conn = conn
	p.sessionID = sessionID
	p.latest = ""
	p.finalCh = make(chan string, 1)
	go p.readLoop(conn, p.finalCh)
	return nil
}

// readLoop consumes transcript updates until the connection closes, keeping
// the latest cumulative text and delivering the final one.
func (p *CloudProvider) readLoop(conn *websocket.Conn, finalCh chan string) {
	defer close(finalCh)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cloudTranscript
		if err := json.Unmarshal(payload, &msg); err != nil {
			p.log.Warn("invalid cloud transcript message", slog.String("error", err.Error()))
			continue
		}
		if msg.Type != "transcript" {
			continue
		}
		p.mu.Lock()
		p.latest = msg.Text
		p.mu.Unlock()
		if msg.Final {
			finalCh <- msg.Text
			return
		}
	}
}

// closeLocked tears down the connection. Callers hold p.mu.
func (p *CloudProvider) closeLocked() {
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.sessionID = ""
	p.latest = ""
	p.finalCh = nil
}
