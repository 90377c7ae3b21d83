package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/amicalhq/dictation-core/internal/bus"
	"github.com/amicalhq/dictation-core/internal/pipeline"
	"github.com/amicalhq/dictation-core/internal/protocol"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Service exposes the dictation pipeline on the bus. Audio chunks and
// finalize requests are request/reply; cancel is fire-and-forget. Partial and
// final transcripts are additionally broadcast for overlay subscribers.
type Service struct {
	bus      *bus.Client
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

func NewService(parent context.Context, busClient *bus.Client, pl *pipeline.Pipeline, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		pipeline: pl,
		log:      log.With(slog.String("component", "dictation-service")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()

	chunkSub, err := conn.Subscribe(protocol.SubjectAudioChunkPrefix+".>", s.handleChunk)
	if err != nil {
		return fmt.Errorf("subscribe audio chunks: %w", err)
	}
	s.subs = append(s.subs, chunkSub)

	cancelSub, err := conn.Subscribe(protocol.SubjectSessionCancel, s.handleCancel)
	if err != nil {
		return fmt.Errorf("subscribe session cancel: %w", err)
	}
	s.subs = append(s.subs, cancelSub)

	finalizeSub, err := conn.Subscribe(protocol.SubjectSessionFinalize, s.handleFinalize)
	if err != nil {
		return fmt.Errorf("subscribe session finalize: %w", err)
	}
	s.subs = append(s.subs, finalizeSub)

	availableSub, err := conn.Subscribe(protocol.SubjectModelAvailable, s.handleModelAvailable)
	if err != nil {
		return fmt.Errorf("subscribe model availability: %w", err)
	}
	s.subs = append(s.subs, availableSub)

	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleChunk(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.log.Warn("failed to decode audio chunk", slog.String("error", err.Error()))
		return
	}
	// Clients may omit the session id on the first chunk; the reply carries
	// the assigned id for the rest of the session.
	if chunk.SessionID == "" {
		chunk.SessionID = uuid.NewString()
	}

	// Chunks are processed inline: NATS invokes this handler serially per
	// subscription, so same-session chunks keep their publish order even for
	// fire-and-forget publishers. Cross-session chunks would serialize on the
	// transcription mutex anyway.
	transcript, err := s.pipeline.ProcessStreamingChunk(s.ctx, chunk)
	reply := protocol.ChunkReply{SessionID: chunk.SessionID, Transcript: transcript}
	if err != nil {
		s.log.Warn("chunk processing failed",
			slog.String("session_id", chunk.SessionID), slog.String("error", err.Error()))
		reply.Error = err.Error()
	}
	s.respond(msg, reply)

	if err == nil && transcript != "" {
		s.broadcast(protocol.SubjectTranscriptPartial, protocol.Transcript{
			SessionID: chunk.SessionID,
			Text:      transcript,
			Partial:   true,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelSession
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode cancel request", slog.String("error", err.Error()))
		return
	}
	s.pipeline.Cancel(req.SessionID)
}

func (s *Service) handleFinalize(msg *nats.Msg) {
	var req protocol.FinalizeSession
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("failed to decode finalize request", slog.String("error", err.Error()))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		text, err := s.pipeline.Finalize(s.ctx, req)
		reply := protocol.FinalizeReply{SessionID: req.SessionID, Text: text, Saved: err == nil}
		if err != nil {
			// A persistence failure still carries usable text; anything else
			// failed outright.
			if !errors.Is(err, pipeline.ErrPersist) {
				reply.Error = err.Error()
			}
			s.log.Warn("finalize failed",
				slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
		}
		s.respond(msg, reply)

		if reply.Error == "" && text != "" {
			s.broadcast(protocol.SubjectTranscriptFinal, protocol.Transcript{
				SessionID: req.SessionID,
				Text:      text,
				Timestamp: time.Now().UTC(),
			})
		}
	}()
}

func (s *Service) handleModelAvailable(msg *nats.Msg) {
	s.respond(msg, protocol.ModelAvailability{Available: s.pipeline.IsModelAvailable()})
}

func (s *Service) respond(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to encode reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slog.String("error", err.Error()))
	}
}

func (s *Service) broadcast(subject string, transcript protocol.Transcript) {
	data, err := json.Marshal(transcript)
	if err != nil {
		s.log.Warn("failed to encode transcript", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish transcript", slog.String("error", err.Error()))
	}
}
