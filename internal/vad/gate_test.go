package vad

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failingDetector struct{}

func (failingDetector) ProcessFrame([]float32) (Result, error) {
	return Result{}, errors.New("model not loaded")
}
func (failingDetector) FrameSize() int { return 4 }
func (failingDetector) Reset()         {}

func TestGateWithoutDetectorIsNeutral(t *testing.T) {
	g := NewGate(nil, newLogger())
	if g.FrameSize() != defaultFrameSize {
		t.Fatalf("unexpected frame size %d", g.FrameSize())
	}
	res := g.Evaluate(make([]float32, defaultFrameSize))
	if res.Probability != 0 || res.Speaking {
		t.Fatalf("expected neutral result, got %+v", res)
	}
}

func TestGateDegradesOnDetectorError(t *testing.T) {
	g := NewGate(failingDetector{}, newLogger())
	for i := 0; i < 3; i++ {
		res := g.Evaluate(make([]float32, 4))
		if res.Probability != 0 || res.Speaking {
			t.Fatalf("expected neutral result on failure, got %+v", res)
		}
	}
}

func TestFrameFromPCMPadsAndTruncates(t *testing.T) {
	pcm := make([]byte, 4)
	positive := int16(16384)
	negative := int16(-16384)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(positive))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(negative))

	frame := FrameFromPCM(pcm, 4)
	if len(frame) != 4 {
		t.Fatalf("expected padded frame of 4, got %d", len(frame))
	}
	if frame[0] != 0.5 || frame[1] != -0.5 {
		t.Fatalf("unexpected samples: %v", frame[:2])
	}
	if frame[2] != 0 || frame[3] != 0 {
		t.Fatalf("expected zero padding: %v", frame[2:])
	}

	truncated := FrameFromPCM(pcm, 1)
	if len(truncated) != 1 || truncated[0] != 0.5 {
		t.Fatalf("unexpected truncation: %v", truncated)
	}
}

func TestEnergyDetectorSpeakingAndHangover(t *testing.T) {
	det := NewEnergyDetector(0.5, 4, 2)

	loud := []float32{0.9, -0.9, 0.9, -0.9}
	quiet := []float32{0, 0, 0, 0}

	var res Result
	for i := 0; i < 20; i++ {
		res, _ = det.ProcessFrame(loud)
	}
	if !res.Speaking {
		t.Fatalf("expected speaking after sustained energy, got %+v", res)
	}

	res, _ = det.ProcessFrame(quiet)
	if !res.Speaking {
		t.Fatalf("hangover should keep speaking on first quiet frame")
	}
	for i := 0; i < 30; i++ {
		res, _ = det.ProcessFrame(quiet)
	}
	if res.Speaking {
		t.Fatalf("expected silence after hangover, got %+v", res)
	}

	det.Reset()
	res, _ = det.ProcessFrame(quiet)
	if res.Speaking || res.Probability > 0.01 {
		t.Fatalf("reset should clear state, got %+v", res)
	}
}
