package vad

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Result is one voice-activity evaluation for a single audio frame.
type Result struct {
	Probability float64
	Speaking    bool
}

// Detector is the underlying voice-activity model. Implementations keep
// recurrent state between frames and are NOT safe for concurrent use; the
// Gate serializes every call.
type Detector interface {
	ProcessFrame(frame []float32) (Result, error)
	FrameSize() int
	Reset()
}

const defaultFrameSize = 512

// Gate serializes access to a Detector and degrades to a neutral result when
// the detector is missing or failing, so transcription proceeds un-gated.
type Gate struct {
	det      Detector
	mu       sync.Mutex
	warnOnce sync.Once
	log      *slog.Logger
}

func NewGate(det Detector, log *slog.Logger) *Gate {
	return &Gate{
		det: det,
		log: log.With(slog.String("component", "vad-gate")),
	}
}

// FrameSize reports how many samples Evaluate expects per call.
func (g *Gate) FrameSize() int {
	if g.det == nil {
		return defaultFrameSize
	}
	return g.det.FrameSize()
}

// Evaluate runs the detector on one frame. The frame must already be padded
// or truncated to FrameSize samples by the caller.
func (g *Gate) Evaluate(frame []float32) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.det == nil {
		g.warnUnavailable(nil)
		return Result{}
	}
	res, err := g.det.ProcessFrame(frame)
	if err != nil {
		g.warnUnavailable(err)
		return Result{}
	}
	return res
}

// Reset clears the detector's recurrent state between sessions.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.det != nil {
		g.det.Reset()
	}
}

func (g *Gate) warnUnavailable(err error) {
	g.warnOnce.Do(func() {
		if err != nil {
			g.log.Warn("voice activity detector unavailable, proceeding without gating",
				slog.String("error", err.Error()))
			return
		}
		g.log.Warn("no voice activity detector configured, proceeding without gating")
	})
}

// FrameFromPCM converts little-endian 16-bit PCM into a float32 frame of
// exactly size samples, truncating or zero-padding as needed.
func FrameFromPCM(pcm []byte, size int) []float32 {
	frame := make([]float32, size)
	n := len(pcm) / 2
	if n > size {
		n = size
	}
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		frame[i] = float32(sample) / 32768.0
	}
	return frame
}
