package vad

import "math"

// EnergyDetector is an RMS-energy voice activity detector with exponential
// smoothing and a silence hangover, standing in for a neural model. State is
// carried across frames, so callers must go through the Gate.
type EnergyDetector struct {
	threshold float64
	frameSize int
	hangover  int

	smoothed       float64
	seenFrame      bool
	speaking       bool
	silenceCounter int
}

const smoothingFactor = 0.2

func NewEnergyDetector(threshold float64, frameSize, hangoverFrames int) *EnergyDetector {
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}
	if hangoverFrames <= 0 {
		hangoverFrames = 12
	}
	return &EnergyDetector{
		threshold: threshold,
		frameSize: frameSize,
		hangover:  hangoverFrames,
	}
}

func (d *EnergyDetector) FrameSize() int {
	return d.frameSize
}

func (d *EnergyDetector) ProcessFrame(frame []float32) (Result, error) {
	var energy float64
	for _, sample := range frame {
		energy += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(energy / float64(len(frame)))

	// Map RMS onto [0,1]; normal speech sits well below full scale.
	probability := rms * 10
	if probability > 1 {
		probability = 1
	}

	if d.seenFrame {
		probability = smoothingFactor*probability + (1-smoothingFactor)*d.smoothed
	}
	d.smoothed = probability
	d.seenFrame = true

	if probability >= d.threshold {
		d.silenceCounter = 0
		d.speaking = true
	} else if d.speaking {
		d.silenceCounter++
		if d.silenceCounter >= d.hangover {
			d.speaking = false
			d.silenceCounter = 0
		}
	}

	return Result{Probability: probability, Speaking: d.speaking}, nil
}

func (d *EnergyDetector) Reset() {
	d.smoothed = 0
	d.seenFrame = false
	d.speaking = false
	d.silenceCounter = 0
}
