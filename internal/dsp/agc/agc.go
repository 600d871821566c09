// Package agc implements automatic gain control for capture frames: a
// multiplicative gain is steered toward a target RMS level with asymmetric
// attack/release smoothing, so loud transients are tamed quickly while
// recovery after them is gradual enough to avoid pumping.
//
// Smoothing coefficients are derived from time constants and the track's
// frame duration, the same alpha = 1 - e^(-dt/tau) construction the level
// meter uses, so AGC behavior does not change with the frame size.
package agc

import (
	"math"

	"landaudio/internal/dsp/vad"
)

const (
	// DefaultTargetRms is the desired frame RMS (linear, roughly -14 dBFS).
	DefaultTargetRms = 0.20

	// MinGain and MaxGain bound the correction to ±20 dB so silence is
	// never boosted into audible noise and clipping input is never crushed
	// to nothing.
	MinGain = 0.1
	MaxGain = 10.0

	// attackTauMs and releaseTauMs are the time constants for reducing and
	// restoring gain respectively.
	attackTauMs  = 5.0
	releaseTauMs = 200.0

	// minRms suppresses gain updates on near-silent frames.
	minRms = 0.001
)

// Processor is a single-track gain controller. The zero value is not
// usable; construct with New.
type Processor struct {
	target       float64
	gain         float64
	attackAlpha  float64
	releaseAlpha float64
}

// New returns a Processor tuned for frameMs-millisecond frames at unity
// gain.
func New(frameMs float64) *Processor {
	if frameMs <= 0 {
		frameMs = 10
	}
	return &Processor{
		target:       DefaultTargetRms,
		gain:         1.0,
		attackAlpha:  1 - math.Exp(-frameMs/attackTauMs),
		releaseAlpha: 1 - math.Exp(-frameMs/releaseTauMs),
	}
}

// SetTargetRms sets the desired RMS level, clamped to [0.01, 0.5].
func (p *Processor) SetTargetRms(target float64) {
	if target < 0.01 {
		target = 0.01
	}
	if target > 0.5 {
		target = 0.5
	}
	p.target = target
}

// Process applies the current gain to frame in place, then nudges the gain
// toward whatever would bring this frame's RMS to the target. Returns frame
// for chaining.
func (p *Processor) Process(frame []float32) []float32 {
	if len(frame) == 0 {
		return frame
	}

	rms := float64(vad.Energy(frame))

	for i, s := range frame {
		v := s * float32(p.gain)
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		frame[i] = v
	}

	if rms < minRms {
		return frame
	}

	desired := p.target / rms
	if desired < MinGain {
		desired = MinGain
	} else if desired > MaxGain {
		desired = MaxGain
	}

	alpha := p.releaseAlpha
	if desired < p.gain {
		alpha = p.attackAlpha
	}
	p.gain += alpha * (desired - p.gain)

	return frame
}

// Gain returns the current linear gain multiplier.
func (p *Processor) Gain() float64 { return p.gain }

// Reset returns the gain to unity without changing the target.
func (p *Processor) Reset() { p.gain = 1.0 }
