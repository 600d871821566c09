// Package noisegate implements a hard gate that zeroes capture frames whose
// energy falls below a threshold, cleaning up room tone and fan noise before
// the encoder sees the signal.
//
// The gate runs upstream of voice activity detection: VAD decides whether a
// frame is sent at all, the gate decides what a sent frame sounds like. A
// hold interval keeps the gate open across brief dips so speech is not
// chopped mid-sentence.
package noisegate

import "landaudio/internal/dsp/vad"

const (
	// DefaultThresholdDb is the energy below which audio is gated.
	DefaultThresholdDb = -40.0

	// DefaultHoldMs is how long the gate stays open after the signal drops
	// below threshold.
	DefaultHoldMs = 200.0
)

// Gate zeroes interleaved frames below an energy threshold. The zero value
// is not usable; construct with New.
type Gate struct {
	thresholdDb float64
	hold        int // hold length in frames
	remaining   int // frames left in the current hold
	enabled     bool
	open        bool
}

// New returns a Gate tuned for frameMs-millisecond frames, enabled, with
// the default threshold and hold.
func New(frameMs float64) *Gate {
	if frameMs <= 0 {
		frameMs = 10
	}
	hold := int(DefaultHoldMs / frameMs)
	if hold < 1 {
		hold = 1
	}
	return &Gate{
		thresholdDb: DefaultThresholdDb,
		hold:        hold,
		enabled:     true,
	}
}

// SetEnabled switches the gate on or off. Disabled, Process passes audio
// through untouched.
func (g *Gate) SetEnabled(enabled bool) {
	g.enabled = enabled
	if !enabled {
		g.remaining = 0
		g.open = false
	}
}

// Enabled reports whether the gate is active.
func (g *Gate) Enabled() bool { return g.enabled }

// SetThresholdDb sets the gate threshold in dBFS, clamped to [-90, 0].
func (g *Gate) SetThresholdDb(db float64) {
	if db < -90 {
		db = -90
	}
	if db > 0 {
		db = 0
	}
	g.thresholdDb = db
}

// ThresholdDb returns the current gate threshold in dBFS.
func (g *Gate) ThresholdDb() float64 { return g.thresholdDb }

// IsOpen reports whether the gate is currently passing audio.
func (g *Gate) IsOpen() bool { return g.open }

// Process applies the gate to frame in place and returns the frame's RMS
// before gating, which the VAD stage reuses so the energy is only computed
// once per frame.
func (g *Gate) Process(frame []float32) float32 {
	rms := vad.Energy(frame)

	if !g.enabled {
		g.open = true
		return rms
	}

	if vad.EnergyDb(rms) >= g.thresholdDb {
		g.remaining = g.hold
		g.open = true
		return rms
	}

	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return rms
	}

	for i := range frame {
		frame[i] = 0
	}
	g.open = false
	return rms
}

// Reset closes the gate and clears the hold counter.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}
