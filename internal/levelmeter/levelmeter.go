// Package levelmeter provides a lock-free, time-smoothed audio level meter
// suitable for driving a UI meter from a real-time capture or playback
// thread without blocking on a mutex.
package levelmeter

import (
	"math"
	"sync/atomic"
	"time"
)

// Params tunes the attack/release behavior of a Meter.
type Params struct {
	AttackMs      float64
	ReleaseMs     float64
	PeakHoldMs    float64
	PeakReleaseMs float64
	FloorDb       float64
	CeilingDb     float64
}

// DefaultParams matches the behavior of a typical voice-chat level meter:
// fast attack, slow release, and a held peak indicator that decays after a
// brief hold.
func DefaultParams() Params {
	return Params{
		AttackMs:      5.0,
		ReleaseMs:     150.0,
		PeakHoldMs:    500.0,
		PeakReleaseMs: 300.0,
		FloorDb:       -96.0,
		CeilingDb:     0.0,
	}
}

// levelOffset shifts signed millibel values into an unsigned range so two of
// them can be packed into one uint64 and updated atomically.
const levelOffset = 100_000

// state is the unpacked form of the atomic word a Meter stores.
type state struct {
	levelMillibels int32
	peakMillibels  int32
}

func (s state) pack() uint64 {
	lv := uint64(int64(s.levelMillibels) + levelOffset)
	pk := uint64(int64(s.peakMillibels) + levelOffset)
	return (lv << 32) | pk
}

func unpack(word uint64) state {
	lv := int64(word>>32) - levelOffset
	pk := int64(word&0xFFFFFFFF) - levelOffset
	return state{levelMillibels: int32(lv), peakMillibels: int32(pk)}
}

// Meter is a single-channel smoothed level meter. The zero value is not
// usable; construct with New.
type Meter struct {
	word atomic.Uint64

	params Params

	lastUpdateUs atomic.Uint64
	lastPeakUs   atomic.Uint64

	start time.Time
}

// New returns a Meter configured with DefaultParams, floored at FloorDb.
func New() *Meter {
	return NewWithParams(DefaultParams())
}

// NewWithParams returns a Meter configured with the given Params.
func NewWithParams(p Params) *Meter {
	m := &Meter{params: p, start: time.Now()}
	floor := int32(p.FloorDb * 1000)
	m.word.Store(state{levelMillibels: floor, peakMillibels: floor}.pack())
	return m
}

func (m *Meter) nowUs() uint64 {
	return uint64(time.Since(m.start).Microseconds())
}

// computeAlpha returns the exponential smoothing coefficient for a time
// constant tauMs elapsed over deltaMs milliseconds.
func computeAlpha(deltaMs, tauMs float64) float64 {
	if tauMs <= 0 {
		return 1.0
	}
	return 1 - math.Exp(-deltaMs/tauMs)
}

func lerpI32(a, b int32, t float64) int32 {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return int32(float64(a) + float64(b-a)*t)
}

func clampF64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// UpdateFromSamples computes the peak amplitude of samples, converts it to
// dB, and smooths it into the meter's level and peak state. Safe to call
// from a real-time audio thread: it performs no allocation and no locking.
func (m *Meter) UpdateFromSamples(samples []float32) {
	var peakAmp float32
	for _, s := range samples {
		a := s
		if a < 0 {
			a = -a
		}
		if a > peakAmp {
			peakAmp = a
		}
	}

	inputDb := m.params.FloorDb
	if peakAmp > 1e-10 {
		inputDb = 20 * math.Log10(float64(peakAmp))
	}
	inputDb = clampF64(inputDb, m.params.FloorDb, m.params.CeilingDb)
	inputMb := int32(inputDb * 1000)

	nowUs := m.nowUs()
	lastUs := m.lastUpdateUs.Load()
	deltaMs := 10.0
	if lastUs != 0 {
		deltaMs = float64(nowUs-lastUs) / 1000.0
	}
	m.lastUpdateUs.Store(nowUs)

	attackAlpha := computeAlpha(deltaMs, m.params.AttackMs)
	releaseAlpha := computeAlpha(deltaMs, m.params.ReleaseMs)

	cur := unpack(m.word.Load())

	alpha := releaseAlpha
	if inputMb > cur.levelMillibels {
		alpha = attackAlpha
	}
	newLevel := lerpI32(cur.levelMillibels, inputMb, alpha)

	newPeak := cur.peakMillibels
	if inputMb > cur.peakMillibels {
		newPeak = inputMb
		m.lastPeakUs.Store(nowUs)
	} else {
		lastPeakUs := m.lastPeakUs.Load()
		peakAgeMs := float64(nowUs-lastPeakUs) / 1000.0
		if peakAgeMs > m.params.PeakHoldMs {
			peakAlpha := computeAlpha(deltaMs, m.params.PeakReleaseMs)
			floorMb := int32(m.params.FloorDb * 1000)
			newPeak = lerpI32(cur.peakMillibels, floorMb, peakAlpha)
		}
	}

	m.word.Store(state{levelMillibels: newLevel, peakMillibels: newPeak}.pack())
}

// TickForUI advances the release/peak-decay envelope when called without a
// fresh sample update, so a UI polling the meter during silence still sees
// it fall back toward the floor instead of holding its last value forever.
func (m *Meter) TickForUI() {
	nowUs := m.nowUs()
	lastUs := m.lastUpdateUs.Load()
	if lastUs == 0 {
		return
	}
	deltaMs := float64(nowUs-lastUs) / 1000.0
	if deltaMs <= 50.0 {
		return
	}
	if deltaMs > 100.0 {
		deltaMs = 100.0
	}
	m.lastUpdateUs.Store(nowUs)

	cur := unpack(m.word.Load())
	floorMb := int32(m.params.FloorDb * 1000)
	releaseAlpha := computeAlpha(deltaMs, m.params.ReleaseMs)
	newLevel := lerpI32(cur.levelMillibels, floorMb, releaseAlpha)

	newPeak := cur.peakMillibels
	lastPeakUs := m.lastPeakUs.Load()
	peakAgeMs := float64(nowUs-lastPeakUs) / 1000.0
	if peakAgeMs > m.params.PeakHoldMs {
		peakAlpha := computeAlpha(deltaMs, m.params.PeakReleaseMs)
		newPeak = lerpI32(cur.peakMillibels, floorMb, peakAlpha)
	}

	m.word.Store(state{levelMillibels: newLevel, peakMillibels: newPeak}.pack())
}

// LevelDb returns the current smoothed level in dB.
func (m *Meter) LevelDb() float32 {
	return float32(unpack(m.word.Load()).levelMillibels) / 1000.0
}

// PeakDb returns the current held/decaying peak in dB.
func (m *Meter) PeakDb() float32 {
	return float32(unpack(m.word.Load()).peakMillibels) / 1000.0
}

// LevelNormalized returns the level mapped from [FloorDb, CeilingDb] to
// [0.0, 1.0].
func (m *Meter) LevelNormalized() float32 {
	return m.normalize(float64(m.LevelDb()))
}

// PeakNormalized returns the peak mapped from [FloorDb, CeilingDb] to
// [0.0, 1.0].
func (m *Meter) PeakNormalized() float32 {
	return m.normalize(float64(m.PeakDb()))
}

func (m *Meter) normalize(db float64) float32 {
	span := m.params.CeilingDb - m.params.FloorDb
	if span <= 0 {
		return 0
	}
	v := (db - m.params.FloorDb) / span
	return float32(clampF64(v, 0, 1))
}

// Reset returns the meter to its initial, floored state.
func (m *Meter) Reset() {
	floor := int32(m.params.FloorDb * 1000)
	m.word.Store(state{levelMillibels: floor, peakMillibels: floor}.pack())
	m.lastUpdateUs.Store(0)
	m.lastPeakUs.Store(0)
}

// MultiChannel tracks one Meter per channel plus a combined meter fed the
// full interleaved signal, matching how a stereo (or multi-track) source
// reports both per-channel and overall loudness.
type MultiChannel struct {
	channels []*Meter
	combined *Meter
}

// NewMultiChannel returns a MultiChannel with count independent per-channel
// meters and one combined meter, all using DefaultParams.
func NewMultiChannel(count int) *MultiChannel {
	mc := &MultiChannel{combined: New()}
	for i := 0; i < count; i++ {
		mc.channels = append(mc.channels, New())
	}
	return mc
}

// UpdateInterleaved de-interleaves samples into channelCount streams and
// updates each channel meter plus the combined meter from the full buffer.
func (mc *MultiChannel) UpdateInterleaved(samples []float32, channelCount int) {
	if channelCount <= 0 {
		return
	}
	for ch := 0; ch < channelCount && ch < len(mc.channels); ch++ {
		var chSamples []float32
		for i := ch; i < len(samples); i += channelCount {
			chSamples = append(chSamples, samples[i])
		}
		mc.channels[ch].UpdateFromSamples(chSamples)
	}
	mc.combined.UpdateFromSamples(samples)
}

func (mc *MultiChannel) ChannelLevelDb(ch int) float32 {
	if ch < 0 || ch >= len(mc.channels) {
		return 0
	}
	return mc.channels[ch].LevelDb()
}

func (mc *MultiChannel) ChannelPeakDb(ch int) float32 {
	if ch < 0 || ch >= len(mc.channels) {
		return 0
	}
	return mc.channels[ch].PeakDb()
}

func (mc *MultiChannel) CombinedLevelDb() float32 { return mc.combined.LevelDb() }
func (mc *MultiChannel) CombinedPeakDb() float32  { return mc.combined.PeakDb() }
func (mc *MultiChannel) ChannelCount() int        { return len(mc.channels) }

// TickForUI advances decay on every channel and the combined meter.
func (mc *MultiChannel) TickForUI() {
	for _, ch := range mc.channels {
		ch.TickForUI()
	}
	mc.combined.TickForUI()
}
