// Package track manages the set of audio tracks a peer is sending or
// receiving, each with its own buffer, level meter, and mute/solo state.
package track

import (
	"sync"
	"sync/atomic"
	"time"

	"landaudio/internal/levelmeter"
	"landaudio/internal/protocol"
	"landaudio/internal/ring"
)

// State is the lifecycle state of a Track.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ringCapacity is the frame capacity of each track's audio ring buffer.
const ringCapacity = 32

// Track is one sender or receiver audio stream. Codecs are deliberately not
// stored here: encoding/decoding belongs to the processing pipeline in
// package engine, keeping Track safe to read from multiple goroutines
// without coordinating codec state.
type Track struct {
	ID uint8

	Buffer *ring.Buffer
	Meter  *levelmeter.Meter

	muted atomic.Bool
	solo  atomic.Bool

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	packetsLost     atomic.Uint64
	latencyUs       atomic.Uint32
	jitterUs        atomic.Uint32

	mu        sync.Mutex
	name      string
	deviceID  string
	config    protocol.TrackConfig
	state     State
	startTime time.Time
	lastError string
}

// New returns a Track in the Stopped state with the given config.
func New(id uint8, config protocol.TrackConfig) *Track {
	return &Track{
		ID:       id,
		name:     config.Name,
		deviceID: config.DeviceID,
		config:   config,
		state:    StateStopped,
		Buffer:   ring.New(ringCapacity),
		Meter:    levelmeter.New(),
	}
}

// Start transitions the track to Running, resetting packet counters. It is
// idempotent: starting an already-running track is a no-op.
func (t *Track) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning {
		return
	}
	t.state = StateStarting
	t.startTime = time.Now()
	t.packetsSent.Store(0)
	t.packetsReceived.Store(0)
	t.packetsLost.Store(0)
	t.state = StateRunning
}

// Stop transitions the track back to Stopped.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateStopping
	t.startTime = time.Time{}
	t.state = StateStopped
}

func (t *Track) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Track) IsRunning() bool {
	return t.State() == StateRunning
}

func (t *Track) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *Track) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

func (t *Track) Config() protocol.TrackConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

func (t *Track) SetMuted(muted bool) { t.muted.Store(muted) }
func (t *Track) IsMuted() bool       { return t.muted.Load() }

func (t *Track) SetSolo(solo bool) { t.solo.Store(solo) }
func (t *Track) IsSolo() bool      { return t.solo.Load() }

func (t *Track) IncrementSent()          { t.packetsSent.Add(1) }
func (t *Track) IncrementReceived()      { t.packetsReceived.Add(1) }
func (t *Track) IncrementLost()          { t.packetsLost.Add(1) }
func (t *Track) PacketsSent() uint64     { return t.packetsSent.Load() }
func (t *Track) PacketsReceived() uint64 { return t.packetsReceived.Load() }
func (t *Track) PacketsLost() uint64     { return t.packetsLost.Load() }

// UpdateLevelAtomic feeds samples to the track's level meter. Safe to call
// from a real-time audio thread.
func (t *Track) UpdateLevelAtomic(samples []float32) {
	t.Meter.UpdateFromSamples(samples)
}

func (t *Track) LevelDb() float32 {
	t.Meter.TickForUI()
	return t.Meter.LevelDb()
}

func (t *Track) PeakDb() float32 { return t.Meter.PeakDb() }

func (t *Track) LevelNormalized() float32 {
	t.Meter.TickForUI()
	return t.Meter.LevelNormalized()
}

func (t *Track) PeakNormalized() float32 { return t.Meter.PeakNormalized() }

// UpdateLatency records the current network latency estimate in microseconds.
func (t *Track) UpdateLatency(us uint32) { t.latencyUs.Store(us) }
func (t *Track) LatencyMs() float32      { return float32(t.latencyUs.Load()) / 1000.0 }

// UpdateJitter records the current jitter estimate in microseconds.
func (t *Track) UpdateJitter(us uint32) { t.jitterUs.Store(us) }
func (t *Track) JitterMs() float32      { return float32(t.jitterUs.Load()) / 1000.0 }

// SetError moves the track into the Error state and records msg.
func (t *Track) SetError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateError
	t.lastError = msg
}

func (t *Track) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// UpdateConfig applies the non-nil fields of update. It returns the track's
// device ID before and after the update, so callers can detect a device
// change and emit the appropriate events in order.
func (t *Track) UpdateConfig(update protocol.TrackConfigUpdate) (oldDevice, newDevice string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldDevice = t.deviceID

	if update.Name != nil {
		t.name = *update.Name
		t.config.Name = *update.Name
	}
	if update.DeviceID != nil {
		t.deviceID = *update.DeviceID
		t.config.DeviceID = *update.DeviceID
	}
	if update.Bitrate != nil {
		t.config.Bitrate = *update.Bitrate
	}
	if update.FrameSizeMs != nil {
		t.config.FrameSizeMs = *update.FrameSizeMs
	}
	if update.FECEnabled != nil {
		t.config.FECEnabled = *update.FECEnabled
	}

	return oldDevice, t.deviceID
}

// Status returns a point-in-time snapshot suitable for the control plane.
func (t *Track) Status() protocol.TrackStatus {
	t.Meter.TickForUI()

	t.mu.Lock()
	name, deviceID, cfg, running := t.name, t.deviceID, t.config, t.state == StateRunning
	t.mu.Unlock()

	return protocol.TrackStatus{
		TrackID:          t.ID,
		Name:             name,
		DeviceID:         deviceID,
		Active:           running,
		Muted:            t.IsMuted(),
		Solo:             t.IsSolo(),
		Bitrate:          cfg.Bitrate,
		FrameSizeMs:      cfg.FrameSizeMs,
		PacketsSent:      t.PacketsSent(),
		PacketsReceived:  t.PacketsReceived(),
		PacketsLost:      t.PacketsLost(),
		CurrentLatencyMs: t.LatencyMs(),
		JitterMs:         t.JitterMs(),
		LevelDb:          t.Meter.LevelDb(),
		PeakDb:           t.Meter.PeakDb(),
		LevelNormalized:  t.Meter.LevelNormalized(),
		PeakNormalized:   t.Meter.PeakNormalized(),
	}
}
