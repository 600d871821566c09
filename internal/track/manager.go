package track

import (
	"errors"
	"log"
	"sync"

	"landaudio/internal/protocol"
)

// MaxTracks bounds how many tracks a single Manager will hold.
const MaxTracks = 256

// eventBufferSize is the buffer depth of each subscriber's event channel.
// Sized generously so ordinary bursts (e.g. device enumeration on startup)
// never drop; once a slow subscriber's channel is full, new events for it
// are dropped rather than stalling track operations.
const eventBufferSize = 256

var (
	ErrMaxTracksReached = errors.New("track: maximum track count reached")
	ErrAlreadyExists    = errors.New("track: track id already exists")
	ErrNotFound         = errors.New("track: track not found")
	ErrTombstoned       = errors.New("track: track id was explicitly deleted")
)

// EventKind identifies the kind of change carried by an Event.
type EventKind int

const (
	EventCreated EventKind = iota
	EventRemoved
	EventStarted
	EventStopped
	EventConfigUpdated
	EventDeviceChanged
	EventError
)

// Event is published to every Manager subscriber whenever track state
// changes, so UI and network components can stay in sync without polling.
type Event struct {
	Kind        EventKind
	TrackID     uint8
	OldDeviceID string
	NewDeviceID string
	Message     string
}

// Manager is the authoritative registry of a peer's tracks. It assigns
// track IDs, enforces the track-count limit, and fans out change events to
// subscribers.
type Manager struct {
	mu     sync.RWMutex
	tracks map[uint8]*Track
	nextID uint8

	subMu       sync.Mutex
	subscribers []chan Event

	maxTracks  int
	soloActive bool

	tombstones map[uint8]bool
}

// NewManager returns an empty Manager bounded at MaxTracks.
func NewManager() *Manager {
	return &Manager{
		tracks:     make(map[uint8]*Track),
		maxTracks:  MaxTracks,
		tombstones: make(map[uint8]bool),
	}
}

// Subscribe returns a channel that receives every subsequent track event.
// The channel is never closed by Manager; callers that stop listening
// should simply stop reading from it.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, eventBufferSize)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) emit(e Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- e:
		default:
			log.Printf("track: subscriber channel full, dropping event %+v", e)
		}
	}
}

// CreateTrack allocates a new track. If config.TrackID is set, that ID is
// used (and must not already be taken); otherwise the next free ID is
// assigned. Returns the assigned track ID.
func (m *Manager) CreateTrack(config protocol.TrackConfig) (uint8, error) {
	m.mu.Lock()

	if len(m.tracks) >= m.maxTracks {
		m.mu.Unlock()
		return 0, ErrMaxTracksReached
	}

	var id uint8
	if config.TrackID != nil {
		id = *config.TrackID
	} else {
		// Skip ids already taken (e.g. by an explicit TrackID); the size
		// check above guarantees a free one exists.
		for {
			id = m.nextID
			m.nextID++
			if _, taken := m.tracks[id]; !taken {
				break
			}
		}
	}

	if _, exists := m.tracks[id]; exists {
		m.mu.Unlock()
		return 0, ErrAlreadyExists
	}

	t := New(id, config)
	m.tracks[id] = t
	// An explicit create (this method is only reached from control-plane
	// requests) clears any tombstone left by a prior user deletion, so the
	// id becomes eligible for implicit recreation again.
	delete(m.tombstones, id)
	m.mu.Unlock()

	m.emit(Event{Kind: EventCreated, TrackID: id})
	return id, nil
}

// EnsureImplicitTrack creates a track for id on first observation of an
// unknown track_id on the receive side. It refuses to recreate an id the
// user has explicitly deleted until that id is explicitly re-created via
// CreateTrack.
func (m *Manager) EnsureImplicitTrack(id uint8, config protocol.TrackConfig) (*Track, bool, error) {
	m.mu.Lock()
	if t, exists := m.tracks[id]; exists {
		m.mu.Unlock()
		return t, false, nil
	}
	if m.tombstones[id] {
		m.mu.Unlock()
		return nil, false, ErrTombstoned
	}
	if len(m.tracks) >= m.maxTracks {
		m.mu.Unlock()
		return nil, false, ErrMaxTracksReached
	}
	config.TrackID = &id
	t := New(id, config)
	m.tracks[id] = t
	m.mu.Unlock()

	m.emit(Event{Kind: EventCreated, TrackID: id})
	return t, true, nil
}

// RemoveTrack stops and deletes the track with the given ID, tombstoning
// its id so a stray packet for it does not implicitly recreate it.
func (m *Manager) RemoveTrack(id uint8) error {
	m.mu.Lock()
	t, ok := m.tracks[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.tracks, id)
	m.tombstones[id] = true
	m.mu.Unlock()

	t.Stop()
	m.emit(Event{Kind: EventRemoved, TrackID: id})
	m.updateSoloState()
	return nil
}

// StartTrack starts the track with the given ID.
func (m *Manager) StartTrack(id uint8) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	t.Start()
	m.emit(Event{Kind: EventStarted, TrackID: id})
	return nil
}

// StopTrack stops the track with the given ID.
func (m *Manager) StopTrack(id uint8) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	t.Stop()
	m.emit(Event{Kind: EventStopped, TrackID: id})
	return nil
}

// UpdateTrack patches a track's configuration. If the update changes the
// device ID, a DeviceChanged event is emitted before the ConfigUpdated
// event — downstream consumers (e.g. the capture pipeline) rely on seeing
// the device swap before the generic "config changed" notification.
func (m *Manager) UpdateTrack(id uint8, update protocol.TrackConfigUpdate) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}

	oldDevice, newDevice := t.UpdateConfig(update)

	if oldDevice != newDevice {
		m.emit(Event{Kind: EventDeviceChanged, TrackID: id, OldDeviceID: oldDevice, NewDeviceID: newDevice})
	}
	m.emit(Event{Kind: EventConfigUpdated, TrackID: id})
	return nil
}

// SetMuted sets the mute flag on the given track.
func (m *Manager) SetMuted(id uint8, muted bool) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	t.SetMuted(muted)
	return nil
}

// SetSolo sets the solo flag on the given track and recomputes which tracks
// should currently output.
func (m *Manager) SetSolo(id uint8, solo bool) error {
	t, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	t.SetSolo(solo)
	m.updateSoloState()
	return nil
}

func (m *Manager) updateSoloState() {
	m.mu.RLock()
	active := false
	for _, t := range m.tracks {
		if t.IsSolo() {
			active = true
			break
		}
	}
	m.mu.RUnlock()

	m.mu.Lock()
	m.soloActive = active
	m.mu.Unlock()
}

// ShouldOutput reports whether the given track's audio should currently be
// played: muted tracks never output; when any track is soloed, only soloed
// tracks output; otherwise every unmuted track outputs.
func (m *Manager) ShouldOutput(id uint8) bool {
	t, ok := m.Get(id)
	if !ok {
		return false
	}
	if t.IsMuted() {
		return false
	}

	m.mu.RLock()
	soloActive := m.soloActive
	m.mu.RUnlock()

	if soloActive {
		return t.IsSolo()
	}
	return true
}

// Get returns the track with the given ID, if it exists.
func (m *Manager) Get(id uint8) (*Track, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracks[id]
	return t, ok
}

// List returns a snapshot slice of all current tracks, in no particular
// order.
func (m *Manager) List() []*Track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Track, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// Count returns the number of tracks currently registered.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks)
}
