// Package handshake implements the per-peer connection state machine that
// negotiates capabilities before audio flows.
package handshake

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"landaudio/internal/protocol"
)

// Phase identifies which step of the handshake a peer connection is in.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseHelloSent
	PhaseHelloReceived
	PhaseConnected
	PhaseFailed
)

// State is the current handshake status for one remote address.
type State struct {
	Phase Phase

	SentAt time.Time // set when Phase == PhaseHelloSent

	PeerCaps    protocol.PeerCapabilities // set from PhaseHelloReceived onward
	PeerName    string                    // set once Phase == PhaseConnected
	AudioPort   uint16                    // set once Phase == PhaseConnected
	ConnectedAt time.Time

	FailReason string // set when Phase == PhaseFailed
}

// Manager tracks handshake state for every remote address this peer has
// attempted to connect with.
type Manager struct {
	Name         string
	AudioPort    uint16
	Capabilities protocol.PeerCapabilities

	mu     sync.RWMutex
	states map[string]*State

	nextSessionID atomic.Uint32
}

// NewManager returns a Manager that will identify itself with name,
// audioPort, and caps during Hello exchanges.
func NewManager(name string, audioPort uint16, caps protocol.PeerCapabilities) *Manager {
	m := &Manager{
		Name:         name,
		AudioPort:    audioPort,
		Capabilities: caps,
		states:       make(map[string]*State),
	}
	m.nextSessionID.Store(1)
	return m
}

func (m *Manager) newSessionID() uint32 {
	return m.nextSessionID.Add(1) - 1
}

// Initiate begins a handshake with addr, returning the Hello packet to send.
func (m *Manager) Initiate(addr net.Addr) *protocol.HandshakePacket {
	sessionID := m.newSessionID()

	m.mu.Lock()
	m.states[addr.String()] = &State{Phase: PhaseHelloSent, SentAt: time.Now()}
	m.mu.Unlock()

	return protocol.NewHelloPacket(sessionID, protocol.HelloPayload{
		AudioPort:    m.AudioPort,
		Capabilities: m.Capabilities,
		Name:         m.Name,
	})
}

// ProcessPacket advances the state machine for addr in response to an
// incoming packet, returning a reply packet to send (if any).
func (m *Manager) ProcessPacket(addr net.Addr, pkt *protocol.HandshakePacket) *protocol.HandshakePacket {
	key := addr.String()

	switch pkt.Type {
	case protocol.HandshakeHello:
		hello, err := protocol.ParseHello(pkt)
		if err != nil {
			return protocol.NewErrorPacket(pkt.SessionID, "malformed hello")
		}
		if !m.Capabilities.IsCompatibleWith(hello.Capabilities) {
			m.setState(key, &State{Phase: PhaseFailed, FailReason: "incompatible capabilities"})
			return protocol.NewErrorPacket(pkt.SessionID, "incompatible capabilities")
		}
		m.setState(key, &State{
			Phase:       PhaseConnected,
			PeerCaps:    hello.Capabilities,
			PeerName:    hello.Name,
			AudioPort:   hello.AudioPort,
			ConnectedAt: time.Now(),
		})
		return protocol.NewHelloAckPacket(pkt.SessionID, protocol.HelloPayload{
			AudioPort:    m.AudioPort,
			Capabilities: m.Capabilities,
			Name:         m.Name,
		})

	case protocol.HandshakeHelloAck:
		hello, err := protocol.ParseHello(pkt)
		if err != nil {
			return nil
		}
		m.setState(key, &State{
			Phase:       PhaseConnected,
			PeerCaps:    hello.Capabilities,
			PeerName:    hello.Name,
			AudioPort:   hello.AudioPort,
			ConnectedAt: time.Now(),
		})
		return nil

	case protocol.HandshakePing:
		return protocol.NewPongPacket(pkt.SessionID)

	case protocol.HandshakeGoodbye:
		m.mu.Lock()
		delete(m.states, key)
		m.mu.Unlock()
		return nil

	case protocol.HandshakeError:
		m.setState(key, &State{Phase: PhaseFailed, FailReason: protocol.ParseError(pkt)})
		return nil

	default:
		return nil
	}
}

func (m *Manager) setState(key string, s *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = s
}

// StateFor returns the current state for addr, if any.
func (m *Manager) StateFor(addr net.Addr) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[addr.String()]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// CleanupStale removes pending (HelloSent) handshakes older than timeout and
// any Failed entries, regardless of age. Connected entries are never removed
// by this sweep; the manager does not track their liveness itself.
func (m *Manager) CleanupStale(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, s := range m.states {
		switch s.Phase {
		case PhaseHelloSent:
			if now.Sub(s.SentAt) > timeout {
				delete(m.states, key)
			}
		case PhaseFailed:
			delete(m.states, key)
		}
	}
}
