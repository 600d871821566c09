// Package sender transmits encoded audio packets over UDP with an adaptive
// polling strategy so an idle link costs no CPU while a busy one loses no
// latency.
package sender

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"landaudio/internal/protocol"
)

// packetQueueSize bounds how many encoded packets may be queued awaiting
// transmission before Enqueue starts rejecting new ones.
const packetQueueSize = 1024

// Consecutive-timeout thresholds that widen the poll interval as the queue
// stays empty, trading a little latency for a lot of idle CPU.
const (
	fastThreshold      = 10
	slowThreshold      = 100
	fastPollInterval   = 100 * time.Microsecond
	mediumPollInterval = 1 * time.Millisecond
	slowPollInterval   = 5 * time.Millisecond
)

// EncodedPacket is one audio frame ready for wire transmission.
type EncodedPacket struct {
	TrackID   uint8
	Sequence  uint32
	Timestamp uint64
	Payload   []byte
	Flags     protocol.PacketFlags
}

// Sender owns a UDP socket and transmits whatever EncodedPackets are
// enqueued, addressed to a single target.
type Sender struct {
	conn   *net.UDPConn
	target *net.UDPAddr

	packetCh chan EncodedPacket

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	packetsSent  atomic.Uint64
	bytesSent    atomic.Uint64
	sendFailures atomic.Uint64
}

// New returns a Sender that writes to target over conn. conn is not owned
// by Sender; the caller is responsible for closing it.
func New(conn *net.UDPConn, target *net.UDPAddr) *Sender {
	return &Sender{
		conn:     conn,
		target:   target,
		packetCh: make(chan EncodedPacket, packetQueueSize),
	}
}

// Start launches the sender loop. It is a no-op if already running.
func (s *Sender) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
}

// Stop halts the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue submits pkt for transmission without blocking. It returns false
// if the internal queue is full.
func (s *Sender) Enqueue(pkt EncodedPacket) bool {
	select {
	case s.packetCh <- pkt:
		return true
	default:
		return false
	}
}

func (s *Sender) loop() {
	consecutiveTimeouts := 0

	for {
		var interval time.Duration
		switch {
		case consecutiveTimeouts < fastThreshold:
			interval = fastPollInterval
		case consecutiveTimeouts < slowThreshold:
			interval = mediumPollInterval
		default:
			interval = slowPollInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case pkt, ok := <-s.packetCh:
			timer.Stop()
			if !ok {
				return
			}
			consecutiveTimeouts = 0
			s.transmit(pkt)
		case <-timer.C:
			consecutiveTimeouts++
		}
	}
}

func (s *Sender) transmit(pkt EncodedPacket) {
	wire := (&protocol.AudioPacket{
		TrackID:   pkt.TrackID,
		Flags:     pkt.Flags,
		Sequence:  pkt.Sequence,
		Timestamp: pkt.Timestamp,
		Payload:   pkt.Payload,
	}).Serialize()

	n, err := s.conn.WriteToUDP(wire, s.target)
	if err != nil {
		failed := s.sendFailures.Add(1)
		if failed%1000 == 1 {
			log.Printf("sender: write to %s failed: %v", s.target, err)
		}
		return
	}
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(n))
}

// Stats is a snapshot of sender throughput counters.
type Stats struct {
	PacketsSent  uint64
	BytesSent    uint64
	SendFailures uint64
	ActiveTracks int
}

// PacketsSent returns the cumulative count of successfully transmitted
// packets.
func (s *Sender) PacketsSent() uint64 { return s.packetsSent.Load() }

// BytesSent returns the cumulative count of successfully transmitted bytes.
func (s *Sender) BytesSent() uint64 { return s.bytesSent.Load() }

// SendFailures returns the cumulative count of datagram writes that failed.
// Failures are absorbed here rather than surfaced to callers; this counter
// is how they stay observable.
func (s *Sender) SendFailures() uint64 { return s.sendFailures.Load() }

// MultiTrack wraps a Sender with a per-track sequence counter, so each
// track's audio stream has its own independent, monotonically increasing
// sequence space.
type MultiTrack struct {
	inner *Sender

	mu        sync.Mutex
	sequences map[uint8]uint32
}

// NewMultiTrack returns a MultiTrack sender built on top of inner.
func NewMultiTrack(inner *Sender) *MultiTrack {
	return &MultiTrack{inner: inner, sequences: make(map[uint8]uint32)}
}

// SendAudio assigns the next sequence number for trackID and enqueues the
// packet for transmission, returning the assigned sequence.
func (m *MultiTrack) SendAudio(trackID uint8, payload []byte, timestamp uint64, stereo bool) uint32 {
	m.mu.Lock()
	seq := m.sequences[trackID]
	m.sequences[trackID] = seq + 1
	m.mu.Unlock()

	var flags protocol.PacketFlags
	if stereo {
		flags |= protocol.FlagStereo
	}

	m.inner.Enqueue(EncodedPacket{
		TrackID:   trackID,
		Sequence:  seq,
		Timestamp: timestamp,
		Payload:   payload,
		Flags:     flags,
	})
	return seq
}

// ResetSequence zeroes the sequence counter for trackID, e.g. after a
// handshake resync.
func (m *MultiTrack) ResetSequence(trackID uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sequences, trackID)
}

// RemoveTrack forgets trackID's sequence counter entirely.
func (m *MultiTrack) RemoveTrack(trackID uint8) {
	m.ResetSequence(trackID)
}

// Stats returns aggregate throughput and per-track counts.
func (m *MultiTrack) Stats() Stats {
	m.mu.Lock()
	active := len(m.sequences)
	m.mu.Unlock()
	return Stats{
		PacketsSent:  m.inner.PacketsSent(),
		BytesSent:    m.inner.BytesSent(),
		SendFailures: m.inner.SendFailures(),
		ActiveTracks: active,
	}
}

func (m *MultiTrack) Start() { m.inner.Start() }
func (m *MultiTrack) Stop()  { m.inner.Stop() }
