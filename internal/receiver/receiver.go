// Package receiver accepts incoming audio packets over UDP and demultiplexes
// them to per-track channels.
package receiver

import (
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"landaudio/internal/protocol"
)

// recvBufferSize is sized to cover MaxPayloadSize plus the audio header with
// headroom.
const recvBufferSize = 2048

// Adaptive backoff thresholds for empty reads: spin briefly for the lowest
// latency on bursty traffic, then yield to other goroutines, then sleep to
// avoid pinning a CPU core during silence.
const (
	spinThreshold  = 10
	yieldThreshold = 100
	sleepInterval  = 50 * time.Microsecond
	pollDeadline   = 200 * time.Microsecond
)

// ControlFunc handles a handshake packet that arrived on the audio socket,
// along with the address it came from. Called from the receive loop, so
// implementations must not block.
type ControlFunc func(addr *net.UDPAddr, pkt *protocol.HandshakePacket)

// ReceivedPacket is an audio packet that has been parsed and is ready for
// decoding.
type ReceivedPacket struct {
	TrackID     uint8
	Sequence    uint32
	Timestamp   uint64
	Payload     []byte
	IsStereo    bool
	HasFEC      bool
	ReceiveTime time.Time
}

func fromWire(p *protocol.AudioPacket) ReceivedPacket {
	return ReceivedPacket{
		TrackID:     p.TrackID,
		Sequence:    p.Sequence,
		Timestamp:   p.Timestamp,
		Payload:     p.Payload,
		IsStereo:    p.Flags.IsStereo(),
		HasFEC:      p.Flags.HasFEC(),
		ReceiveTime: time.Now(),
	}
}

// Receiver reads audio packets from a UDP socket and dispatches them to
// per-track channels (and optionally one global channel).
type Receiver struct {
	conn *net.UDPConn

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	invalidPackets  atomic.Uint64

	mu            sync.RWMutex
	trackChannels map[uint8]chan ReceivedPacket
	globalCh      chan ReceivedPacket
	controlFn     ControlFunc
}

// New returns a Receiver reading from conn. conn is not owned by Receiver;
// the caller is responsible for closing it.
func New(conn *net.UDPConn) *Receiver {
	return &Receiver{conn: conn, trackChannels: make(map[uint8]chan ReceivedPacket)}
}

// SetGlobalChannel registers a channel that receives every packet
// regardless of track, useful for metrics or a catch-all consumer.
func (r *Receiver) SetGlobalChannel(ch chan ReceivedPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalCh = ch
}

// SetControlHandler registers fn to receive handshake packets that share
// the audio socket. Without a handler, handshake traffic counts as invalid.
func (r *Receiver) SetControlHandler(fn ControlFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controlFn = fn
}

// RegisterTrack routes packets for trackID to ch.
func (r *Receiver) RegisterTrack(trackID uint8, ch chan ReceivedPacket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackChannels[trackID] = ch
}

// UnregisterTrack stops routing packets for trackID.
func (r *Receiver) UnregisterTrack(trackID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackChannels, trackID)
}

// Start launches the receive loop. It is a no-op if already running.
func (r *Receiver) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
}

// Stop halts the receive loop and waits for it to exit.
func (r *Receiver) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Receiver) loop() {
	buf := make([]byte, recvBufferSize)
	emptyReads := 0

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(pollDeadline))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				emptyReads++
				switch {
				case emptyReads < spinThreshold:
					runtime.Gosched()
				case emptyReads < yieldThreshold:
					runtime.Gosched()
				default:
					time.Sleep(sleepInterval)
				}
				continue
			}
			time.Sleep(1 * time.Millisecond)
			continue
		}

		emptyReads = 0
		r.bytesReceived.Add(uint64(n))

		// Classify by magic before attempting a full parse, so misrouted
		// traffic stays cheap to discard.
		if isHandshake(buf[:n]) {
			r.handleControl(addr, buf[:n])
			continue
		}

		pkt, perr := protocol.DeserializeAudioPacket(buf[:n])
		if perr != nil {
			bad := r.invalidPackets.Add(1)
			if bad%1000 == 1 {
				log.Printf("receiver: dropping malformed packet: %v", perr)
			}
			continue
		}
		r.packetsReceived.Add(1)

		received := fromWire(pkt)
		// Copy the payload out of the shared read buffer before it's
		// reused by the next ReadFromUDP call.
		payloadCopy := make([]byte, len(received.Payload))
		copy(payloadCopy, received.Payload)
		received.Payload = payloadCopy

		r.dispatch(received)
	}
}

func isHandshake(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == protocol.HandshakeMagic[0] && data[1] == protocol.HandshakeMagic[1] &&
		data[2] == protocol.HandshakeMagic[2] && data[3] == protocol.HandshakeMagic[3]
}

func (r *Receiver) handleControl(addr *net.UDPAddr, data []byte) {
	r.mu.RLock()
	fn := r.controlFn
	r.mu.RUnlock()

	pkt, err := protocol.DeserializeHandshakePacket(data)
	if err != nil || fn == nil {
		r.invalidPackets.Add(1)
		return
	}
	// Detach the payload from the shared read buffer, same as audio below.
	payloadCopy := make([]byte, len(pkt.Payload))
	copy(payloadCopy, pkt.Payload)
	pkt.Payload = payloadCopy
	fn(addr, pkt)
}

func (r *Receiver) dispatch(p ReceivedPacket) {
	r.mu.RLock()
	trackCh, hasTrack := r.trackChannels[p.TrackID]
	globalCh := r.globalCh
	r.mu.RUnlock()

	if hasTrack {
		select {
		case trackCh <- p:
		default:
		}
	}
	if globalCh != nil {
		select {
		case globalCh <- p:
		default:
		}
	}
}

// Stats is a snapshot of receiver counters.
type Stats struct {
	PacketsReceived  uint64
	BytesReceived    uint64
	InvalidPackets   uint64
	RegisteredTracks int
}

func (r *Receiver) Stats() Stats {
	r.mu.RLock()
	n := len(r.trackChannels)
	r.mu.RUnlock()
	return Stats{
		PacketsReceived:  r.packetsReceived.Load(),
		BytesReceived:    r.bytesReceived.Load(),
		InvalidPackets:   r.invalidPackets.Load(),
		RegisteredTracks: n,
	}
}

// TrackStats is a snapshot of one TrackReceiver's counters.
type TrackStats struct {
	TrackID         uint8
	PacketsReceived uint64
	PacketsLost     uint64
	OutOfOrder      uint64
	LossRate        float32
}

// TrackReceiver consumes packets for a single track from the channel
// registered with a Receiver, tracking sequence continuity.
type TrackReceiver struct {
	trackID  uint8
	packetCh chan ReceivedPacket

	lastSequence    *uint32
	packetsReceived uint64
	packetsLost     uint64
	outOfOrder      uint64
}

// NewTrackReceiver returns a TrackReceiver reading from packetCh.
func NewTrackReceiver(trackID uint8, packetCh chan ReceivedPacket) *TrackReceiver {
	return &TrackReceiver{trackID: trackID, packetCh: packetCh}
}

// Recv blocks until a packet is available.
func (t *TrackReceiver) Recv() ReceivedPacket {
	p := <-t.packetCh
	t.processSequence(p.Sequence)
	t.packetsReceived++
	return p
}

// TryRecv returns immediately; ok is false if no packet was queued.
func (t *TrackReceiver) TryRecv() (ReceivedPacket, bool) {
	select {
	case p := <-t.packetCh:
		t.processSequence(p.Sequence)
		t.packetsReceived++
		return p, true
	default:
		return ReceivedPacket{}, false
	}
}

// RecvTimeout waits up to timeout for a packet.
func (t *TrackReceiver) RecvTimeout(timeout time.Duration) (ReceivedPacket, bool) {
	select {
	case p := <-t.packetCh:
		t.processSequence(p.Sequence)
		t.packetsReceived++
		return p, true
	case <-time.After(timeout):
		return ReceivedPacket{}, false
	}
}

func (t *TrackReceiver) processSequence(seq uint32) {
	if t.lastSequence != nil {
		expected := *t.lastSequence + 1
		if seq != expected {
			if seq > expected {
				t.packetsLost += uint64(seq - expected)
			} else {
				t.outOfOrder++
			}
		}
	}
	s := seq
	t.lastSequence = &s
}

func (t *TrackReceiver) TrackID() uint8 { return t.trackID }

func (t *TrackReceiver) Stats() TrackStats {
	var lossRate float32
	if total := t.packetsReceived + t.packetsLost; total > 0 {
		lossRate = float32(t.packetsLost) / float32(total)
	}
	return TrackStats{
		TrackID:         t.trackID,
		PacketsReceived: t.packetsReceived,
		PacketsLost:     t.packetsLost,
		OutOfOrder:      t.outOfOrder,
		LossRate:        lossRate,
	}
}
