package sender

import (
	"net"
	"testing"
	"time"

	"landaudio/internal/protocol"
)

func listenPair(t *testing.T) (send *net.UDPConn, recv *net.UDPConn) {
	t.Helper()
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP(recv) error = %v", err)
	}
	send, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP(send) error = %v", err)
	}
	return send, recv
}

func TestSenderTransmitsEnqueuedPacket(t *testing.T) {
	sendConn, recvConn := listenPair(t)
	defer sendConn.Close()
	defer recvConn.Close()

	s := New(sendConn, recvConn.LocalAddr().(*net.UDPAddr))
	s.Start()
	defer s.Stop()

	if ok := s.Enqueue(EncodedPacket{TrackID: 2, Sequence: 5, Timestamp: 123, Payload: []byte{9, 9}}); !ok {
		t.Fatal("Enqueue() = false, want true")
	}

	buf := make([]byte, 1500)
	recvConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := recvConn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	pkt, err := protocol.DeserializeAudioPacket(buf[:n])
	if err != nil {
		t.Fatalf("DeserializeAudioPacket() error = %v", err)
	}
	if pkt.TrackID != 2 || pkt.Sequence != 5 || pkt.Timestamp != 123 {
		t.Fatalf("received packet = %+v", pkt)
	}

	if got := s.PacketsSent(); got != 1 {
		t.Fatalf("PacketsSent() = %d, want 1", got)
	}
}

func TestSenderEnqueueRejectsWhenQueueFull(t *testing.T) {
	sendConn, recvConn := listenPair(t)
	defer sendConn.Close()
	defer recvConn.Close()

	// Don't Start() the loop so the queue never drains.
	s := New(sendConn, recvConn.LocalAddr().(*net.UDPAddr))

	for i := 0; i < packetQueueSize; i++ {
		if !s.Enqueue(EncodedPacket{TrackID: 1, Sequence: uint32(i)}) {
			t.Fatalf("Enqueue() rejected packet %d before queue should be full", i)
		}
	}
	if s.Enqueue(EncodedPacket{TrackID: 1, Sequence: 9999}) {
		t.Fatal("Enqueue() on a full queue should return false")
	}
}

func TestSenderCountsWriteFailures(t *testing.T) {
	sendConn, recvConn := listenPair(t)
	defer recvConn.Close()

	s := New(sendConn, recvConn.LocalAddr().(*net.UDPAddr))
	// Closing the socket makes every write fail; the failure must be
	// counted and absorbed, not surfaced.
	sendConn.Close()
	s.Start()
	defer s.Stop()

	if !s.Enqueue(EncodedPacket{TrackID: 1, Sequence: 0, Payload: []byte{1}}) {
		t.Fatal("Enqueue() = false, want true")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.SendFailures() > 0 {
			if got := s.PacketsSent(); got != 0 {
				t.Fatalf("PacketsSent() = %d, want 0 after a failed write", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("send failure was never counted")
}

func TestSenderStartStopIdempotent(t *testing.T) {
	sendConn, recvConn := listenPair(t)
	defer sendConn.Close()
	defer recvConn.Close()

	s := New(sendConn, recvConn.LocalAddr().(*net.UDPAddr))
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}

func TestMultiTrackAssignsIndependentSequences(t *testing.T) {
	sendConn, recvConn := listenPair(t)
	defer sendConn.Close()
	defer recvConn.Close()

	inner := New(sendConn, recvConn.LocalAddr().(*net.UDPAddr))
	mt := NewMultiTrack(inner)
	mt.Start()
	defer mt.Stop()

	seqA0 := mt.SendAudio(1, []byte{1}, 100, false)
	seqB0 := mt.SendAudio(2, []byte{2}, 100, false)
	seqA1 := mt.SendAudio(1, []byte{3}, 200, false)

	if seqA0 != 0 || seqB0 != 0 || seqA1 != 1 {
		t.Fatalf("sequences = %d, %d, %d; want 0, 0, 1", seqA0, seqB0, seqA1)
	}

	stats := mt.Stats()
	if stats.ActiveTracks != 2 {
		t.Fatalf("ActiveTracks = %d, want 2", stats.ActiveTracks)
	}
}

func TestMultiTrackResetSequence(t *testing.T) {
	sendConn, recvConn := listenPair(t)
	defer sendConn.Close()
	defer recvConn.Close()

	inner := New(sendConn, recvConn.LocalAddr().(*net.UDPAddr))
	mt := NewMultiTrack(inner)
	mt.Start()
	defer mt.Stop()

	mt.SendAudio(1, []byte{1}, 0, false)
	mt.SendAudio(1, []byte{1}, 0, false)
	mt.ResetSequence(1)
	seq := mt.SendAudio(1, []byte{1}, 0, false)
	if seq != 0 {
		t.Fatalf("sequence after ResetSequence = %d, want 0", seq)
	}
}

func TestSenderStereoFlagRoundTrip(t *testing.T) {
	sendConn, recvConn := listenPair(t)
	defer sendConn.Close()
	defer recvConn.Close()

	inner := New(sendConn, recvConn.LocalAddr().(*net.UDPAddr))
	mt := NewMultiTrack(inner)
	mt.Start()
	defer mt.Stop()

	mt.SendAudio(1, []byte{1, 2}, 0, true)

	buf := make([]byte, 1500)
	recvConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := recvConn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	pkt, err := protocol.DeserializeAudioPacket(buf[:n])
	if err != nil {
		t.Fatalf("DeserializeAudioPacket() error = %v", err)
	}
	if !pkt.Flags.IsStereo() {
		t.Fatal("stereo flag did not survive the wire round trip")
	}
}
