package receiver

import (
	"net"
	"testing"
	"time"

	"landaudio/internal/protocol"
)

func mustListen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	return conn
}

func sendPacket(t *testing.T, to *net.UDPAddr, pkt *protocol.AudioPacket) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, to)
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(pkt.Serialize()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func TestReceiverDispatchesToRegisteredTrack(t *testing.T) {
	conn := mustListen(t)
	defer conn.Close()

	r := New(conn)
	trackCh := make(chan ReceivedPacket, 4)
	r.RegisterTrack(3, trackCh)
	r.Start()
	defer r.Stop()

	sendPacket(t, conn.LocalAddr().(*net.UDPAddr), &protocol.AudioPacket{
		TrackID:   3,
		Sequence:  1,
		Timestamp: 1000,
		Payload:   []byte{1, 2, 3},
	})

	select {
	case p := <-trackCh:
		if p.TrackID != 3 || p.Sequence != 1 || len(p.Payload) != 3 {
			t.Fatalf("dispatched packet = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched packet")
	}
}

func TestReceiverDropsUnregisteredTrackSilently(t *testing.T) {
	conn := mustListen(t)
	defer conn.Close()

	r := New(conn)
	globalCh := make(chan ReceivedPacket, 4)
	r.SetGlobalChannel(globalCh)
	r.Start()
	defer r.Stop()

	sendPacket(t, conn.LocalAddr().(*net.UDPAddr), &protocol.AudioPacket{
		TrackID:  9,
		Sequence: 1,
		Payload:  []byte{0xAA},
	})

	select {
	case p := <-globalCh:
		if p.TrackID != 9 {
			t.Fatalf("global channel packet = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for global dispatch")
	}
}

func TestReceiverCountsInvalidPackets(t *testing.T) {
	conn := mustListen(t)
	defer conn.Close()

	r := New(conn)
	r.Start()
	defer r.Stop()

	writer, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer writer.Close()
	if _, err := writer.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Stats().InvalidPackets > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("invalid packet was never counted")
}

func TestReceiverRoutesHandshakeToControlHandler(t *testing.T) {
	conn := mustListen(t)
	defer conn.Close()

	r := New(conn)
	got := make(chan *protocol.HandshakePacket, 1)
	r.SetControlHandler(func(_ *net.UDPAddr, pkt *protocol.HandshakePacket) {
		got <- pkt
	})
	r.Start()
	defer r.Stop()

	writer, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer writer.Close()
	ping := protocol.NewPingPacket(77)
	if _, err := writer.Write(ping.Serialize()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case pkt := <-got:
		if pkt.Type != protocol.HandshakePing || pkt.SessionID != 77 {
			t.Fatalf("control handler got %+v", pkt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control dispatch")
	}
	if r.Stats().InvalidPackets != 0 {
		t.Fatalf("handshake packet counted as invalid")
	}
}

func TestTrackReceiverCountsLostOnGap(t *testing.T) {
	ch := make(chan ReceivedPacket, 4)
	tr := NewTrackReceiver(1, ch)

	ch <- ReceivedPacket{TrackID: 1, Sequence: 10}
	tr.Recv()
	ch <- ReceivedPacket{TrackID: 1, Sequence: 13}
	tr.Recv()

	stats := tr.Stats()
	if stats.PacketsLost != 2 {
		t.Fatalf("PacketsLost = %d, want 2", stats.PacketsLost)
	}
	if stats.OutOfOrder != 0 {
		t.Fatalf("OutOfOrder = %d, want 0", stats.OutOfOrder)
	}
}

func TestTrackReceiverCountsOutOfOrder(t *testing.T) {
	ch := make(chan ReceivedPacket, 4)
	tr := NewTrackReceiver(1, ch)

	ch <- ReceivedPacket{TrackID: 1, Sequence: 10}
	tr.Recv()
	ch <- ReceivedPacket{TrackID: 1, Sequence: 5}
	tr.Recv()

	stats := tr.Stats()
	if stats.OutOfOrder != 1 {
		t.Fatalf("OutOfOrder = %d, want 1", stats.OutOfOrder)
	}
	if stats.PacketsLost != 0 {
		t.Fatalf("PacketsLost = %d, want 0", stats.PacketsLost)
	}
}

func TestTrackReceiverTryRecvEmpty(t *testing.T) {
	ch := make(chan ReceivedPacket)
	tr := NewTrackReceiver(1, ch)
	if _, ok := tr.TryRecv(); ok {
		t.Fatal("TryRecv() on empty channel should return ok=false")
	}
}

func TestTrackReceiverRecvTimeout(t *testing.T) {
	ch := make(chan ReceivedPacket)
	tr := NewTrackReceiver(1, ch)
	start := time.Now()
	if _, ok := tr.RecvTimeout(30 * time.Millisecond); ok {
		t.Fatal("RecvTimeout() on empty channel should return ok=false")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("RecvTimeout returned too early: %v", elapsed)
	}
}

func TestTrackReceiverLossRate(t *testing.T) {
	ch := make(chan ReceivedPacket, 4)
	tr := NewTrackReceiver(1, ch)

	ch <- ReceivedPacket{TrackID: 1, Sequence: 0}
	tr.Recv()
	ch <- ReceivedPacket{TrackID: 1, Sequence: 2}
	tr.Recv()

	stats := tr.Stats()
	if stats.LossRate <= 0 {
		t.Fatalf("LossRate = %f, want > 0", stats.LossRate)
	}
}
