package protocol

import "testing"

func TestHandshakePacketRoundTrip(t *testing.T) {
	pkt := NewHelloPacket(42, HelloPayload{
		AudioPort:    6000,
		Capabilities: FullCapabilities(),
		Name:         "peer-1",
	})
	data := pkt.Serialize()

	got, err := DeserializeHandshakePacket(data)
	if err != nil {
		t.Fatalf("DeserializeHandshakePacket() error = %v", err)
	}
	if got.Type != HandshakeHello || got.SessionID != 42 {
		t.Fatalf("header mismatch: got %+v", got)
	}

	hello, err := ParseHello(got)
	if err != nil {
		t.Fatalf("ParseHello() error = %v", err)
	}
	if hello.AudioPort != 6000 || hello.Name != "peer-1" {
		t.Fatalf("hello payload mismatch: %+v", hello)
	}
}

func TestCapabilityCompatibility(t *testing.T) {
	full := FullCapabilities()
	sender := SenderOnlyCapabilities()
	receiver := ReceiverOnlyCapabilities()

	if !sender.IsCompatibleWith(receiver) {
		t.Error("sender-only should be compatible with receiver-only")
	}
	if !receiver.IsCompatibleWith(sender) {
		t.Error("receiver-only should be compatible with sender-only (symmetric)")
	}
	if !full.IsCompatibleWith(sender) || !full.IsCompatibleWith(receiver) {
		t.Error("full capabilities should be compatible with either restricted role")
	}
	if sender.IsCompatibleWith(sender) {
		t.Error("sender-only should not be compatible with another sender-only")
	}
	if receiver.IsCompatibleWith(receiver) {
		t.Error("receiver-only should not be compatible with another receiver-only")
	}
}

func TestCapabilitiesByteRoundTrip(t *testing.T) {
	c := PeerCapabilities{CanSend: true, SupportsOpus: true, SupportsFEC: true, MaxTracks: 8}
	b := c.ToBytes()
	got := CapabilitiesFromBytes(b[0], b[1])
	if got != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
}

func TestSyncResponseRoundTrip(t *testing.T) {
	tracks := []TrackInfo{
		{TrackID: 1, Name: "mic", Bitrate: 64000, Channels: 1, FECEnabled: true},
		{TrackID: 2, Name: "music", Bitrate: 128000, Channels: 2},
	}
	pkt := NewSyncResponsePacket(7, tracks)
	data := pkt.Serialize()

	got, err := DeserializeHandshakePacket(data)
	if err != nil {
		t.Fatalf("DeserializeHandshakePacket() error = %v", err)
	}
	decoded, err := ParseSyncResponse(got)
	if err != nil {
		t.Fatalf("ParseSyncResponse() error = %v", err)
	}
	if len(decoded) != 2 || decoded[0].Name != "mic" || decoded[1].Bitrate != 128000 {
		t.Fatalf("decoded tracks mismatch: %+v", decoded)
	}
}
