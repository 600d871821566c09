package protocol

import (
	"encoding/binary"
)

// HandshakeMagic identifies a handshake packet.
var HandshakeMagic = [4]byte{'L', 'A', 'H', 'S'}

// ProtocolVersion is the handshake wire format version this package speaks.
const ProtocolVersion uint8 = 1

// HandshakePacketType distinguishes handshake message kinds.
type HandshakePacketType uint8

const (
	HandshakeHello        HandshakePacketType = 0x01
	HandshakeHelloAck     HandshakePacketType = 0x02
	HandshakeSyncRequest  HandshakePacketType = 0x03
	HandshakeSyncResponse HandshakePacketType = 0x04
	HandshakePing         HandshakePacketType = 0x05
	HandshakePong         HandshakePacketType = 0x06
	HandshakeGoodbye      HandshakePacketType = 0x07
	HandshakeError        HandshakePacketType = 0xFF
)

// PeerCapabilities advertises what a peer can do, exchanged during Hello.
type PeerCapabilities struct {
	CanSend        bool
	CanReceive     bool
	SupportsOpus   bool
	SupportsFEC    bool
	SupportsStereo bool
	MaxTracks      uint8
}

// FullCapabilities returns a peer capable of both sending and receiving.
func FullCapabilities() PeerCapabilities {
	return PeerCapabilities{
		CanSend: true, CanReceive: true,
		SupportsOpus: true, SupportsFEC: true, SupportsStereo: true,
		MaxTracks: 16,
	}
}

// SenderOnlyCapabilities returns a peer that only sends audio.
func SenderOnlyCapabilities() PeerCapabilities {
	c := FullCapabilities()
	c.CanReceive = false
	return c
}

// ReceiverOnlyCapabilities returns a peer that only receives audio.
func ReceiverOnlyCapabilities() PeerCapabilities {
	c := FullCapabilities()
	c.CanSend = false
	return c
}

// IsCompatibleWith reports whether p and other can form a working session:
// at least one direction of audio flow must be possible and both sides must
// speak Opus.
func (p PeerCapabilities) IsCompatibleWith(other PeerCapabilities) bool {
	directionOK := (p.CanSend && other.CanReceive) || (p.CanReceive && other.CanSend)
	return directionOK && p.SupportsOpus && other.SupportsOpus
}

const capFlagSend = 1 << 0
const capFlagReceive = 1 << 1
const capFlagOpus = 1 << 2
const capFlagFEC = 1 << 3
const capFlagStereo = 1 << 4

// ToBytes encodes capabilities as [flags, max_tracks].
func (p PeerCapabilities) ToBytes() [2]byte {
	var flags byte
	if p.CanSend {
		flags |= capFlagSend
	}
	if p.CanReceive {
		flags |= capFlagReceive
	}
	if p.SupportsOpus {
		flags |= capFlagOpus
	}
	if p.SupportsFEC {
		flags |= capFlagFEC
	}
	if p.SupportsStereo {
		flags |= capFlagStereo
	}
	return [2]byte{flags, p.MaxTracks}
}

// CapabilitiesFromBytes decodes the encoding produced by ToBytes.
func CapabilitiesFromBytes(flags, maxTracks byte) PeerCapabilities {
	return PeerCapabilities{
		CanSend:        flags&capFlagSend != 0,
		CanReceive:     flags&capFlagReceive != 0,
		SupportsOpus:   flags&capFlagOpus != 0,
		SupportsFEC:    flags&capFlagFEC != 0,
		SupportsStereo: flags&capFlagStereo != 0,
		MaxTracks:      maxTracks,
	}
}

// TrackInfo summarizes one track for inclusion in a sync response.
type TrackInfo struct {
	TrackID    uint8
	Name       string
	Bitrate    uint32
	Channels   uint16
	FECEnabled bool
}

// serializeTrackInfo encodes: track_id(1)+bitrate(4,LE)+channels(2,LE)+fec(1)+namelen(1)+name.
func serializeTrackInfo(t TrackInfo) []byte {
	name := []byte(t.Name)
	if len(name) > 255 {
		name = name[:255]
	}
	buf := make([]byte, 9+len(name))
	buf[0] = t.TrackID
	binary.LittleEndian.PutUint32(buf[1:5], t.Bitrate)
	binary.LittleEndian.PutUint16(buf[5:7], t.Channels)
	if t.FECEnabled {
		buf[7] = 1
	}
	buf[8] = byte(len(name))
	copy(buf[9:], name)
	return buf
}

func deserializeTrackInfo(data []byte) (TrackInfo, int, error) {
	if len(data) < 9 {
		return TrackInfo{}, 0, ErrShortBuffer
	}
	nameLen := int(data[8])
	if len(data) < 9+nameLen {
		return TrackInfo{}, 0, ErrShortBuffer
	}
	t := TrackInfo{
		TrackID:    data[0],
		Bitrate:    binary.LittleEndian.Uint32(data[1:5]),
		Channels:   binary.LittleEndian.Uint16(data[5:7]),
		FECEnabled: data[7] != 0,
		Name:       string(data[9 : 9+nameLen]),
	}
	return t, 9 + nameLen, nil
}

// HandshakeHeaderSize is the fixed header length of a handshake packet.
const HandshakeHeaderSize = 10

// HandshakePacket is the envelope for all handshake-phase messages.
//
// Wire layout (little-endian, 10-byte header + payload):
//
//	offset  size  field
//	0       4     magic ("LAHS")
//	4       1     version
//	5       1     packet_type
//	6       4     session_id
//	10      N     payload
type HandshakePacket struct {
	Type      HandshakePacketType
	SessionID uint32
	Payload   []byte
}

func (h *HandshakePacket) Serialize() []byte {
	buf := make([]byte, HandshakeHeaderSize+len(h.Payload))
	copy(buf[0:4], HandshakeMagic[:])
	buf[4] = ProtocolVersion
	buf[5] = byte(h.Type)
	binary.LittleEndian.PutUint32(buf[6:10], h.SessionID)
	copy(buf[10:], h.Payload)
	return buf
}

func DeserializeHandshakePacket(data []byte) (*HandshakePacket, error) {
	if len(data) < HandshakeHeaderSize {
		return nil, ErrShortBuffer
	}
	if data[0] != HandshakeMagic[0] || data[1] != HandshakeMagic[1] ||
		data[2] != HandshakeMagic[2] || data[3] != HandshakeMagic[3] {
		return nil, ErrBadMagic
	}
	h := &HandshakePacket{
		Type:      HandshakePacketType(data[5]),
		SessionID: binary.LittleEndian.Uint32(data[6:10]),
	}
	if len(data) > HandshakeHeaderSize {
		h.Payload = data[HandshakeHeaderSize:]
	}
	return h, nil
}

// HelloPayload is the payload of a Hello packet: audio_port(2,LE)+caps
// flags(1)+caps max_tracks(1)+namelen(1)+name.
type HelloPayload struct {
	AudioPort    uint16
	Capabilities PeerCapabilities
	Name         string
}

func NewHelloPacket(sessionID uint32, p HelloPayload) *HandshakePacket {
	name := []byte(p.Name)
	if len(name) > 255 {
		name = name[:255]
	}
	caps := p.Capabilities.ToBytes()
	payload := make([]byte, 5+len(name))
	binary.LittleEndian.PutUint16(payload[0:2], p.AudioPort)
	payload[2] = caps[0]
	payload[3] = caps[1]
	payload[4] = byte(len(name))
	copy(payload[5:], name)
	return &HandshakePacket{Type: HandshakeHello, SessionID: sessionID, Payload: payload}
}

// ParseHello decodes the payload of a Hello packet.
func ParseHello(h *HandshakePacket) (HelloPayload, error) {
	d := h.Payload
	if len(d) < 5 {
		return HelloPayload{}, ErrShortBuffer
	}
	nameLen := int(d[4])
	if len(d) < 5+nameLen {
		return HelloPayload{}, ErrShortBuffer
	}
	return HelloPayload{
		AudioPort:    binary.LittleEndian.Uint16(d[0:2]),
		Capabilities: CapabilitiesFromBytes(d[2], d[3]),
		Name:         string(d[5 : 5+nameLen]),
	}, nil
}

func NewHelloAckPacket(sessionID uint32, p HelloPayload) *HandshakePacket {
	pkt := NewHelloPacket(sessionID, p)
	pkt.Type = HandshakeHelloAck
	return pkt
}

func NewSyncRequestPacket(sessionID uint32) *HandshakePacket {
	return &HandshakePacket{Type: HandshakeSyncRequest, SessionID: sessionID}
}

func NewSyncResponsePacket(sessionID uint32, tracks []TrackInfo) *HandshakePacket {
	var payload []byte
	payload = append(payload, byte(len(tracks)))
	for _, t := range tracks {
		payload = append(payload, serializeTrackInfo(t)...)
	}
	return &HandshakePacket{Type: HandshakeSyncResponse, SessionID: sessionID, Payload: payload}
}

// ParseSyncResponse decodes the track list carried by a SyncResponse packet.
func ParseSyncResponse(h *HandshakePacket) ([]TrackInfo, error) {
	d := h.Payload
	if len(d) < 1 {
		return nil, ErrShortBuffer
	}
	count := int(d[0])
	d = d[1:]
	tracks := make([]TrackInfo, 0, count)
	for i := 0; i < count; i++ {
		t, n, err := deserializeTrackInfo(d)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
		d = d[n:]
	}
	return tracks, nil
}

func NewPingPacket(sessionID uint32) *HandshakePacket {
	return &HandshakePacket{Type: HandshakePing, SessionID: sessionID}
}

func NewPongPacket(sessionID uint32) *HandshakePacket {
	return &HandshakePacket{Type: HandshakePong, SessionID: sessionID}
}

func NewGoodbyePacket(sessionID uint32) *HandshakePacket {
	return &HandshakePacket{Type: HandshakeGoodbye, SessionID: sessionID}
}

func NewErrorPacket(sessionID uint32, reason string) *HandshakePacket {
	return &HandshakePacket{Type: HandshakeError, SessionID: sessionID, Payload: []byte(reason)}
}

// ParseError decodes the reason string carried by an Error packet.
func ParseError(h *HandshakePacket) string {
	return string(h.Payload)
}
