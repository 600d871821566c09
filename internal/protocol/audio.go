// Package protocol defines the wire formats exchanged between LAN audio
// peers: audio data packets, discovery beacons, and handshake messages.
//
// Every packet type starts with a fixed magic value so a peer can cheaply
// reject traffic that lands on its socket from an unrelated protocol or a
// misconfigured sender, without attempting a full parse.
package protocol

import (
	"encoding/binary"
	"errors"
)

// AudioPacketMagic identifies an audio data packet on the wire.
const AudioPacketMagic uint16 = 0xAF01

// AudioHeaderSize is the fixed header length of an audio packet, in bytes.
const AudioHeaderSize = 16

// MaxPayloadSize is the largest Opus payload an AudioPacket will carry.
// Chosen to keep the full UDP datagram (header + payload) under a
// conservative LAN MTU after IP/UDP overhead.
const MaxPayloadSize = 1440

// PacketFlags holds per-packet boolean attributes packed into one byte.
type PacketFlags uint8

const (
	FlagKeyframe PacketFlags = 1 << 0
	FlagStereo   PacketFlags = 1 << 1
	FlagFEC      PacketFlags = 1 << 2
)

// Has reports whether f is set.
func (p PacketFlags) Has(f PacketFlags) bool { return p&f != 0 }

// IsStereo reports whether the stereo flag is set.
func (p PacketFlags) IsStereo() bool { return p.Has(FlagStereo) }

// HasFEC reports whether the FEC flag is set.
func (p PacketFlags) HasFEC() bool { return p.Has(FlagFEC) }

// IsKeyframe reports whether the keyframe flag is set.
func (p PacketFlags) IsKeyframe() bool { return p.Has(FlagKeyframe) }

// AudioPacket is one encoded audio frame addressed to a specific track.
//
// Wire layout (little-endian, 16-byte header):
//
//	offset  size  field
//	0       2     magic (0xAF01)
//	2       1     track_id
//	3       1     flags
//	4       4     sequence
//	8       8     timestamp
//	16      N     payload (Opus data)
type AudioPacket struct {
	TrackID   uint8
	Flags     PacketFlags
	Sequence  uint32
	Timestamp uint64
	Payload   []byte
}

// ErrShortBuffer is returned by Deserialize when the input is too small to
// contain a valid header.
var ErrShortBuffer = errors.New("protocol: audio packet too short")

// ErrBadMagic is returned by Deserialize when the magic number does not match.
var ErrBadMagic = errors.New("protocol: audio packet bad magic")

// Serialize encodes p into a freshly allocated byte slice.
func (p *AudioPacket) Serialize() []byte {
	buf := make([]byte, AudioHeaderSize+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], AudioPacketMagic)
	buf[2] = p.TrackID
	buf[3] = byte(p.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], p.Sequence)
	binary.LittleEndian.PutUint64(buf[8:16], p.Timestamp)
	copy(buf[16:], p.Payload)
	return buf
}

// DeserializeAudioPacket parses data into an AudioPacket. The returned
// Payload aliases data; callers that retain data past its buffer's reuse
// must copy it first.
func DeserializeAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < AudioHeaderSize {
		return nil, ErrShortBuffer
	}
	if binary.LittleEndian.Uint16(data[0:2]) != AudioPacketMagic {
		return nil, ErrBadMagic
	}
	p := &AudioPacket{
		TrackID:   data[2],
		Flags:     PacketFlags(data[3]),
		Sequence:  binary.LittleEndian.Uint32(data[4:8]),
		Timestamp: binary.LittleEndian.Uint64(data[8:16]),
	}
	if len(data) > AudioHeaderSize {
		p.Payload = data[AudioHeaderSize:]
	}
	return p, nil
}
