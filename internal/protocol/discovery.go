package protocol

import (
	"encoding/binary"
	"errors"
)

// DiscoveryMagic identifies a discovery beacon/request/response packet.
var DiscoveryMagic = [4]byte{'L', 'A', 'N', 'D'}

// DiscoveryPort is the UDP port peers listen on for discovery traffic.
const DiscoveryPort = 5000

// DiscoveryPacketType distinguishes the role of a discovery message.
type DiscoveryPacketType uint8

const (
	DiscoverySenderBeacon   DiscoveryPacketType = 0x01
	DiscoveryReceiverBeacon DiscoveryPacketType = 0x02
	DiscoveryRequest        DiscoveryPacketType = 0x03
	DiscoveryResponse       DiscoveryPacketType = 0x04
)

// DiscoveryPacket advertises or queries for a peer on the LAN.
//
// Wire layout (little-endian, 8-byte header + name):
//
//	offset  size  field
//	0       4     magic ("LAND")
//	4       1     packet_type
//	5       2     audio_port
//	7       1     name_len
//	8       N     name (UTF-8, not NUL-terminated)
type DiscoveryPacket struct {
	Type      DiscoveryPacketType
	AudioPort uint16
	Name      string
}

// ErrNameTooLong is returned by Serialize when Name exceeds 255 bytes.
var ErrNameTooLong = errors.New("protocol: discovery name too long")

func (p *DiscoveryPacket) Serialize() ([]byte, error) {
	name := []byte(p.Name)
	if len(name) > 255 {
		return nil, ErrNameTooLong
	}
	buf := make([]byte, 8+len(name))
	copy(buf[0:4], DiscoveryMagic[:])
	buf[4] = byte(p.Type)
	binary.LittleEndian.PutUint16(buf[5:7], p.AudioPort)
	buf[7] = byte(len(name))
	copy(buf[8:], name)
	return buf, nil
}

func DeserializeDiscoveryPacket(data []byte) (*DiscoveryPacket, error) {
	if len(data) < 8 {
		return nil, ErrShortBuffer
	}
	if data[0] != DiscoveryMagic[0] || data[1] != DiscoveryMagic[1] ||
		data[2] != DiscoveryMagic[2] || data[3] != DiscoveryMagic[3] {
		return nil, ErrBadMagic
	}
	nameLen := int(data[7])
	if len(data) < 8+nameLen {
		return nil, ErrShortBuffer
	}
	return &DiscoveryPacket{
		Type:      DiscoveryPacketType(data[4]),
		AudioPort: binary.LittleEndian.Uint16(data[5:7]),
		Name:      string(data[8 : 8+nameLen]),
	}, nil
}
