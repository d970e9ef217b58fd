// Package discovery broadcasts UDP announcements on the local segment and
// surfaces arriving peers. It never opens sessions.
package discovery

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshcore/internal/wire"
)

// Announcement packet: magic "MSH1", version u16, node_id 32B, name
// (u16-prefixed), tcp_port u16, gateway u8.
const (
	announceVersion = 1
	maxAnnounceSize = 512
)

var magic = [4]byte{'M', 'S', 'H', '1'}

var errBadPacket = errors.New("bad announcement packet")

type Announcement struct {
	NodeID  wire.NodeID
	Name    string
	TCPPort uint16
	Gateway bool
}

func (a Announcement) Encode() ([]byte, error) {
	if len(a.Name) > 255 {
		return nil, fmt.Errorf("name too long: %d bytes", len(a.Name))
	}
	b := make([]byte, 0, 4+2+32+2+len(a.Name)+2+1)
	b = append(b, magic[:]...)
	b = binary.BigEndian.AppendUint16(b, announceVersion)
	b = append(b, a.NodeID[:]...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(a.Name)))
	b = append(b, a.Name...)
	b = binary.BigEndian.AppendUint16(b, a.TCPPort)
	if a.Gateway {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b, nil
}

func DecodeAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	if len(b) < 4+2+32+2 || [4]byte(b[:4]) != magic {
		return a, errBadPacket
	}
	if binary.BigEndian.Uint16(b[4:6]) != announceVersion {
		return a, errBadPacket
	}
	copy(a.NodeID[:], b[6:38])
	nameLen := int(binary.BigEndian.Uint16(b[38:40]))
	rest := b[40:]
	if len(rest) < nameLen+3 {
		return a, errBadPacket
	}
	a.Name = string(rest[:nameLen])
	a.TCPPort = binary.BigEndian.Uint16(rest[nameLen : nameLen+2])
	a.Gateway = rest[nameLen+2] != 0
	return a, nil
}
