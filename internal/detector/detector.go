// Package detector describes the three detector families the buffer
// understands: their UDP packet layouts, the geometry derived from a
// detector profile, and where each packet's payload lands inside a ring
// buffer slot.
package detector

import (
	"fmt"
	"strings"

	"std-buffer-go/internal/types"
)

type Kind string

const (
	Eiger     Kind = "eiger"
	GigaFrost Kind = "gigafrost"
	Jungfrau  Kind = "jungfrau"
)

// ParseKind accepts the detector_type values found in detector JSON files.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "eiger", "eg":
		return Eiger, nil
	case "gigafrost", "gf":
		return GigaFrost, nil
	case "jungfrau", "jf":
		return Jungfrau, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFamily, value)
	}
}

// Header is implemented by EigerHeader, GigaFrostHeader and JungfrauHeader
// only.
type Header interface {
	Kind() Kind
	FrameID() uint64
	// FillMeta copies the family specific fields of the first packet seen
	// for a frame into the frame metadata.
	FillMeta(meta *types.FrameMeta)
}

// Packet is a decoded datagram. Payload aliases the receive buffer.
type Packet struct {
	Header  Header
	Payload []byte
}

// Placement addresses a packet payload inside a ring buffer slot.
type Placement struct {
	Module int
	Packet int
	Offset int
	Length int
}

// Family bundles the per-detector operations used by the assembler.
type Family interface {
	Kind() Kind
	HeaderSize() int
	Decode(raw []byte) (Packet, error)
	Encode(pkt Packet) []byte
	Geometry(p Profile) (Geometry, error)
	Locate(p Profile, g Geometry, pkt Packet) (Placement, error)
}

// For returns the Family implementation for kind.
func For(kind Kind) (Family, error) {
	switch kind {
	case Eiger:
		return eigerFamily{}, nil
	case GigaFrost:
		return gigaFrostFamily{}, nil
	case Jungfrau:
		return jungfrauFamily{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, kind)
	}
}

// placeFixed handles the Eiger and Jungfrau layout where packets are
// addressed by packet number and carry a fixed payload size.
func placeFixed(g Geometry, module int, packetNumber int, payload []byte) (Placement, error) {
	if module < 0 || module >= g.NModules {
		return Placement{}, fmt.Errorf("%w: module %d of %d", ErrBadPlacement, module, g.NModules)
	}
	if packetNumber < 0 || packetNumber >= g.FramePackets {
		return Placement{}, fmt.Errorf("%w: packet %d of %d", ErrBadPlacement, packetNumber, g.FramePackets)
	}
	length := g.PacketDataBytes
	if packetNumber == g.FramePackets-1 {
		length = g.LastPacketDataBytes
	}
	if len(payload) < length {
		return Placement{}, fmt.Errorf("%w: payload %d bytes, want %d", ErrShortPayload, len(payload), length)
	}
	return Placement{
		Module: module,
		Packet: packetNumber,
		Offset: module*g.ModuleFrameBytes + packetNumber*g.PacketDataBytes,
		Length: length,
	}, nil
}
