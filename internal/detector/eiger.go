package detector

import (
	"encoding/binary"
	"fmt"

	"std-buffer-go/internal/types"
)

const (
	EigerHeaderSize  = 48
	EigerPayloadSize = 4096
	EigerPacketSize  = EigerHeaderSize + EigerPayloadSize

	// One UDP port streams half a module: 512 x 256 pixels.
	EigerModuleX = 512
	EigerModuleY = 256
)

type EigerHeader struct {
	FrameNumber   uint64
	ExpLength     uint32
	PacketNumber  uint32
	DetSpec1      uint64
	Timestamp     uint64
	ModuleID      uint16
	Row           uint16
	Column        uint16
	DetSpec2      uint16
	DetSpec3      uint32
	RoundRobin    uint16
	DetectorType  uint8
	HeaderVersion uint8
}

func (h EigerHeader) Kind() Kind      { return Eiger }
func (h EigerHeader) FrameID() uint64 { return h.FrameNumber }

func (h EigerHeader) FillMeta(meta *types.FrameMeta) {
	meta.FrameID = h.FrameNumber
	meta.ExposureTime = uint64(h.ExpLength)
	meta.Timestamp = h.Timestamp
	meta.Debug = h.DetSpec3
}

// DecodeEiger reads the header in place; the returned payload aliases raw.
func DecodeEiger(raw []byte) (EigerHeader, []byte, error) {
	if len(raw) < EigerHeaderSize {
		return EigerHeader{}, nil, &DecodeError{Family: Eiger, Size: len(raw), Want: EigerHeaderSize}
	}
	le := binary.LittleEndian
	h := EigerHeader{
		FrameNumber:   le.Uint64(raw[0:8]),
		ExpLength:     le.Uint32(raw[8:12]),
		PacketNumber:  le.Uint32(raw[12:16]),
		DetSpec1:      le.Uint64(raw[16:24]),
		Timestamp:     le.Uint64(raw[24:32]),
		ModuleID:      le.Uint16(raw[32:34]),
		Row:           le.Uint16(raw[34:36]),
		Column:        le.Uint16(raw[36:38]),
		DetSpec2:      le.Uint16(raw[38:40]),
		DetSpec3:      le.Uint32(raw[40:44]),
		RoundRobin:    le.Uint16(raw[44:46]),
		DetectorType:  raw[46],
		HeaderVersion: raw[47],
	}
	return h, raw[EigerHeaderSize:], nil
}

// AppendEiger appends the wire form of h followed by payload to dst.
func AppendEiger(dst []byte, h EigerHeader, payload []byte) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint64(dst, h.FrameNumber)
	dst = le.AppendUint32(dst, h.ExpLength)
	dst = le.AppendUint32(dst, h.PacketNumber)
	dst = le.AppendUint64(dst, h.DetSpec1)
	dst = le.AppendUint64(dst, h.Timestamp)
	dst = le.AppendUint16(dst, h.ModuleID)
	dst = le.AppendUint16(dst, h.Row)
	dst = le.AppendUint16(dst, h.Column)
	dst = le.AppendUint16(dst, h.DetSpec2)
	dst = le.AppendUint32(dst, h.DetSpec3)
	dst = le.AppendUint16(dst, h.RoundRobin)
	dst = append(dst, h.DetectorType, h.HeaderVersion)
	return append(dst, payload...)
}

type eigerFamily struct{}

func (eigerFamily) Kind() Kind      { return Eiger }
func (eigerFamily) HeaderSize() int { return EigerHeaderSize }

func (eigerFamily) Decode(raw []byte) (Packet, error) {
	h, payload, err := DecodeEiger(raw)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Payload: payload}, nil
}

func (eigerFamily) Encode(pkt Packet) []byte {
	h, _ := pkt.Header.(EigerHeader)
	return AppendEiger(make([]byte, 0, EigerHeaderSize+len(pkt.Payload)), h, pkt.Payload)
}

func (eigerFamily) Geometry(p Profile) (Geometry, error) {
	switch p.BitDepth {
	case 4, 8, 16, 32:
	default:
		return Geometry{}, geometryError(p, ErrUnsupportedBitDepth)
	}
	if p.NModules < 1 {
		return Geometry{}, geometryError(p, fmt.Errorf("%w: n_modules %d", ErrInvalidProfile, p.NModules))
	}
	return fixedPayloadGeometry(EigerModuleX, EigerModuleY, p.BitDepth, EigerPayloadSize, p.NModules), nil
}

// Locate places Eiger packets by the row/column the module reports and the
// packet number.
func (eigerFamily) Locate(p Profile, g Geometry, pkt Packet) (Placement, error) {
	h, ok := pkt.Header.(EigerHeader)
	if !ok {
		return Placement{}, fmt.Errorf("%w: %T is not an eiger header", ErrBadPlacement, pkt.Header)
	}
	module, ok := p.ModuleIndex(int(h.Row), int(h.Column))
	if !ok {
		return Placement{}, fmt.Errorf("%w: no module at row %d column %d", ErrBadPlacement, h.Row, h.Column)
	}
	return placeFixed(g, module, int(h.PacketNumber), pkt.Payload)
}
