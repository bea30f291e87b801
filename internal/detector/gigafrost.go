package detector

import (
	"encoding/binary"
	"fmt"

	"std-buffer-go/internal/types"
)

const (
	GFHeaderSize = 32
	// GFMaxPayload is the largest payload the camera puts in one datagram.
	GFMaxPayload = 7400
	GFBitDepth   = 12
)

type GigaFrostHeader struct {
	ProtocolID                uint8
	QuadrantRowLengthInBlocks uint8
	QuadrantRows              uint8
	StatusFlags               uint8
	ScanID                    uint32
	FrameIndex                uint32
	ImageStatusFlags          uint16
	PacketStartingRow         uint16
	ImageTiming               uint64
	SyncTime                  uint32
	ScanTime                  uint32
}

func (h GigaFrostHeader) Kind() Kind      { return GigaFrost }
func (h GigaFrostHeader) FrameID() uint64 { return uint64(h.FrameIndex) }

func (h GigaFrostHeader) QuadrantID() uint8 { return (h.StatusFlags & 0xC0) >> 6 }
func (h GigaFrostHeader) LinkID() uint8     { return (h.StatusFlags & 0x20) >> 5 }
func (h GigaFrostHeader) CorrMode() uint8   { return (h.StatusFlags & 0x1C) >> 2 }
func (h GigaFrostHeader) SwappedRows() bool { return h.QuadrantRows&0x01 == 1 }
func (h GigaFrostHeader) DoNotStore() bool  { return h.ImageStatusFlags&0x8000 != 0 }

// FrameTimestamp is the low 40 bits of the image timing field.
func (h GigaFrostHeader) FrameTimestamp() uint64 { return h.ImageTiming & 0xFFFFFFFFFF }

// ExposureTime is the high 24 bits of the image timing field.
func (h GigaFrostHeader) ExposureTime() uint64 { return h.ImageTiming >> 40 }

// ModuleIndex is the module window the packet belongs to: each quadrant is
// read out over two links.
func (h GigaFrostHeader) ModuleIndex() int {
	return int(h.QuadrantID())*2 + int(h.LinkID())
}

func (h GigaFrostHeader) FillMeta(meta *types.FrameMeta) {
	meta.FrameID = uint64(h.FrameIndex)
	meta.ScanID = h.ScanID
	meta.ScanTime = h.ScanTime
	meta.SyncTime = h.SyncTime
	meta.Timestamp = h.FrameTimestamp()
	meta.ExposureTime = h.ExposureTime()
	meta.DoNotStore = h.DoNotStore()
	meta.QuadrantID = h.QuadrantID()
	meta.LinkID = h.LinkID()
	meta.CorrMode = h.CorrMode()
	meta.SwappedRows = h.SwappedRows()
}

// DecodeGigaFrost reads the header in place; the returned payload aliases
// raw and may be shorter than GFMaxPayload.
func DecodeGigaFrost(raw []byte) (GigaFrostHeader, []byte, error) {
	if len(raw) < GFHeaderSize {
		return GigaFrostHeader{}, nil, &DecodeError{Family: GigaFrost, Size: len(raw), Want: GFHeaderSize}
	}
	le := binary.LittleEndian
	h := GigaFrostHeader{
		ProtocolID:                raw[0],
		QuadrantRowLengthInBlocks: raw[1],
		QuadrantRows:              raw[2],
		StatusFlags:               raw[3],
		ScanID:                    le.Uint32(raw[4:8]),
		FrameIndex:                le.Uint32(raw[8:12]),
		ImageStatusFlags:          le.Uint16(raw[12:14]),
		PacketStartingRow:         le.Uint16(raw[14:16]),
		ImageTiming:               le.Uint64(raw[16:24]),
		SyncTime:                  le.Uint32(raw[24:28]),
		ScanTime:                  le.Uint32(raw[28:32]),
	}
	return h, raw[GFHeaderSize:], nil
}

func AppendGigaFrost(dst []byte, h GigaFrostHeader, payload []byte) []byte {
	le := binary.LittleEndian
	dst = append(dst, h.ProtocolID, h.QuadrantRowLengthInBlocks, h.QuadrantRows, h.StatusFlags)
	dst = le.AppendUint32(dst, h.ScanID)
	dst = le.AppendUint32(dst, h.FrameIndex)
	dst = le.AppendUint16(dst, h.ImageStatusFlags)
	dst = le.AppendUint16(dst, h.PacketStartingRow)
	dst = le.AppendUint64(dst, h.ImageTiming)
	dst = le.AppendUint32(dst, h.SyncTime)
	dst = le.AppendUint32(dst, h.ScanTime)
	return append(dst, payload...)
}

// GigaFrostStatusFlags packs the sub-fields of the status byte.
func GigaFrostStatusFlags(quadrant, link, corrMode uint8) uint8 {
	return (quadrant&0x03)<<6 | (link&0x01)<<5 | (corrMode&0x07)<<2
}

type gigaFrostFamily struct{}

func (gigaFrostFamily) Kind() Kind      { return GigaFrost }
func (gigaFrostFamily) HeaderSize() int { return GFHeaderSize }

func (gigaFrostFamily) Decode(raw []byte) (Packet, error) {
	h, payload, err := DecodeGigaFrost(raw)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Payload: payload}, nil
}

func (gigaFrostFamily) Encode(pkt Packet) []byte {
	h, _ := pkt.Header.(GigaFrostHeader)
	return AppendGigaFrost(make([]byte, 0, GFHeaderSize+len(pkt.Payload)), h, pkt.Payload)
}

func (gigaFrostFamily) Geometry(p Profile) (Geometry, error) {
	if p.BitDepth != 0 && p.BitDepth != GFBitDepth {
		return Geometry{}, geometryError(p, ErrUnsupportedBitDepth)
	}
	return gigaFrostGeometry(p)
}

// Locate places a GigaFrost packet by its starting row. Only pixel bytes
// are copied; the row padding of odd packets is dropped so neighbouring
// packets never overlap inside the module window.
func (gigaFrostFamily) Locate(p Profile, g Geometry, pkt Packet) (Placement, error) {
	h, ok := pkt.Header.(GigaFrostHeader)
	if !ok {
		return Placement{}, fmt.Errorf("%w: %T is not a gigafrost header", ErrBadPlacement, pkt.Header)
	}
	module := h.ModuleIndex()
	if module >= g.NModules {
		return Placement{}, fmt.Errorf("%w: module %d of %d", ErrBadPlacement, module, g.NModules)
	}
	start := int(h.PacketStartingRow)
	if start >= g.ModuleY || start%g.PacketRows != 0 {
		return Placement{}, fmt.Errorf("%w: starting row %d", ErrBadPlacement, start)
	}
	packet := start / g.PacketRows
	rows, want := g.PacketRows, g.PacketDataBytes
	if packet == g.FramePackets-1 {
		rows, want = g.LastPacketRows, g.LastPacketDataBytes
	}
	if len(pkt.Payload) < want {
		return Placement{}, fmt.Errorf("%w: payload %d bytes, want %d", ErrShortPayload, len(pkt.Payload), want)
	}
	offset := gigaFrostRowOffset(g.ModuleX, start)
	return Placement{
		Module: module,
		Packet: packet,
		Offset: module*g.ModuleFrameBytes + offset,
		Length: gigaFrostRowOffset(g.ModuleX, start+rows) - offset,
	}, nil
}
