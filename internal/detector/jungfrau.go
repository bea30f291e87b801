package detector

import (
	"encoding/binary"
	"fmt"
	"math"

	"std-buffer-go/internal/types"
)

const (
	JungfrauHeaderSize  = 48
	JungfrauPayloadSize = 8192
	JungfrauPacketSize  = JungfrauHeaderSize + JungfrauPayloadSize

	JungfrauModuleX  = 1024
	JungfrauModuleY  = 512
	JungfrauBitDepth = 16
	JungfrauNPackets = 128
)

type JungfrauHeader struct {
	FrameNumber   uint64
	ExpLength     uint32
	PacketNumber  uint32
	BunchID       float64
	Timestamp     uint64
	ModuleID      uint16
	Row           uint16
	Column        uint16
	ZCoord        uint16
	Debug         uint32
	RoundRobin    uint16
	DetectorType  uint8
	HeaderVersion uint8
}

func (h JungfrauHeader) Kind() Kind      { return Jungfrau }
func (h JungfrauHeader) FrameID() uint64 { return h.FrameNumber }

func (h JungfrauHeader) FillMeta(meta *types.FrameMeta) {
	meta.FrameID = h.FrameNumber
	meta.ExposureTime = uint64(h.ExpLength)
	meta.Timestamp = h.Timestamp
	meta.BunchID = h.BunchID
	meta.PulseID = uint64(h.BunchID)
	meta.Debug = h.Debug
}

func DecodeJungfrau(raw []byte) (JungfrauHeader, []byte, error) {
	if len(raw) < JungfrauHeaderSize {
		return JungfrauHeader{}, nil, &DecodeError{Family: Jungfrau, Size: len(raw), Want: JungfrauHeaderSize}
	}
	le := binary.LittleEndian
	h := JungfrauHeader{
		FrameNumber:   le.Uint64(raw[0:8]),
		ExpLength:     le.Uint32(raw[8:12]),
		PacketNumber:  le.Uint32(raw[12:16]),
		BunchID:       math.Float64frombits(le.Uint64(raw[16:24])),
		Timestamp:     le.Uint64(raw[24:32]),
		ModuleID:      le.Uint16(raw[32:34]),
		Row:           le.Uint16(raw[34:36]),
		Column:        le.Uint16(raw[36:38]),
		ZCoord:        le.Uint16(raw[38:40]),
		Debug:         le.Uint32(raw[40:44]),
		RoundRobin:    le.Uint16(raw[44:46]),
		DetectorType:  raw[46],
		HeaderVersion: raw[47],
	}
	return h, raw[JungfrauHeaderSize:], nil
}

func AppendJungfrau(dst []byte, h JungfrauHeader, payload []byte) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint64(dst, h.FrameNumber)
	dst = le.AppendUint32(dst, h.ExpLength)
	dst = le.AppendUint32(dst, h.PacketNumber)
	dst = le.AppendUint64(dst, math.Float64bits(h.BunchID))
	dst = le.AppendUint64(dst, h.Timestamp)
	dst = le.AppendUint16(dst, h.ModuleID)
	dst = le.AppendUint16(dst, h.Row)
	dst = le.AppendUint16(dst, h.Column)
	dst = le.AppendUint16(dst, h.ZCoord)
	dst = le.AppendUint32(dst, h.Debug)
	dst = le.AppendUint16(dst, h.RoundRobin)
	dst = append(dst, h.DetectorType, h.HeaderVersion)
	return append(dst, payload...)
}

type jungfrauFamily struct{}

func (jungfrauFamily) Kind() Kind      { return Jungfrau }
func (jungfrauFamily) HeaderSize() int { return JungfrauHeaderSize }

func (jungfrauFamily) Decode(raw []byte) (Packet, error) {
	h, payload, err := DecodeJungfrau(raw)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Header: h, Payload: payload}, nil
}

func (jungfrauFamily) Encode(pkt Packet) []byte {
	h, _ := pkt.Header.(JungfrauHeader)
	return AppendJungfrau(make([]byte, 0, JungfrauHeaderSize+len(pkt.Payload)), h, pkt.Payload)
}

func (jungfrauFamily) Geometry(p Profile) (Geometry, error) {
	if p.BitDepth != 0 && p.BitDepth != JungfrauBitDepth {
		return Geometry{}, geometryError(p, ErrUnsupportedBitDepth)
	}
	if p.NModules < 1 {
		return Geometry{}, geometryError(p, fmt.Errorf("%w: n_modules %d", ErrInvalidProfile, p.NModules))
	}
	return fixedPayloadGeometry(JungfrauModuleX, JungfrauModuleY, JungfrauBitDepth, JungfrauPayloadSize, p.NModules), nil
}

// Locate uses the module id the module stamps on its packets.
func (jungfrauFamily) Locate(p Profile, g Geometry, pkt Packet) (Placement, error) {
	h, ok := pkt.Header.(JungfrauHeader)
	if !ok {
		return Placement{}, fmt.Errorf("%w: %T is not a jungfrau header", ErrBadPlacement, pkt.Header)
	}
	return placeFixed(g, int(h.ModuleID), int(h.PacketNumber), pkt.Payload)
}
