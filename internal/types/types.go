package types

// FrameStatus mirrors the status field of the image metadata record
// consumed by the converters.
type FrameStatus uint16

const (
	StatusGood           FrameStatus = 0
	StatusMissingPackets FrameStatus = 1
)

// Dtype codes of the image metadata record.
type Dtype uint16

const (
	DtypeUint8   Dtype = 1
	DtypeUint16  Dtype = 2
	DtypeUint32  Dtype = 4
	DtypeUint64  Dtype = 8
	DtypeInt8    Dtype = 11
	DtypeInt16   Dtype = 12
	DtypeInt32   Dtype = 14
	DtypeInt64   Dtype = 18
	DtypeFloat16 Dtype = 22
	DtypeFloat32 Dtype = 24
	DtypeFloat64 Dtype = 28
)

// DtypeForBitDepth returns the smallest unsigned dtype holding a pixel of
// the given bit depth. 12-bit GigaFrost pixels are unpacked to uint16.
func DtypeForBitDepth(bitDepth int) Dtype {
	switch {
	case bitDepth <= 8:
		return DtypeUint8
	case bitDepth <= 16:
		return DtypeUint16
	case bitDepth <= 32:
		return DtypeUint32
	default:
		return DtypeUint64
	}
}

type ImageMetadata struct {
	ID     uint64      `cbor:"id" json:"id"`
	Height uint64      `cbor:"height" json:"height"`
	Width  uint64      `cbor:"width" json:"width"`
	Dtype  Dtype       `cbor:"dtype" json:"dtype"`
	Status FrameStatus `cbor:"status" json:"status"`
}

// FrameMeta is announced for every closed slot, complete or not.
type FrameMeta struct {
	FrameID         uint64 `cbor:"frame_id" json:"frame_id"`
	Slot            uint64 `cbor:"slot" json:"slot"`
	Family          string `cbor:"family" json:"family"`
	ExpectedPackets uint64 `cbor:"expected_packets" json:"expected_packets"`
	MissingPackets  uint64 `cbor:"missing_packets" json:"missing_packets"`

	ScanID       uint32  `cbor:"scan_id,omitempty" json:"scan_id,omitempty"`
	ScanTime     uint32  `cbor:"scan_time,omitempty" json:"scan_time,omitempty"`
	SyncTime     uint32  `cbor:"sync_time,omitempty" json:"sync_time,omitempty"`
	Timestamp    uint64  `cbor:"timestamp,omitempty" json:"timestamp,omitempty"`
	ExposureTime uint64  `cbor:"exposure_time,omitempty" json:"exposure_time,omitempty"`
	BunchID      float64 `cbor:"bunch_id,omitempty" json:"bunch_id,omitempty"`
	PulseID      uint64  `cbor:"pulse_id,omitempty" json:"pulse_id,omitempty"`
	Debug        uint32  `cbor:"debug,omitempty" json:"debug,omitempty"`
	DoNotStore   bool    `cbor:"do_not_store,omitempty" json:"do_not_store,omitempty"`
	QuadrantID   uint8   `cbor:"quadrant_id,omitempty" json:"quadrant_id,omitempty"`
	LinkID       uint8   `cbor:"link_id,omitempty" json:"link_id,omitempty"`
	CorrMode     uint8   `cbor:"corr_mode,omitempty" json:"corr_mode,omitempty"`
	SwappedRows  bool    `cbor:"swapped_rows,omitempty" json:"swapped_rows,omitempty"`

	Image ImageMetadata `cbor:"image" json:"image"`
}

// Complete reports whether every expected packet arrived.
func (m FrameMeta) Complete() bool {
	return m.MissingPackets == 0
}

type EventKind string

const (
	EventFrameDropped    EventKind = "frame_dropped"
	EventStalePacket     EventKind = "stale_packet"
	EventSlotOverrun     EventKind = "slot_overrun"
	EventMalformedPacket EventKind = "malformed_packet"
)

// Event reports a per-packet or per-frame anomaly to the hosting process.
// Events never carry errors that stop the receive loop.
type Event struct {
	Type           string    `json:"type"`
	Kind           EventKind `json:"kind"`
	FrameID        uint64    `json:"frame_id"`
	Slot           uint64    `json:"slot"`
	MissingPackets uint64    `json:"missing_packets,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}
