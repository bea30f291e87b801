package detector

import "fmt"

// Geometry holds the packet sizing derived from a profile. It is computed
// once at startup; nothing in the packet path recomputes it.
type Geometry struct {
	PacketDataBytes       int `json:"packet_n_data_bytes"`
	FramePackets          int `json:"frame_n_packets"`
	PacketRows            int `json:"packet_n_rows"`
	LastPacketRows        int `json:"last_packet_n_rows"`
	LastPacketDataBytes   int `json:"last_packet_n_data_bytes"`
	LastPacketStartingRow int `json:"last_packet_starting_row"`
	// TotalImageSize is the number of payload bytes one module streams per
	// frame.
	TotalImageSize int `json:"total_image_size"`

	ModuleX  int `json:"module_n_x_pixels"`
	ModuleY  int `json:"module_n_y_pixels"`
	RowBytes int `json:"row_n_bytes"`
	NModules int `json:"n_modules"`
	// ModuleFrameBytes is the size of one module's window in a slot.
	ModuleFrameBytes int `json:"module_frame_n_bytes"`
}

// SlotBytes is the minimum slot size holding every module of a frame.
func (g Geometry) SlotBytes() int {
	return g.ModuleFrameBytes * g.NModules
}

// ExpectedPackets is the number of packets a complete frame consists of,
// summed over all modules.
func (g Geometry) ExpectedPackets() int {
	return g.FramePackets * g.NModules
}

// ComputeGeometry derives the packet layout of the profile's family.
func ComputeGeometry(p Profile) (Geometry, error) {
	family, err := For(p.Family)
	if err != nil {
		return Geometry{}, geometryError(p, err)
	}
	return family.Geometry(p)
}

// fixedPayloadGeometry divides a module frame into packets of at most
// payload bytes. Used by Eiger and Jungfrau.
func fixedPayloadGeometry(moduleX, moduleY, bitDepth, payload, nModules int) Geometry {
	rowBytes := moduleX * bitDepth / 8
	total := rowBytes * moduleY
	packets := (total + payload - 1) / payload
	last := total - payload*(packets-1)
	lastRows := last / rowBytes
	return Geometry{
		PacketDataBytes:       payload,
		FramePackets:          packets,
		PacketRows:            payload / rowBytes,
		LastPacketRows:        lastRows,
		LastPacketDataBytes:   last,
		LastPacketStartingRow: moduleY - lastRows,
		TotalImageSize:        total,
		ModuleX:               moduleX,
		ModuleY:               moduleY,
		RowBytes:              rowBytes,
		NModules:              nModules,
		ModuleFrameBytes:      total,
	}
}

// gigaFrostGeometry reproduces the hardware packing of 12 bit pixels.
// Do NOT simplify the expressions: every division truncates, exactly as
// the camera firmware does, and the packet starting rows it emits depend
// on it.
func gigaFrostGeometry(p Profile) (Geometry, error) {
	if p.ImageWidth <= 0 || p.ImageHeight <= 0 {
		return Geometry{}, geometryError(p, ErrImageTooSmall)
	}
	if p.NModules < 1 {
		return Geometry{}, geometryError(p, fmt.Errorf("%w: n_modules %d", ErrInvalidProfile, p.NModules))
	}
	// Two quadrants share each image row.
	moduleX := p.ImageWidth / 2
	// Each quadrant is split in two modules sending interleaved rows.
	moduleY := p.ImageHeight / 4

	n12PixelBlocks := moduleX / 12
	if n12PixelBlocks == 0 || moduleY == 0 {
		return Geometry{}, geometryError(p, ErrImageTooSmall)
	}
	cacheLineBlocks := (GFMaxPayload / (36 * n12PixelBlocks)) * n12PixelBlocks / 2
	// 48 pixels of 12 bits fit one 64 byte cache line block.
	packetRows := min(cacheLineBlocks*48/moduleX, moduleY)
	if packetRows == 0 {
		return Geometry{}, geometryError(p, ErrImageTooLarge)
	}

	packetBytes := gigaFrostPacketBytes(moduleX, packetRows)
	framePackets := (moduleY + packetRows - 1) / packetRows

	lastRows := moduleY % packetRows
	if lastRows == 0 {
		lastRows = packetRows
	}
	lastBytes := gigaFrostPacketBytes(moduleX, lastRows)

	return Geometry{
		PacketDataBytes:       packetBytes,
		FramePackets:          framePackets,
		PacketRows:            packetRows,
		LastPacketRows:        lastRows,
		LastPacketDataBytes:   lastBytes,
		LastPacketStartingRow: moduleY - lastRows,
		TotalImageSize:        packetBytes*(framePackets-1) + lastBytes,
		ModuleX:               moduleX,
		ModuleY:               moduleY,
		RowBytes:              gigaFrostRowOffset(moduleX, 1),
		NModules:              p.NModules,
		ModuleFrameBytes:      gigaFrostRowOffset(moduleX, moduleY),
	}, nil
}

// gigaFrostPacketBytes is floor(moduleX * rows * 1.5) plus 36 bytes (24
// pixels) of padding for odd row counts not aligned to a cache line.
func gigaFrostPacketBytes(moduleX, rows int) int {
	n := moduleX * rows * 3 / 2
	if rows%2 == 1 && moduleX%48 != 0 {
		n += 36
	}
	return n
}

// gigaFrostRowOffset is the byte offset of row within a module window.
func gigaFrostRowOffset(moduleX, row int) int {
	return row * moduleX * 3 / 2
}
