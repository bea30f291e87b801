package detector

import "fmt"

// DefaultSlotCount is used when a profile does not size its ring buffer;
// 1000 slots hold roughly ten seconds at 100 Hz.
const DefaultSlotCount = 1000

type ModulePosition struct {
	Row    int `mapstructure:"row" json:"row"`
	Column int `mapstructure:"column" json:"column"`
}

// Profile is the static description of one detector stream. It is loaded
// once at startup and never modified afterwards.
type Profile struct {
	Name            string           `json:"detector_name"`
	Family          Kind             `json:"detector_type"`
	NModules        int              `json:"n_modules"`
	BitDepth        int              `json:"bit_depth"`
	ImageHeight     int              `json:"image_pixel_height"`
	ImageWidth      int              `json:"image_pixel_width"`
	StartUDPPort    int              `json:"start_udp_port"`
	SlotCount       int              `json:"buffer_n_slots"`
	SlotBytes       int              `json:"slot_n_bytes"`
	ModulePositions []ModulePosition `json:"module_positions,omitempty"`
}

// ModuleIndex maps the row/column a module reports in its packets to the
// module's window inside a slot. Without explicit positions modules are
// laid out two per row.
func (p Profile) ModuleIndex(row, column int) (int, bool) {
	if len(p.ModulePositions) > 0 {
		for i, pos := range p.ModulePositions {
			if pos.Row == row && pos.Column == column {
				return i, true
			}
		}
		return 0, false
	}
	if row < 0 || column < 0 || column > 1 {
		return 0, false
	}
	idx := row*2 + column
	if idx >= p.NModules {
		return 0, false
	}
	return idx, true
}

// ModulePosition returns the row/column module i reports.
func (p Profile) ModulePosition(i int) ModulePosition {
	if i < len(p.ModulePositions) {
		return p.ModulePositions[i]
	}
	return ModulePosition{Row: i / 2, Column: i % 2}
}

// Validate checks the profile against its computed geometry and fills in
// the slot sizing when it was left to the geometry.
func (p *Profile) Validate(g Geometry) error {
	if p.NModules < 1 {
		return fmt.Errorf("%w: n_modules %d", ErrInvalidProfile, p.NModules)
	}
	if p.StartUDPPort < 0 || p.StartUDPPort+p.NModules > 65536 {
		return fmt.Errorf("%w: start_udp_port %d", ErrInvalidProfile, p.StartUDPPort)
	}
	if len(p.ModulePositions) > 0 && len(p.ModulePositions) != p.NModules {
		return fmt.Errorf("%w: %d module positions for %d modules", ErrInvalidProfile, len(p.ModulePositions), p.NModules)
	}
	if p.SlotCount == 0 {
		p.SlotCount = DefaultSlotCount
	}
	if p.SlotCount < 1 {
		return fmt.Errorf("%w: buffer_n_slots %d", ErrInvalidProfile, p.SlotCount)
	}
	if p.SlotBytes == 0 {
		p.SlotBytes = g.SlotBytes()
	}
	if p.SlotBytes < g.SlotBytes() {
		return fmt.Errorf("%w: %d < %d", ErrSlotTooSmall, p.SlotBytes, g.SlotBytes())
	}
	return nil
}

// Port returns the UDP port module i streams to.
func (p Profile) Port(module int) int {
	return p.StartUDPPort + module
}
