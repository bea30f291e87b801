// Package simulator generates detector traffic for tests and the
// receiver's debug mode.
package simulator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"std-buffer-go/internal/detector"
)

// Pixel is the payload byte a simulated frame carries at offset i of a
// packet.
func Pixel(frameID uint64, module, packet, i int) byte {
	return byte(frameID*7 + uint64(module*31+packet*13+i))
}

// ModulePackets encodes the datagrams one module sends for a frame.
func ModulePackets(profile detector.Profile, geometry detector.Geometry, frameID uint64, module int) ([][]byte, error) {
	family, err := detector.For(profile.Family)
	if err != nil {
		return nil, err
	}
	if module < 0 || module >= geometry.NModules {
		return nil, fmt.Errorf("module %d of %d", module, geometry.NModules)
	}

	packets := make([][]byte, 0, geometry.FramePackets)
	for pn := 0; pn < geometry.FramePackets; pn++ {
		size := geometry.PacketDataBytes
		if pn == geometry.FramePackets-1 {
			size = geometry.LastPacketDataBytes
		}
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = Pixel(frameID, module, pn, i)
		}
		header := header(profile, geometry, frameID, module, pn)
		packets = append(packets, family.Encode(detector.Packet{Header: header, Payload: payload}))
	}
	return packets, nil
}

// Frame encodes the datagrams of every module, indexed by module.
func Frame(profile detector.Profile, geometry detector.Geometry, frameID uint64) ([][][]byte, error) {
	frame := make([][][]byte, geometry.NModules)
	for module := range frame {
		packets, err := ModulePackets(profile, geometry, frameID, module)
		if err != nil {
			return nil, err
		}
		frame[module] = packets
	}
	return frame, nil
}

func header(profile detector.Profile, geometry detector.Geometry, frameID uint64, module, pn int) detector.Header {
	now := uint64(time.Now().UnixNano())
	switch profile.Family {
	case detector.GigaFrost:
		return detector.GigaFrostHeader{
			QuadrantRows:      uint8(geometry.PacketRows),
			StatusFlags:       detector.GigaFrostStatusFlags(uint8(module/2), uint8(module%2), 0),
			FrameIndex:        uint32(frameID),
			PacketStartingRow: uint16(pn * geometry.PacketRows),
			ImageTiming:       uint64(1000)<<40 | now&0xFFFFFFFFFF,
		}
	case detector.Jungfrau:
		return detector.JungfrauHeader{
			FrameNumber:  frameID,
			ExpLength:    1000,
			PacketNumber: uint32(pn),
			BunchID:      float64(frameID),
			Timestamp:    now,
			ModuleID:     uint16(module),
		}
	default:
		pos := profile.ModulePosition(module)
		return detector.EigerHeader{
			FrameNumber:  frameID,
			ExpLength:    1000,
			PacketNumber: uint32(pn),
			Timestamp:    now,
			ModuleID:     uint16(module),
			Row:          uint16(pos.Row),
			Column:       uint16(pos.Column),
		}
	}
}

// Targets resolves the module ports of profile on host.
func Targets(host string, profile detector.Profile) ([]*net.UDPAddr, error) {
	targets := make([]*net.UDPAddr, profile.NModules)
	for module := range targets {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(profile.Port(module))))
		if err != nil {
			return nil, err
		}
		targets[module] = addr
	}
	return targets, nil
}

// Stream sends one frame per tick to the module targets until ctx is done
// or frames frames were sent (frames <= 0 streams forever). Frame ids start
// at 1.
func Stream(ctx context.Context, targets []*net.UDPAddr, profile detector.Profile, geometry detector.Geometry, acqRate float64, frames int) error {
	if len(targets) != geometry.NModules {
		return fmt.Errorf("%d targets for %d modules", len(targets), geometry.NModules)
	}
	conns := make([]*net.UDPConn, len(targets))
	for i, target := range targets {
		conn, err := net.DialUDP("udp", nil, target)
		if err != nil {
			for _, c := range conns[:i] {
				_ = c.Close()
			}
			return err
		}
		conns[i] = conn
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / acqRate))
	defer ticker.Stop()

	for frameID := uint64(1); frames <= 0 || frameID <= uint64(frames); frameID++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		frame, err := Frame(profile, geometry, frameID)
		if err != nil {
			return err
		}
		for module, packets := range frame {
			for _, packet := range packets {
				if _, err := conns[module].Write(packet); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
