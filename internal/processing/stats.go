package processing

import (
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"std-buffer-go/internal/output"
	"std-buffer-go/internal/types"
)

type metrics struct {
	packets        atomic.Uint64
	duplicates     atomic.Uint64
	stale          atomic.Uint64
	malformed      atomic.Uint64
	framesComplete atomic.Uint64
	framesDropped  atomic.Uint64
	missedPackets  atomic.Uint64
	overruns       atomic.Uint64
	publishErrors  atomic.Uint64
	eventsDropped  atomic.Uint64
}

// Stats is a point in time copy of the assembler counters.
type Stats struct {
	Packets        uint64 `json:"packets_total"`
	Duplicates     uint64 `json:"duplicate_packets_total"`
	Stale          uint64 `json:"stale_packets_total"`
	Malformed      uint64 `json:"malformed_packets_total"`
	FramesComplete uint64 `json:"frames_complete_total"`
	FramesDropped  uint64 `json:"frames_dropped_total"`
	MissedPackets  uint64 `json:"missed_packets_total"`
	Overruns       uint64 `json:"slot_overruns_total"`
	PublishErrors  uint64 `json:"publish_errors_total"`
	EventsDropped  uint64 `json:"events_dropped_total"`
}

func (a *Assembler) Stats() Stats {
	m := &a.metrics
	return Stats{
		Packets:        m.packets.Load(),
		Duplicates:     m.duplicates.Load(),
		Stale:          m.stale.Load(),
		Malformed:      m.malformed.Load(),
		FramesComplete: m.framesComplete.Load(),
		FramesDropped:  m.framesDropped.Load(),
		MissedPackets:  m.missedPackets.Load(),
		Overruns:       m.overruns.Load(),
		PublishErrors:  m.publishErrors.Load(),
		EventsDropped:  m.eventsDropped.Load(),
	}
}

// Map keys the counters by their JSON names for status payloads.
func (s Stats) Map() map[string]any {
	return map[string]any{
		"packets_total":           s.Packets,
		"duplicate_packets_total": s.Duplicates,
		"stale_packets_total":     s.Stale,
		"malformed_packets_total": s.Malformed,
		"frames_complete_total":   s.FramesComplete,
		"frames_dropped_total":    s.FramesDropped,
		"missed_packets_total":    s.MissedPackets,
		"slot_overruns_total":     s.Overruns,
		"publish_errors_total":    s.PublishErrors,
		"events_dropped_total":    s.EventsDropped,
	}
}

// FrameStats counts closed frames per reporting period and prints them as
// InfluxDB line protocol. It is a Sink so it can sit next to the notifier.
type FrameStats struct {
	detectorName string
	moduleID     int

	mu               sync.Mutex
	framesCounter    int64
	nMissedPackets   int64
	nCorruptedFrames int64
	intervalStart    time.Time
}

// NewFrameStats collects for one detector. A negative moduleID omits the
// module_id tag.
func NewFrameStats(detectorName string, moduleID int, now time.Time) *FrameStats {
	return &FrameStats{
		detectorName:  detectorName,
		moduleID:      moduleID,
		intervalStart: now,
	}
}

func (f *FrameStats) Publish(meta types.FrameMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta.MissingPackets > 0 {
		f.nMissedPackets += int64(meta.MissingPackets)
		f.nCorruptedFrames++
	}
	f.framesCounter++
	return nil
}

// Flush writes the counters of the period ending at now and starts a new
// period.
func (f *FrameStats) Flush(w io.Writer, now time.Time) error {
	f.mu.Lock()
	elapsed := now.Sub(f.intervalStart).Milliseconds()
	fields := []output.Field{
		{Key: "frames_counter", Value: f.framesCounter},
		{Key: "n_missed_packets", Value: f.nMissedPackets},
		{Key: "n_corrupted_frames", Value: f.nCorruptedFrames},
		{Key: "repetition_rate", Value: repetitionRate(f.framesCounter, elapsed)},
	}
	f.framesCounter, f.nMissedPackets, f.nCorruptedFrames = 0, 0, 0
	f.intervalStart = now
	f.mu.Unlock()

	tags := []output.Tag{{Key: "detector_name", Value: f.detectorName}}
	if f.moduleID >= 0 {
		tags = append(tags, output.Tag{Key: "module_id", Value: strconv.Itoa(f.moduleID)})
	}
	return output.WriteStatsLine(w, "std_udp_recv", tags, fields, now)
}

// repetitionRate rounds frames per second the way the receivers always
// have: +250 ms compensates truncation.
func repetitionRate(frames, elapsedMillis int64) int64 {
	if elapsedMillis <= 0 {
		return 0
	}
	return (frames*1000 + 250) / elapsedMillis
}
