package processing

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"std-buffer-go/internal/detector"
	"std-buffer-go/internal/types"
)

type memSlots struct {
	capacity  int
	slotBytes int
	data      []byte
}

func newMemSlots(capacity, slotBytes int) *memSlots {
	return &memSlots{capacity: capacity, slotBytes: slotBytes, data: make([]byte, capacity*slotBytes)}
}

func (m *memSlots) Capacity() int            { return m.capacity }
func (m *memSlots) SlotBytes() int           { return m.slotBytes }
func (m *memSlots) Index(frameID uint64) int { return int(frameID % uint64(m.capacity)) }
func (m *memSlots) Slot(index int) []byte {
	return m.data[index*m.slotBytes : (index+1)*m.slotBytes]
}

type recordingSink struct {
	mu     sync.Mutex
	frames []types.FrameMeta
}

func (r *recordingSink) Publish(meta types.FrameMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, meta)
	return nil
}

func (r *recordingSink) Frames() []types.FrameMeta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.FrameMeta(nil), r.frames...)
}

type fixture struct {
	profile  detector.Profile
	geometry detector.Geometry
	slots    *memSlots
	sink     *recordingSink
	asm      *Assembler
}

func newFixture(t *testing.T, profile detector.Profile, capacity int, opts Options) *fixture {
	t.Helper()
	g, err := detector.ComputeGeometry(profile)
	require.NoError(t, err)
	slots := newMemSlots(capacity, g.SlotBytes())
	sink := &recordingSink{}
	asm, err := NewAssembler(profile, g, slots, sink, opts)
	require.NoError(t, err)
	return &fixture{profile: profile, geometry: g, slots: slots, sink: sink, asm: asm}
}

func eigerProfile(nModules int) detector.Profile {
	return detector.Profile{Name: "EG0.5M", Family: detector.Eiger, NModules: nModules, BitDepth: 16, StartUDPPort: 50000}
}

func fillPayload(n int, seed uint64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(seed*31 + uint64(i)*7)
	}
	return b
}

// eigerFrame returns the packets of one module of a frame together with the
// bytes they must produce in the module's slot window.
func eigerFrame(f *fixture, frameID uint64, module int) ([]detector.Packet, []byte) {
	pos := f.profile.ModulePosition(module)
	reference := make([]byte, 0, f.geometry.ModuleFrameBytes)
	packets := make([]detector.Packet, f.geometry.FramePackets)
	for pn := range packets {
		payload := fillPayload(detector.EigerPayloadSize, frameID*1000+uint64(module*100+pn))
		reference = append(reference, payload...)
		packets[pn] = detector.Packet{
			Header: detector.EigerHeader{
				FrameNumber:  frameID,
				PacketNumber: uint32(pn),
				ExpLength:    5,
				Timestamp:    frameID * 10,
				Row:          uint16(pos.Row),
				Column:       uint16(pos.Column),
			},
			Payload: payload,
		}
	}
	return packets, reference
}

func TestAssemblerAnyPermutationCompletes(t *testing.T) {
	f := newFixture(t, eigerProfile(1), 4, Options{})
	packets, reference := eigerFrame(f, 7, 0)

	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(packets), func(i, j int) { packets[i], packets[j] = packets[j], packets[i] })
	for _, pkt := range packets {
		require.NoError(t, f.asm.Process(pkt))
	}

	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	meta := frames[0]
	assert.Equal(t, uint64(7), meta.FrameID)
	assert.Equal(t, uint64(3), meta.Slot)
	assert.Equal(t, uint64(0), meta.MissingPackets)
	assert.True(t, meta.Complete())
	assert.Equal(t, uint64(64), meta.ExpectedPackets)
	assert.Equal(t, uint64(70), meta.Timestamp)
	assert.Equal(t, "eiger", meta.Family)
	assert.Equal(t, types.StatusGood, meta.Image.Status)
	assert.Equal(t, types.DtypeUint16, meta.Image.Dtype)
	assert.Equal(t, reference, f.slots.Slot(3))

	stats := f.asm.Stats()
	assert.Equal(t, uint64(64), stats.Packets)
	assert.Equal(t, uint64(1), stats.FramesComplete)
	assert.Zero(t, stats.FramesDropped)
}

func TestAssemblerDuplicatesAreIdempotent(t *testing.T) {
	f := newFixture(t, eigerProfile(1), 4, Options{})
	packets, reference := eigerFrame(f, 1, 0)

	for i, pkt := range packets {
		require.NoError(t, f.asm.Process(pkt))
		if i%3 == 0 && i < len(packets)-1 {
			require.NoError(t, f.asm.Process(pkt))
		}
	}

	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	assert.Zero(t, frames[0].MissingPackets)
	assert.Equal(t, reference, f.slots.Slot(1))
	assert.Equal(t, uint64(f.geometry.FramePackets), f.asm.state[1].received.Load())
	assert.Equal(t, uint64(21), f.asm.Stats().Duplicates)

	// A late copy after completion is dropped as a duplicate.
	require.NoError(t, f.asm.Process(packets[0]))
	assert.Equal(t, uint64(22), f.asm.Stats().Duplicates)
	assert.Zero(t, f.asm.Stats().Stale)
	assert.Len(t, f.sink.Frames(), 1)
}

func TestAssemblerLatePacketOfClosedFrameIsStale(t *testing.T) {
	f := newFixture(t, eigerProfile(1), 4, Options{ClosePolicy: CloseLag, Lag: 1})

	first, _ := eigerFrame(f, 1, 0)
	require.NoError(t, f.asm.Process(first[0]))
	third, _ := eigerFrame(f, 3, 0)
	require.NoError(t, f.asm.Process(third[0]))
	require.Len(t, f.sink.Frames(), 1)

	require.NoError(t, f.asm.Process(first[0]))
	require.NoError(t, f.asm.Process(first[1]))
	stats := f.asm.Stats()
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.Stale)
}

// snapshotSink copies the slot of every published frame at publish time.
type snapshotSink struct {
	slots *memSlots
	bytes map[uint64][]byte
}

func (s *snapshotSink) Publish(meta types.FrameMeta) error {
	s.bytes[meta.FrameID] = append([]byte(nil), s.slots.Slot(int(meta.Slot))...)
	return nil
}

func TestAssemblerPublishesDroppedFrameBeforeReuse(t *testing.T) {
	profile := eigerProfile(1)
	g, err := detector.ComputeGeometry(profile)
	require.NoError(t, err)
	slots := newMemSlots(4, g.SlotBytes())
	sink := &snapshotSink{slots: slots, bytes: map[uint64][]byte{}}
	asm, err := NewAssembler(profile, g, slots, sink, Options{})
	require.NoError(t, err)
	f := &fixture{profile: profile, geometry: g, slots: slots, asm: asm}

	first, _ := eigerFrame(f, 1, 0)
	for _, pkt := range first[:10] {
		require.NoError(t, asm.Process(pkt))
	}
	want := append([]byte(nil), slots.Slot(1)...)

	next, _ := eigerFrame(f, 5, 0)
	require.NoError(t, asm.Process(next[0]))

	require.Contains(t, sink.bytes, uint64(1))
	assert.Equal(t, want, sink.bytes[1])
	assert.NotEqual(t, want, slots.Slot(1))
}

func TestAssemblerCloseRacingCompletionCountsComplete(t *testing.T) {
	events := make(chan types.Event, 4)
	f := newFixture(t, eigerProfile(1), 16, Options{ClosePolicy: CloseLag, Lag: 1, Events: events})

	packets, _ := eigerFrame(f, 1, 0)
	for _, pkt := range packets[:len(packets)-1] {
		require.NoError(t, f.asm.Process(pkt))
	}

	// The last packet is in the slot but its writer has not reached
	// complete yet when a newer frame closes the slot.
	s := &f.asm.state[1]
	require.True(t, s.markSeen(len(packets)-1))
	s.received.Add(1)
	f.asm.forceClose(1)
	f.asm.complete(1, 1)

	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	assert.Zero(t, frames[0].MissingPackets)
	assert.Equal(t, types.StatusGood, frames[0].Image.Status)
	stats := f.asm.Stats()
	assert.Equal(t, uint64(1), stats.FramesComplete)
	assert.Zero(t, stats.FramesDropped)
	assert.Zero(t, stats.MissedPackets)
	assert.Empty(t, events)
}

func TestAssemblerCloseLagConcurrentModules(t *testing.T) {
	const frames = 40
	const lag = 2
	f := newFixture(t, eigerProfile(4), 16, Options{ClosePolicy: CloseLag, Lag: lag})

	done := make([]sync.WaitGroup, frames)
	for id := range done {
		done[id].Add(4)
	}
	var wg sync.WaitGroup
	for module := 0; module < 4; module++ {
		wg.Add(1)
		go func(module int) {
			defer wg.Done()
			for id := 0; id < frames; id++ {
				if id >= lag {
					// Modules stay less than lag frames apart.
					done[id-lag].Wait()
				}
				packets, _ := eigerFrame(f, uint64(id), module)
				for _, pkt := range packets {
					if err := f.asm.Process(pkt); err != nil {
						t.Errorf("process frame %d module %d: %v", id, module, err)
					}
				}
				done[id].Done()
			}
		}(module)
	}
	wg.Wait()

	stats := f.asm.Stats()
	assert.Equal(t, uint64(frames), stats.FramesComplete)
	assert.Zero(t, stats.FramesDropped)
	assert.Zero(t, stats.MissedPackets)
	for _, meta := range f.sink.Frames() {
		assert.Zero(t, meta.MissingPackets, "frame %d", meta.FrameID)
	}
}

func TestAssemblerForceClosesOnSlotReuse(t *testing.T) {
	events := make(chan types.Event, 8)
	f := newFixture(t, eigerProfile(1), 4, Options{Events: events})

	first, _ := eigerFrame(f, 1, 0)
	for _, pkt := range first[:10] {
		require.NoError(t, f.asm.Process(pkt))
	}
	assert.Empty(t, f.sink.Frames())

	next, reference := eigerFrame(f, 5, 0)
	require.NoError(t, f.asm.Process(next[0]))

	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), frames[0].FrameID)
	assert.Equal(t, uint64(54), frames[0].MissingPackets)
	assert.Equal(t, types.StatusMissingPackets, frames[0].Image.Status)

	require.Len(t, events, 1)
	event := <-events
	assert.Equal(t, types.EventFrameDropped, event.Kind)
	assert.Equal(t, uint64(1), event.FrameID)
	assert.Equal(t, uint64(1), event.Slot)
	assert.Equal(t, uint64(54), event.MissingPackets)

	// A packet of the superseded frame is stale.
	require.NoError(t, f.asm.Process(first[11]))
	event = <-events
	assert.Equal(t, types.EventStalePacket, event.Kind)
	assert.Equal(t, uint64(1), event.FrameID)

	for _, pkt := range next[1:] {
		require.NoError(t, f.asm.Process(pkt))
	}
	frames = f.sink.Frames()
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(5), frames[1].FrameID)
	assert.Zero(t, frames[1].MissingPackets)
	assert.Equal(t, reference, f.slots.Slot(1))

	stats := f.asm.Stats()
	assert.Equal(t, uint64(1), stats.FramesDropped)
	assert.Equal(t, uint64(54), stats.MissedPackets)
	assert.Equal(t, uint64(1), stats.Stale)
}

func TestAssemblerEigerFourModules(t *testing.T) {
	f := newFixture(t, eigerProfile(4), 8, Options{})

	references := make([][]byte, 4)
	var wg sync.WaitGroup
	errs := make(chan error, 4*f.geometry.FramePackets)
	for module := 0; module < 4; module++ {
		packets, reference := eigerFrame(f, 3, module)
		references[module] = reference
		wg.Add(1)
		go func(packets []detector.Packet) {
			defer wg.Done()
			for _, pkt := range packets {
				if err := f.asm.Process(pkt); err != nil {
					errs <- err
				}
			}
		}(packets)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("process: %v", err)
	}

	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(3), frames[0].FrameID)
	assert.Zero(t, frames[0].MissingPackets)
	assert.Equal(t, uint64(4*64), frames[0].ExpectedPackets)

	slot := f.slots.Slot(3)
	for module := 0; module < 4; module++ {
		window := slot[module*f.geometry.ModuleFrameBytes : (module+1)*f.geometry.ModuleFrameBytes]
		assert.Equal(t, references[module], window, "module %d", module)
	}
}

func TestAssemblerMalformedPacket(t *testing.T) {
	events := make(chan types.Event, 4)
	f := newFixture(t, eigerProfile(1), 4, Options{Events: events})

	packets, reference := eigerFrame(f, 2, 0)
	for _, pkt := range packets[:5] {
		require.NoError(t, f.asm.Process(pkt))
	}

	err := f.asm.HandleRaw(make([]byte, 10))
	require.ErrorIs(t, err, detector.ErrTruncatedPacket)
	assert.Equal(t, uint64(1), f.asm.Stats().Malformed)
	assert.Equal(t, uint64(5), f.asm.state[2].received.Load())
	event := <-events
	assert.Equal(t, types.EventMalformedPacket, event.Kind)

	family, err := detector.For(detector.Eiger)
	require.NoError(t, err)
	for _, pkt := range packets[5:] {
		require.NoError(t, f.asm.HandleRaw(family.Encode(pkt)))
	}
	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	assert.Zero(t, frames[0].MissingPackets)
	assert.Equal(t, reference, f.slots.Slot(2))
	assert.Equal(t, uint64(1), f.asm.Stats().Malformed)
}

func TestAssemblerBadPlacementIsCounted(t *testing.T) {
	f := newFixture(t, eigerProfile(1), 4, Options{})
	err := f.asm.Process(detector.Packet{
		Header:  detector.EigerHeader{FrameNumber: 1, Row: 5},
		Payload: make([]byte, detector.EigerPayloadSize),
	})
	require.ErrorIs(t, err, detector.ErrBadPlacement)
	assert.Equal(t, uint64(1), f.asm.Stats().Malformed)
	assert.Zero(t, f.asm.Stats().Packets)
}

func TestAssemblerGigaFrostFrame(t *testing.T) {
	profile := detector.Profile{Name: "GF2", Family: detector.GigaFrost, NModules: 8, BitDepth: 12, ImageWidth: 1008, ImageHeight: 204}
	f := newFixture(t, profile, 10, Options{})
	family, err := detector.For(detector.GigaFrost)
	require.NoError(t, err)

	g := f.geometry
	var raws [][]byte
	for module := 0; module < 8; module++ {
		for pn := 0; pn < g.FramePackets; pn++ {
			size := g.PacketDataBytes
			if pn == g.FramePackets-1 {
				size = g.LastPacketDataBytes
			}
			h := detector.GigaFrostHeader{
				FrameIndex:        12,
				ScanID:            9,
				StatusFlags:       detector.GigaFrostStatusFlags(uint8(module/2), uint8(module%2), 0),
				PacketStartingRow: uint16(pn * g.PacketRows),
				ImageTiming:       uint64(100)<<40 | 555,
			}
			raws = append(raws, family.Encode(detector.Packet{Header: h, Payload: fillPayload(size, uint64(module*1000+pn))}))
		}
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(raws), func(i, j int) { raws[i], raws[j] = raws[j], raws[i] })
	for _, raw := range raws {
		require.NoError(t, f.asm.HandleRaw(raw))
	}

	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	meta := frames[0]
	assert.Equal(t, uint64(12), meta.FrameID)
	assert.Equal(t, uint64(2), meta.Slot)
	assert.Equal(t, uint32(9), meta.ScanID)
	assert.Equal(t, uint64(555), meta.Timestamp)
	assert.Equal(t, uint64(100), meta.ExposureTime)
	assert.Zero(t, meta.MissingPackets)

	// The last packet of module 7 ends exactly at the slot end, padding
	// dropped.
	last := fillPayload(g.LastPacketDataBytes, uint64(7*1000+g.FramePackets-1))
	pixels := g.ModuleFrameBytes - g.LastPacketStartingRow*g.RowBytes
	slot := f.slots.Slot(2)
	assert.Equal(t, last[:pixels], slot[len(slot)-pixels:])
}

func TestAssemblerCloseLag(t *testing.T) {
	f := newFixture(t, eigerProfile(1), 16, Options{ClosePolicy: CloseLag, Lag: 2})

	first, _ := eigerFrame(f, 1, 0)
	require.NoError(t, f.asm.Process(first[0]))
	for id := uint64(2); id <= 3; id++ {
		packets, _ := eigerFrame(f, id, 0)
		require.NoError(t, f.asm.Process(packets[0]))
	}
	assert.Empty(t, f.sink.Frames())

	fourth, _ := eigerFrame(f, 4, 0)
	require.NoError(t, f.asm.Process(fourth[0]))
	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(1), frames[0].FrameID)
	assert.Equal(t, uint64(63), frames[0].MissingPackets)

	require.NoError(t, f.asm.Process(first[1]))
	assert.Equal(t, uint64(1), f.asm.Stats().Stale)
}

func TestAssemblerCloseTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	f := newFixture(t, eigerProfile(1), 4, Options{
		ClosePolicy: CloseTimeout,
		Timeout:     time.Second,
		Now:         func() time.Time { return now },
	})

	packets, _ := eigerFrame(f, 1, 0)
	require.NoError(t, f.asm.Process(packets[0]))

	f.asm.Expire(now.Add(500 * time.Millisecond))
	assert.Empty(t, f.sink.Frames())

	f.asm.Expire(now.Add(2 * time.Second))
	frames := f.sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(63), frames[0].MissingPackets)

	f.asm.Expire(now.Add(3 * time.Second))
	assert.Len(t, f.sink.Frames(), 1)
}

func TestAssemblerAckRequired(t *testing.T) {
	events := make(chan types.Event, 4)
	f := newFixture(t, eigerProfile(1), 2, Options{AckRequired: true, Events: events})

	complete := func(id uint64) {
		packets, _ := eigerFrame(f, id, 0)
		for _, pkt := range packets {
			require.NoError(t, f.asm.Process(pkt))
		}
	}

	complete(0)
	complete(1)
	assert.True(t, f.asm.Release(1))
	assert.False(t, f.asm.Release(1))
	assert.False(t, f.asm.Release(5))

	complete(2)
	complete(3)
	assert.Equal(t, uint64(1), f.asm.Stats().Overruns)
	event := <-events
	assert.Equal(t, types.EventSlotOverrun, event.Kind)
	assert.Equal(t, uint64(0), event.FrameID)
	assert.Len(t, f.sink.Frames(), 4)
}

func TestNewAssemblerRejectsSmallSlots(t *testing.T) {
	profile := eigerProfile(2)
	g, err := detector.ComputeGeometry(profile)
	require.NoError(t, err)
	_, err = NewAssembler(profile, g, newMemSlots(4, g.SlotBytes()-1), nil, Options{})
	assert.ErrorIs(t, err, detector.ErrSlotTooSmall)
}

func TestParseClosePolicy(t *testing.T) {
	for _, policy := range []ClosePolicy{CloseOnReuse, CloseLag, CloseTimeout} {
		parsed, err := ParseClosePolicy(policy.String())
		require.NoError(t, err)
		assert.Equal(t, policy, parsed)
	}
	_, err := ParseClosePolicy("never")
	assert.Error(t, err)
}

func TestAssemblerGeometry(t *testing.T) {
	f := newFixture(t, eigerProfile(2), 4, Options{})
	assert.Equal(t, f.geometry, f.asm.Geometry())
	assert.Equal(t, 2*f.geometry.ModuleFrameBytes, f.asm.Geometry().SlotBytes())
}
