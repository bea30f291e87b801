// Package processing assembles decoded detector packets into ring buffer
// slots and announces every closed frame.
package processing

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"std-buffer-go/internal/detector"
	"std-buffer-go/internal/types"
)

// Slots is the storage frames are assembled in. *ringbuffer.RingBuffer
// implements it.
type Slots interface {
	Capacity() int
	SlotBytes() int
	Index(frameID uint64) int
	Slot(index int) []byte
}

// Sink receives the metadata of every closed frame. Publish is called after
// the slot bytes are final, possibly with the slot locked, so it must not
// call back into the Assembler.
type Sink interface {
	Publish(meta types.FrameMeta) error
}

type ClosePolicy int

const (
	// CloseOnReuse force-closes a frame when a newer frame claims its slot.
	CloseOnReuse ClosePolicy = iota
	// CloseLag force-closes a frame once the newest frame id seen is more
	// than Options.Lag ids ahead of it.
	CloseLag
	// CloseTimeout force-closes frames that were filling for longer than
	// Options.Timeout when Expire runs.
	CloseTimeout
)

func (p ClosePolicy) String() string {
	switch p {
	case CloseLag:
		return "lag"
	case CloseTimeout:
		return "timeout"
	default:
		return "reuse"
	}
}

// ParseClosePolicy accepts the names returned by ClosePolicy.String.
func ParseClosePolicy(value string) (ClosePolicy, error) {
	switch value {
	case "", "reuse":
		return CloseOnReuse, nil
	case "lag":
		return CloseLag, nil
	case "timeout":
		return CloseTimeout, nil
	default:
		return CloseOnReuse, fmt.Errorf("unknown close policy %q", value)
	}
}

type Options struct {
	ClosePolicy ClosePolicy
	Lag         uint64
	Timeout     time.Duration
	// AckRequired keeps a complete slot owned by its consumer until Release
	// is called for the frame. Reclaiming it earlier counts an overrun.
	AckRequired bool
	// Events receives anomalies. Sends never block; a full channel drops
	// the event.
	Events chan<- types.Event
	Now    func() time.Time
}

const (
	slotEmpty uint32 = iota
	slotFilling
	slotComplete
)

type slotState struct {
	// mu is held for reading while payload bytes are copied and for
	// writing while the slot changes frames or closes.
	mu       sync.RWMutex
	frameID  uint64
	meta     types.FrameMeta
	state    atomic.Uint32
	received atomic.Uint64
	started  atomic.Int64
	released atomic.Bool
	seen     []atomic.Uint64
}

func (s *slotState) hasSeen(bit int) bool {
	mask := uint64(1) << (bit % 64)
	return s.seen[bit/64].Load()&mask != 0
}

// markSeen reports whether bit was not set before.
func (s *slotState) markSeen(bit int) bool {
	mask := uint64(1) << (bit % 64)
	return s.seen[bit/64].Or(mask)&mask == 0
}

type Assembler struct {
	profile  detector.Profile
	geometry detector.Geometry
	family   detector.Family
	slots    Slots
	sink     Sink
	opts     Options
	expected uint64

	state   []slotState
	newest  atomic.Uint64
	metrics metrics
}

// NewAssembler binds an assembler to one detector stream. The slots must be
// at least geometry.SlotBytes() large.
func NewAssembler(profile detector.Profile, geometry detector.Geometry, slots Slots, sink Sink, opts Options) (*Assembler, error) {
	family, err := detector.For(profile.Family)
	if err != nil {
		return nil, err
	}
	if slots.SlotBytes() < geometry.SlotBytes() {
		return nil, fmt.Errorf("%w: %d < %d", detector.ErrSlotTooSmall, slots.SlotBytes(), geometry.SlotBytes())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClosePolicy == CloseLag && opts.Lag == 0 {
		opts.Lag = 1
	}

	expected := geometry.ExpectedPackets()
	words := (expected + 63) / 64
	state := make([]slotState, slots.Capacity())
	for i := range state {
		state[i].seen = make([]atomic.Uint64, words)
	}

	return &Assembler{
		profile:  profile,
		geometry: geometry,
		family:   family,
		slots:    slots,
		sink:     sink,
		opts:     opts,
		expected: uint64(expected),
		state:    state,
	}, nil
}

// HandleRaw decodes one datagram and processes it. Malformed datagrams are
// counted and returned as errors; they never change frame state.
func (a *Assembler) HandleRaw(raw []byte) error {
	pkt, err := a.family.Decode(raw)
	if err != nil {
		a.malformed(err)
		return err
	}
	return a.Process(pkt)
}

// Process writes one decoded packet into the slot of its frame. It is safe
// to call from one goroutine per module socket.
func (a *Assembler) Process(pkt detector.Packet) error {
	placement, err := a.family.Locate(a.profile, a.geometry, pkt)
	if err != nil {
		a.malformed(err)
		return err
	}
	a.metrics.packets.Add(1)

	frameID := pkt.Header.FrameID()
	if a.opts.ClosePolicy == CloseLag {
		a.advance(frameID)
	}

	index := a.slots.Index(frameID)
	s := &a.state[index]
	bit := placement.Module*a.geometry.FramePackets + placement.Packet

	for {
		s.mu.RLock()
		state, bound := s.state.Load(), s.frameID
		switch {
		case state == slotFilling && bound == frameID:
			if !s.markSeen(bit) {
				s.mu.RUnlock()
				a.metrics.duplicates.Add(1)
				return nil
			}
			slot := a.slots.Slot(index)
			copy(slot[placement.Offset:placement.Offset+placement.Length], pkt.Payload[:placement.Length])
			received := s.received.Add(1)
			s.mu.RUnlock()
			if received == a.expected {
				a.complete(index, frameID)
			}
			return nil
		case state == slotComplete && bound == frameID && s.hasSeen(bit):
			s.mu.RUnlock()
			a.metrics.duplicates.Add(1)
			return nil
		case state != slotEmpty && frameID <= bound:
			s.mu.RUnlock()
			a.stale(frameID, index, bound)
			return nil
		}
		s.mu.RUnlock()

		a.rebind(index, pkt.Header)
	}
}

// rebind claims slot index for the frame of header, closing whatever frame
// held it before.
func (a *Assembler) rebind(index int, header detector.Header) {
	frameID := header.FrameID()
	s := &a.state[index]

	s.mu.Lock()
	state := s.state.Load()
	if state != slotEmpty && frameID <= s.frameID {
		// Another module's packet claimed the slot first.
		s.mu.Unlock()
		return
	}

	switch {
	case state == slotFilling:
		// Consumers hear about the old frame before any byte of the new
		// one lands in the slot.
		a.publish(a.closeLocked(s, index))
	case state == slotComplete && a.opts.AckRequired && !s.released.Load():
		a.metrics.overruns.Add(1)
		a.emit(types.Event{Kind: types.EventSlotOverrun, FrameID: s.frameID, Slot: uint64(index)})
	}

	s.frameID = frameID
	s.meta = a.newMeta(header, index)
	s.received.Store(0)
	for i := range s.seen {
		s.seen[i].Store(0)
	}
	s.released.Store(false)
	s.started.Store(a.opts.Now().UnixNano())
	s.state.Store(slotFilling)
	s.mu.Unlock()
}

// closeLocked closes the filling frame of s. s.mu must be held. A frame
// whose last packet landed before complete took the lock counts as
// complete.
func (a *Assembler) closeLocked(s *slotState, index int) types.FrameMeta {
	received := s.received.Load()
	s.state.Store(slotComplete)
	if received >= a.expected {
		a.metrics.framesComplete.Add(1)
		return closedMeta(s.meta, 0)
	}

	missing := a.expected - received
	a.metrics.framesDropped.Add(1)
	a.metrics.missedPackets.Add(missing)
	a.emit(types.Event{
		Kind:           types.EventFrameDropped,
		FrameID:        s.frameID,
		Slot:           uint64(index),
		MissingPackets: missing,
	})
	return closedMeta(s.meta, missing)
}

func (a *Assembler) complete(index int, frameID uint64) {
	s := &a.state[index]
	s.mu.Lock()
	if s.frameID != frameID || !s.state.CompareAndSwap(slotFilling, slotComplete) {
		s.mu.Unlock()
		return
	}
	meta := closedMeta(s.meta, 0)
	s.mu.Unlock()

	a.metrics.framesComplete.Add(1)
	a.publish(meta)
}

// forceClose closes frameID if it still fills its slot.
func (a *Assembler) forceClose(frameID uint64) {
	index := a.slots.Index(frameID)
	s := &a.state[index]
	if s.state.Load() != slotFilling {
		return
	}
	s.mu.Lock()
	if s.frameID != frameID || s.state.Load() != slotFilling {
		s.mu.Unlock()
		return
	}
	meta := a.closeLocked(s, index)
	s.mu.Unlock()
	a.publish(meta)
}

// advance records frameID as the newest frame and closes the frames that
// fell more than Lag ids behind it.
func (a *Assembler) advance(frameID uint64) {
	var previous uint64
	for {
		previous = a.newest.Load()
		if frameID <= previous {
			return
		}
		if a.newest.CompareAndSwap(previous, frameID) {
			break
		}
	}
	if frameID <= a.opts.Lag {
		return
	}
	hi := frameID - a.opts.Lag
	lo := uint64(0)
	if previous > a.opts.Lag {
		lo = previous - a.opts.Lag
	}
	if capacity := uint64(len(a.state)); hi-lo > capacity {
		lo = hi - capacity
	}
	for id := lo; id < hi; id++ {
		a.forceClose(id)
	}
}

// Expire closes frames that have been filling longer than the configured
// timeout. It only acts under the CloseTimeout policy.
func (a *Assembler) Expire(now time.Time) {
	if a.opts.ClosePolicy != CloseTimeout || a.opts.Timeout <= 0 {
		return
	}
	deadline := now.Add(-a.opts.Timeout).UnixNano()
	for i := range a.state {
		s := &a.state[i]
		if s.state.Load() != slotFilling || s.started.Load() > deadline {
			continue
		}
		s.mu.Lock()
		if s.state.Load() != slotFilling || s.started.Load() > deadline {
			s.mu.Unlock()
			continue
		}
		meta := a.closeLocked(s, i)
		s.mu.Unlock()
		a.publish(meta)
	}
}

// Release hands the slot of frameID back to the assembler. It reports
// false when the slot no longer holds a complete frameID.
func (a *Assembler) Release(frameID uint64) bool {
	s := &a.state[a.slots.Index(frameID)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frameID != frameID || s.state.Load() != slotComplete {
		return false
	}
	return s.released.CompareAndSwap(false, true)
}

// Geometry returns the geometry the assembler places packets with.
func (a *Assembler) Geometry() detector.Geometry {
	return a.geometry
}

func (a *Assembler) newMeta(header detector.Header, index int) types.FrameMeta {
	meta := types.FrameMeta{
		Slot:            uint64(index),
		Family:          string(a.profile.Family),
		ExpectedPackets: a.expected,
		Image: types.ImageMetadata{
			Height: uint64(a.profile.ImageHeight),
			Width:  uint64(a.profile.ImageWidth),
			Dtype:  types.DtypeForBitDepth(a.profile.BitDepth),
		},
	}
	header.FillMeta(&meta)
	meta.Image.ID = meta.FrameID
	return meta
}

func closedMeta(meta types.FrameMeta, missing uint64) types.FrameMeta {
	meta.MissingPackets = missing
	meta.Image.Status = types.StatusGood
	if missing > 0 {
		meta.Image.Status = types.StatusMissingPackets
	}
	return meta
}

func (a *Assembler) publish(meta types.FrameMeta) {
	if a.sink == nil {
		return
	}
	if err := a.sink.Publish(meta); err != nil {
		a.metrics.publishErrors.Add(1)
	}
}

func (a *Assembler) stale(frameID uint64, index int, bound uint64) {
	a.metrics.stale.Add(1)
	a.emit(types.Event{
		Kind:    types.EventStalePacket,
		FrameID: frameID,
		Slot:    uint64(index),
		Detail:  fmt.Sprintf("slot holds frame %d", bound),
	})
}

func (a *Assembler) malformed(err error) {
	a.metrics.malformed.Add(1)
	a.emit(types.Event{Kind: types.EventMalformedPacket, Detail: err.Error()})
}

func (a *Assembler) emit(event types.Event) {
	if a.opts.Events == nil {
		return
	}
	event.Type = "event"
	select {
	case a.opts.Events <- event:
	default:
		a.metrics.eventsDropped.Add(1)
	}
}
