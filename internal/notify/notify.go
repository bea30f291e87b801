// Package notify announces closed ring buffer slots over ZeroMQ.
//
// Every message has two frames: the 8 byte little-endian frame id and the
// CBOR encoded types.FrameMeta. Consumers that only need the id may stop
// at the first frame; DecodeMessage accepts id-only messages too.
package notify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"std-buffer-go/internal/types"
)

const (
	IPCBase = "ipc:///tmp/"

	DefaultHighWaterMark = 100
	// pollInterval bounds how long a blocking receive waits before it
	// checks its context again.
	pollInterval = 100 * time.Millisecond
)

var (
	ErrBackpressure = errors.New("notify: consumer is not keeping up")
	ErrBadMessage   = errors.New("notify: malformed message")
	ErrAckMismatch  = errors.New("notify: acknowledgment for another frame")
)

// IPCEndpoint returns the ipc endpoint a detector stream is announced on.
func IPCEndpoint(name string) string {
	return IPCBase + name
}

// Sink is implemented by every announcer in this package.
type Sink interface {
	Publish(meta types.FrameMeta) error
}

func EncodeMessage(meta types.FrameMeta) ([][]byte, error) {
	body, err := cbor.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode frame meta: %w", err)
	}
	return [][]byte{EncodeID(meta.FrameID), body}, nil
}

func DecodeMessage(parts [][]byte) (types.FrameMeta, error) {
	if len(parts) == 0 || len(parts) > 2 {
		return types.FrameMeta{}, fmt.Errorf("%w: %d parts", ErrBadMessage, len(parts))
	}
	id, err := DecodeID(parts[0])
	if err != nil {
		return types.FrameMeta{}, err
	}
	meta := types.FrameMeta{FrameID: id}
	if len(parts) == 2 {
		if err := cbor.Unmarshal(parts[1], &meta); err != nil {
			return types.FrameMeta{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
		}
		if meta.FrameID != id {
			return types.FrameMeta{}, fmt.Errorf("%w: id %d, body %d", ErrBadMessage, id, meta.FrameID)
		}
	}
	return meta, nil
}

func EncodeID(id uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), id)
}

func DecodeID(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: id of %d bytes", ErrBadMessage, len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Fanout publishes to every sink and returns the joined errors.
type Fanout []Sink

func (f Fanout) Publish(meta types.FrameMeta) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Publish(meta); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
