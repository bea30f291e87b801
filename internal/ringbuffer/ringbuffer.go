// Package ringbuffer maps the named shared memory region frames are
// assembled in. Slot i holds frame ids congruent to i modulo the capacity.
//
// The buffer itself does no locking. A consumer may only trust a slot's
// bytes after it has seen the completion notification for that frame.
package ringbuffer

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fabiokung/shm"
	"golang.org/x/sys/unix"
)

var ErrInvalidSize = errors.New("ringbuffer: slot count and slot size must be positive")

type RingBuffer struct {
	name      string
	slotCount int
	slotBytes int
	data      []byte
	owner     bool
}

// Create creates (or truncates) the shared memory object name and maps it
// read/write. The creating process unlinks the object on Close.
func Create(name string, slotCount, slotBytes int) (*RingBuffer, error) {
	return mapRegion(name, slotCount, slotBytes, true, false)
}

// Open attaches to a buffer created by another process.
func Open(name string, slotCount, slotBytes int, readOnly bool) (*RingBuffer, error) {
	return mapRegion(name, slotCount, slotBytes, false, readOnly)
}

func mapRegion(name string, slotCount, slotBytes int, create, readOnly bool) (*RingBuffer, error) {
	if slotCount <= 0 || slotBytes <= 0 {
		return nil, ErrInvalidSize
	}
	name = strings.TrimPrefix(name, "/")
	size := slotCount * slotBytes

	flag, prot := os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	if create {
		flag |= os.O_CREATE
	} else if readOnly {
		flag, prot = os.O_RDONLY, unix.PROT_READ
	}

	file, err := shm.Open(name, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ringbuffer: open %s: %w", name, err)
	}
	defer file.Close()

	if create {
		if err := file.Truncate(int64(size)); err != nil {
			_ = shm.Unlink(name)
			return nil, fmt.Errorf("ringbuffer: size %s to %d bytes: %w", name, size, err)
		}
	} else {
		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("ringbuffer: stat %s: %w", name, err)
		}
		if info.Size() < int64(size) {
			return nil, fmt.Errorf("ringbuffer: %s holds %d bytes, need %d", name, info.Size(), size)
		}
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		if create {
			_ = shm.Unlink(name)
		}
		return nil, fmt.Errorf("ringbuffer: mmap %s: %w", name, err)
	}

	return &RingBuffer{
		name:      name,
		slotCount: slotCount,
		slotBytes: slotBytes,
		data:      data,
		owner:     create,
	}, nil
}

func (r *RingBuffer) Name() string   { return r.name }
func (r *RingBuffer) Capacity() int  { return r.slotCount }
func (r *RingBuffer) SlotBytes() int { return r.slotBytes }

// Index returns the slot frameID maps to.
func (r *RingBuffer) Index(frameID uint64) int {
	return int(frameID % uint64(r.slotCount))
}

// Slot returns the bytes of slot index. The slice aliases shared memory.
func (r *RingBuffer) Slot(index int) []byte {
	if index < 0 || index >= r.slotCount {
		panic(fmt.Sprintf("ringbuffer: slot %d out of range [0, %d)", index, r.slotCount))
	}
	start := index * r.slotBytes
	return r.data[start : start+r.slotBytes : start+r.slotBytes]
}

func (r *RingBuffer) SlotFor(frameID uint64) []byte {
	return r.Slot(r.Index(frameID))
}

// Close unmaps the region. The owner also removes the shared memory name.
func (r *RingBuffer) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if r.owner {
		if uerr := shm.Unlink(r.name); uerr != nil && err == nil {
			err = uerr
		}
	}
	return err
}
