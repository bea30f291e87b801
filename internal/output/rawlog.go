// Package output writes the receiver's side channels: raw datagram
// captures and statistics lines.
package output

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const rawLogMagic = "STDRAW01"

// recordHeaderSize is [8 timestamp ns][2 source][4 length], little-endian.
const recordHeaderSize = 14

var ErrBadMagic = errors.New("not a raw capture file")

type RawLogWriter struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
}

func NewRawLogWriter(outputDir string, prefix string) (*RawLogWriter, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	timestamp := time.Now().Format("20060102_150405")
	filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.bin", timestamp, prefix))
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(rawLogMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &RawLogWriter{
		f:    f,
		w:    w,
		path: filename,
	}, nil
}

func (r *RawLogWriter) Path() string {
	return r.path
}

// Record appends one datagram. source is the module the datagram was
// received on. Records are buffered; Flush or Close persists them.
func (r *RawLogWriter) Record(source uint16, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return fmt.Errorf("raw log writer is closed")
	}
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint16(header[8:10], source)
	binary.LittleEndian.PutUint32(header[10:14], uint32(len(payload)))
	if _, err := r.w.Write(header[:]); err != nil {
		return err
	}
	_, err := r.w.Write(payload)
	return err
}

func (r *RawLogWriter) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	return r.w.Flush()
}

func (r *RawLogWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		_ = r.f.Close()
		r.w = nil
		return err
	}
	err := r.f.Close()
	r.w = nil
	return err
}

type RawRecord struct {
	Time    time.Time
	Source  uint16
	Payload []byte
}

type RawLogReader struct {
	r io.Reader
}

// NewRawLogReader checks the capture magic and returns a reader positioned
// at the first record.
func NewRawLogReader(r io.Reader) (*RawLogReader, error) {
	magic := make([]byte, len(rawLogMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != rawLogMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadMagic, string(magic))
	}
	return &RawLogReader{r: bufio.NewReader(r)}, nil
}

// Next returns io.EOF after the last complete record. A record cut short
// by a crash is reported as io.ErrUnexpectedEOF.
func (r *RawLogReader) Next() (RawRecord, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return RawRecord{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	source := binary.LittleEndian.Uint16(header[8:10])
	size := binary.LittleEndian.Uint32(header[10:14])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return RawRecord{}, err
	}
	return RawRecord{Time: time.Unix(0, ts), Source: source, Payload: payload}, nil
}
