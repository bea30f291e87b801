// Package ingest receives detector datagrams, one UDP socket per module.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"
)

const (
	// MaxDatagram fits the largest packet of every detector family.
	MaxDatagram = 9000
	// DefaultReadBuffer is the kernel receive buffer requested per socket.
	DefaultReadBuffer = 64 * 1024 * 1024
	// readTimeout bounds how long Run waits before it checks for shutdown.
	readTimeout = 100 * time.Millisecond
)

// Handler consumes one datagram. The slice is reused after HandleRaw
// returns.
type Handler interface {
	HandleRaw(raw []byte) error
}

// Recorder captures raw datagrams, see output.RawLogWriter.
type Recorder interface {
	Record(source uint16, payload []byte) error
}

type Options struct {
	ReadBuffer int
	// LogEvery throttles per-datagram error logs to one in LogEvery.
	LogEvery int
	Recorder Recorder
}

type Receiver struct {
	module   int
	conn     *net.UDPConn
	handler  Handler
	opts     Options
	logCount atomic.Uint64

	datagrams atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
}

// Listen binds the socket of one module.
func Listen(addr string, module int, handler Handler, opts Options) (*Receiver, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if opts.ReadBuffer == 0 {
		opts.ReadBuffer = DefaultReadBuffer
	}
	if err := conn.SetReadBuffer(opts.ReadBuffer); err != nil {
		log.Printf("module %d: set read buffer %d: %v", module, opts.ReadBuffer, err)
	}
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}
	return &Receiver{
		module:  module,
		conn:    conn,
		handler: handler,
		opts:    opts,
	}, nil
}

func (r *Receiver) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func (r *Receiver) Module() int {
	return r.module
}

// Run receives until ctx is done. Handler errors are counted and logged;
// they never stop the loop. The socket is closed when Run returns.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.conn.Close()
	buf := make([]byte, MaxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		n, err := r.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.errors.Add(1)
			r.logEveryN("module %d recv error: %v", r.module, err)
			continue
		}

		r.datagrams.Add(1)
		r.bytes.Add(uint64(n))
		raw := buf[:n]
		if r.opts.Recorder != nil {
			if err := r.opts.Recorder.Record(uint16(r.module), raw); err != nil {
				r.logEveryN("module %d capture error: %v", r.module, err)
			}
		}
		if err := r.handler.HandleRaw(raw); err != nil {
			r.errors.Add(1)
			r.logEveryN("module %d dropped datagram of %d bytes: %v", r.module, n, err)
		}
	}
}

func (r *Receiver) Snapshot() map[string]any {
	return map[string]any{
		"module":          r.module,
		"datagrams_total": r.datagrams.Load(),
		"bytes_total":     r.bytes.Load(),
		"errors_total":    r.errors.Load(),
	}
}

func (r *Receiver) logEveryN(format string, args ...any) {
	if r.logCount.Add(1)%uint64(r.opts.LogEvery) == 0 {
		log.Printf(format, args...)
	}
}
