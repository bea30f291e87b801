package notify

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"std-buffer-go/internal/types"
)

// Pusher delivers every notification to exactly one puller. Push blocks
// while the consumer applies backpressure, at most for the send timeout.
type Pusher struct {
	mu     sync.Mutex
	socket *zmq4.Socket
}

func NewPusher(endpoint string, highWaterMark int, sendTimeout time.Duration) (*Pusher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, err
	}
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	if err := configure(socket, highWaterMark); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetSndtimeo(sendTimeout); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	return &Pusher{socket: socket}, nil
}

func (p *Pusher) Push(meta types.FrameMeta) error {
	parts, err := EncodeMessage(meta)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.socket.SendMessage(parts[0], parts[1]); err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			return fmt.Errorf("%w: frame %d", ErrBackpressure, meta.FrameID)
		}
		return err
	}
	return nil
}

// Publish makes a Pusher usable as a Sink.
func (p *Pusher) Publish(meta types.FrameMeta) error {
	return p.Push(meta)
}

func (p *Pusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket.Close()
}

type Puller struct {
	socket *zmq4.Socket
}

func NewPuller(endpoint string) (*Puller, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := configure(socket, DefaultHighWaterMark); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return &Puller{socket: socket}, nil
}

func (p *Puller) Pull(ctx context.Context) (types.FrameMeta, error) {
	parts, err := receive(ctx, p.socket)
	if err != nil {
		return types.FrameMeta{}, err
	}
	return DecodeMessage(parts)
}

func (p *Puller) Close() error {
	return p.socket.Close()
}
