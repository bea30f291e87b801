package notify

import (
	"context"
	"fmt"
	"sync"
	"syscall"

	"github.com/pebbe/zmq4"

	"std-buffer-go/internal/types"
)

// Publisher is the lossy broadcast announcer. Subscribers that fall behind
// the high water mark lose notifications and resynchronize on frame ids.
type Publisher struct {
	mu     sync.Mutex
	socket *zmq4.Socket
}

func NewPublisher(endpoint string, highWaterMark int) (*Publisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
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
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	return &Publisher{socket: socket}, nil
}

// Publish never blocks: PUB sockets drop messages past the high water mark.
func (p *Publisher) Publish(meta types.FrameMeta) error {
	parts, err := EncodeMessage(meta)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.socket.SendMessageDontwait(parts[0], parts[1])
	return err
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket.Close()
}

type Subscriber struct {
	socket *zmq4.Socket
}

func NewSubscriber(endpoint string) (*Subscriber, error) {
	socket, err := zmq4.NewSocket(zmq4.SUB)
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
	if err := socket.SetSubscribe(""); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("connect %s: %w", endpoint, err)
	}
	return &Subscriber{socket: socket}, nil
}

// Receive blocks until a notification arrives or ctx is done.
func (s *Subscriber) Receive(ctx context.Context) (types.FrameMeta, error) {
	parts, err := receive(ctx, s.socket)
	if err != nil {
		return types.FrameMeta{}, err
	}
	return DecodeMessage(parts)
}

func (s *Subscriber) Close() error {
	return s.socket.Close()
}

func configure(socket *zmq4.Socket, highWaterMark int) error {
	if err := socket.SetLinger(0); err != nil {
		return err
	}
	if err := socket.SetSndhwm(highWaterMark); err != nil {
		return err
	}
	return socket.SetRcvhwm(highWaterMark)
}

// receive polls the socket so cancellation is noticed within pollInterval.
// The socket must have a receive timeout set.
func receive(ctx context.Context, socket *zmq4.Socket) ([][]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parts, err := socket.RecvMessageBytes(0)
		if err == nil {
			return parts, nil
		}
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			continue
		}
		return nil, err
	}
}
