package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/pebbe/zmq4"
)

// AckServer answers consumers that finished reading a slot. release is
// called with the acknowledged frame id before the reply is sent.
type AckServer struct {
	socket  *zmq4.Socket
	release func(frameID uint64) bool
}

func NewAckServer(endpoint string, release func(frameID uint64) bool) (*AckServer, error) {
	socket, err := zmq4.NewSocket(zmq4.REP)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.SetRcvtimeo(pollInterval); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	return &AckServer{socket: socket, release: release}, nil
}

// Serve answers acknowledgments until ctx is done. The socket is closed
// when Serve returns.
func (s *AckServer) Serve(ctx context.Context) error {
	defer s.socket.Close()
	for {
		parts, err := receive(ctx, s.socket)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		id, err := DecodeID(parts[0])
		if err != nil {
			// REP must answer every request; an empty reply signals the
			// rejection.
			log.Printf("ack server: %v", err)
			if _, err := s.socket.SendBytes(nil, 0); err != nil {
				return err
			}
			continue
		}
		if s.release != nil && !s.release(id) {
			log.Printf("ack server: frame %d no longer owns its slot", id)
		}
		if _, err := s.socket.SendBytes(EncodeID(id), 0); err != nil {
			return err
		}
	}
}

// AckClient is used by a consumer that must finish each slot before the
// assembler may reuse it. A cancelled Ack leaves the REQ socket waiting for
// its reply; the client must be recreated afterwards.
type AckClient struct {
	socket *zmq4.Socket
}

func NewAckClient(endpoint string) (*AckClient, error) {
	socket, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return nil, err
	}
	if err := socket.SetLinger(0); err != nil {
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
	return &AckClient{socket: socket}, nil
}

func (c *AckClient) Ack(ctx context.Context, frameID uint64) error {
	if _, err := c.socket.SendBytes(EncodeID(frameID), 0); err != nil {
		return err
	}
	parts, err := receive(ctx, c.socket)
	if err != nil {
		return err
	}
	id, err := DecodeID(parts[0])
	if err != nil {
		return err
	}
	if id != frameID {
		return fmt.Errorf("%w: sent %d, got %d", ErrAckMismatch, frameID, id)
	}
	return nil
}

func (c *AckClient) Close() error {
	return c.socket.Close()
}
