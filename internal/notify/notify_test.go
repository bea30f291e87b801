package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"std-buffer-go/internal/types"
)

func sampleMeta(id uint64) types.FrameMeta {
	return types.FrameMeta{
		FrameID:         id,
		Slot:            id % 1000,
		Family:          "gigafrost",
		ExpectedPackets: 1008,
		MissingPackets:  2,
		ScanID:          4,
		Timestamp:       123456,
		ExposureTime:    100,
		QuadrantID:      3,
		Image: types.ImageMetadata{
			ID:     id,
			Height: 2016,
			Width:  2016,
			Dtype:  types.DtypeUint16,
			Status: types.StatusMissingPackets,
		},
	}
}

func TestMessageRoundTrip(t *testing.T) {
	parts, err := EncodeMessage(sampleMeta(1234))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []byte{0xD2, 0x04, 0, 0, 0, 0, 0, 0}, parts[0])

	meta, err := DecodeMessage(parts)
	require.NoError(t, err)
	assert.Equal(t, sampleMeta(1234), meta)
}

func TestDecodeMessageIDOnly(t *testing.T) {
	meta, err := DecodeMessage([][]byte{EncodeID(77)})
	require.NoError(t, err)
	assert.Equal(t, uint64(77), meta.FrameID)
}

func TestDecodeMessageRejects(t *testing.T) {
	_, err := DecodeMessage(nil)
	assert.ErrorIs(t, err, ErrBadMessage)

	_, err = DecodeMessage([][]byte{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrBadMessage)

	_, err = DecodeMessage([][]byte{EncodeID(1), {0xFF, 0x00}})
	assert.ErrorIs(t, err, ErrBadMessage)

	parts, err := EncodeMessage(sampleMeta(5))
	require.NoError(t, err)
	_, err = DecodeMessage([][]byte{EncodeID(6), parts[1]})
	assert.ErrorIs(t, err, ErrBadMessage)
}

type countingSink struct {
	n   int
	err error
}

func (c *countingSink) Publish(types.FrameMeta) error {
	c.n++
	return c.err
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	a, b := &countingSink{}, &countingSink{err: boom}
	err := Fanout{a, b}.Publish(sampleMeta(1))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)

	assert.NoError(t, Fanout{a}.Publish(sampleMeta(2)))
}

func TestIPCEndpoint(t *testing.T) {
	assert.Equal(t, "ipc:///tmp/GF2", IPCEndpoint("GF2"))
}

func TestPublishSubscribe(t *testing.T) {
	endpoint := "inproc://notify-pubsub"
	pub, err := NewPublisher(endpoint, 0)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := NewSubscriber(endpoint)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Subscriptions propagate asynchronously; keep announcing until one
	// lands.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = pub.Publish(sampleMeta(42))
			}
		}
	}()
	meta, err := sub.Receive(ctx)
	close(done)
	require.NoError(t, err)
	assert.Equal(t, sampleMeta(42), meta)
}

func TestSubscriberReceiveCancelled(t *testing.T) {
	sub, err := NewSubscriber("inproc://notify-nobody")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = sub.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPushPull(t *testing.T) {
	endpoint := "inproc://notify-pushpull"
	push, err := NewPusher(endpoint, 0, time.Second)
	require.NoError(t, err)
	defer push.Close()

	pull, err := NewPuller(endpoint)
	require.NoError(t, err)
	defer pull.Close()

	for id := uint64(0); id < 5; id++ {
		require.NoError(t, push.Publish(sampleMeta(id)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id := uint64(0); id < 5; id++ {
		meta, err := pull.Pull(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, meta.FrameID)
	}
}

func TestPushBackpressure(t *testing.T) {
	push, err := NewPusher("inproc://notify-nobody-pulls", 1, 50*time.Millisecond)
	require.NoError(t, err)
	defer push.Close()

	err = push.Push(sampleMeta(1))
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestAckRoundTrip(t *testing.T) {
	endpoint := "inproc://notify-ack"
	released := make(chan uint64, 1)
	server, err := NewAckServer(endpoint, func(id uint64) bool {
		released <- id
		return true
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()

	client, err := NewAckClient(endpoint)
	require.NoError(t, err)
	defer client.Close()

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ackCancel()
	require.NoError(t, client.Ack(ackCtx, 99))
	assert.Equal(t, uint64(99), <-released)

	cancel()
	assert.NoError(t, <-served)
}
