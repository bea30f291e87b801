package ingest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type collectingHandler struct {
	mu      sync.Mutex
	packets [][]byte
	got     chan struct{}
}

func (c *collectingHandler) HandleRaw(raw []byte) error {
	c.mu.Lock()
	c.packets = append(c.packets, append([]byte(nil), raw...))
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

type collectingRecorder struct {
	mu      sync.Mutex
	sources []uint16
}

func (c *collectingRecorder) Record(source uint16, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, source)
	return nil
}

func TestReceiverDeliversDatagrams(t *testing.T) {
	handler := &collectingHandler{got: make(chan struct{}, 4)}
	recorder := &collectingRecorder{}
	rx, err := Listen("127.0.0.1:0", 2, handler, Options{ReadBuffer: 1 << 20, Recorder: recorder})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx) }()

	conn, err := net.DialUDP("udp", nil, rx.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for _, msg := range []string{"one", "two"} {
		if _, err := conn.Write([]byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-handler.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("datagram %d not delivered", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("receiver did not stop on cancel")
	}

	if string(handler.packets[0]) != "one" || string(handler.packets[1]) != "two" {
		t.Fatalf("unexpected packets: %q", handler.packets)
	}
	if len(recorder.sources) != 2 || recorder.sources[0] != 2 {
		t.Fatalf("unexpected capture sources: %v", recorder.sources)
	}
	stats := rx.Snapshot()
	if stats["datagrams_total"].(uint64) != 2 || stats["bytes_total"].(uint64) != 6 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

type failingHandler struct{ calls int }

func (f *failingHandler) HandleRaw([]byte) error {
	f.calls++
	return net.ErrClosed
}

func TestReceiverCountsHandlerErrors(t *testing.T) {
	handler := &failingHandler{}
	rx, err := Listen("127.0.0.1:0", 0, handler, Options{ReadBuffer: 1 << 20, LogEvery: 1000})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx) }()

	conn, err := net.DialUDP("udp", nil, rx.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte("bad"))

	deadline := time.Now().Add(5 * time.Second)
	for rx.errors.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("handler error was not counted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
