package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"std-buffer-go/internal/config"
	"std-buffer-go/internal/detector"
	"std-buffer-go/internal/ingest"
	"std-buffer-go/internal/notify"
	"std-buffer-go/internal/output"
	"std-buffer-go/internal/processing"
	"std-buffer-go/internal/ringbuffer"
	"std-buffer-go/internal/server"
	"std-buffer-go/internal/simulator"
	"std-buffer-go/internal/types"
)

type metrics struct {
	eventsTotal     atomic.Uint64
	eventsForwarded atomic.Uint64
	statsWriteError atomic.Uint64
}

func (m *metrics) snapshot() map[string]any {
	return map[string]any{
		"events_total":           m.eventsTotal.Load(),
		"events_forwarded_total": m.eventsForwarded.Load(),
		"stats_write_err_total":  m.statsWriteError.Load(),
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

// run owns every resource it creates; returning instead of exiting lets the
// deferred closes unlink the shared memory on startup failures.
func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	profile, geometry, err := config.LoadProfile(cfg.DetectorConfig)
	if err != nil {
		return fmt.Errorf("detector profile: %w", err)
	}
	closePolicy, err := processing.ParseClosePolicy(cfg.ClosePolicy)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.Printf("detector %s (%s): %d modules, %d packets of %d bytes per module frame, slot %d bytes x %d",
		profile.Name, profile.Family, profile.NModules, geometry.FramePackets, geometry.PacketDataBytes,
		profile.SlotBytes, profile.SlotCount)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ring, err := ringbuffer.Create(profile.Name, profile.SlotCount, profile.SlotBytes)
	if err != nil {
		return fmt.Errorf("ring buffer: %w", err)
	}
	defer func() {
		if err := ring.Close(); err != nil {
			log.Printf("ring buffer close failed: %v", err)
		}
	}()

	notifyName := cfg.NotifyName
	if notifyName == "" {
		notifyName = profile.Name
	}
	endpoint := notify.IPCEndpoint(notifyName)
	notifier, closeNotifier, err := openNotifier(cfg, endpoint)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	defer closeNotifier()

	frameStats := processing.NewFrameStats(profile.Name, -1, time.Now())
	events := make(chan types.Event, 256)
	asm, err := processing.NewAssembler(profile, geometry, ring, notify.Fanout{notifier, frameStats}, processing.Options{
		ClosePolicy: closePolicy,
		Lag:         cfg.CloseLag,
		Timeout:     cfg.CloseTimeout,
		AckRequired: cfg.AckRequired,
		Events:      events,
	})
	if err != nil {
		return fmt.Errorf("assembler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// abort stops the goroutines already started before the deferred
	// closes release the memory they write into.
	abort := func(err error) error {
		stop()
		_ = g.Wait()
		return err
	}

	if cfg.AckRequired {
		ackEndpoint := notify.IPCEndpoint(notifyName + "-ack")
		ackServer, err := notify.NewAckServer(ackEndpoint, asm.Release)
		if err != nil {
			return abort(fmt.Errorf("ack server: %w", err))
		}
		g.Go(func() error { return ackServer.Serve(gctx) })
		log.Printf("acknowledgments on %s", ackEndpoint)
	}

	receivers := make([]*ingest.Receiver, profile.NModules)
	for module := range receivers {
		opts := ingest.Options{ReadBuffer: cfg.RecvBuffer, LogEvery: cfg.IngestLogEvery}
		if cfg.CaptureDir != "" {
			writer, err := output.NewRawLogWriter(cfg.CaptureDir, fmt.Sprintf("%s_module_%d", profile.Name, module))
			if err != nil {
				return abort(fmt.Errorf("failed to start capture: %w", err))
			}
			defer func() {
				if err := writer.Close(); err != nil {
					log.Printf("capture close failed: %v", err)
				}
			}()
			opts.Recorder = writer
			log.Printf("module %d capture: %s", module, writer.Path())
		}
		addr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(profile.Port(module)))
		rx, err := ingest.Listen(addr, module, asm, opts)
		if err != nil {
			return abort(fmt.Errorf("module %d: %w", module, err))
		}
		receivers[module] = rx
		g.Go(func() error { return rx.Run(gctx) })
	}
	log.Printf("receiving on %s ports %d-%d, announcing on %s (%s)",
		cfg.BindHost, profile.Port(0), profile.Port(profile.NModules-1), endpoint, cfg.NotifyMode)

	if cfg.Debug {
		host := cfg.BindHost
		if host == "0.0.0.0" || host == "" {
			host = "127.0.0.1"
		}
		targets, err := simulator.Targets(host, profile)
		if err != nil {
			return abort(fmt.Errorf("simulator: %w", err))
		}
		log.Printf("debug mode: simulating %.1f frames/s", cfg.DebugAcqRate)
		g.Go(func() error {
			return simulator.Stream(gctx, targets, profile, geometry, cfg.DebugAcqRate, 0)
		})
	}

	var m metrics
	uiMessages := make(chan any, 16)
	g.Go(func() error {
		forwardEvents(gctx, events, uiMessages, &m, cfg.IngestLogEvery)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if err := frameStats.Flush(os.Stdout, now); err != nil {
					m.statsWriteError.Add(1)
				}
			}
		}
	})

	if closePolicy == processing.CloseTimeout {
		g.Go(func() error {
			ticker := time.NewTicker(max(cfg.CloseTimeout/4, 10*time.Millisecond))
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					asm.Expire(now)
				}
			}
		})
	}

	if cfg.Port > 0 {
		statusFn := func() map[string]any {
			merged := asm.Stats().Map()
			for k, v := range m.snapshot() {
				merged[k] = v
			}
			modules := make([]map[string]any, len(receivers))
			for i, rx := range receivers {
				modules[i] = rx.Snapshot()
			}
			return map[string]any{
				"detector": profile.Name,
				"metrics":  merged,
				"modules":  modules,
			}
		}
		configFn := func() map[string]any {
			return profilePayload(profile, asm.Geometry(), ring, endpoint)
		}
		log.Printf("status at http://localhost:%d/status", cfg.Port)
		g.Go(func() error { return server.Run(gctx, cfg, uiMessages, statusFn, configFn) })
	}

	err = g.Wait()
	// Partially filled slots are abandoned; nothing is announced for them.
	stats := asm.Stats()
	log.Printf("shutdown: %d frames complete, %d dropped, %d packets missed, %d malformed",
		stats.FramesComplete, stats.FramesDropped, stats.MissedPackets, stats.Malformed)
	return err
}

type closer func()

func openNotifier(cfg config.AppConfig, endpoint string) (notify.Sink, closer, error) {
	switch cfg.NotifyMode {
	case "push":
		pusher, err := notify.NewPusher(endpoint, cfg.HighWaterMark, cfg.SendTimeout)
		if err != nil {
			return nil, nil, err
		}
		return pusher, func() { _ = pusher.Close() }, nil
	default:
		pub, err := notify.NewPublisher(endpoint, cfg.HighWaterMark)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() { _ = pub.Close() }, nil
	}
}

// forwardEvents logs anomalies (throttled) and hands them to the websocket
// clients without ever blocking the assembler.
func forwardEvents(ctx context.Context, events <-chan types.Event, ui chan<- any, m *metrics, logEvery int) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			n := m.eventsTotal.Add(1)
			if n%uint64(logEvery) == 1 || logEvery == 1 {
				log.Printf("%s: frame %d slot %d missing %d %s",
					event.Kind, event.FrameID, event.Slot, event.MissingPackets, event.Detail)
			}
			select {
			case ui <- event:
				m.eventsForwarded.Add(1)
			default:
			}
		}
	}
}

func profilePayload(profile detector.Profile, geometry detector.Geometry, ring *ringbuffer.RingBuffer, endpoint string) map[string]any {
	return map[string]any{
		"profile":  profile,
		"geometry": geometry,
		"ring_buffer": map[string]any{
			"name":       ring.Name(),
			"n_slots":    ring.Capacity(),
			"slot_bytes": ring.SlotBytes(),
		},
		"notify_endpoint": endpoint,
	}
}
