package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"std-buffer-go/internal/config"
	"std-buffer-go/internal/notify"
	"std-buffer-go/internal/output"
	"std-buffer-go/internal/ringbuffer"
	"std-buffer-go/internal/types"
)

// std-buffer-sub follows a detector's notifications and reads every
// announced slot from shared memory.
func main() {
	var (
		configPath = flag.String("config", "", "Detector JSON config file")
		name       = flag.String("notify-name", "", "IPC name under /tmp (defaults to detector_name)")
		pull       = flag.Bool("pull", false, "Consume point-to-point notifications instead of subscribing")
		ack        = flag.Bool("ack", false, "Acknowledge every slot after reading it")
		limit      = flag.Int("limit", 0, "Stop after this many frames (0 runs until interrupted)")
		recordDir  = flag.String("record", "", "Record received notifications to this directory")
	)
	flag.Parse()

	if *configPath == "" {
		log.Fatal("missing -config")
	}
	profile, _, err := config.LoadProfile(*configPath)
	if err != nil {
		log.Fatalf("detector profile: %v", err)
	}
	if *name == "" {
		*name = profile.Name
	}

	ring, err := ringbuffer.Open(profile.Name, profile.SlotCount, profile.SlotBytes, true)
	if err != nil {
		log.Fatalf("ring buffer: %v", err)
	}
	defer ring.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint := notify.IPCEndpoint(*name)
	var receive func(context.Context) (types.FrameMeta, error)
	if *pull {
		puller, err := notify.NewPuller(endpoint)
		if err != nil {
			log.Fatalf("puller: %v", err)
		}
		defer puller.Close()
		receive = puller.Pull
	} else {
		sub, err := notify.NewSubscriber(endpoint)
		if err != nil {
			log.Fatalf("subscriber: %v", err)
		}
		defer sub.Close()
		receive = sub.Receive
	}

	var acker *notify.AckClient
	if *ack {
		acker, err = notify.NewAckClient(notify.IPCEndpoint(*name + "-ack"))
		if err != nil {
			log.Fatalf("ack client: %v", err)
		}
		defer acker.Close()
	}

	var recorder *output.RawLogWriter
	if *recordDir != "" {
		recorder, err = output.NewRawLogWriter(*recordDir, *name+"_meta")
		if err != nil {
			log.Fatalf("record: %v", err)
		}
		defer recorder.Close()
	}

	var complete, incomplete int
	for *limit <= 0 || complete+incomplete < *limit {
		meta, err := receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			log.Printf("receive: %v", err)
			continue
		}

		slot := ring.SlotFor(meta.FrameID)
		digest := sha256.Sum256(slot)
		if meta.Complete() {
			complete++
		} else {
			incomplete++
		}
		fmt.Printf("frame=%d slot=%d missing=%d/%d sha256=%x\n",
			meta.FrameID, meta.Slot, meta.MissingPackets, meta.ExpectedPackets, digest[:8])

		if recorder != nil {
			parts, err := notify.EncodeMessage(meta)
			if err == nil {
				err = recorder.Record(0, parts[1])
			}
			if err != nil {
				log.Printf("record frame %d: %v", meta.FrameID, err)
			}
		}
		if acker != nil {
			if err := acker.Ack(ctx, meta.FrameID); err != nil {
				log.Fatalf("ack frame %d: %v", meta.FrameID, err)
			}
		}
	}

	fmt.Printf("summary: complete=%d incomplete=%d\n", complete, incomplete)
}
