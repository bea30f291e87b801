package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"std-buffer-go/internal/detector"
	"std-buffer-go/internal/output"
	"std-buffer-go/internal/types"
)

func main() {
	var (
		path       = flag.String("path", "", "Path to a capture .bin file")
		limit      = flag.Int("limit", 1, "Number of records to dump (0 for all)")
		detType    = flag.String("type", "", "Detector type of a datagram capture: eiger, gigafrost or jungfrau")
		notifyDump = flag.Bool("meta", false, "Records are CBOR frame notifications, as written by std-buffer-sub -record")
	)
	flag.Parse()

	if *path == "" {
		log.Fatal("path is required")
	}
	var family detector.Family
	if !*notifyDump {
		kind, err := detector.ParseKind(*detType)
		if err != nil {
			log.Fatalf("type: %v", err)
		}
		family, err = detector.For(kind)
		if err != nil {
			log.Fatalf("type: %v", err)
		}
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("open capture: %v", err)
	}
	defer f.Close()

	reader, err := output.NewRawLogReader(f)
	if err != nil {
		log.Fatalf("read capture: %v", err)
	}

	frames := map[uint64]int{}
	count := 0
	for *limit <= 0 || count < *limit {
		rec, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				log.Printf("record %d: truncated", count)
				break
			}
			log.Fatalf("read record: %v", err)
		}

		var decoded any
		if *notifyDump {
			var meta types.FrameMeta
			if err := cbor.Unmarshal(rec.Payload, &meta); err != nil {
				log.Printf("record %d: CBOR decode error: %v", count, err)
				count++
				continue
			}
			decoded = meta
		} else {
			pkt, err := family.Decode(rec.Payload)
			if err != nil {
				log.Printf("record %d: %v", count, err)
				count++
				continue
			}
			frames[pkt.Header.FrameID()]++
			decoded = map[string]any{
				"header":        pkt.Header,
				"payload_bytes": len(pkt.Payload),
			}
		}

		pretty, err := json.MarshalIndent(decoded, "", "  ")
		if err != nil {
			log.Printf("record %d: JSON encode error: %v", count, err)
			count++
			continue
		}

		log.Printf("record %d timestamp=%s source=%d size=%d", count, rec.Time.Format(time.RFC3339Nano), rec.Source, len(rec.Payload))
		fmt.Println(string(pretty))
		count++
	}

	if len(frames) > 0 {
		fmt.Printf("summary: records=%d frames=%d\n", count, len(frames))
	}
}
