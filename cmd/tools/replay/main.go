package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"exchange/internal/codec"
	"exchange/internal/recorder"
	"exchange/internal/schema"
)

func main() {
	dir := flag.String("dir", "data/wal", "WAL directory")
	prefix := flag.String("prefix", "", "WAL file prefix (default: wal)")
	from := flag.Uint64("from", 0, "First sequence to print")
	to := flag.Uint64("to", 0, "Last sequence to print (0=end of WAL)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	useRecv := flag.Bool("use-recv-time", false, "Use receive timestamp for pacing")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	decode := flag.Bool("decode", false, "Decode payloads")
	flag.Parse()

	pb, err := recorder.NewPlayback(recorder.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		FromSeq:         *from,
		ToSeq:           *to,
		Speed:           *speed,
		UseRecvTime:     *useRecv,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	counts := make(map[schema.EventType]int)
	err = pb.Run(context.Background(), func(header schema.EventHeader, payload []byte) error {
		counts[header.Type]++
		fmt.Printf("seq=%d type=%s ts_event=%d ts_recv=%d len=%d\n",
			header.Seq, header.Type, header.TsEvent, header.TsRecv, len(payload))
		if *decode {
			body, err := codec.Decode(header, payload)
			if err != nil {
				fmt.Printf("  decode failed: %v\n", err)
				return nil
			}
			fmt.Printf("  %+v\n", body)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}

	for t := schema.EventType(0); int(t) < 256; t++ {
		if n := counts[t]; n > 0 {
			fmt.Printf("%s: %d\n", t, n)
		}
	}
}
