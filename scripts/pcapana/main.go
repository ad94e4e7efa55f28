package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"TapLedger/internal/engine/protocol"
	"TapLedger/internal/probe/tracker"
	"TapLedger/pkg/pcap"
)

// pcapana replays a capture file through the session tracker and prints the
// resulting report entries as JSON, without publishing anything.
func main() {
	idle := flag.Duration("idle", 2*time.Minute, "Idle timeout applied after the last packet.")
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "Usage: go run ./scripts/pcapana [-idle 2m] <path_to_pcap_file>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, err := pcap.NewReader(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()

	tr := tracker.New(0, *idle)
	var last time.Time
	n, err := reader.ReadPackets(context.Background(), func(ts time.Time, p *protocol.Packet) {
		tr.Process(p, ts)
		last = ts
	})
	if err != nil {
		log.Fatalf("Failed to read packets: %v", err)
	}
	log.Printf("Processed %d packets.", n)

	snap := tr.Snapshot(last.Add(*idle + time.Second))
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		log.Fatal(err)
	}
}
