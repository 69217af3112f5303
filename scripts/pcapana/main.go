// pcapana prints the observations fg-engine would extract from a capture.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"FlowGuard/internal/model"
	"FlowGuard/pkg/pcap"

	log "github.com/sirupsen/logrus"
)

func main() {
	limit := flag.Int("n", 0, "Stop after this many packets (0 for all)")
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Println("Usage: go run ./scripts/pcapana/main.go [-n count] <path_to_pcap_file>")
		os.Exit(1)
	}

	reader, err := pcap.NewReader(flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	packets := make(chan *model.PacketInfo, 64)
	go reader.ReadPackets(ctx, packets)

	i := 0
	for info := range packets {
		i++
		fmt.Printf("[%s] %s:%d -> %s:%d proto=%d len=%d\n",
			info.Timestamp.Format("15:04:05.000"),
			info.FiveTuple.SrcIP, info.FiveTuple.SrcPort,
			info.FiveTuple.DstIP, info.FiveTuple.DstPort,
			info.FiveTuple.Protocol, info.Length)
		if *limit > 0 && i >= *limit {
			cancel()
			break
		}
	}
	// let the reader return before its handle is closed
	for range packets {
	}
	fmt.Printf("Parsed %d packet(s).\n", i)
}
