package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/logging"
	"FlowGuard/internal/model"
	"FlowGuard/internal/replay"
	"FlowGuard/pkg/pcap"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	top := flag.Int("top", 10, "Number of destinations to print.")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: fg-replay [flags] <path_to_pcap_file>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}

	reader, err := pcap.NewReader(pcapFilePath)
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Read packets on their own goroutine and replay them on packet time
	packets := make(chan *model.PacketInfo, 1024)
	var skipped int
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, skipped = reader.ReadPackets(ctx, packets)
	}()

	log.Printf("Replaying '%s'...", pcapFilePath)
	res, err := replay.Run(ctx, cfg, packets, *top)
	<-done
	if err != nil {
		log.Warnf("Replay interrupted: %v", err)
	}
	if res == nil {
		os.Exit(1)
	}

	// 3. Report
	fmt.Printf("Packets: %d (dropped %d, unparsed %d)  Window: %s -> %s\n",
		res.Packets, res.Dropped, skipped,
		res.Start.Format(time.RFC3339), res.End.Format(time.RFC3339))
	fmt.Printf("Cache: %d destination(s), %d source(s), %d flow(s)\n\n",
		res.Stats.Destinations, res.Stats.Sources, res.Stats.Flows)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DESTINATION\tFLOWS\tSOURCES\tPACKETS\tBYTES")
	for _, v := range res.Top {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", v.Addr, v.FlowCount, v.SourceCount, v.Packets, v.Bytes)
	}
	w.Flush()

	if len(res.Events) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tEVENT\tDESTINATION\tRULE\tVALUE")
		for _, ev := range res.Events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\n", ev.At.Format(time.RFC3339), ev.Kind, ev.Addr, ev.Rule, ev.Value)
		}
		w.Flush()
	}
}
