package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"FlowGuard/internal/config"
	"FlowGuard/internal/logging"
	"FlowGuard/internal/model"
	"FlowGuard/internal/probe"
	"FlowGuard/pkg/pcap"

	log "github.com/sirupsen/logrus"
)

func main() {
	// --- Command-Line Flag Parsing ---
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	mode := flag.String("mode", "pub", "Operating mode: 'pub' to capture and publish, 'sub' to subscribe and print.")
	iface := flag.String("iface", "", "Interface to capture packets from (overrides probe.pcap.interface).")
	filter := flag.String("filter", "", "BPF filter (overrides probe.pcap.bpf_filter).")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	if *iface != "" {
		cfg.Probe.Pcap.Interface = *iface
	}
	if *filter != "" {
		cfg.Probe.Pcap.BPFFilter = *filter
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Mode Dispatch ---
	switch *mode {
	case "pub":
		runProbe(ctx, cfg.Probe)
	case "sub":
		runSubscriber(ctx, cfg.Probe)
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runProbe captures packets and publishes them to NATS until ctx ends.
func runProbe(ctx context.Context, cfg config.ProbeConfig) {
	if cfg.Pcap.Interface == "" {
		log.Error("An interface is required in pub mode.")
		flag.Usage()
		os.Exit(1)
	}
	log.Printf("Starting fg-probe in PROBE mode on interface: %s", cfg.Pcap.Interface)

	pub, err := probe.NewPublisher(cfg.NATSURL, cfg.Subject)
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer pub.Close()

	reader, err := pcap.OpenLive(cfg.Pcap)
	if err != nil {
		log.Fatalf("Error opening device: %v", err)
	}
	defer reader.Close()
	log.Println("Capture started successfully. Publishing packets to NATS...")

	out := make(chan *model.PacketInfo, 1024)
	go reader.ReadPackets(ctx, out)

	published := 0
	for info := range out {
		if err := pub.Publish(info); err != nil {
			log.Warnf("Failed to publish packet: %v", err)
			continue
		}
		published++
		if published%1000 == 0 {
			log.Debugf("%d packets published...", published)
		}
	}
	log.Printf("Shutdown signal received, %d packets published.", published)
}

// runSubscriber prints every observation received from NATS until ctx ends.
func runSubscriber(ctx context.Context, cfg config.ProbeConfig) {
	log.Println("Starting fg-probe in SUBSCRIBER mode...")

	sub, err := probe.NewSubscriber(cfg.NATSURL, cfg.Subject)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	if err := sub.Start(func(info *model.PacketInfo) {
		fmt.Printf("%s %s len=%d\n", info.Timestamp.Format("15:04:05.000000"), info.FiveTuple, info.Length)
	}); err != nil {
		log.Fatalf("Subscriber failed to start: %v", err)
	}

	<-ctx.Done()
	log.Println("Shutdown signal received, cleaning up...")
}
