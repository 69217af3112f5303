package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"FlowGuard/internal/config"
	"FlowGuard/internal/engine/manager"
	"FlowGuard/internal/logging"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	log.Println("Starting fg-engine...")

	// 2. Build and start the daemon
	m, err := manager.NewManager(cfg)
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	if err := m.Start(); err != nil {
		log.Fatalf("Failed to start manager: %v", err)
	}

	// 3. Wait for a shutdown signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping manager...")
	m.Stop()
	log.Println("Shutdown complete.")
}
