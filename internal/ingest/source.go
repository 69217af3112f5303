package ingest

import (
	"context"
	"sync"

	"FlowGuard/internal/config"
	"FlowGuard/internal/model"
	"FlowGuard/internal/probe"
	"FlowGuard/pkg/pcap"

	log "github.com/sirupsen/logrus"
)

// Source produces observations until stopped.
type Source interface {
	Name() string
	Start(submit func(*model.PacketInfo)) error
	Stop()
}

// NATSSource receives observations published by probes.
type NATSSource struct {
	url     string
	subject string
	sub     *probe.Subscriber
}

func NewNATSSource(cfg config.NATSConfig) *NATSSource {
	return &NATSSource{url: cfg.URL, subject: cfg.Subject}
}

func (s *NATSSource) Name() string { return "nats" }

func (s *NATSSource) Start(submit func(*model.PacketInfo)) error {
	sub, err := probe.NewSubscriber(s.url, s.subject)
	if err != nil {
		return err
	}
	if err := sub.Start(probe.PacketHandler(submit)); err != nil {
		sub.Close()
		return err
	}
	s.sub = sub
	return nil
}

func (s *NATSSource) Stop() {
	if s.sub != nil {
		s.sub.Close()
	}
}

// PcapSource captures observations from a local interface.
type PcapSource struct {
	cfg    config.PcapConfig
	reader *pcap.Reader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPcapSource(cfg config.PcapConfig) *PcapSource {
	return &PcapSource{cfg: cfg}
}

func (s *PcapSource) Name() string { return "pcap" }

func (s *PcapSource) Start(submit func(*model.PacketInfo)) error {
	reader, err := pcap.OpenLive(s.cfg)
	if err != nil {
		return err
	}
	s.reader = reader

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	out := make(chan *model.PacketInfo, 1024)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		parsed, skipped := reader.ReadPackets(ctx, out)
		log.WithFields(log.Fields{"parsed": parsed, "skipped": skipped}).Infof("Capture on %s finished.", s.cfg.Interface)
	}()
	go func() {
		defer s.wg.Done()
		for info := range out {
			submit(info)
		}
	}()
	log.Printf("Capturing on %s (filter %q).", s.cfg.Interface, s.cfg.BPFFilter)
	return nil
}

func (s *PcapSource) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.reader.Close()
}
