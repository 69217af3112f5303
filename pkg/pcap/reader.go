package pcap

import (
	"context"
	"fmt"
	"os"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/engine/protocol"
	"FlowGuard/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

// Reader reads packets from a pcap file or a live interface.
type Reader struct {
	name    string
	source  gopacket.PacketDataSource
	decoder gopacket.Decoder
	close   func()
}

// NewReader opens a pcap file. It does not need libpcap.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	pr, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of %s: %w", filePath, err)
	}
	return &Reader{
		name:    filePath,
		source:  pr,
		decoder: pr.LinkType(),
		close:   func() { f.Close() },
	}, nil
}

// OpenLive starts capturing on cfg.Interface, applying cfg.BPFFilter if set.
func OpenLive(cfg config.PcapConfig) (*Reader, error) {
	handle, err := pcap.OpenLive(cfg.Interface, cfg.SnapLen, cfg.Promiscuous, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to open interface %s: %w", cfg.Interface, err)
	}
	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("invalid bpf filter %q: %w", cfg.BPFFilter, err)
		}
	}
	return &Reader{
		name:    cfg.Interface,
		source:  handle,
		decoder: handle.LinkType(),
		close:   handle.Close,
	}, nil
}

// Close releases the file or capture handle.
func (r *Reader) Close() {
	r.close()
}

// ReadPackets parses every packet and sends it to out until the source is
// exhausted or ctx ends. Packets that cannot be parsed are skipped. out is
// closed on return.
func (r *Reader) ReadPackets(ctx context.Context, out chan<- *model.PacketInfo) (parsed, skipped int) {
	defer close(out)

	packetSource := gopacket.NewPacketSource(r.source, r.decoder)
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	packets := packetSource.Packets()

	for {
		select {
		case <-ctx.Done():
			return parsed, skipped
		case packet, ok := <-packets:
			if !ok {
				return parsed, skipped
			}
			info, err := protocol.ParsePacket(packet)
			if err != nil {
				skipped++
				log.Debugf("Skipping packet from %s: %v", r.name, err)
				continue
			}
			select {
			case out <- info:
				parsed++
			case <-ctx.Done():
				return parsed, skipped
			}
		}
	}
}
