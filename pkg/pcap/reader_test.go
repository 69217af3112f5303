package pcap

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"FlowGuard/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

// writeTestPcap writes n TCP packets toward 192.0.2.1 plus one ARP frame.
func writeTestPcap(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
			SrcIP: net.IPv4(10, 0, 0, byte(i+1)), DstIP: net.IPv4(192, 0, 2, 1)}
		tcp := &layers.TCP{SrcPort: layers.TCPPort(5000 + i), DstPort: 80, SYN: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, eth, ip, tcp))
		data := buf.Bytes()
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Second),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}

	arpEth := *eth
	arpEth.EthernetType = layers.EthernetTypeARP
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{0x02, 0, 0, 0, 0, 1}, SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, &arpEth, arp))
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     start,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}, buf.Bytes()))
	return path
}

func TestReader_ReadPackets(t *testing.T) {
	r := require.New(t)
	reader, err := NewReader(writeTestPcap(t, 3))
	r.NoError(err)
	defer reader.Close()

	out := make(chan *model.PacketInfo)
	type result struct{ parsed, skipped int }
	done := make(chan result, 1)
	go func() {
		p, s := reader.ReadPackets(context.Background(), out)
		done <- result{p, s}
	}()

	var got []*model.PacketInfo
	for info := range out {
		got = append(got, info)
	}
	res := <-done
	r.Equal(3, res.parsed)
	r.Equal(1, res.skipped)
	r.Len(got, 3)
	r.Equal(uint16(5002), got[2].FiveTuple.SrcPort)
	r.Equal("192.0.2.1", got[0].FiveTuple.DstIP.String())
	r.Equal(time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC), got[1].Timestamp.UTC())
}

func TestReader_ReadPacketsCancelled(t *testing.T) {
	reader, err := NewReader(writeTestPcap(t, 10))
	require.NoError(t, err)
	defer reader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan *model.PacketInfo)
	parsed, _ := reader.ReadPackets(ctx, out)
	require.Zero(t, parsed)
	_, ok := <-out
	require.False(t, ok)
}

func TestNewReaderErrors(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.pcap"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "garbage.pcap")
	require.NoError(t, os.WriteFile(path, []byte("not a pcap file at all"), 0o644))
	_, err = NewReader(path)
	require.Error(t, err)
}
