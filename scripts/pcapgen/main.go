// pcapgen writes a capture mixing random background traffic with a flood of
// many sources towards one destination, for replaying through fg-replay.
package main

import (
	"flag"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

func main() {
	outputFile := flag.String("o", "test.pcap", "Output pcap file path")
	packetCount := flag.Int("c", 1000, "Number of background packets to generate")
	target := flag.String("target", "192.0.2.1", "Destination of the flood")
	floodSources := flag.Int("sources", 500, "Number of distinct flood sources")
	floodPackets := flag.Int("flood", 5000, "Number of flood packets")
	dstPort := flag.Int("dport", 80, "Destination port of the flood")
	step := flag.Duration("step", time.Millisecond, "Capture time between packets")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	targetIP := net.ParseIP(*target).To4()
	if targetIP == nil {
		log.Fatalf("Flood target '%s' is not an IPv4 address", *target)
	}
	if *floodSources <= 0 {
		log.Fatalf("-sources must be positive")
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pcapWriter := pcapgo.NewWriter(f)
	if err := pcapWriter.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		log.Fatalf("Failed to write pcap header: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	total := *packetCount + *floodPackets
	ts := time.Now()
	log.Printf("Generating %d packets (%d flood) into %s...", total, *floodPackets, *outputFile)

	background, flood := *packetCount, *floodPackets
	for i := 0; i < total; i++ {
		if (i+1)%100000 == 0 {
			log.Printf("Generated %d packets...", i+1)
		}

		var srcIP, dstIP net.IP
		var srcPort, dport layers.TCPPort
		// interleave both kinds in proportion to what is left of each
		if flood > 0 && rng.Intn(background+flood) < flood {
			n := rng.Intn(*floodSources)
			srcIP = net.IP{10, byte(n >> 16), byte(n >> 8), byte(n)}
			dstIP = targetIP
			srcPort = layers.TCPPort(rng.Intn(65535-1024) + 1024)
			dport = layers.TCPPort(*dstPort)
			flood--
		} else {
			srcIP = net.IP{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))}
			dstIP = net.IP{byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(256))}
			srcPort = layers.TCPPort(rng.Intn(65535-1024) + 1024)
			dport = layers.TCPPort(rng.Intn(65535-1024) + 1024)
			background--
		}

		data, err := serialize(rng, srcIP, dstIP, srcPort, dport)
		if err != nil {
			log.Fatalf("Failed to serialize layers: %v", err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := pcapWriter.WritePacket(ci, data); err != nil {
			log.Fatalf("Failed to write packet: %v", err)
		}
		ts = ts.Add(*step)
	}

	log.Printf("Successfully generated %d packets into %s.", total, *outputFile)
}

func serialize(rng *rand.Rand, srcIP, dstIP net.IP, srcPort, dstPort layers.TCPPort) ([]byte, error) {
	ethLayer := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ipLayer := &layers.IPv4{
		SrcIP:    srcIP,
		DstIP:    dstIP,
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
	}
	tcpLayer := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     rng.Uint32(),
		SYN:     true,
		Window:  14600,
	}
	if err := tcpLayer.SetNetworkLayerForChecksum(ipLayer); err != nil {
		return nil, err
	}

	payload := make([]byte, rng.Intn(1400)+50)
	rng.Read(payload)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ethLayer, ipLayer, tcpLayer, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
