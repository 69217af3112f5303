package protocol

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"FlowGuard/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrNoNetworkLayer is returned for frames without an IPv4 or IPv6 header.
	ErrNoNetworkLayer = errors.New("not an IP packet")
	// ErrUnsupportedTransport is returned for IP packets that are not TCP,
	// UDP or ICMP.
	ErrUnsupportedTransport = errors.New("unsupported transport protocol")
)

// ParseData decodes a raw frame of the given link type.
func ParseData(data []byte, linkType gopacket.Decoder) (*model.PacketInfo, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	return ParsePacket(packet)
}

// ParsePacket extracts the five-tuple, timestamp and wire length of a packet.
// ICMP packets carry type and code in the destination port.
func ParsePacket(packet gopacket.Packet) (*model.PacketInfo, error) {
	info := &model.PacketInfo{
		Timestamp: time.Now(), // overwritten by capture metadata when present
		Length:    len(packet.Data()),
	}
	if meta := packet.Metadata(); meta != nil {
		if !meta.Timestamp.IsZero() {
			info.Timestamp = meta.Timestamp
		}
		if meta.Length > 0 {
			info.Length = meta.Length
		}
	}

	var ft model.FiveTuple
	switch l := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		ft.SrcIP, _ = netip.AddrFromSlice(l.SrcIP.To4())
		ft.DstIP, _ = netip.AddrFromSlice(l.DstIP.To4())
		ft.Protocol = uint8(l.Protocol)
	case *layers.IPv6:
		ft.SrcIP, _ = netip.AddrFromSlice(l.SrcIP.To16())
		ft.DstIP, _ = netip.AddrFromSlice(l.DstIP.To16())
		ft.Protocol = uint8(l.NextHeader)
	default:
		return nil, ErrNoNetworkLayer
	}
	if !ft.SrcIP.IsValid() || !ft.DstIP.IsValid() {
		return nil, fmt.Errorf("malformed IP addresses: %w", ErrNoNetworkLayer)
	}
	ft.SrcIP = ft.SrcIP.Unmap()
	ft.DstIP = ft.DstIP.Unmap()

	switch l := packet.TransportLayer().(type) {
	case *layers.TCP:
		ft.SrcPort = uint16(l.SrcPort)
		ft.DstPort = uint16(l.DstPort)
		ft.Protocol = uint8(layers.IPProtocolTCP)
	case *layers.UDP:
		ft.SrcPort = uint16(l.SrcPort)
		ft.DstPort = uint16(l.DstPort)
		ft.Protocol = uint8(layers.IPProtocolUDP)
	default:
		if icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
			ft.DstPort = uint16(icmp.TypeCode)
			ft.Protocol = uint8(layers.IPProtocolICMPv4)
		} else if icmp6, ok := packet.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6); ok {
			ft.DstPort = uint16(icmp6.TypeCode)
			ft.Protocol = uint8(layers.IPProtocolICMPv6)
		} else {
			return nil, fmt.Errorf("protocol %d: %w", ft.Protocol, ErrUnsupportedTransport)
		}
	}

	info.FiveTuple = ft
	return info, nil
}
