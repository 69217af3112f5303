package model

import (
	"fmt"
	"net/netip"
	"time"
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

func (ft FiveTuple) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%d", ft.SrcIP, ft.SrcPort, ft.DstIP, ft.DstPort, ft.Protocol)
}

// PacketInfo holds the metadata extracted from a single packet. It is the
// unit of observation fed into the flow cache.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
}

// FlowView is a detached copy of one flow record, safe to hand to other
// goroutines.
type FlowView struct {
	DstIP     netip.Addr `json:"dst_ip"`
	SrcIP     netip.Addr `json:"src_ip"`
	SrcPort   uint16     `json:"src_port"`
	DstPort   uint16     `json:"dst_port"`
	Protocol  uint8      `json:"protocol"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	Injected  bool       `json:"injected"`
	Bytes     uint32     `json:"bytes"`
	Packets   uint32     `json:"packets"`
}

// Snapshot is a point-in-time copy of every live flow.
type Snapshot struct {
	TakenAt time.Time
	Flows   []FlowView
}
