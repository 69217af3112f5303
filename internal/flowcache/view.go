package flowcache

import (
	"net/netip"
	"time"

	"FlowGuard/internal/model"
)

// SourceView summarises one source host.
type SourceView struct {
	Addr      netip.Addr `json:"addr"`
	FlowCount int        `json:"flow_count"`
	LastSeen  time.Time  `json:"last_seen"`
	Bytes     uint64     `json:"bytes"`
	Packets   uint64     `json:"packets"`
}

// DestinationView summarises one destination host. Sources is only filled by
// DestinationDetail.
type DestinationView struct {
	Addr        netip.Addr   `json:"addr"`
	FlowCount   int          `json:"flow_count"`
	SourceCount int          `json:"source_count"`
	Bytes       uint64       `json:"bytes"`
	Packets     uint64       `json:"packets"`
	Sources     []SourceView `json:"sources,omitempty"`
}

func sourceView(src *SrcHost) SourceView {
	v := SourceView{
		Addr:      src.addr,
		FlowCount: src.flows,
		LastSeen:  src.lastSeen,
	}
	for i := range src.buckets {
		for rec := src.Bucket(i); rec != nil; rec = rec.Next() {
			v.Bytes += uint64(rec.Bytes)
			v.Packets += uint64(rec.Packets)
		}
	}
	return v
}

func destinationView(dst *DstHost, withSources bool) DestinationView {
	v := DestinationView{
		Addr:        dst.addr,
		FlowCount:   dst.flows,
		SourceCount: dst.sources.Len(),
	}
	dst.WalkSources(func(src *SrcHost) bool {
		sv := sourceView(src)
		v.Bytes += sv.Bytes
		v.Packets += sv.Packets
		if withSources {
			v.Sources = append(v.Sources, sv)
		}
		return true
	})
	return v
}

// Destinations summarises every destination in address order.
func (c *Cache) Destinations() []DestinationView {
	out := make([]DestinationView, 0, c.dsts.Len())
	c.dsts.Walk(func(_ netip.Prefix, dst *DstHost) bool {
		out = append(out, destinationView(dst, false))
		return true
	})
	return out
}

// DestinationDetail summarises addr and each of its sources.
func (c *Cache) DestinationDetail(addr netip.Addr) (DestinationView, bool) {
	dst := c.Destination(addr)
	if dst == nil {
		return DestinationView{}, false
	}
	return destinationView(dst, true), true
}

// Flows copies every record from src toward dst.
func (c *Cache) Flows(dstAddr, srcAddr netip.Addr) ([]model.FlowView, bool) {
	src := c.Source(c.Destination(dstAddr), srcAddr)
	if src == nil {
		return nil, false
	}
	out := make([]model.FlowView, 0, src.flows)
	for i := range src.buckets {
		for rec := src.Bucket(i); rec != nil; rec = rec.Next() {
			out = append(out, rec.View())
		}
	}
	return out, true
}

// Flow copies the record matching the port pair, if any.
func (c *Cache) Flow(dstAddr, srcAddr netip.Addr, sport, dport uint16) (model.FlowView, bool) {
	rec := c.Lookup(c.Source(c.Destination(dstAddr), srcAddr), sport, dport)
	if rec == nil {
		return model.FlowView{}, false
	}
	return rec.View(), true
}

// Snapshot copies every live record.
func (c *Cache) Snapshot() model.Snapshot {
	snap := model.Snapshot{
		TakenAt: c.now(),
		Flows:   make([]model.FlowView, 0, c.flows),
	}
	c.dsts.Walk(func(_ netip.Prefix, dst *DstHost) bool {
		dst.WalkSources(func(src *SrcHost) bool {
			for i := range src.buckets {
				for rec := src.Bucket(i); rec != nil; rec = rec.Next() {
					snap.Flows = append(snap.Flows, rec.View())
				}
			}
			return true
		})
		return true
	})
	return snap
}
