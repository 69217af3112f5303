package flowcache

import (
	"container/list"
	"net/netip"
	"time"

	"FlowGuard/internal/model"
	"FlowGuard/internal/prefixindex"
)

// BucketCount is the number of flow lists per source host.
const BucketCount = 65536 >> 12

func bucketOf(port uint16) int {
	return int(port) % BucketCount
}

// State is the lifecycle stage of a Record.
type State uint8

const (
	// StateObserved is a record that was inserted but never accounted.
	StateObserved State = iota
	// StateActive is a record updated by at least one Account call.
	StateActive
	// StateEvicted is terminal; the record is no longer reachable.
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateObserved:
		return "observed"
	case StateActive:
		return "active"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// Record is one flow under a source host. Counters wrap at 32 bits.
type Record struct {
	elem *list.Element
	src  *SrcHost

	SrcPort   uint16
	DstPort   uint16
	Protocol  uint8
	FirstSeen time.Time
	LastSeen  time.Time
	Injected  bool
	Bytes     uint32
	Packets   uint32

	state State
}

// Next returns the record after r in the same bucket, or nil.
func (r *Record) Next() *Record {
	if r == nil || r.elem == nil {
		return nil
	}
	if e := r.elem.Next(); e != nil {
		return e.Value.(*Record)
	}
	return nil
}

// State returns the lifecycle stage of r.
func (r *Record) State() State {
	return r.state
}

// Source returns the owning source host, or nil once r is evicted.
func (r *Record) Source() *SrcHost {
	return r.src
}

// View copies r into a FlowView.
func (r *Record) View() model.FlowView {
	v := model.FlowView{
		SrcPort:   r.SrcPort,
		DstPort:   r.DstPort,
		Protocol:  r.Protocol,
		FirstSeen: r.FirstSeen,
		LastSeen:  r.LastSeen,
		Injected:  r.Injected,
		Bytes:     r.Bytes,
		Packets:   r.Packets,
	}
	if r.src != nil {
		v.SrcIP = r.src.addr
		if r.src.dst != nil {
			v.DstIP = r.src.dst.addr
		}
	}
	return v
}

// SrcHost holds the flows from one source address toward one destination.
type SrcHost struct {
	addr     netip.Addr
	dst      *DstHost
	buckets  [BucketCount]list.List
	flows    int
	injected int
	lastSeen time.Time
	detached bool
}

func (s *SrcHost) Addr() netip.Addr      { return s.addr }
func (s *SrcHost) Destination() *DstHost { return s.dst }
func (s *SrcHost) FlowCount() int        { return s.flows }
func (s *SrcHost) LastSeen() time.Time   { return s.lastSeen }

// Bucket returns the first record of bucket i, or nil if it is empty or out
// of range. Walk a bucket with Record.Next.
func (s *SrcHost) Bucket(i int) *Record {
	if i < 0 || i >= BucketCount {
		return nil
	}
	if e := s.buckets[i].Front(); e != nil {
		return e.Value.(*Record)
	}
	return nil
}

// DstHost holds every source observed toward one destination address.
type DstHost struct {
	addr     netip.Addr
	sources  *prefixindex.Index[*SrcHost]
	flows    int
	detached bool
}

func (d *DstHost) Addr() netip.Addr { return d.addr }
func (d *DstHost) FlowCount() int   { return d.flows }
func (d *DstHost) SourceCount() int { return d.sources.Len() }

// WalkSources calls fn for each source host until fn returns false.
func (d *DstHost) WalkSources(fn func(*SrcHost) bool) {
	d.sources.Walk(func(_ netip.Prefix, s *SrcHost) bool {
		return fn(s)
	})
}
