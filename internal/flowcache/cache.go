// Package flowcache tracks live flows in a three level index: destination
// host, then source host, then flow records spread over BucketCount lists
// keyed by source port. Stale entries are aged out by a sweeper running on an
// event loop.
//
// A Cache has no locks. Every method must be called from the same goroutine,
// normally from tasks of the loop passed to RegisterPeriodicSweep.
package flowcache

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/metrics"
	"FlowGuard/internal/prefixindex"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrCapacity is returned when a configured entry limit is reached.
	ErrCapacity = errors.New("flow cache capacity reached")
	// ErrForeignSource is returned when a source host is used with a
	// destination it does not belong to.
	ErrForeignSource = errors.New("source host belongs to another destination")
	// ErrDetached is returned for host entries that were already removed.
	ErrDetached = errors.New("host entry is no longer in the cache")
	// ErrClosed is returned by a closed cache.
	ErrClosed = errors.New("flow cache closed")
	// ErrInvalidAddr is returned for the zero netip.Addr.
	ErrInvalidAddr = errors.New("invalid address")
)

const defaultSweepSlice = 256

// Cache is the flow cache. Create it with New.
type Cache struct {
	dsts *prefixindex.Index[*DstHost]

	flowTTL       time.Duration
	hostTTL       time.Duration
	sweepInterval time.Duration
	sweepSlice    int
	maxDsts       int
	maxSrcs       int
	maxFlows      int

	now    func() time.Time
	logger *log.Entry

	sources int
	flows   int

	loop   *eventloop.Loop
	timer  *eventloop.Timer
	pass   *sweepPass
	closed bool
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for every timestamp the cache takes.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the entry the cache logs through.
func WithLogger(logger *log.Entry) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates an empty cache from cfg.
func New(cfg config.FlowCacheConfig, opts ...Option) (*Cache, error) {
	flowTTL, err := config.ParsePositiveDuration(cfg.FlowTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid flow_ttl: %w", err)
	}
	hostTTL, err := config.ParsePositiveDuration(cfg.HostTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid host_ttl: %w", err)
	}
	sweepInterval, err := config.ParsePositiveDuration(cfg.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep_interval: %w", err)
	}
	if cfg.MaxDsts < 0 || cfg.MaxSrcs < 0 || cfg.MaxFlows < 0 {
		return nil, fmt.Errorf("capacity limits must not be negative")
	}

	c := &Cache{
		dsts:          prefixindex.New[*DstHost](),
		flowTTL:       flowTTL,
		hostTTL:       hostTTL,
		sweepInterval: sweepInterval,
		sweepSlice:    cfg.SweepSlice,
		maxDsts:       cfg.MaxDsts,
		maxSrcs:       cfg.MaxSrcs,
		maxFlows:      cfg.MaxFlows,
		now:           time.Now,
		logger:        log.WithField("component", "flowcache"),
	}
	if c.sweepSlice <= 0 {
		c.sweepSlice = defaultSweepSlice
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LookupOrCreateDestination returns the entry for addr, creating it on first
// reference. Repeated calls return the same entry.
func (c *Cache) LookupOrCreateDestination(addr netip.Addr) (*DstHost, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if !addr.IsValid() {
		return nil, ErrInvalidAddr
	}
	addr = addr.Unmap()
	if dst, ok := c.dsts.GetAddr(addr); ok {
		return dst, nil
	}
	if c.maxDsts > 0 && c.dsts.Len() >= c.maxDsts {
		metrics.CacheCapacityErrors.WithLabelValues("destination").Inc()
		return nil, fmt.Errorf("destination %s: %w", addr, ErrCapacity)
	}

	dst := &DstHost{
		addr:    addr,
		sources: prefixindex.New[*SrcHost](),
	}
	if err := c.dsts.Insert(prefixindex.HostPrefix(addr), dst); err != nil {
		return nil, fmt.Errorf("failed to index destination %s: %w", addr, err)
	}
	metrics.CacheDestinations.Inc()
	return dst, nil
}

// Destination returns the entry for addr without creating it.
func (c *Cache) Destination(addr netip.Addr) *DstHost {
	if !addr.IsValid() {
		return nil
	}
	dst, _ := c.dsts.GetAddr(addr)
	return dst
}

// LookupOrCreateSource returns the entry for addr under dst, creating it with
// empty buckets on first reference.
func (c *Cache) LookupOrCreateSource(dst *DstHost, addr netip.Addr) (*SrcHost, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if dst == nil || dst.detached {
		return nil, ErrDetached
	}
	if !addr.IsValid() {
		return nil, ErrInvalidAddr
	}
	addr = addr.Unmap()
	if src, ok := dst.sources.GetAddr(addr); ok {
		return src, nil
	}
	if c.maxSrcs > 0 && dst.sources.Len() >= c.maxSrcs {
		metrics.CacheCapacityErrors.WithLabelValues("source").Inc()
		return nil, fmt.Errorf("source %s toward %s: %w", addr, dst.addr, ErrCapacity)
	}

	src := &SrcHost{
		addr:     addr,
		dst:      dst,
		lastSeen: c.now(),
	}
	if err := dst.sources.Insert(prefixindex.HostPrefix(addr), src); err != nil {
		return nil, fmt.Errorf("failed to index source %s: %w", addr, err)
	}
	c.sources++
	metrics.CacheSources.Inc()
	return src, nil
}

// Source returns the entry for addr under dst without creating it.
func (c *Cache) Source(dst *DstHost, addr netip.Addr) *SrcHost {
	if dst == nil || !addr.IsValid() {
		return nil
	}
	src, _ := dst.sources.GetAddr(addr)
	return src
}

// Insert creates a record for the port pair under src. It does not check for
// an existing record with the same key; callers look up first.
func (c *Cache) Insert(dst *DstHost, src *SrcHost, sport, dport uint16, proto uint8) (*Record, error) {
	return c.insert(dst, src, sport, dport, proto, false)
}

// Inject is Insert for administratively seeded records. Injected records are
// never aged out.
func (c *Cache) Inject(dst *DstHost, src *SrcHost, sport, dport uint16, proto uint8) (*Record, error) {
	return c.insert(dst, src, sport, dport, proto, true)
}

func (c *Cache) insert(dst *DstHost, src *SrcHost, sport, dport uint16, proto uint8, injected bool) (*Record, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if dst == nil || src == nil || dst.detached || src.detached {
		return nil, ErrDetached
	}
	if src.dst != dst {
		return nil, ErrForeignSource
	}
	if c.maxFlows > 0 && src.flows >= c.maxFlows {
		metrics.CacheCapacityErrors.WithLabelValues("flow").Inc()
		return nil, fmt.Errorf("flow %s:%d -> %s:%d: %w", src.addr, sport, dst.addr, dport, ErrCapacity)
	}

	now := c.now()
	rec := &Record{
		src:       src,
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  proto,
		FirstSeen: now,
		LastSeen:  now,
		Injected:  injected,
		state:     StateObserved,
	}
	rec.elem = src.buckets[bucketOf(sport)].PushBack(rec)

	src.flows++
	src.lastSeen = now
	if injected {
		src.injected++
	}
	dst.flows++
	c.flows++

	metrics.CacheFlows.Inc()
	if injected {
		metrics.CacheInserts.WithLabelValues("injected").Inc()
	} else {
		metrics.CacheInserts.WithLabelValues("observed").Inc()
	}
	return rec, nil
}

// Lookup returns the first record under src matching the port pair, or nil.
func (c *Cache) Lookup(src *SrcHost, sport, dport uint16) *Record {
	if src == nil {
		return nil
	}
	for e := src.buckets[bucketOf(sport)].Front(); e != nil; e = e.Next() {
		rec := e.Value.(*Record)
		if rec.SrcPort == sport && rec.DstPort == dport {
			return rec
		}
	}
	return nil
}

// LookupProto is Lookup that also matches the protocol.
func (c *Cache) LookupProto(src *SrcHost, sport, dport uint16, proto uint8) *Record {
	if src == nil {
		return nil
	}
	for e := src.buckets[bucketOf(sport)].Front(); e != nil; e = e.Next() {
		rec := e.Value.(*Record)
		if rec.SrcPort == sport && rec.DstPort == dport && rec.Protocol == proto {
			return rec
		}
	}
	return nil
}

// Account adds one observation to rec and refreshes the activity markers of
// rec and its source host. Evicted records are ignored.
func (c *Cache) Account(rec *Record, bytes, packets uint32) {
	if rec == nil || rec.state == StateEvicted {
		return
	}
	now := c.now()
	rec.Bytes += bytes
	rec.Packets += packets
	rec.LastSeen = now
	rec.state = StateActive
	rec.src.lastSeen = now
}

// Delete removes rec and returns the record that followed it in its bucket.
// A source host left without records is removed, and so is a destination
// left without sources.
func (c *Cache) Delete(rec *Record) *Record {
	if rec == nil || rec.state == StateEvicted {
		return nil
	}
	src := rec.src
	next := c.evict(rec, "delete")
	if src.flows == 0 {
		dst := src.dst
		c.removeSource(src, "delete")
		if dst.sources.Len() == 0 {
			c.removeDestination(dst, "delete")
		}
	}
	return next
}

// ClearDestination removes addr and everything beneath it. Unknown addresses
// are ignored.
func (c *Cache) ClearDestination(addr netip.Addr) {
	dst := c.Destination(addr)
	if dst == nil {
		return
	}
	dst.WalkSources(func(src *SrcHost) bool {
		c.removeSource(src, "clear")
		return true
	})
	c.removeDestination(dst, "clear")
	c.logger.WithField("destination", dst.addr).Debug("destination cleared")
}

// evict unlinks rec and updates every count above it, leaving empty parents in
// place. It returns the next record of the bucket.
func (c *Cache) evict(rec *Record, reason string) *Record {
	next := rec.Next()
	src := rec.src

	src.buckets[bucketOf(rec.SrcPort)].Remove(rec.elem)
	rec.elem = nil
	rec.src = nil
	rec.state = StateEvicted

	src.flows--
	if rec.Injected {
		src.injected--
	}
	src.dst.flows--
	c.flows--

	metrics.CacheFlows.Dec()
	metrics.CacheEvictions.WithLabelValues(reason).Inc()
	return next
}

// removeSource evicts every record of src and drops it from its destination.
func (c *Cache) removeSource(src *SrcHost, reason string) {
	if src.detached {
		return
	}
	for i := range src.buckets {
		for rec := src.Bucket(i); rec != nil; {
			rec = c.evict(rec, reason)
		}
	}
	src.dst.sources.Delete(prefixindex.HostPrefix(src.addr))
	src.detached = true
	c.sources--
	metrics.CacheSources.Dec()
}

// removeDestination drops dst from the global index. Its sources must already
// be gone.
func (c *Cache) removeDestination(dst *DstHost, reason string) {
	if dst.detached {
		return
	}
	c.dsts.Delete(prefixindex.HostPrefix(dst.addr))
	dst.detached = true
	metrics.CacheDestinations.Dec()
	c.logger.WithFields(log.Fields{"destination": dst.addr, "reason": reason}).Trace("destination removed")
}

// InjectFlow resolves both hosts and seeds a flow. An existing record with
// the same key is marked injected instead of duplicated.
func (c *Cache) InjectFlow(dstAddr, srcAddr netip.Addr, sport, dport uint16, proto uint8) (*Record, error) {
	dst, err := c.LookupOrCreateDestination(dstAddr)
	if err != nil {
		return nil, err
	}
	src, err := c.LookupOrCreateSource(dst, srcAddr)
	if err != nil {
		c.PruneEmpty(dst, nil)
		return nil, err
	}
	if rec := c.LookupProto(src, sport, dport, proto); rec != nil {
		if !rec.Injected {
			rec.Injected = true
			src.injected++
		}
		return rec, nil
	}
	rec, err := c.Inject(dst, src, sport, dport, proto)
	if err != nil {
		c.PruneEmpty(dst, src)
		return nil, err
	}
	return rec, nil
}

// PruneEmpty removes host entries that a failed insert left without
// children. Either argument may be nil.
func (c *Cache) PruneEmpty(dst *DstHost, src *SrcHost) {
	if src != nil && src.flows == 0 {
		c.removeSource(src, "delete")
	}
	if dst != nil && dst.sources.Len() == 0 {
		c.removeDestination(dst, "delete")
	}
}

// Stats counts the live entries at each level.
type Stats struct {
	Destinations int `json:"destinations"`
	Sources      int `json:"sources"`
	Flows        int `json:"flows"`
}

func (c *Cache) Stats() Stats {
	return Stats{
		Destinations: c.dsts.Len(),
		Sources:      c.sources,
		Flows:        c.flows,
	}
}

// Close stops the sweeper and removes every entry. The cache refuses new
// entries afterwards.
func (c *Cache) Close() {
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pass = nil
	for _, p := range c.dsts.Prefixes() {
		c.ClearDestination(p.Addr())
	}
	c.closed = true
	c.logger.Info("flow cache closed")
}
