package flowcache

import (
	"net/netip"
	"time"

	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// sweepPass is one walk over the destinations that existed when it started.
type sweepPass struct {
	started time.Time
	pending []netip.Addr
	evicted int
	hosts   int
}

// RegisterPeriodicSweep schedules aging passes on loop every sweep interval.
// Only the first call registers; later calls are ignored.
func (c *Cache) RegisterPeriodicSweep(loop *eventloop.Loop) {
	if c.timer != nil {
		c.logger.Warn("periodic sweep already registered")
		return
	}
	c.loop = loop
	c.timer = loop.Every("flowcache-sweep", c.sweepInterval, c.startPass)
	c.logger.WithFields(log.Fields{
		"interval": c.sweepInterval,
		"slice":    c.sweepSlice,
	}).Info("periodic sweep registered")
}

// startPass begins a sliced pass unless one is still running.
func (c *Cache) startPass() {
	if c.closed || c.pass != nil {
		return
	}
	c.pass = c.newPass()
	c.runSlice()
}

// runSlice sweeps up to sweepSlice destinations of the running pass and
// defers the rest to a later loop task.
func (c *Cache) runSlice() {
	p := c.pass
	if p == nil || c.closed {
		return
	}
	now := c.now()
	for n := 0; n < c.sweepSlice && len(p.pending) > 0; n++ {
		addr := p.pending[0]
		p.pending = p.pending[1:]
		c.sweepDestination(p, addr, now)
	}
	metrics.SweepSlices.Inc()

	if len(p.pending) == 0 {
		c.finishPass(p)
		return
	}
	if c.loop == nil {
		c.runSlice()
		return
	}
	c.loop.Defer(c.runSlice)
}

// Sweep runs one complete pass synchronously.
func (c *Cache) Sweep() {
	if c.closed {
		return
	}
	p := c.newPass()
	now := c.now()
	for _, addr := range p.pending {
		c.sweepDestination(p, addr, now)
	}
	p.pending = nil
	c.finishPass(p)
}

func (c *Cache) newPass() *sweepPass {
	return &sweepPass{
		started: time.Now(),
		pending: c.destinationAddrs(),
	}
}

func (c *Cache) finishPass(p *sweepPass) {
	if c.pass == p {
		c.pass = nil
	}
	elapsed := time.Since(p.started)
	metrics.SweepDuration.Observe(elapsed.Seconds())
	c.logger.WithFields(log.Fields{
		"destinations": p.hosts,
		"evicted":      p.evicted,
		"elapsed":      elapsed,
	}).Debug("sweep pass finished")
}

func (c *Cache) destinationAddrs() []netip.Addr {
	prefixes := c.dsts.Prefixes()
	addrs := make([]netip.Addr, len(prefixes))
	for i, p := range prefixes {
		addrs[i] = p.Addr()
	}
	return addrs
}

// sweepDestination ages every source of addr, then checks the destination
// count against its sources and drops the destination if nothing is left.
func (c *Cache) sweepDestination(p *sweepPass, addr netip.Addr, now time.Time) {
	dst := c.Destination(addr)
	if dst == nil {
		return
	}
	p.hosts++

	dst.WalkSources(func(src *SrcHost) bool {
		p.evicted += c.sweepSource(src, now)
		return true
	})

	total := 0
	dst.WalkSources(func(src *SrcHost) bool {
		total += src.flows
		return true
	})
	if total != dst.flows {
		c.inconsistent(log.Fields{
			"destination": dst.addr,
			"stored":      dst.flows,
			"counted":     total,
		}, "destination flow count disagrees with its sources")
		dst.flows = total
	}

	if dst.sources.Len() == 0 {
		c.removeDestination(dst, "sweep")
	}
}

// sweepSource evicts the stale records of src and returns how many went.
// Once the host itself is idle past the host TTL every record that is not
// injected goes with it.
func (c *Cache) sweepSource(src *SrcHost, now time.Time) int {
	hostExpired := now.Sub(src.lastSeen) > c.hostTTL
	reason := "flow_ttl"
	if hostExpired {
		reason = "host_ttl"
	}

	evicted, kept := 0, 0
	for i := range src.buckets {
		for rec := src.Bucket(i); rec != nil; {
			if !rec.Injected && (hostExpired || now.Sub(rec.LastSeen) > c.flowTTL) {
				rec = c.evict(rec, reason)
				evicted++
				continue
			}
			kept++
			rec = rec.Next()
		}
	}

	if kept != src.flows {
		c.inconsistent(log.Fields{
			"destination": src.dst.addr,
			"source":      src.addr,
			"stored":      src.flows,
			"counted":     kept,
		}, "source flow count disagrees with its buckets")
		src.flows = kept
	}

	if src.flows == 0 {
		c.removeSource(src, reason)
	}
	return evicted
}

func (c *Cache) inconsistent(fields log.Fields, msg string) {
	metrics.CacheInconsistencies.Inc()
	c.logger.WithFields(fields).Error(msg)
}
