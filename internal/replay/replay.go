// Package replay runs recorded traffic through a flow cache on packet time,
// so aging and rules behave as they would have live.
package replay

import (
	"context"
	"errors"
	"sort"
	"time"

	"FlowGuard/internal/action"
	"FlowGuard/internal/config"
	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/ingest"
	"FlowGuard/internal/model"
	"FlowGuard/internal/trigger"

	log "github.com/sirupsen/logrus"
)

// Result summarises a replay.
type Result struct {
	Packets int
	Dropped int
	Start   time.Time
	End     time.Time
	Events  []action.Event
	Stats   flowcache.Stats
	Top     []flowcache.DestinationView
}

// collector records events instead of acting on them.
type collector struct {
	events []action.Event
}

func (c *collector) Dispatch(ev action.Event) bool {
	c.events = append(c.events, ev)
	return true
}

// clock is advanced by packet timestamps and never moves backwards.
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) advance(t time.Time) {
	if t.After(c.now) {
		c.now = t
	}
}

// Run feeds packets into a fresh cache built from cfg until packets is
// closed or ctx ends. The top destinations by flow count are kept.
func Run(ctx context.Context, cfg *config.Config, packets <-chan *model.PacketInfo, top int) (*Result, error) {
	clk := &clock{}
	cache, err := flowcache.New(cfg.FlowCache, flowcache.WithClock(clk.Now))
	if err != nil {
		return nil, err
	}
	defer cache.Close()
	sweepEvery := config.MustDuration(cfg.FlowCache.SweepInterval)

	events := &collector{}
	var evaluator *trigger.Evaluator
	var checkEvery time.Duration
	if cfg.Trigger.Enabled {
		evaluator, err = trigger.NewEvaluator(cfg.Trigger, cache, events, trigger.WithClock(clk.Now))
		if err != nil {
			return nil, err
		}
		checkEvery = config.MustDuration(cfg.Trigger.CheckInterval)
	}

	in := ingest.NewIngester(cache)
	res := &Result{}
	var nextSweep, nextCheck time.Time

loop:
	for {
		var info *model.PacketInfo
		var ok bool
		select {
		case <-ctx.Done():
			break loop
		case info, ok = <-packets:
			if !ok {
				break loop
			}
		}

		clk.advance(info.Timestamp)
		if res.Packets == 0 {
			res.Start = clk.now
			nextSweep = clk.now.Add(sweepEvery)
			nextCheck = clk.now.Add(checkEvery)
		}
		res.Packets++

		if err := in.Observe(info); err != nil {
			res.Dropped++
			if !errors.Is(err, flowcache.ErrCapacity) {
				log.Debugf("observation dropped: %v", err)
			}
		}
		if !clk.now.Before(nextSweep) {
			cache.Sweep()
			nextSweep = clk.now.Add(sweepEvery)
		}
		if evaluator != nil && !clk.now.Before(nextCheck) {
			evaluator.Evaluate()
			nextCheck = clk.now.Add(checkEvery)
		}
	}
	if evaluator != nil && res.Packets > 0 {
		evaluator.Evaluate()
	}

	res.End = clk.now
	res.Events = events.events
	res.Stats = cache.Stats()
	res.Top = TopDestinations(cache.Destinations(), top)
	return res, ctx.Err()
}

// TopDestinations keeps the n destinations with the most flows.
func TopDestinations(views []flowcache.DestinationView, n int) []flowcache.DestinationView {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].FlowCount != views[j].FlowCount {
			return views[i].FlowCount > views[j].FlowCount
		}
		return views[i].Bytes > views[j].Bytes
	})
	if n > 0 && len(views) > n {
		views = views[:n]
	}
	return views
}
