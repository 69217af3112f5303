package flowcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"FlowGuard/internal/eventloop"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestSweepFlowTTL(t *testing.T) {
	r := require.New(t)
	c, clock := newTestCache(t, testConfig())

	old := observe(t, c, "192.0.2.1", "10.0.0.1", 5000, 80)
	clock.Advance(4 * time.Minute)
	young := observe(t, c, "192.0.2.1", "10.0.0.1", 5001, 80)
	clock.Advance(90 * time.Second)

	c.Sweep()
	r.Equal(StateEvicted, old.State())
	r.NotEqual(StateEvicted, young.State())
	r.Equal(1, c.Stats().Flows)

	// exactly at the TTL the record survives
	clock.Advance(5*time.Minute - 90*time.Second)
	c.Sweep()
	r.NotEqual(StateEvicted, young.State())

	clock.Advance(time.Nanosecond)
	c.Sweep()
	r.Equal(StateEvicted, young.State())
	r.Equal(Stats{}, c.Stats())
}

func TestSweepKeepsInjectedRecords(t *testing.T) {
	r := require.New(t)
	c, clock := newTestCache(t, testConfig())

	seed, err := c.InjectFlow(addr("192.0.2.10"), addr("198.51.100.1"), 179, 179, protoTCP)
	r.NoError(err)
	observed := observe(t, c, "192.0.2.10", "198.51.100.1", 5000, 80)

	clock.Advance(24 * time.Hour)
	c.Sweep()

	r.Equal(StateEvicted, observed.State())
	r.Equal(StateObserved, seed.State())
	dst := c.Destination(addr("192.0.2.10"))
	r.NotNil(dst)
	r.Equal(1, dst.FlowCount())
	checkInvariants(t, c)

	// explicit delete still removes it
	c.Delete(seed)
	r.Nil(c.Destination(addr("192.0.2.10")))
}

func TestSweepHostTTL(t *testing.T) {
	r := require.New(t)
	cfg := testConfig()
	cfg.FlowTTL = "10m"
	cfg.HostTTL = "1m"
	c, clock := newTestCache(t, cfg)

	a := observe(t, c, "192.0.2.1", "10.0.0.1", 5000, 80)
	seed, err := c.InjectFlow(addr("192.0.2.1"), addr("10.0.0.1"), 179, 179, protoTCP)
	r.NoError(err)
	busy := observe(t, c, "192.0.2.1", "10.0.0.2", 5000, 80)

	clock.Advance(2 * time.Minute)
	c.Account(busy, 100, 1)
	c.Sweep()

	// the idle host loses its observed flows but keeps the seeded one
	r.Equal(StateEvicted, a.State())
	r.NotEqual(StateEvicted, seed.State())
	r.NotEqual(StateEvicted, busy.State())
	dst := c.Destination(addr("192.0.2.1"))
	r.Equal(2, dst.SourceCount())
	r.Equal(1, c.Source(dst, addr("10.0.0.1")).FlowCount())
	checkInvariants(t, c)
}

func TestSweepRemovesEmptyHosts(t *testing.T) {
	r := require.New(t)
	c, _ := newTestCache(t, testConfig())

	// hosts created without any flow, e.g. after a failed insert
	dst, err := c.LookupOrCreateDestination(addr("192.0.2.1"))
	r.NoError(err)
	_, err = c.LookupOrCreateSource(dst, addr("10.0.0.1"))
	r.NoError(err)
	_, err = c.LookupOrCreateDestination(addr("192.0.2.2"))
	r.NoError(err)

	c.Sweep()
	r.Equal(Stats{}, c.Stats())
}

func TestSweepReconcilesInconsistentCounts(t *testing.T) {
	r := require.New(t)
	logger, hook := test.NewNullLogger()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c, err := New(testConfig(), WithClock(clock.Now), WithLogger(logrus.NewEntry(logger)))
	r.NoError(err)

	observe(t, c, "192.0.2.1", "10.0.0.1", 5000, 80)
	observe(t, c, "192.0.2.1", "10.0.0.1", 5001, 80)
	observe(t, c, "192.0.2.2", "10.0.0.1", 5000, 80)

	src := c.Source(c.Destination(addr("192.0.2.1")), addr("10.0.0.1"))
	src.flows = 7
	c.Destination(addr("192.0.2.2")).flows = 3

	c.Sweep()

	var errs []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errs = append(errs, e)
		}
	}
	r.Len(errs, 2)
	r.Equal(7, errs[0].Data["stored"])
	r.Equal(2, errs[0].Data["counted"])
	r.Equal(3, errs[1].Data["stored"])
	r.Equal(1, errs[1].Data["counted"])

	// the sweep went on and left every count correct
	r.Equal(2, src.FlowCount())
	checkInvariants(t, c)
}

func TestPeriodicSweepRunsInSlices(t *testing.T) {
	r := require.New(t)
	cfg := testConfig()
	cfg.SweepInterval = "10ms"
	cfg.SweepSlice = 1
	c, clock := newTestCache(t, cfg)

	loop := eventloop.New(64)
	loop.Start()
	defer loop.Stop()

	ctx := context.Background()
	r.NoError(loop.Call(ctx, func() {
		for i := 1; i <= 5; i++ {
			observe(t, c, fmt.Sprintf("192.0.2.%d", i), "10.0.0.1", 5000, 80)
		}
		_, err := c.InjectFlow(addr("192.0.2.100"), addr("10.0.0.1"), 179, 179, protoTCP)
		r.NoError(err)

		c.RegisterPeriodicSweep(loop)
		c.RegisterPeriodicSweep(loop)
		clock.Advance(time.Hour)
	}))

	r.Eventually(func() bool {
		var stats Stats
		if err := loop.Call(ctx, func() { stats = c.Stats() }); err != nil {
			return false
		}
		return stats == Stats{Destinations: 1, Sources: 1, Flows: 1}
	}, 5*time.Second, 10*time.Millisecond)

	r.NoError(loop.Call(ctx, func() {
		r.NotNil(c.Destination(addr("192.0.2.100")))
		c.Close()
		r.Nil(c.timer)
	}))
}
