package ingest

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newCache(t *testing.T, mod func(*config.FlowCacheConfig)) *flowcache.Cache {
	t.Helper()
	cfg := config.FlowCacheConfig{FlowTTL: "5m", HostTTL: "15m", SweepInterval: "30s"}
	if mod != nil {
		mod(&cfg)
	}
	c, err := flowcache.New(cfg)
	require.NoError(t, err)
	return c
}

func packet(src, dst string, sport, dport uint16, proto uint8, length int) *model.PacketInfo {
	return &model.PacketInfo{
		Timestamp: time.Now(),
		FiveTuple: model.FiveTuple{
			SrcIP:    netip.MustParseAddr(src),
			DstIP:    netip.MustParseAddr(dst),
			SrcPort:  sport,
			DstPort:  dport,
			Protocol: proto,
		},
		Length: length,
	}
}

func TestIngesterObserve(t *testing.T) {
	r := require.New(t)
	c := newCache(t, nil)
	in := NewIngester(c)

	r.NoError(in.Observe(packet("10.0.0.1", "192.0.2.1", 5000, 80, 6, 1500)))
	r.NoError(in.Observe(packet("10.0.0.1", "192.0.2.1", 5000, 80, 6, 500)))
	r.NoError(in.Observe(packet("10.0.0.1", "192.0.2.1", 5000, 80, 17, 100)))

	flow, ok := c.Flow(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("10.0.0.1"), 5000, 80)
	r.True(ok)
	r.Equal(uint32(2000), flow.Bytes)
	r.Equal(uint32(2), flow.Packets)
	r.Equal(uint8(6), flow.Protocol)
	r.Equal(flowcache.Stats{Destinations: 1, Sources: 1, Flows: 2}, c.Stats())
}

func TestIngesterDropsOnCapacity(t *testing.T) {
	r := require.New(t)
	c := newCache(t, func(cfg *config.FlowCacheConfig) { cfg.MaxFlows = 1 })
	in := NewIngester(c)

	r.NoError(in.Observe(packet("10.0.0.1", "192.0.2.1", 5000, 80, 6, 1)))
	err := in.Observe(packet("10.0.0.1", "192.0.2.1", 5001, 80, 6, 1))
	r.ErrorIs(err, flowcache.ErrCapacity)
	// the existing flow keeps being accounted
	r.NoError(in.Observe(packet("10.0.0.1", "192.0.2.1", 5000, 80, 6, 1)))
	r.Equal(1, c.Stats().Flows)

	r.ErrorIs(in.Observe(&model.PacketInfo{}), flowcache.ErrInvalidAddr)
}

func TestIngesterPrunesHostsOfRefusedObservation(t *testing.T) {
	r := require.New(t)
	c := newCache(t, func(cfg *config.FlowCacheConfig) { cfg.MaxSrcs = 1 })
	in := NewIngester(c)

	bad := packet("10.0.0.1", "192.0.2.1", 5000, 80, 6, 1)
	bad.FiveTuple.SrcIP = netip.Addr{}
	r.ErrorIs(in.Observe(bad), flowcache.ErrInvalidAddr)
	r.Equal(flowcache.Stats{}, c.Stats())
	r.Nil(c.Destination(netip.MustParseAddr("192.0.2.1")))

	r.NoError(in.Observe(packet("10.0.0.1", "192.0.2.1", 5000, 80, 6, 1)))
	r.ErrorIs(in.Observe(packet("10.0.0.2", "192.0.2.1", 5000, 80, 6, 1)), flowcache.ErrCapacity)
	r.Equal(flowcache.Stats{Destinations: 1, Sources: 1, Flows: 1}, c.Stats())
}

func TestPipelineDeliversEveryObservation(t *testing.T) {
	r := require.New(t)
	c := newCache(t, nil)
	loop := eventloop.New(16)
	loop.Start()
	defer loop.Stop()

	p := NewPipeline(loop, NewIngester(c), config.IngestConfig{QueueSize: 4096, BatchSize: 32})
	p.Start()
	for i := 0; i < 1000; i++ {
		dst := fmt.Sprintf("192.0.2.%d", i%10)
		r.True(p.Submit("test", packet("10.0.0.1", dst, uint16(i), 80, 6, 100)))
	}
	p.Stop()
	p.Stop()
	r.False(p.Submit("test", packet("10.0.0.1", "192.0.2.1", 1, 80, 6, 100)))

	var stats flowcache.Stats
	r.NoError(loop.Call(context.Background(), func() { stats = c.Stats() }))
	r.Equal(flowcache.Stats{Destinations: 10, Sources: 10, Flows: 1000}, stats)
}

func TestPipelineDropsWhenFull(t *testing.T) {
	r := require.New(t)
	c := newCache(t, nil)
	loop := eventloop.New(1)
	defer loop.Stop()

	p := NewPipeline(loop, NewIngester(c), config.IngestConfig{QueueSize: 2, BatchSize: 1})
	r.True(p.Submit("test", packet("10.0.0.1", "192.0.2.1", 1, 80, 6, 1)))
	r.True(p.Submit("test", packet("10.0.0.1", "192.0.2.1", 2, 80, 6, 1)))
	r.False(p.Submit("test", packet("10.0.0.1", "192.0.2.1", 3, 80, 6, 1)))
}

func TestPipelineStopAfterLoopStopped(t *testing.T) {
	c := newCache(t, nil)
	loop := eventloop.New(1)
	loop.Start()

	p := NewPipeline(loop, NewIngester(c), config.IngestConfig{QueueSize: 8, BatchSize: 4})
	p.Start()
	loop.Stop()
	p.Submit("test", packet("10.0.0.1", "192.0.2.1", 1, 80, 6, 1))
	p.Stop()
}
