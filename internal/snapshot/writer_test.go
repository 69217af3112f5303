package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/factory"
	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sampleSnapshot() model.Snapshot {
	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	return model.Snapshot{
		TakenAt: at,
		Flows: []model.FlowView{
			{DstIP: netip.MustParseAddr("192.0.2.1"), SrcIP: netip.MustParseAddr("10.0.0.1"), SrcPort: 5000, DstPort: 80, Protocol: 6, FirstSeen: at, LastSeen: at, Bytes: 100, Packets: 1},
			{DstIP: netip.MustParseAddr("192.0.2.1"), SrcIP: netip.MustParseAddr("10.0.0.2"), SrcPort: 5001, DstPort: 80, Protocol: 6, FirstSeen: at, LastSeen: at, Bytes: 300, Packets: 2},
			{DstIP: netip.MustParseAddr("2001:db8::1"), SrcIP: netip.MustParseAddr("2001:db8::2"), SrcPort: 53, DstPort: 53, Protocol: 17, FirstSeen: at, LastSeen: at, Injected: true},
		},
	}
}

func TestGobWriterWritesSnapshot(t *testing.T) {
	r := require.New(t)
	tmpDir := t.TempDir()
	w := NewGobWriter(tmpDir, time.Minute)
	r.Equal("gob", w.Name())
	r.Equal(time.Minute, w.GetInterval())

	snap := sampleSnapshot()
	r.NoError(w.Write(snap, "2026-10-17_12-00-00"))
	r.NoError(w.Close())

	dir := filepath.Join(tmpDir, "2026-10-17_12-00-00")
	flows, err := ReadFlows(filepath.Join(dir, "flows.dat"))
	r.NoError(err)
	r.Equal(snap.Flows, flows)

	summaryBytes, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	r.NoError(err)
	var summary SummaryData
	r.NoError(json.Unmarshal(summaryBytes, &summary))
	r.Equal(SummaryData{
		TotalFlows:   3,
		TotalBytes:   400,
		TotalPackets: 3,
		Destinations: 2,
		Timestamp:    "2026-10-17T12:00:00Z",
	}, summary)
}

func TestGobWriterSkipsEmptySnapshot(t *testing.T) {
	tmpDir := t.TempDir()
	w := NewGobWriter(tmpDir, time.Minute)
	require.NoError(t, w.Write(model.Snapshot{TakenAt: time.Now()}, "2026-10-17_12-00-00"))

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWriterFactory(t *testing.T) {
	r := require.New(t)
	tmpDir := t.TempDir()

	writers, err := factory.CreateWriters([]config.WriterDef{
		{Type: "gob", Enabled: true, SnapshotInterval: "30s", Gob: config.GobConfig{RootPath: tmpDir}},
		{Type: "clickhouse", Enabled: false, SnapshotInterval: "1m"},
	})
	r.NoError(err)
	r.Len(writers, 1)
	r.Equal("gob", writers[0].Name())
	r.Equal(30*time.Second, writers[0].GetInterval())

	_, err = factory.CreateWriters([]config.WriterDef{{Type: "parquet", Enabled: true, SnapshotInterval: "1m"}})
	r.ErrorContains(err, "unknown writer type")
	_, err = factory.CreateWriters([]config.WriterDef{{Type: "gob", Enabled: true, SnapshotInterval: "1m"}})
	r.ErrorContains(err, "root_path")
	r.Panics(func() {
		factory.RegisterWriter("gob", func(config.WriterDef, time.Duration) (model.Writer, error) { return nil, nil })
	})
}

type memWriter struct {
	interval time.Duration
	fail     bool

	mu     sync.Mutex
	writes []model.Snapshot
	closed bool
}

func (m *memWriter) Name() string               { return "mem" }
func (m *memWriter) GetInterval() time.Duration { return m.interval }

func (m *memWriter) Write(s model.Snapshot, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.writes = append(m.writes, s)
	return nil
}

func (m *memWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func TestExporterWritesFinalSnapshotOnStop(t *testing.T) {
	r := require.New(t)
	c, err := flowcache.New(config.FlowCacheConfig{FlowTTL: "5m", HostTTL: "15m", SweepInterval: "30s"})
	r.NoError(err)
	loop := eventloop.New(8)
	loop.Start()
	defer loop.Stop()

	r.NoError(loop.Call(context.Background(), func() {
		_, err = c.InjectFlow(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("10.0.0.1"), 179, 179, 6)
	}))
	r.NoError(err)

	slow := &memWriter{interval: time.Hour}
	broken := &memWriter{interval: time.Hour, fail: true}
	e := NewExporter([]model.Writer{slow, broken}, FromCache(loop, c))
	e.Start()
	e.Stop()
	e.Stop()

	r.Equal(1, slow.count())
	r.Len(slow.writes[0].Flows, 1)
	r.True(slow.writes[0].Flows[0].Injected)
	r.True(slow.closed)
	r.True(broken.closed)
}

func TestExporterWritesPeriodically(t *testing.T) {
	w := &memWriter{interval: 10 * time.Millisecond}
	e := NewExporter([]model.Writer{w}, func(context.Context) (model.Snapshot, error) {
		return sampleSnapshot(), nil
	})
	e.Start()
	defer e.Stop()
	require.Eventually(t, func() bool { return w.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestExporterSurvivesStoppedLoop(t *testing.T) {
	c, err := flowcache.New(config.FlowCacheConfig{FlowTTL: "5m", HostTTL: "15m", SweepInterval: "30s"})
	require.NoError(t, err)
	loop := eventloop.New(8)
	loop.Start()
	loop.Stop()

	w := &memWriter{interval: time.Hour}
	e := NewExporter([]model.Writer{w}, FromCache(loop, c))
	e.Start()
	e.Stop()
	require.Zero(t, w.count())
}
