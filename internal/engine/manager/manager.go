package manager

import (
	"context"
	"fmt"
	"net/netip"

	"FlowGuard/internal/action"
	_ "FlowGuard/internal/action/nullroute" // Registers the nullroute action
	"FlowGuard/internal/api"
	"FlowGuard/internal/config"
	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/factory"
	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/ingest"
	"FlowGuard/internal/model"
	_ "FlowGuard/internal/notification" // Registers the email action
	"FlowGuard/internal/query"
	"FlowGuard/internal/snapshot"
	"FlowGuard/internal/trigger"

	log "github.com/sirupsen/logrus"
)

// loopQueueSize bounds the tasks waiting on the event loop.
const loopQueueSize = 1024

// Manager owns the event loop and every component feeding or reading the
// flow cache.
type Manager struct {
	cfg *config.Config

	loop       *eventloop.Loop
	cache      *flowcache.Cache
	pipeline   *ingest.Pipeline
	sources    []ingest.Source
	evaluator  *trigger.Evaluator
	dispatcher *action.Dispatcher
	exporter   *snapshot.Exporter
	querier    query.Querier
	api        *api.Server
	started    []ingest.Source
}

// Option customises a Manager.
type Option func(*options)

type options struct {
	cacheOpts []flowcache.Option
	sources   []ingest.Source
	noAPI     bool
}

// WithCacheOptions passes opts to the flow cache.
func WithCacheOptions(opts ...flowcache.Option) Option {
	return func(o *options) {
		o.cacheOpts = append(o.cacheOpts, opts...)
	}
}

// WithSources replaces the sources built from the configuration.
func WithSources(sources ...ingest.Source) Option {
	return func(o *options) {
		o.sources = sources
	}
}

// WithoutAPI skips the HTTP and gRPC servers.
func WithoutAPI() Option {
	return func(o *options) {
		o.noAPI = true
	}
}

// NewManager builds every component described by cfg without starting any.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cache, err := flowcache.New(cfg.FlowCache, o.cacheOpts...)
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, cache: cache, loop: eventloop.New(loopQueueSize)}
	m.pipeline = ingest.NewPipeline(m.loop, ingest.NewIngester(cache), cfg.Ingest)

	if o.sources != nil {
		m.sources = o.sources
	} else {
		if cfg.Ingest.NATS.Enabled {
			m.sources = append(m.sources, ingest.NewNATSSource(cfg.Ingest.NATS))
		}
		if cfg.Ingest.Pcap.Interface != "" {
			m.sources = append(m.sources, ingest.NewPcapSource(cfg.Ingest.Pcap))
		}
	}

	actions, err := action.Create(cfg.Actions)
	if err != nil {
		return nil, err
	}
	m.dispatcher, err = action.NewDispatcher(cfg.Dispatcher, actions)
	if err != nil {
		return nil, err
	}

	if cfg.Trigger.Enabled {
		m.evaluator, err = trigger.NewEvaluator(cfg.Trigger, cache, m.dispatcher)
		if err != nil {
			return nil, err
		}
	}

	writers, err := factory.CreateWriters(cfg.Writers)
	if err != nil {
		return nil, err
	}
	m.exporter = snapshot.NewExporter(writers, snapshot.FromCache(m.loop, cache))

	if !o.noAPI {
		m.querier = newQuerier(cfg.Writers)
		var bans api.BanLister
		if m.evaluator != nil {
			bans = m.evaluator
		}
		m.api = api.New(cfg.API, m.loop, cache, bans, m.querier)
	}

	log.Printf("Manager created with %d source(s), %d action(s), %d writer(s).", len(m.sources), len(actions), len(writers))
	return m, nil
}

// newQuerier connects to the first enabled ClickHouse writer, if any.
func newQuerier(defs []config.WriterDef) query.Querier {
	for _, def := range defs {
		if !def.Enabled || def.Type != "clickhouse" {
			continue
		}
		q, err := query.NewClickHouseQuerier(def.ClickHouse)
		if err != nil {
			log.Warnf("History queries disabled: %v", err)
			return nil
		}
		return q
	}
	return nil
}

// Start runs the loop, seeds the cache, then starts consumers and producers.
func (m *Manager) Start() error {
	m.loop.Start()

	var err error
	callErr := m.loop.Call(context.Background(), func() {
		if err = m.injectSeeds(); err != nil {
			return
		}
		m.cache.RegisterPeriodicSweep(m.loop)
	})
	if callErr != nil {
		err = callErr
	}
	if err != nil {
		m.loop.Stop()
		return err
	}

	m.dispatcher.Start()
	if m.evaluator != nil {
		m.evaluator.Start(m.loop)
	}
	m.exporter.Start()
	m.pipeline.Start()

	for _, src := range m.sources {
		name := src.Name()
		if err := src.Start(func(info *model.PacketInfo) { m.pipeline.Submit(name, info) }); err != nil {
			m.Stop()
			return fmt.Errorf("failed to start %s source: %w", name, err)
		}
		m.started = append(m.started, src)
	}

	if m.api != nil {
		if err := m.api.Start(); err != nil {
			m.Stop()
			return err
		}
	}
	log.Println("Manager started.")
	return nil
}

func (m *Manager) injectSeeds() error {
	for _, seed := range m.cfg.FlowCache.InjectedFlows {
		dst, err := netip.ParseAddr(seed.DstIP)
		if err != nil {
			return fmt.Errorf("invalid injected flow dst_ip '%s': %w", seed.DstIP, err)
		}
		src, err := netip.ParseAddr(seed.SrcIP)
		if err != nil {
			return fmt.Errorf("invalid injected flow src_ip '%s': %w", seed.SrcIP, err)
		}
		if _, err := m.cache.InjectFlow(dst.Unmap(), src.Unmap(), seed.SrcPort, seed.DstPort, seed.Protocol); err != nil {
			return fmt.Errorf("failed to inject flow %s -> %s: %w", src, dst, err)
		}
	}
	if n := len(m.cfg.FlowCache.InjectedFlows); n > 0 {
		log.Printf("Injected %d seed flow(s).", n)
	}
	return nil
}

// Submit feeds one observation into the pipeline.
func (m *Manager) Submit(source string, info *model.PacketInfo) bool {
	return m.pipeline.Submit(source, info)
}

// Call runs fn on the loop owning the cache.
func (m *Manager) Call(ctx context.Context, fn func(cache *flowcache.Cache)) error {
	return m.loop.Call(ctx, func() { fn(m.cache) })
}

// Bans lists the active bans.
func (m *Manager) Bans(ctx context.Context) ([]trigger.Ban, error) {
	if m.evaluator == nil {
		return nil, nil
	}
	var bans []trigger.Ban
	err := m.loop.Call(ctx, func() { bans = m.evaluator.Bans() })
	return bans, err
}

// Stop shuts down producers first and the loop last.
func (m *Manager) Stop() {
	log.Println("Manager stopping...")
	// 1. Stop accepting new observations.
	for _, src := range m.started {
		src.Stop()
	}
	m.started = nil
	m.pipeline.Stop()

	// 2. Stop readers.
	if m.api != nil {
		m.api.Stop()
	}
	if m.evaluator != nil {
		m.evaluator.Stop()
	}

	// 3. Final snapshots while the loop still serves copies.
	m.exporter.Stop()
	m.dispatcher.Stop()

	// 4. Release the cache on its own goroutine, then stop the loop.
	if err := m.loop.Call(context.Background(), m.cache.Close); err != nil {
		log.Debugf("cache not closed on loop: %v", err)
	}
	m.loop.Stop()
	if m.querier != nil {
		m.querier.Close()
	}
	log.Println("Manager stopped.")
}
