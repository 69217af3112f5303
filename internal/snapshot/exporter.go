package snapshot

import (
	"context"
	"sync"
	"time"

	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/flowcache"
	"FlowGuard/internal/metrics"
	"FlowGuard/internal/model"

	log "github.com/sirupsen/logrus"
)

const copyTimeout = 30 * time.Second

// Source copies the current flow table.
type Source func(ctx context.Context) (model.Snapshot, error)

// FromCache copies cache on the loop that owns it.
func FromCache(loop *eventloop.Loop, cache *flowcache.Cache) Source {
	return func(ctx context.Context) (model.Snapshot, error) {
		var snap model.Snapshot
		err := loop.Call(ctx, func() { snap = cache.Snapshot() })
		return snap, err
	}
}

// Exporter runs one snapshotter goroutine per writer.
type Exporter struct {
	writers []model.Writer
	source  Source
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewExporter creates an exporter feeding writers from source.
func NewExporter(writers []model.Writer, source Source) *Exporter {
	return &Exporter{
		writers: writers,
		source:  source,
		done:    make(chan struct{}),
	}
}

// Start launches the snapshotters.
func (e *Exporter) Start() {
	for _, w := range e.writers {
		e.wg.Add(1)
		go e.runSnapshotter(w)
		log.Printf("Started snapshotter for writer '%s' with interval %s.", w.Name(), w.GetInterval())
	}
}

// Stop makes every snapshotter write a final snapshot, then closes the
// writers. The source must still be served while Stop runs.
func (e *Exporter) Stop() {
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()
		for _, w := range e.writers {
			if err := w.Close(); err != nil {
				log.Warnf("Error closing writer '%s': %v", w.Name(), err)
			}
		}
	})
}

func (e *Exporter) runSnapshotter(w model.Writer) {
	defer e.wg.Done()
	ticker := time.NewTicker(w.GetInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.export(w)
		case <-e.done:
			e.export(w)
			return
		}
	}
}

// export takes and writes one snapshot for w.
func (e *Exporter) export(w model.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), copyTimeout)
	defer cancel()

	snap, err := e.source(ctx)
	if err != nil {
		metrics.SnapshotWrites.WithLabelValues(w.Name(), "error").Inc()
		log.Errorf("Error copying flow table for writer '%s': %v", w.Name(), err)
		return
	}
	timestamp := snap.TakenAt.Format(TimestampLayout)
	if err := w.Write(snap, timestamp); err != nil {
		metrics.SnapshotWrites.WithLabelValues(w.Name(), "error").Inc()
		log.Errorf("Error writing snapshot for writer '%s': %v", w.Name(), err)
		return
	}
	metrics.SnapshotWrites.WithLabelValues(w.Name(), "ok").Inc()
	log.WithFields(log.Fields{"writer": w.Name(), "flows": len(snap.Flows)}).Debug("snapshot written")
}
