package ingest

import (
	"sync"
	"sync/atomic"

	"FlowGuard/internal/config"
	"FlowGuard/internal/eventloop"
	"FlowGuard/internal/metrics"
	"FlowGuard/internal/model"

	log "github.com/sirupsen/logrus"
)

// Pipeline queues observations from any goroutine and hands them to the
// event loop in batches, one loop task per batch.
type Pipeline struct {
	loop      *eventloop.Loop
	ingester  *Ingester
	queue     chan *model.PacketInfo
	batchSize int

	stopped atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPipeline creates a pipeline feeding ingester through loop.
func NewPipeline(loop *eventloop.Loop, ingester *Ingester, cfg config.IngestConfig) *Pipeline {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	size := cfg.QueueSize
	if size < batch {
		size = batch
	}
	return &Pipeline{
		loop:      loop,
		ingester:  ingester,
		queue:     make(chan *model.PacketInfo, size),
		batchSize: batch,
		done:      make(chan struct{}),
	}
}

// Start launches the pump goroutine.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.pump()
	log.Printf("Ingest pipeline started with queue %d and batch %d.", cap(p.queue), p.batchSize)
}

// Submit queues info without blocking. It reports false when the observation
// was dropped because the queue is full or the pipeline stopped.
func (p *Pipeline) Submit(source string, info *model.PacketInfo) bool {
	metrics.IngestPackets.WithLabelValues(source).Inc()
	if p.stopped.Load() {
		metrics.IngestDropped.WithLabelValues("stopped").Inc()
		return false
	}
	select {
	case p.queue <- info:
		return true
	default:
		metrics.IngestDropped.WithLabelValues("queue_full").Inc()
		return false
	}
}

// Stop refuses new observations, posts what is still queued and waits for
// the pump to exit.
func (p *Pipeline) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.done)
	p.wg.Wait()
	log.Println("Ingest pipeline stopped.")
}

func (p *Pipeline) pump() {
	defer p.wg.Done()
	for {
		select {
		case info := <-p.queue:
			batch := make([]*model.PacketInfo, 1, p.batchSize)
			batch[0] = info
			p.post(p.fill(batch))
		case <-p.done:
			for {
				batch := p.fill(make([]*model.PacketInfo, 0, p.batchSize))
				if len(batch) == 0 {
					return
				}
				p.post(batch)
			}
		}
	}
}

// fill appends queued observations to batch without blocking.
func (p *Pipeline) fill(batch []*model.PacketInfo) []*model.PacketInfo {
	for len(batch) < p.batchSize {
		select {
		case info := <-p.queue:
			batch = append(batch, info)
		default:
			return batch
		}
	}
	return batch
}

func (p *Pipeline) post(batch []*model.PacketInfo) {
	err := p.loop.Post(func() {
		for _, info := range batch {
			// failures are already counted by the ingester
			_ = p.ingester.Observe(info)
		}
	})
	if err != nil {
		metrics.IngestDropped.WithLabelValues("stopped").Add(float64(len(batch)))
		return
	}
	metrics.IngestBatches.Inc()
}
