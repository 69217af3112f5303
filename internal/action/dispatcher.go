package action

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Dispatcher runs actions for queued events on its own goroutine, so the
// event loop never waits on a router or mail server.
type Dispatcher struct {
	actions []Action
	queue   chan Event
	retries uint64
	timeout time.Duration
	newBack func() backoff.BackOff

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBackOff replaces the exponential backoff between attempts.
func WithBackOff(newBack func() backoff.BackOff) DispatcherOption {
	return func(d *Dispatcher) {
		d.newBack = newBack
	}
}

// NewDispatcher creates a dispatcher for actions.
func NewDispatcher(cfg config.DispatcherConfig, actions []Action, opts ...DispatcherOption) (*Dispatcher, error) {
	timeout, err := config.ParsePositiveDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dispatcher timeout: %w", err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		actions: actions,
		queue:   make(chan Event, size),
		retries: cfg.Retries,
		timeout: timeout,
		newBack: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
	log.Printf("Action dispatcher started with %d action(s).", len(d.actions))
}

// Dispatch queues ev without blocking and reports whether it was accepted.
func (d *Dispatcher) Dispatch(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped.Load() {
		metrics.ActionDropped.Inc()
		return false
	}
	select {
	case d.queue <- ev:
		return true
	default:
		metrics.ActionDropped.Inc()
		log.WithFields(log.Fields{"kind": ev.Kind, "addr": ev.Addr}).Warn("action queue full, event dropped")
		return false
	}
}

// Stop refuses new events, runs the queued ones and waits for the worker.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped.Swap(true) {
		d.mu.Unlock()
		return
	}
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
	log.Println("Action dispatcher stopped.")
}

// Abort is Stop that also cancels attempts in progress and skips retries.
func (d *Dispatcher) Abort() {
	d.cancel()
	d.Stop()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		for _, a := range d.actions {
			d.run(a, ev)
		}
	}
}

// run executes one action with bounded retries. Every attempt gets its own
// timeout.
func (d *Dispatcher) run(a Action, ev Event) {
	entry := log.WithFields(log.Fields{"action": a.Name(), "kind": ev.Kind, "addr": ev.Addr})
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBack(), d.retries), d.ctx)
	err := backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		defer cancel()
		err := a.Execute(ctx, ev)
		if err != nil {
			entry.WithField("attempt", attempt).Warnf("action failed: %v", err)
		}
		return err
	}, b)

	if err != nil {
		metrics.ActionRuns.WithLabelValues(a.Name(), ev.Kind.String(), "error").Inc()
		entry.Errorf("action gave up after %d attempt(s): %v", attempt, err)
		return
	}
	metrics.ActionRuns.WithLabelValues(a.Name(), ev.Kind.String(), "ok").Inc()
	entry.Info("action completed")
}
