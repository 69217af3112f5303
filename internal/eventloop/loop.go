// Package eventloop runs every task on a single goroutine. Code that only
// ever executes inside loop tasks can share state without locks.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"FlowGuard/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// ErrStopped is returned when posting to a loop that has been stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop is a cooperative scheduler. Tasks posted from other goroutines go
// through a bounded queue; tasks deferred from inside the loop go to an
// unbounded local queue so a running task never blocks on its own loop.
type Loop struct {
	tasks chan func()
	local []func()

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	mu     sync.Mutex
	timers map[*Timer]struct{}
}

// New creates a loop whose external queue holds queueSize tasks.
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[*Timer]struct{}),
	}
}

// Start launches the loop goroutine. Calling it more than once has no effect.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		l.started.Store(true)
		go l.run()
	})
}

// Stop stops every timer, then the loop goroutine, and waits for the task in
// progress to return. Queued tasks that have not started are abandoned.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		timers := make([]*Timer, 0, len(l.timers))
		for t := range l.timers {
			timers = append(timers, t)
		}
		l.mu.Unlock()
		for _, t := range timers {
			t.Stop()
		}

		close(l.stop)
		if l.started.Load() {
			<-l.done
		} else {
			close(l.done)
		}
	})
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		// one external and one local task per round so neither side starves
		if len(l.local) > 0 {
			select {
			case <-l.stop:
				return
			case fn := <-l.tasks:
				l.exec(fn)
			default:
			}
			fn := l.local[0]
			l.local[0] = nil
			l.local = l.local[1:]
			l.exec(fn)
			continue
		}

		select {
		case <-l.stop:
			return
		case fn := <-l.tasks:
			l.exec(fn)
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.LoopPanics.Inc()
			log.WithField("component", "eventloop").Errorf("task panicked: %v", r)
		}
	}()
	metrics.LoopTasks.Inc()
	fn()
}

// Post queues fn, blocking while the queue is full. It must not be called
// from inside a loop task; use Defer there.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.stop:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.stop:
		return ErrStopped
	}
}

// TryPost queues fn without blocking and reports whether it was accepted.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

// Defer schedules fn to run after the current task. It may only be called
// from inside a loop task.
func (l *Loop) Defer(fn func()) {
	l.local = append(l.local, fn)
}

// Call runs fn on the loop and waits for it to return. If ctx ends or the
// loop stops first, Call returns the error and fn may still run later.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case <-l.stop:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- task:
	case <-l.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer posts a task to its loop on a fixed period.
type Timer struct {
	name     string
	loop     *Loop
	ticker   *time.Ticker
	pending  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Every runs fn on the loop every period. A tick is skipped while the task
// of the previous tick has not run yet, so a slow loop never accumulates a
// backlog of timer work.
func (l *Loop) Every(name string, period time.Duration, fn func()) *Timer {
	t := &Timer{
		name:   name,
		loop:   l,
		ticker: time.NewTicker(period),
		stop:   make(chan struct{}),
	}

	l.mu.Lock()
	l.timers[t] = struct{}{}
	l.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.ticker.Stop()
		for {
			select {
			case <-t.ticker.C:
				t.fire(fn)
			case <-t.stop:
				return
			case <-l.stop:
				return
			}
		}
	}()
	return t
}

func (t *Timer) fire(fn func()) {
	if !t.pending.CompareAndSwap(false, true) {
		metrics.LoopTicksSkipped.WithLabelValues(t.name).Inc()
		return
	}
	ok := t.loop.TryPost(func() {
		t.pending.Store(false)
		select {
		case <-t.stop:
			return
		default:
		}
		fn()
	})
	if !ok {
		t.pending.Store(false)
		metrics.LoopTicksSkipped.WithLabelValues(t.name).Inc()
	}
}

// Stop cancels the timer. A tick already queued on the loop is discarded.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()
		t.loop.mu.Lock()
		delete(t.loop.timers, t)
		t.loop.mu.Unlock()
	})
}

// Name returns the label the timer was created with.
func (t *Timer) Name() string {
	return t.name
}
