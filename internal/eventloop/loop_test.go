package eventloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"FlowGuard/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	r := require.New(t)
	l := New(16)
	l.Start()
	defer l.Stop()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		r.NoError(l.Post(func() { got = append(got, i) }))
	}
	r.NoError(l.Call(context.Background(), func() {}))
	r.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoopCallWaitsForResult(t *testing.T) {
	r := require.New(t)
	l := New(1)
	l.Start()
	defer l.Stop()

	var v int
	r.NoError(l.Call(context.Background(), func() { v = 42 }))
	r.Equal(42, v)
}

func TestLoopDeferRunsAfterCurrentTask(t *testing.T) {
	r := require.New(t)
	l := New(4)
	l.Start()
	defer l.Stop()

	var order []string
	done := make(chan struct{})
	r.NoError(l.Post(func() {
		l.Defer(func() {
			order = append(order, "deferred")
			close(done)
		})
		order = append(order, "task")
	}))
	<-done
	r.NoError(l.Call(context.Background(), func() {}))
	r.Equal([]string{"task", "deferred"}, order)
}

func TestLoopDeferChainDoesNotStarveExternalTasks(t *testing.T) {
	r := require.New(t)
	l := New(4)
	l.Start()
	defer l.Stop()

	var steps atomic.Int64
	stopChain := make(chan struct{})
	var step func()
	step = func() {
		steps.Add(1)
		select {
		case <-stopChain:
			return
		default:
		}
		l.Defer(step)
	}
	r.NoError(l.Post(step))

	// the chain re-defers forever; an external call must still get through
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.NoError(l.Call(ctx, func() { close(stopChain) }))
	r.Positive(steps.Load())
}

func TestLoopRecoversPanics(t *testing.T) {
	r := require.New(t)
	l := New(4)
	l.Start()
	defer l.Stop()

	r.NoError(l.Post(func() { panic("boom") }))
	ran := false
	r.NoError(l.Call(context.Background(), func() { ran = true }))
	r.True(ran)

	// a panicking Call still returns
	r.NoError(l.Call(context.Background(), func() { panic("boom") }))
}

func TestLoopStopped(t *testing.T) {
	r := require.New(t)
	l := New(1)
	l.Start()
	l.Stop()
	l.Stop()

	r.ErrorIs(l.Post(func() {}), ErrStopped)
	r.False(l.TryPost(func() {}))
	r.ErrorIs(l.Call(context.Background(), func() {}), ErrStopped)

	select {
	case <-l.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestLoopStopWithoutStart(t *testing.T) {
	l := New(1)
	l.Stop()
	<-l.Done()
}

func TestLoopCallHonoursContext(t *testing.T) {
	r := require.New(t)
	l := New(1)
	l.Start()
	defer l.Stop()

	block := make(chan struct{})
	r.NoError(l.Post(func() { <-block }))
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.ErrorIs(l.Call(ctx, func() {}), context.DeadlineExceeded)
}

func TestTryPostFullQueue(t *testing.T) {
	r := require.New(t)
	l := New(1)

	// not started: the single slot fills and stays full
	r.True(l.TryPost(func() {}))
	r.False(l.TryPost(func() {}))
	l.Stop()
}

func TestTimerFiresOnLoop(t *testing.T) {
	r := require.New(t)
	l := New(8)
	l.Start()
	defer l.Stop()

	var fired atomic.Int64
	timer := l.Every("test", 5*time.Millisecond, func() { fired.Add(1) })
	r.Equal("test", timer.Name())

	r.Eventually(func() bool { return fired.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	timer.Stop()
	timer.Stop()

	// let any tick that was already queued drain
	r.NoError(l.Call(context.Background(), func() {}))
	n := fired.Load()
	time.Sleep(30 * time.Millisecond)
	r.NoError(l.Call(context.Background(), func() {}))
	r.Equal(n, fired.Load())
}

func TestTimerSkipsWhilePending(t *testing.T) {
	r := require.New(t)
	l := New(8)
	l.Start()
	defer l.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	r.NoError(l.Post(func() {
		close(started)
		<-block
	}))
	<-started
	defer close(block)

	before := testutil.ToFloat64(metrics.LoopTicksSkipped.WithLabelValues("skip"))
	timer := l.Every("skip", time.Millisecond, func() {})
	time.Sleep(30 * time.Millisecond)

	// only the first tick made it into the queue
	r.Len(l.tasks, 1)
	r.Greater(testutil.ToFloat64(metrics.LoopTicksSkipped.WithLabelValues("skip")), before)

	timer.Stop()
}

func TestLoopStopStopsTimers(t *testing.T) {
	l := New(8)
	l.Start()
	l.Every("a", time.Millisecond, func() {})
	l.Every("b", time.Millisecond, func() {})
	time.Sleep(5 * time.Millisecond)
	l.Stop()
}
