package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineRunsOnCaller(t *testing.T) {
	ran := false
	Inline{}.StartTask(func() { ran = true })
	assert.True(t, ran)
}

func TestWorkerPoolRunsAllTasks(t *testing.T) {
	p := NewWorkerPool("test", 4, 2)
	defer p.Shutdown()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.StartTask(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.EqualValues(t, 100, count.Load())
}

func TestWorkerPoolQueuesBeyondBacklog(t *testing.T) {
	p := NewWorkerPool("full", 1, 1)
	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		p.StartTask(func() {
			defer wg.Done()
			<-block
		})
	}
	// one task holds the only worker; the rest wait instead of spawning goroutines.
	assert.GreaterOrEqual(t, p.MaxQueueLength(), 2)
	close(block)
	wg.Wait()
	assert.Equal(t, 0, p.QueueLength())
	p.Shutdown()
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const workers = 4
	p := NewWorkerPool("bounded", workers, 1)
	defer p.Shutdown()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		p.StartTask(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestShutdownRejectsQueuedRuns(t *testing.T) {
	p := NewWorkerPool("stopping", 1, 0)
	block := make(chan struct{})
	started := make(chan struct{})
	first := Run(p, func() (int, error) {
		close(started)
		<-block
		return 1, nil
	})
	<-started
	queued := Run(p, func() (int, error) { return 2, nil })
	chained := Then(queued, Inline{}, func(v int) (int, error) { return v * 10, nil })

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	p.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	_, err = queued.Wait(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = chained.Wait(ctx)
	assert.ErrorIs(t, err, ErrShutdown)

	late := Run(p, func() (int, error) { return 3, nil })
	_, err = late.Wait(ctx)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestWorkerPoolDropsAfterShutdown(t *testing.T) {
	p := NewWorkerPool("closed", 1, 1)
	p.Shutdown()
	ran := make(chan struct{}, 1)
	p.StartTask(func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Fatal("task ran after shutdown")
	case <-time.After(20 * time.Millisecond):
	}
	p.Shutdown()
}

func TestFutureResolveOnce(t *testing.T) {
	p, f := NewPromise[int]()
	_, _, ok := f.Poll()
	require.False(t, ok)
	p.Resolve(1)
	p.Resolve(2)
	p.Reject(errors.New("late"))
	v, err, ok := f.Poll()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRunPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	f := Run(Inline{}, func() (int, error) { return 0, boom })
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRunRecoversPanic(t *testing.T) {
	f := Run(Inline{}, func() (int, error) { panic("bad") })
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrBrokenPromise)
}

func TestThenChains(t *testing.T) {
	p := NewWorkerPool("then", 2, 4)
	defer p.Shutdown()
	f := Then(Run(p, func() (int, error) { return 20, nil }), p, func(v int) (string, error) {
		if v != 20 {
			return "", errors.New("unexpected")
		}
		return "ok", nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	failed := Then(Rejected[int](errors.New("nope")), p, func(int) (int, error) { return 1, nil })
	_, err = failed.Wait(ctx)
	assert.EqualError(t, err, "nope")
}

func TestChainFlattens(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f := Chain(Resolved(2), func(v int) *Future[int] {
		return Run(Inline{}, func() (int, error) { return v * 3, nil })
	})
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	_, err = Chain(Resolved(1), func(int) *Future[int] { return nil }).Wait(ctx)
	assert.ErrorIs(t, err, ErrBrokenPromise)

	_, err = Chain(Resolved(1), func(int) *Future[int] { return Rejected[int](errors.New("inner")) }).Wait(ctx)
	assert.EqualError(t, err, "inner")
}

func TestWaitHonoursContext(t *testing.T) {
	_, f := NewPromise[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueDrainsInOrder(t *testing.T) {
	q := NewQueue()
	var got []int
	q.Post(func() { got = append(got, 1) })
	q.Post(func() {
		got = append(got, 2)
		q.Post(func() { got = append(got, 3) })
	})
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 3, q.Drain())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, q.Drain())
}

func TestQueueConcurrentPost(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Post(func() {})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, q.Drain())
}
