package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBrokenPromise is returned by a future whose producer panicked.
var ErrBrokenPromise = errors.New("async: promise broken")

// ErrShutdown is returned by a future whose task was abandoned by a stopped processor.
var ErrShutdown = errors.New("async: processor shut down")

// Future is the read side of a value produced asynchronously.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

// Promise is the write side of a Future. Only the first Resolve or Reject wins.
type Promise[T any] struct {
	f *Future[T]
}

func NewPromise[T any]() (Promise[T], *Future[T]) {
	f := &Future[T]{done: make(chan struct{})}
	return Promise[T]{f: f}, f
}

func (p Promise[T]) Resolve(v T) { p.f.settle(v, nil) }

func (p Promise[T]) Reject(err error) {
	var zero T
	p.f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Resolved returns a future that already holds v.
func Resolved[T any](v T) *Future[T] {
	p, f := NewPromise[T]()
	p.Resolve(v)
	return f
}

// Rejected returns a future that already failed with err.
func Rejected[T any](err error) *Future[T] {
	p, f := NewPromise[T]()
	p.Reject(err)
	return f
}

// Run executes fn on tp and settles the returned future with its result.
// If tp stops before fn starts, the future is rejected with ErrShutdown.
func Run[T any](tp TaskProcessor, fn func() (T, error)) *Future[T] {
	p, f := NewPromise[T]()
	submit(tp, func() {
		defer func() {
			if r := recover(); r != nil {
				p.Reject(fmt.Errorf("%w: %v", ErrBrokenPromise, r))
			}
		}()
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}, func() { p.Reject(ErrShutdown) })
	return f
}

// Then runs fn on tp once f resolves successfully. Rejections pass through.
func Then[T, U any](f *Future[T], tp TaskProcessor, fn func(T) (U, error)) *Future[U] {
	p, out := NewPromise[U]()
	go func() {
		<-f.done
		if f.err != nil {
			p.Reject(f.err)
			return
		}
		submit(tp, func() {
			defer func() {
				if r := recover(); r != nil {
					p.Reject(fmt.Errorf("%w: %v", ErrBrokenPromise, r))
				}
			}()
			v, err := fn(f.val)
			if err != nil {
				p.Reject(err)
				return
			}
			p.Resolve(v)
		}, func() { p.Reject(ErrShutdown) })
	}()
	return out
}

// Chain settles the returned future with the future fn starts once f resolves.
// fn runs on a helper goroutine and should only schedule work.
func Chain[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	p, out := NewPromise[U]()
	go func() {
		<-f.done
		if f.err != nil {
			p.Reject(f.err)
			return
		}
		next, err := start(fn, f.val)
		if err != nil {
			p.Reject(err)
			return
		}
		<-next.done
		if next.err != nil {
			p.Reject(next.err)
			return
		}
		p.Resolve(next.val)
	}()
	return out
}

func start[T, U any](fn func(T) *Future[U], v T) (next *Future[U], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBrokenPromise, r)
		}
	}()
	next = fn(v)
	if next == nil {
		return nil, fmt.Errorf("%w: nil future", ErrBrokenPromise)
	}
	return next, nil
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Poll returns the result without blocking. ok is false while the future is pending.
func (f *Future[T]) Poll() (v T, err error, ok bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return v, nil, false
	}
}

// Wait blocks until the future settles or ctx is done.
// Frame code polls instead; Wait is for tools and tests.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
