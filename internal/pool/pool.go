// Package pool implements a bounded set of reusable clients: a fixed-size
// list of clients handed out to at most one caller at a time, with a FIFO
// wait queue of bounded depth for callers that arrive when every client is
// busy.
//
// Three independent pools coexist per mount (readers, writers, operations);
// this package is generic over the client type so all three are instances
// of the same Pool[T].
package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned by Acquire when the wait queue is already at
// maxWaiters and a new caller would have to be turned away
// rather than enqueued.
var ErrQueueFull = errors.New("pool: wait queue is full")

// ReadinessFunc reports whether an idle client is fit to hand out. Pools
// that have no extra readiness notion (most of them — "acquired" already
// captures ownership) can omit it.
type ReadinessFunc[T any] func(T) bool

type slot[T any] struct {
	client   T
	acquired bool
}

// Pool hands out exclusive leases on a fixed set of clients of type T,
// queuing excess callers FIFO up to maxWaiters.
type Pool[T any] struct {
	mu sync.Mutex

	slots      []*slot[T]
	destroyer  func(T)
	readiness  ReadinessFunc[T]
	waiters    *list.List // of *waiter[T]
	maxWaiters int
}

type waiter[T any] struct {
	ch chan *slot[T]
}

// New builds a pool of n clients from factory. destroyer releases a
// client's resources at pool teardown; it may be nil. readiness may be nil,
// in which case every non-acquired client is considered ready.
func New[T any](n int, factory func() (T, error), destroyer func(T), readiness ReadinessFunc[T], maxWaiters int) (*Pool[T], error) {
	p := &Pool[T]{
		destroyer:  destroyer,
		readiness:  readiness,
		waiters:    list.New(),
		maxWaiters: maxWaiters,
	}
	for i := 0; i < n; i++ {
		c, err := factory()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.slots = append(p.slots, &slot[T]{client: c})
	}
	return p, nil
}

// Close destroys every client. The pool must not be used afterward.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyer == nil {
		return
	}
	for _, s := range p.slots {
		p.destroyer(s.client)
	}
}

func (p *Pool[T]) ready(s *slot[T]) bool {
	if s.acquired {
		return false
	}
	if p.readiness == nil {
		return true
	}
	return p.readiness(s.client)
}

// Acquire returns the first ready client, or blocks in FIFO order until one
// is released to this caller. It returns
// ErrQueueFull immediately if the wait queue is already at capacity — the
// caller is not enqueued in that case, matching get_client's false return.
// The returned release func must be called exactly once.
func (p *Pool[T]) Acquire(ctx context.Context) (client T, release func(), err error) {
	p.mu.Lock()
	for _, s := range p.slots {
		if p.ready(s) {
			s.acquired = true
			p.mu.Unlock()
			return s.client, p.releaseFunc(s), nil
		}
	}

	if p.waiters.Len() >= p.maxWaiters {
		p.mu.Unlock()
		var zero T
		return zero, nil, ErrQueueFull
	}

	w := &waiter[T]{ch: make(chan *slot[T], 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case s := <-w.ch:
		return s.client, p.releaseFunc(s), nil
	case <-ctx.Done():
		p.mu.Lock()
		for e := p.waiters.Front(); e != nil; e = e.Next() {
			if e == elem {
				p.waiters.Remove(e)
				break
			}
		}
		p.mu.Unlock()
		// If a release already raced us and delivered a slot, don't leak
		// it — hand it to the next waiter (or mark it idle) instead.
		select {
		case s := <-w.ch:
			p.release(s)
		default:
		}
		var zero T
		return zero, nil, ctx.Err()
	}
}

// releaseFunc returns a once-only release closure bound to a specific slot.
func (p *Pool[T]) releaseFunc(s *slot[T]) func() {
	var once sync.Once
	return func() {
		once.Do(func() { p.release(s) })
	}
}

// release hands the slot to the head waiter, if any, without re-testing
// readiness — the slot stays marked acquired and the waiter returns the
// client it receives on its channel as is; readiness is not checked again.
func (p *Pool[T]) release(s *slot[T]) {
	p.mu.Lock()
	front := p.waiters.Front()
	if front == nil {
		s.acquired = false
		p.mu.Unlock()
		return
	}
	p.waiters.Remove(front)
	w := front.Value.(*waiter[T])
	// Ownership transfers directly to the waiter; the slot stays acquired.
	p.mu.Unlock()
	w.ch <- s
}

// Len reports the number of clients currently owned by a caller.
func (p *Pool[T]) Len() (acquired, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.acquired {
			acquired++
		}
	}
	return acquired, len(p.slots)
}

// Waiting reports the current wait-queue depth.
func (p *Pool[T]) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}
