package hashing

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many hash computations run at once so a burst of logins
// cannot monopolise CPU and memory. Work is not cancellable once started:
// a caller whose context ends gets ctx.Err() while the computation finishes
// in the background and its slot is released afterwards.
type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	inflight atomic.Int64
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(workers)),
		size: int64(workers),
	}
}

func (p *Pool) Size() int {
	return int(p.size)
}

// InFlight reports computations currently holding a slot, including
// abandoned ones still finishing.
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}

type outcome[T any] struct {
	val T
	err error
}

// run executes fn on the pool. It waits for a slot or ctx, then for the
// result or ctx.
func run[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	var zero T
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	p.inflight.Add(1)

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			p.inflight.Add(-1)
			p.sem.Release(1)
		}()
		v, err := fn()
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
