package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs job batches on at most a fixed number of goroutines.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewPool(workers int) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(max(workers, 1)))}
}

// Go blocks until a worker is free, then runs fn on it. It gives up with ctx's error
// when ctx ends first.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait blocks until every submitted function returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
