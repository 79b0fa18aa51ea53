package runner

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool runs jobs with at most size of them in flight. A new job starts as
// soon as a slot frees.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	wg   sync.WaitGroup

	active atomic.Int64
	peak   atomic.Int64
}

// NewPool creates a pool with size slots (minimum 1)
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots
func (p *Pool) Size() int {
	return p.size
}

// Go blocks until a slot is free, then runs job in its own goroutine. It
// returns ctx.Err() if ctx is cancelled while waiting; the job is then not
// started.
func (p *Pool) Go(ctx context.Context, job func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	n := p.active.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.active.Add(-1)
		job()
	}()
	return nil
}

// Wait blocks until every started job has returned
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Peak returns the highest number of jobs that ran at once
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}
