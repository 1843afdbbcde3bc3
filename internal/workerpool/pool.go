// Package workerpool runs tasks on a bounded number of goroutines.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Pool admits at most Size tasks at once. Submit blocks while every slot is
// busy.
type Pool struct {
	size    int64
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	running atomic.Int64
	closed  atomic.Bool
}

// NewPool returns a pool with size slots; size <= 0 uses GOMAXPROCS*4.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) * 4
	}
	return &Pool{size: int64(size), sem: semaphore.NewWeighted(int64(size))}
}

func (p *Pool) Size() int { return int(p.size) }

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Submit waits for a free slot and starts task on it.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if p.closed.Load() {
		p.sem.Release(1)
		return ErrPoolClosed
	}
	p.start(task)
	return nil
}

// TrySubmit starts task only if a slot is free right now.
func (p *Pool) TrySubmit(task func()) bool {
	if p.closed.Load() || !p.sem.TryAcquire(1) {
		return false
	}
	p.start(task)
	return true
}

func (p *Pool) start(task func()) {
	p.wg.Add(1)
	p.running.Add(1)
	go func() {
		defer func() {
			p.running.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		task()
	}()
}

// Close rejects new tasks and waits for running ones.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.wg.Wait()
}
