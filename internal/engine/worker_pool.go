package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ErrStopped is returned when submitting to a drained pool.
var ErrStopped = errors.New("engine stopped")

// job is the unit of work dispatched to a worker.
type job[T, R any] struct {
	payload T
	result  chan<- R
}

// shardedPool runs one goroutine per shard, each draining its own bounded
// FIFO queue. Jobs with the same key always land on the same shard, so they
// are processed in submission order.
type shardedPool[T, R any] struct {
	queues  []chan job[T, R]
	process func(ctx context.Context, t T) R
	drop    func(t T)
	wg      sync.WaitGroup

	stopping atomic.Bool
	mu       sync.RWMutex
	closed   bool
}

// newShardedPool creates and starts a pool with n shards of queue capacity
// cap. drop, when set, is called for every job discarded by Drain.
func newShardedPool[T, R any](ctx context.Context, n, cap int, fn func(context.Context, T) R, drop func(T)) *shardedPool[T, R] {
	if n < 1 {
		n = 1
	}
	p := &shardedPool[T, R]{
		queues:  make([]chan job[T, R], n),
		process: fn,
		drop:    drop,
	}
	for i := range p.queues {
		p.queues[i] = make(chan job[T, R], cap)
		p.wg.Add(1)
		go func(q chan job[T, R]) {
			defer p.wg.Done()
			p.run(ctx, q)
		}(p.queues[i])
	}
	return p
}

// run takes jobs from q until it is closed. Once Drain has been called the
// remaining jobs are discarded: their result channel is closed unanswered.
func (p *shardedPool[T, R]) run(ctx context.Context, q chan job[T, R]) {
	for j := range q {
		if p.stopping.Load() {
			if p.drop != nil {
				p.drop(j.payload)
			}
			if j.result != nil {
				close(j.result)
			}
			continue
		}
		r := p.process(ctx, j.payload)
		if j.result != nil {
			j.result <- r
		}
	}
}

// Submit enqueues t on the shard for key, blocking while that shard is full.
func (p *shardedPool[T, R]) Submit(ctx context.Context, key string, t T, result chan<- R) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.shard(key) <- job[T, R]{payload: t, result: result}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *shardedPool[T, R]) shard(key string) chan job[T, R] {
	if len(p.queues) == 1 {
		return p.queues[0]
	}
	return p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
}

// Drain stops accepting jobs, discards the queued ones and waits for the
// jobs already being processed to finish.
func (p *shardedPool[T, R]) Drain() {
	// Set before taking the lock: submitters blocked on a full shard hold the
	// read lock, and workers must not run what they manage to enqueue.
	p.stopping.Store(true)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued across shards.
func (p *shardedPool[T, R]) QueueLen() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// QueueCap returns the total queue capacity.
func (p *shardedPool[T, R]) QueueCap() int {
	return cap(p.queues[0]) * len(p.queues)
}
