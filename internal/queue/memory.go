package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue backed by a buffered channel. Delayed
// jobs are held by timers and are lost on restart.
type MemoryQueue struct {
	ch   chan Job
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewMemoryQueue creates a queue holding up to size ready jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		ch:     make(chan Job, size),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	if delay <= 0 {
		return q.push(ctx, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		_ = q.push(context.Background(), job)
	})
	q.timers[t] = struct{}{}
	return nil
}

func (q *MemoryQueue) push(ctx context.Context, job Job) error {
	select {
	case q.ch <- job:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case job := <-q.ch:
		return &Delivery{Job: job}, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of jobs ready or waiting on a timer.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.timers)
}

// Close stops all timers and wakes blocked callers.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		for t := range q.timers {
			t.Stop()
		}
		q.timers = map[*time.Timer]struct{}{}
		q.mu.Unlock()
	})
	return nil
}
