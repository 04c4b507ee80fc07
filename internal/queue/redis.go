package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript moves due jobs from the delayed set to the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, payload in ipairs(due) do
	redis.call('LPUSH', KEYS[2], payload)
	redis.call('ZREM', KEYS[1], payload)
end
return #due
`)

// RedisQueue keeps ready jobs in a list and delayed jobs in a sorted set
// scored by their due time in milliseconds. Dequeued jobs sit in a
// processing list until acknowledged.
type RedisQueue struct {
	rdb        *redis.Client
	ready      string
	delayed    string
	processing string
	poll       time.Duration
	closed     atomic.Bool
}

// NewRedisQueue creates a queue under the key prefix name.
func NewRedisQueue(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{
		rdb:        rdb,
		ready:      name + ":ready",
		delayed:    name + ":delayed",
		processing: name + ":processing",
		poll:       time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := encode(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if delay <= 0 {
		return q.rdb.LPush(ctx, q.ready, data).Err()
	}
	due := time.Now().Add(delay).UnixMilli()
	return q.rdb.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due), Member: data}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		if err := promoteScript.Run(ctx, q.rdb, []string{q.delayed, q.ready}, now, 100).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("promote delayed jobs: %w", err)
		}

		payload, err := q.rdb.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		job, err := decode([]byte(payload))
		if err != nil {
			// Poison message; drop it so it can't block the queue.
			q.rdb.LRem(ctx, q.processing, 1, payload)
			return nil, fmt.Errorf("decode job: %w", err)
		}
		return &Delivery{
			Job: job,
			ack: func(ctx context.Context) error {
				return q.rdb.LRem(ctx, q.processing, 1, payload).Err()
			},
		}, nil
	}
}

// RequeueInFlight moves jobs left in the processing list by a crashed
// worker back to the ready list. Call it once at startup, before any
// consumer runs.
func (q *RedisQueue) RequeueInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.processing, q.ready, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Close stops further dequeues. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
