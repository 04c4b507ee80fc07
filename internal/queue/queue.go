// Package queue carries Monte Carlo VaR jobs from the API to the workers.
// Backends: in-memory (single process), Redis lists and Kafka.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue: closed")

// Job is one attempt at computing a run. Retries are re-enqueued as new
// jobs sharing the ID with an incremented Attempt.
type Job struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Attempt     int       `json:"attempt"` // 1-based
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	NotBefore   time.Time `json:"not_before"`
}

// NewJob returns the first attempt of a job for runID.
func NewJob(runID string, maxAttempts int, now time.Time) Job {
	return Job{
		ID:          uuid.NewString(),
		RunID:       runID,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		NotBefore:   now,
	}
}

// Next returns the retry of j, runnable at notBefore.
func (j Job) Next(notBefore time.Time) Job {
	n := j
	n.Attempt++
	n.EnqueuedAt = time.Now()
	n.NotBefore = notBefore
	return n
}

// Exhausted reports whether no attempt remains after this one.
func (j Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// Delivery is a dequeued job. Ack must be called once the job is handled,
// successfully or not, so the backend can forget it.
type Delivery struct {
	Job Job
	ack func(ctx context.Context) error
}

// Ack acknowledges the delivery.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue is a delayed job queue.
type Queue interface {
	// Enqueue schedules job to become visible after delay.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Dequeue blocks until a job is ready, ctx is done or the queue closes.
	Dequeue(ctx context.Context) (*Delivery, error)
	Close() error
}

func encode(j Job) ([]byte, error) { return json.Marshal(j) }

func decode(data []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(data, &j)
	return j, err
}
