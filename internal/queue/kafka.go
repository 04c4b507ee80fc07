package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageReader is the part of *kafka.Reader the queue uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the queue uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// fetched is a delivery or a fetch error handed to Dequeue.
type fetched struct {
	del *Delivery
	err error
}

// KafkaQueue publishes jobs to a topic keyed by run id and consumes them
// through a consumer group.
//
// A single fetch loop reads the partitions and hands jobs out to any
// number of Dequeue callers. Kafka has no delayed delivery, so a retried
// job is held on a timer until its NotBefore time while the loop keeps
// reading. Offsets are committed only up to the oldest unacknowledged
// message of each partition, so a job still running or waiting is
// redelivered after a crash even when later jobs have finished.
type KafkaQueue struct {
	writer  messageWriter
	reader  messageReader
	offsets *offsetTracker

	ready  chan fetched
	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
}

// NewKafkaQueue connects a writer and a group reader for topic.
func NewKafkaQueue(brokers []string, topic, groupID string) *KafkaQueue {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	return newKafkaQueue(reader, writer)
}

func newKafkaQueue(r messageReader, w messageWriter) *KafkaQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaQueue{
		writer:  w,
		reader:  r,
		offsets: newOffsetTracker(),
		ready:   make(chan fetched, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	if delay > 0 {
		job.NotBefore = time.Now().Add(delay)
	}
	data, err := encode(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(job.RunID), Value: data})
}

func (q *KafkaQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if q.ctx.Err() != nil {
		return nil, ErrClosed
	}
	q.start.Do(func() { go q.fetchLoop() })

	select {
	case f := <-q.ready:
		return f.del, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return nil, ErrClosed
	}
}

func (q *KafkaQueue) fetchLoop() {
	for {
		msg, err := q.reader.FetchMessage(q.ctx)
		if q.ctx.Err() != nil {
			return
		}
		if err != nil {
			q.hand(fetched{err: fmt.Errorf("fetch job: %w", err)})
			continue
		}
		q.offsets.fetched(msg)

		job, err := decode(msg.Value)
		if err != nil {
			// Poison message; acknowledge it so it can't hold back commits.
			_ = q.ack(q.ctx, msg)
			q.hand(fetched{err: fmt.Errorf("decode job at offset %d: %w", msg.Offset, err)})
			continue
		}

		del := &Delivery{Job: job, ack: func(ctx context.Context) error { return q.ack(ctx, msg) }}
		if wait := time.Until(job.NotBefore); wait > 0 {
			time.AfterFunc(wait, func() { q.hand(fetched{del: del}) })
			continue
		}
		q.hand(fetched{del: del})
	}
}

// hand passes f to a Dequeue caller, or drops it once the queue is closed.
// A dropped delivery is never acknowledged and is redelivered by Kafka.
func (q *KafkaQueue) hand(f fetched) {
	select {
	case q.ready <- f:
	case <-q.ctx.Done():
	}
}

func (q *KafkaQueue) ack(ctx context.Context, msg kafka.Message) error {
	commit, ok := q.offsets.acked(msg)
	if !ok {
		return nil
	}
	return q.offsets.commit(ctx, q.reader, commit)
}

func (q *KafkaQueue) Close() error {
	q.cancel()
	return errors.Join(q.writer.Close(), q.reader.Close())
}

// offsetTracker remembers fetched offsets per partition and reports the
// newest message below which everything has been acknowledged.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets

	commitMu  sync.Mutex
	committed map[int]int64
}

type partitionOffsets struct {
	pending []kafka.Message // fetched, in offset order
	acked   map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionOffsets), committed: make(map[int]int64)}
}

func (t *offsetTracker) fetched(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[msg.Partition]
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]bool)}
		t.parts[msg.Partition] = p
	}
	p.pending = append(p.pending, msg)
}

// acked marks msg done. It returns the message to commit when the
// acknowledged prefix of its partition grew.
func (t *offsetTracker) acked(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.acked[msg.Offset] = true

	var last kafka.Message
	advanced := false
	for len(p.pending) > 0 && p.acked[p.pending[0].Offset] {
		last = p.pending[0]
		delete(p.acked, last.Offset)
		p.pending = p.pending[1:]
		advanced = true
	}
	return last, advanced
}

// commit commits msg unless a newer offset of its partition already was.
func (t *offsetTracker) commit(ctx context.Context, r messageReader, msg kafka.Message) error {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if done, ok := t.committed[msg.Partition]; ok && msg.Offset <= done {
		return nil
	}
	if err := r.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	t.committed[msg.Partition] = msg.Offset
	return nil
}
