package gojob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

var (
	ErrQueueFull   = errors.New("gojob: queue is full")
	ErrQueueClosed = errors.New("gojob: queue is closed")
)

// DeadLetterFunc receives messages nacked with DeadLetter.
type DeadLetterFunc func(ctx context.Context, msg *job.ExecutionMessage, reason string)

// MemoryQueue is a bounded in-process queue. Enqueue never blocks: a full
// queue returns ErrQueueFull. After Close, Enqueue is rejected while
// outstanding deliveries, delayed retries included, are still handed out;
// Dequeue returns ErrQueueClosed once nothing is outstanding.
type MemoryQueue struct {
	ch         chan *memoryDelivery
	deadLetter DeadLetterFunc

	mu          sync.Mutex
	closed      bool
	outstanding int
	drained     chan struct{}
	timers      map[*time.Timer]struct{}
}

func NewMemoryQueue(size int, deadLetter DeadLetterFunc) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{
		ch:         make(chan *memoryDelivery, size),
		deadLetter: deadLetter,
		drained:    make(chan struct{}),
		timers:     map[*time.Timer]struct{}{},
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	if msg == nil {
		return errors.New("gojob: execution message is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	delivery := &memoryDelivery{queue: q, msg: msg, attempt: 1}
	select {
	case q.ch <- delivery:
		q.outstanding++
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (queue.Delivery, error) {
	select {
	case delivery := <-q.ch:
		return delivery, nil
	default:
	}
	select {
	case delivery := <-q.ch:
		return delivery, nil
	case <-q.drained:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops intake. Pending timers keep running until drained or Stop.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalDrainedLocked()
}

// Stop cancels delayed retries and releases waiting dequeuers.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
		delete(q.timers, timer)
	}
	q.outstanding = 0
	q.signalDrainedLocked()
}

// Len reports the number of outstanding deliveries.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

func (q *MemoryQueue) settle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	q.signalDrainedLocked()
}

func (q *MemoryQueue) requeue(delivery *memoryDelivery, delay time.Duration) {
	push := func() {
		select {
		case q.ch <- delivery:
		case <-q.drained:
		}
	}
	if delay <= 0 {
		go push()
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		push()
	})
	q.timers[timer] = struct{}{}
}

func (q *MemoryQueue) signalDrainedLocked() {
	if !q.closed || q.outstanding > 0 {
		return
	}
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
}

type memoryDelivery struct {
	queue   *MemoryQueue
	msg     *job.ExecutionMessage
	attempt int

	mu      sync.Mutex
	settled bool
}

func (d *memoryDelivery) Message() *job.ExecutionMessage {
	return d.msg
}

// Attempt is 1 on first delivery and grows with every requeue.
func (d *memoryDelivery) Attempt() int {
	return d.attempt
}

func (d *memoryDelivery) Ack(context.Context) error {
	if !d.settle() {
		return nil
	}
	d.queue.settle()
	return nil
}

func (d *memoryDelivery) Nack(ctx context.Context, opts queue.NackOptions) error {
	if !d.settle() {
		return nil
	}
	if opts.Requeue && !opts.DeadLetter {
		d.queue.requeue(&memoryDelivery{queue: d.queue, msg: d.msg, attempt: d.attempt + 1}, opts.Delay)
		return nil
	}
	if opts.DeadLetter && d.queue.deadLetter != nil {
		d.queue.deadLetter(ctx, d.msg, strings.TrimSpace(opts.Reason))
	}
	d.queue.settle()
	return nil
}

func (d *memoryDelivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

var (
	_ queue.Enqueuer = (*MemoryQueue)(nil)
	_ queue.Dequeuer = (*MemoryQueue)(nil)
	_ queue.Delivery = (*memoryDelivery)(nil)
)
