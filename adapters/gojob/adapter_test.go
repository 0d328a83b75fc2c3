package gojob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestNackRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:     3,
		MaxDelay:        10 * time.Second,
		DeadLetterOnMax: true,
	}

	first := policy.NormalizeAttempt(queue.NackOptions{
		Delay:   30 * time.Second,
		Requeue: true,
		Reason:  " transient ",
	}, 1)
	if first.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", first.Delay)
	}
	if !first.Requeue || first.DeadLetter {
		t.Fatalf("expected message to be requeued before max attempts, got %+v", first)
	}
	if first.Reason != "transient" {
		t.Fatalf("expected trimmed reason, got %q", first.Reason)
	}

	last := policy.NormalizeAttempt(queue.NackOptions{Delay: time.Second, Requeue: true}, 3)
	if last.Requeue {
		t.Fatalf("expected no requeue once max attempts is reached")
	}
	if !last.DeadLetter {
		t.Fatalf("expected dead letter on max attempts")
	}

	explicit := RetryPolicy{}.NormalizeAttempt(queue.NackOptions{DeadLetter: true, Requeue: true}, 1)
	if explicit.Requeue || !explicit.DeadLetter {
		t.Fatalf("expected explicit dead letter to win, got %+v", explicit)
	}
}

func TestMemoryQueue_BoundedAndClosed(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1, nil)

	if err := q.Enqueue(ctx, &job.ExecutionMessage{JobID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, &job.ExecutionMessage{JobID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	q.Close()
	if err := q.Enqueue(ctx, &job.ExecutionMessage{JobID: "c"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected queue closed, got %v", err)
	}

	delivery, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected outstanding delivery after close, got %v", err)
	}
	if delivery.Message().JobID != "a" {
		t.Fatalf("expected message a, got %q", delivery.Message().JobID)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected drained queue, got %v", err)
	}
}

func TestMemoryQueue_NackRequeuesWithAttempt(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var deadMu sync.Mutex
	var dead []string
	q := NewMemoryQueue(4, func(_ context.Context, msg *job.ExecutionMessage, reason string) {
		deadMu.Lock()
		dead = append(dead, msg.JobID+":"+reason)
		deadMu.Unlock()
	})

	if err := q.Enqueue(ctx, &job.ExecutionMessage{JobID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := first.Nack(ctx, queue.NackOptions{Requeue: true, Delay: time.Millisecond}); err != nil {
		t.Fatalf("nack: %v", err)
	}
	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if got := deliveryAttempt(second); got != 2 {
		t.Fatalf("expected attempt 2, got %d", got)
	}
	if err := second.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: "gave up"}); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("expected nothing outstanding, got %d", q.Len())
	}
	deadMu.Lock()
	defer deadMu.Unlock()
	if len(dead) != 1 || dead[0] != "a:gave up" {
		t.Fatalf("expected one dead letter, got %v", dead)
	}
}

func TestPool_RetriesThenDeadLetters(t *testing.T) {
	q := NewMemoryQueue(4, nil)
	hook := &capturingHook{}
	var calls int
	var mu sync.Mutex
	pool, err := NewPool(q, func(context.Context, *job.ExecutionMessage) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("answer webhook down")
	}, PoolConfig{
		Workers: 1,
		Policy:  RetryPolicy{MaxAttempts: 3, DeadLetterOnMax: true},
		Backoff: func(int) time.Duration { return time.Millisecond },
		Hook:    hook,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	ctx := context.Background()
	if err := q.Enqueue(ctx, &job.ExecutionMessage{JobID: "forward", IdempotencyKey: "kf:wk:1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pool.Start(ctx)
	q.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Wait(waitCtx); err != nil {
		t.Fatalf("expected pool to drain, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if hook.count("retry") != 2 || hook.count("failure") != 1 {
		t.Fatalf("expected 2 retries and 1 failure, got %v", hook.events)
	}
	if hook.lastFailure.Attempt != 3 || hook.lastFailure.Err == nil {
		t.Fatalf("expected failure event for attempt 3, got %+v", hook.lastFailure)
	}
}

func TestPool_NonRetryableErrorFailsImmediately(t *testing.T) {
	q := NewMemoryQueue(1, nil)
	hook := &capturingHook{}
	permanent := errors.New("bad input")
	pool, err := NewPool(q, func(context.Context, *job.ExecutionMessage) error {
		return permanent
	}, PoolConfig{
		Policy:    RetryPolicy{MaxAttempts: 5},
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
		Hook:      hook,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	ctx := context.Background()
	_ = q.Enqueue(ctx, &job.ExecutionMessage{JobID: "forward"})
	q.Close()
	pool.Start(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := pool.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if hook.count("retry") != 0 || hook.count("failure") != 1 {
		t.Fatalf("expected a single failure, got %v", hook.events)
	}
}

func TestPool_SuccessAcks(t *testing.T) {
	q := NewMemoryQueue(2, nil)
	hook := &capturingHook{}
	pool, err := NewPool(q, func(context.Context, *job.ExecutionMessage) error { return nil }, PoolConfig{Workers: 2, Hook: hook})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx := context.Background()
	_ = q.Enqueue(ctx, &job.ExecutionMessage{JobID: "one"})
	_ = q.Enqueue(ctx, &job.ExecutionMessage{JobID: "two"})
	pool.Start(ctx)
	q.Close()

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := pool.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if hook.count("start") != 2 || hook.count("success") != 2 {
		t.Fatalf("expected two starts and successes, got %v", hook.events)
	}
}

func TestPool_StopReleasesIdleWorkers(t *testing.T) {
	q := NewMemoryQueue(1, nil)
	pool, err := NewPool(q, func(context.Context, *job.ExecutionMessage) error { return nil }, PoolConfig{Workers: 3})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start(context.Background())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected stop to release idle workers")
	}
}

func TestPool_StopReleasesInFlightDelivery(t *testing.T) {
	q := NewMemoryQueue(1, nil)
	hook := &capturingHook{}
	started := make(chan struct{})
	pool, err := NewPool(q, func(ctx context.Context, _ *job.ExecutionMessage) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, PoolConfig{
		Workers: 1,
		Policy:  RetryPolicy{MaxAttempts: 5},
		Hook:    hook,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	ctx := context.Background()
	if err := q.Enqueue(ctx, &job.ExecutionMessage{JobID: "forward", IdempotencyKey: "kf:wk-1:m-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pool.Start(ctx)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("expected handler to start")
	}
	pool.Stop()

	if hook.count("release") != 1 {
		t.Fatalf("expected one release, got %v", hook.events)
	}
	if hook.count("retry") != 0 || hook.count("failure") != 0 {
		t.Fatalf("expected no retry or failure while stopping, got %v", hook.events)
	}
	if hook.lastRelease.Message == nil || hook.lastRelease.Message.IdempotencyKey != "kf:wk-1:m-1" {
		t.Fatalf("expected release event for the in-flight message, got %+v", hook.lastRelease)
	}
	if hook.releaseCtxErr != nil {
		t.Fatalf("expected release hook context to outlive the stop, got %v", hook.releaseCtxErr)
	}
	if q.Len() != 0 {
		t.Fatalf("expected released delivery to be settled, got %d outstanding", q.Len())
	}
}

type capturingHook struct {
	mu            sync.Mutex
	events        []string
	lastFailure   worker.Event
	lastRelease   worker.Event
	releaseCtxErr error
}

func (h *capturingHook) record(kind string) {
	h.mu.Lock()
	h.events = append(h.events, kind)
	h.mu.Unlock()
}

func (h *capturingHook) count(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, event := range h.events {
		if event == kind {
			total++
		}
	}
	return total
}

func (h *capturingHook) OnStart(context.Context, worker.Event)   { h.record("start") }
func (h *capturingHook) OnSuccess(context.Context, worker.Event) { h.record("success") }
func (h *capturingHook) OnRetry(context.Context, worker.Event)   { h.record("retry") }
func (h *capturingHook) OnFailure(_ context.Context, event worker.Event) {
	h.mu.Lock()
	h.lastFailure = event
	h.mu.Unlock()
	h.record("failure")
}

func (h *capturingHook) OnRelease(ctx context.Context, event worker.Event) {
	h.mu.Lock()
	h.lastRelease = event
	h.releaseCtxErr = ctx.Err()
	h.mu.Unlock()
	h.record("release")
}

var (
	_ worker.Hook = (*capturingHook)(nil)
	_ ReleaseHook = (*capturingHook)(nil)
)
