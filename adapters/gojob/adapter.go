package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-wecom/core"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ReleaseHook is notified when a stopping pool hands a failed delivery back
// instead of retrying it. Hooks implementing it reset their own state so
// a later process can pick the message up.
type ReleaseHook interface {
	OnRelease(ctx context.Context, event worker.Event)
}

// HandlerFunc executes one job message.
type HandlerFunc func(ctx context.Context, msg *job.ExecutionMessage) error

type PoolConfig struct {
	Workers int
	Policy  RetryPolicy
	// Backoff returns the delay before the given retry attempt.
	Backoff func(attempt int) time.Duration
	// Retryable reports whether a handler error may be retried. Nil retries all.
	Retryable func(err error) bool
	Hook      worker.Hook
	Logger    core.Logger
}

// Pool runs a fixed number of workers draining a dequeuer.
type Pool struct {
	dequeuer queue.Dequeuer
	handler  HandlerFunc
	cfg      PoolConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewPool(dequeuer queue.Dequeuer, handler HandlerFunc, cfg PoolConfig) (*Pool, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("gojob: handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{dequeuer: dequeuer, handler: handler, cfg: cfg}, nil
}

// Start launches the workers. They run until ctx is done, Stop is called,
// or the dequeuer reports ErrQueueClosed.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(workerCtx, i)
	}
}

// Wait blocks until every worker exits or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, index int) {
	defer p.wg.Done()
	for {
		delivery, err := p.dequeuer.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			core.LogWarn(ctx, p.cfg.Logger, "gojob: dequeue failed", core.ErrorFields(err, map[string]any{"worker": index}))
			continue
		}
		if delivery == nil {
			continue
		}
		p.execute(ctx, delivery)
	}
}

func (p *Pool) execute(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message()
	attempt := deliveryAttempt(delivery)
	event := worker.Event{
		Message:   msg,
		Delivery:  delivery,
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
	}
	p.hookStart(ctx, event)

	err := p.handler(ctx, msg)
	event.Duration = time.Since(event.StartedAt)
	if err == nil {
		if ackErr := delivery.Ack(ctx); ackErr != nil {
			core.LogWarn(ctx, p.cfg.Logger, "gojob: ack failed", core.ErrorFields(ackErr, messageFields(msg)))
		}
		p.hookSuccess(ctx, event)
		return
	}

	event.Err = err
	opts := queue.NackOptions{Requeue: true, Reason: err.Error()}
	if p.cfg.Retryable != nil && !p.cfg.Retryable(err) {
		opts = queue.NackOptions{DeadLetter: true, Reason: err.Error()}
	} else if p.cfg.Backoff != nil {
		opts.Delay = p.cfg.Backoff(attempt)
	}
	opts = p.cfg.Policy.NormalizeAttempt(opts, attempt)
	if opts.Requeue && ctx.Err() != nil {
		// stopping: release the delivery and leave the message to recovery
		releaseCtx := context.WithoutCancel(ctx)
		if ackErr := delivery.Ack(releaseCtx); ackErr != nil {
			core.LogWarn(ctx, p.cfg.Logger, "gojob: release failed", core.ErrorFields(ackErr, messageFields(msg)))
		}
		p.hookRelease(releaseCtx, event)
		return
	}
	event.Delay = opts.Delay
	if opts.Requeue {
		p.hookRetry(ctx, event)
	} else {
		p.hookFailure(ctx, event)
	}
	if nackErr := delivery.Nack(ctx, opts); nackErr != nil {
		core.LogWarn(ctx, p.cfg.Logger, "gojob: nack failed", core.ErrorFields(nackErr, messageFields(msg)))
	}
}

func (p *Pool) hookStart(ctx context.Context, event worker.Event) {
	if p.cfg.Hook != nil {
		p.cfg.Hook.OnStart(ctx, event)
	}
}

func (p *Pool) hookSuccess(ctx context.Context, event worker.Event) {
	if p.cfg.Hook != nil {
		p.cfg.Hook.OnSuccess(ctx, event)
	}
}

func (p *Pool) hookFailure(ctx context.Context, event worker.Event) {
	if p.cfg.Hook != nil {
		p.cfg.Hook.OnFailure(ctx, event)
	}
}

func (p *Pool) hookRelease(ctx context.Context, event worker.Event) {
	if hook, ok := p.cfg.Hook.(ReleaseHook); ok {
		hook.OnRelease(ctx, event)
	}
}

func (p *Pool) hookRetry(ctx context.Context, event worker.Event) {
	if p.cfg.Hook != nil {
		p.cfg.Hook.OnRetry(ctx, event)
	}
}

func deliveryAttempt(delivery queue.Delivery) int {
	if counted, ok := delivery.(interface{ Attempt() int }); ok && counted.Attempt() > 0 {
		return counted.Attempt()
	}
	return 1
}

func messageFields(msg *job.ExecutionMessage) map[string]any {
	if msg == nil {
		return map[string]any{}
	}
	return map[string]any{
		"job_id":          msg.JobID,
		"idempotency_key": msg.IdempotencyKey,
	}
}
