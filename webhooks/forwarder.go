package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-wecom/adapters/gojob"
	"github.com/goliatone/go-wecom/core"
)

const (
	// ForwardJobID names forward execution messages on the queue.
	ForwardJobID = "wecom.command.forward.answer"

	ParamIdempotencyKey = "idempotency_key"

	defaultRecoverLimit = 500
)

type ForwarderConfig struct {
	Ledger      core.ForwardLedger
	Queue       queue.Enqueuer
	Answer      core.AnswerClient
	KF          core.KFSender
	Agent       core.AgentSender
	RetryPolicy RetryPolicy
	Now         func() time.Time
	Logger      core.Logger
	Metrics     core.MetricsRecorder
}

// Forwarder owns the asynchronous half of the dispatcher. Schedule records
// the forward and queues it; Deliver runs on a worker and relays the answer.
// The worker.Hook methods mirror retry and dead-letter outcomes into the
// ledger.
type Forwarder struct {
	ledger  core.ForwardLedger
	queue   queue.Enqueuer
	answer  core.AnswerClient
	kf      core.KFSender
	agent   core.AgentSender
	retry   RetryPolicy
	now     func() time.Time
	logger  core.Logger
	metrics core.MetricsRecorder
}

func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Ledger == nil {
		return nil, core.BadInputError("webhooks: forward ledger is required", nil)
	}
	if cfg.Queue == nil {
		return nil, core.BadInputError("webhooks: forward queue is required", nil)
	}
	if cfg.Answer == nil {
		return nil, core.BadInputError("webhooks: answer client is required", nil)
	}
	retry := cfg.RetryPolicy
	if retry == nil {
		retry = ExponentialRetryPolicy{}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Forwarder{
		ledger:  cfg.Ledger,
		queue:   cfg.Queue,
		answer:  cfg.Answer,
		kf:      cfg.KF,
		agent:   cfg.Agent,
		retry:   retry,
		now:     now,
		logger:  cfg.Logger,
		metrics: core.ResolveMetrics(cfg.Metrics),
	}, nil
}

// Schedule stages task and queues it without waiting for the answer.
// A duplicate reservation is skipped. A full queue leaves the row pending
// for Recover and is not reported to the caller.
func (f *Forwarder) Schedule(ctx context.Context, task core.ForwardTask) error {
	key, staged, err := f.Stage(ctx, task)
	if err != nil || !staged {
		return err
	}
	return f.Enqueue(ctx, key)
}

// Stage reserves the ledger row for task. staged is false when the row
// already existed.
func (f *Forwarder) Stage(ctx context.Context, task core.ForwardTask) (string, bool, error) {
	delivery, duplicate, err := f.ledger.Reserve(ctx, task)
	if err != nil {
		return "", false, err
	}
	if duplicate {
		core.Log(ctx, f.logger, "debug", "webhooks: forward already reserved", deliveryFields(delivery))
		return delivery.IdempotencyKey, false, nil
	}
	return delivery.IdempotencyKey, true, nil
}

// Enqueue queues a staged forward. A full or closed queue is absorbed and
// the row stays pending for Recover.
func (f *Forwarder) Enqueue(ctx context.Context, key string) error {
	fields := map[string]any{"idempotency_key": key}
	if err := f.enqueue(ctx, key); err != nil {
		if errors.Is(err, gojob.ErrQueueFull) || errors.Is(err, gojob.ErrQueueClosed) {
			core.LogWarn(ctx, f.logger, "webhooks: forward left for recovery", core.ErrorFields(err, fields))
			return nil
		}
		return core.WrapError(err, goerrors.CategoryInternal, "webhooks: enqueue forward", http.StatusInternalServerError, core.ErrorInternal, fields)
	}
	core.Log(ctx, f.logger, "debug", "webhooks: forward scheduled", fields)
	return nil
}

// Recover releases claims left by a previous process, then queues every
// non-terminal ledger row. It must run before the worker pool starts. It
// stops early when the queue is full and reports how many rows were queued.
func (f *Forwarder) Recover(ctx context.Context) (int, error) {
	released, err := f.ledger.ReleaseClaims(ctx)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		core.LogInfo(ctx, f.logger, "webhooks: released interrupted forwards", map[string]any{"released": released})
	}
	rows, err := f.ledger.ListRecoverable(ctx, defaultRecoverLimit)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, row := range rows {
		if err := f.enqueue(ctx, row.IdempotencyKey); err != nil {
			if errors.Is(err, gojob.ErrQueueFull) || errors.Is(err, gojob.ErrQueueClosed) {
				core.LogWarn(ctx, f.logger, "webhooks: recovery stopped early", core.ErrorFields(err, map[string]any{
					"queued":  queued,
					"pending": len(rows) - queued,
				}))
				break
			}
			return queued, core.WrapError(err, goerrors.CategoryInternal, "webhooks: enqueue recovered forward", http.StatusInternalServerError, core.ErrorInternal, deliveryFields(row))
		}
		queued++
	}
	if queued > 0 {
		core.LogInfo(ctx, f.logger, "webhooks: recovered forwards", map[string]any{"queued": queued})
	}
	return queued, nil
}

// Deliver claims the row for key, asks the answering webhook and relays the
// answer. A row that is terminal or owned by another worker is skipped.
func (f *Forwarder) Deliver(ctx context.Context, key string) (err error) {
	startedAt := time.Now()
	defer func() {
		core.ObserveOperation(ctx, f.metrics, startedAt, "forward.deliver", err, nil)
	}()
	key = strings.TrimSpace(key)
	if key == "" {
		return core.BadInputError("webhooks: forward idempotency key is required", nil)
	}
	delivery, claimed, err := f.ledger.Claim(ctx, key)
	if err != nil {
		if core.IsNotFound(err) {
			return core.BadInputError("webhooks: forward is not reserved", map[string]any{"idempotency_key": key})
		}
		return err
	}
	fields := deliveryFields(delivery)
	if !claimed {
		core.Log(ctx, f.logger, "debug", "webhooks: forward skipped", fields)
		return nil
	}

	task := delivery.Task()
	answer, err := f.answer.Ask(ctx, task.ExternalUserID, task.Option)
	if err != nil {
		return err
	}
	if err := f.relay(ctx, task, answer); err != nil {
		return err
	}
	if err := f.ledger.Complete(ctx, key); err != nil {
		return err
	}
	core.LogInfo(ctx, f.logger, "webhooks: answer delivered", fields)
	return nil
}

// Handle runs one queued forward message.
func (f *Forwarder) Handle(ctx context.Context, msg *job.ExecutionMessage) error {
	return f.Deliver(ctx, MessageKey(msg))
}

func (f *Forwarder) relay(ctx context.Context, task core.ForwardTask, answer string) error {
	switch task.Channel {
	case core.ForwardChannelAgent:
		if f.agent == nil {
			return core.BadInputError("webhooks: agent sender is not configured", nil)
		}
		return f.agent.SendAgentText(ctx, core.AgentReply{ToUser: task.ExternalUserID, Content: answer})
	case core.ForwardChannelKF:
		if f.kf == nil {
			return core.BadInputError("webhooks: kf sender is not configured", nil)
		}
		return f.kf.SendKFText(ctx, core.OutboundReply{
			ToUser:  task.ExternalUserID,
			InboxID: task.InboxID,
			Content: answer,
		})
	default:
		return core.BadInputError(fmt.Sprintf("webhooks: unknown forward channel %q", task.Channel), nil)
	}
}

func (f *Forwarder) enqueue(ctx context.Context, key string) error {
	return f.queue.Enqueue(ctx, &job.ExecutionMessage{
		JobID:          ForwardJobID,
		Parameters:     map[string]any{ParamIdempotencyKey: key},
		IdempotencyKey: key,
	})
}

// Retryable rejects errors a retry cannot fix.
func (f *Forwarder) Retryable(err error) bool {
	return !core.IsBadInputError(err) && !core.IsNotFound(err)
}

// Backoff is the delay before the retry that follows attempt.
func (f *Forwarder) Backoff(attempt int) time.Duration {
	return f.retry.NextDelay(attempt)
}

func (f *Forwarder) OnStart(context.Context, worker.Event) {}

func (f *Forwarder) OnSuccess(context.Context, worker.Event) {}

func (f *Forwarder) OnRetry(ctx context.Context, event worker.Event) {
	key := MessageKey(event.Message)
	if err := f.ledger.Fail(ctx, key, event.Err, f.now().Add(event.Delay), false); err != nil {
		core.LogWarn(ctx, f.logger, "webhooks: record retry failed", core.ErrorFields(err, map[string]any{"idempotency_key": key}))
	}
	core.LogWarn(ctx, f.logger, "webhooks: forward will be retried", core.ErrorFields(event.Err, map[string]any{
		"idempotency_key": key,
		"attempt":         event.Attempt,
		"delay":           event.Delay.String(),
	}))
}

// OnFailure dead-letters the forward.
func (f *Forwarder) OnFailure(ctx context.Context, event worker.Event) {
	key := MessageKey(event.Message)
	if err := f.ledger.Fail(ctx, key, event.Err, time.Time{}, true); err != nil {
		core.LogWarn(ctx, f.logger, "webhooks: record dead letter failed", core.ErrorFields(err, map[string]any{"idempotency_key": key}))
	}
	core.LogError(ctx, f.logger, "webhooks: forward dead-lettered", core.ErrorFields(event.Err, map[string]any{
		"idempotency_key": key,
		"attempt":         event.Attempt,
	}))
}

// OnRelease returns a forward that a stopping pool handed back to
// retry_ready so the next Recover can claim it.
func (f *Forwarder) OnRelease(ctx context.Context, event worker.Event) {
	key := MessageKey(event.Message)
	if err := f.ledger.Fail(ctx, key, event.Err, time.Time{}, false); err != nil {
		core.LogWarn(ctx, f.logger, "webhooks: release forward failed", core.ErrorFields(err, map[string]any{"idempotency_key": key}))
		return
	}
	core.LogWarn(ctx, f.logger, "webhooks: forward released on shutdown", core.ErrorFields(event.Err, map[string]any{
		"idempotency_key": key,
		"attempt":         event.Attempt,
	}))
}

// MessageKey returns the idempotency key carried by a forward message.
func MessageKey(msg *job.ExecutionMessage) string {
	if msg == nil {
		return ""
	}
	if key := strings.TrimSpace(msg.IdempotencyKey); key != "" {
		return key
	}
	if raw, ok := msg.Parameters[ParamIdempotencyKey].(string); ok {
		return strings.TrimSpace(raw)
	}
	return ""
}

func deliveryFields(delivery core.ForwardDelivery) map[string]any {
	return map[string]any{
		"idempotency_key": delivery.IdempotencyKey,
		"channel":         string(delivery.Channel),
		"msg_id":          delivery.MsgID,
		"open_kfid":       delivery.InboxID,
		"status":          delivery.Status,
		"attempts":        delivery.Attempts,
	}
}

var (
	_ core.ForwardStager = (*Forwarder)(nil)
	_ worker.Hook        = (*Forwarder)(nil)
	_ gojob.ReleaseHook  = (*Forwarder)(nil)
)
