package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-wecom/core"
)

// InboxSyncService runs the sync loop for one trigger.
type InboxSyncService interface {
	Sync(ctx context.Context, trigger core.SyncTrigger) (core.SyncResult, error)
}

// AnswerRelay delivers one reserved forward.
type AnswerRelay interface {
	Deliver(ctx context.Context, key string) error
}

type SyncInboxCommand struct {
	service InboxSyncService
}

func NewSyncInboxCommand(service InboxSyncService) *SyncInboxCommand {
	return &SyncInboxCommand{service: service}
}

func (c *SyncInboxCommand) Execute(ctx context.Context, msg SyncInboxMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: inbox sync service is required")
	}
	out, err := c.service.Sync(ctx, msg.Trigger)
	// partial progress is reported even when the loop aborts
	storeResult(ctx, out)
	return err
}

type ForwardAnswerCommand struct {
	relay AnswerRelay
}

func NewForwardAnswerCommand(relay AnswerRelay) *ForwardAnswerCommand {
	return &ForwardAnswerCommand{relay: relay}
}

func (c *ForwardAnswerCommand) Execute(ctx context.Context, msg ForwardAnswerMessage) error {
	if c == nil || c.relay == nil {
		return commandDependencyError("command: answer relay is required")
	}
	return c.relay.Deliver(ctx, msg.IdempotencyKey)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
