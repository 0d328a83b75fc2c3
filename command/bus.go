package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	job "github.com/goliatone/go-job"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	"github.com/goliatone/go-wecom/adapters/gocommand"
	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/query"
	"github.com/goliatone/go-wecom/webhooks"
)

const queueResolverKey = "queue"

type BusConfig struct {
	Syncer   InboxSyncService
	Relay    AnswerRelay
	Cursors  query.CursorReader
	Forwards query.ForwardReader
}

// Bus registers the pipeline commands and queries on the go-command
// dispatcher. Sync satisfies inbound.InboxSyncer and Forward is the worker
// handler for queued forwards, so both paths run through the dispatcher.
// Subscriptions are process-wide; Close releases them.
type Bus struct {
	adapter       *gocommand.RegistryAdapter
	queueRegistry *jobqueuecommand.Registry
	subscriptions []commanddispatcher.Subscription
}

func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Syncer == nil {
		return nil, commandDependencyError("command: inbox sync service is required")
	}
	if cfg.Relay == nil {
		return nil, commandDependencyError("command: answer relay is required")
	}
	bus := &Bus{
		adapter:       gocommand.NewRegistryAdapter(gocmd.NewRegistry()),
		queueRegistry: jobqueuecommand.NewRegistry(),
	}
	if err := bus.adapter.AddQueueResolver(queueResolverKey, bus.queueRegistry); err != nil {
		return nil, err
	}

	if err := bus.subscribe(gocommand.RegisterAndSubscribe[SyncInboxMessage](bus.adapter, NewSyncInboxCommand(cfg.Syncer))); err != nil {
		return nil, err
	}
	if err := bus.subscribe(gocommand.RegisterAndSubscribe[ForwardAnswerMessage](bus.adapter, NewForwardAnswerCommand(cfg.Relay))); err != nil {
		bus.Close()
		return nil, err
	}
	if cfg.Cursors != nil {
		if err := bus.subscribe(gocommand.RegisterAndSubscribeQuery[query.ListInboxCursorsMessage, []core.Cursor](bus.adapter, query.NewListInboxCursorsQuery(cfg.Cursors))); err != nil {
			bus.Close()
			return nil, err
		}
	}
	if cfg.Forwards != nil {
		if err := bus.subscribe(gocommand.RegisterAndSubscribeQuery[query.GetForwardDeliveryMessage, core.ForwardDelivery](bus.adapter, query.NewGetForwardDeliveryQuery(cfg.Forwards))); err != nil {
			bus.Close()
			return nil, err
		}
	}
	if err := bus.adapter.Initialize(); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}

func (b *Bus) subscribe(subscription commanddispatcher.Subscription, err error) error {
	if err != nil {
		return err
	}
	b.subscriptions = append(b.subscriptions, subscription)
	return nil
}

// Sync dispatches a SyncInboxMessage and returns the collected result.
func (b *Bus) Sync(ctx context.Context, trigger core.SyncTrigger) (core.SyncResult, error) {
	collector := gocmd.NewResult[core.SyncResult]()
	err := gocommand.Dispatch(gocmd.ContextWithResult(ctx, collector), SyncInboxMessage{Trigger: trigger})
	out, _ := collector.Load()
	return out, err
}

// Forward dispatches the forward carried by a queued execution message.
func (b *Bus) Forward(ctx context.Context, msg *job.ExecutionMessage) error {
	return gocommand.Dispatch(ctx, ForwardAnswerMessage{IdempotencyKey: webhooks.MessageKey(msg)})
}

func (b *Bus) Cursors(ctx context.Context, inboxID string) ([]core.Cursor, error) {
	return gocommand.Query[query.ListInboxCursorsMessage, []core.Cursor](ctx, query.ListInboxCursorsMessage{InboxID: inboxID})
}

func (b *Bus) Delivery(ctx context.Context, key string) (core.ForwardDelivery, error) {
	return gocommand.Query[query.GetForwardDeliveryMessage, core.ForwardDelivery](ctx, query.GetForwardDeliveryMessage{IdempotencyKey: key})
}

// Queued reports whether a command type is mirrored into the job queue registry.
func (b *Bus) Queued(commandType string) bool {
	if b == nil || b.queueRegistry == nil {
		return false
	}
	_, ok := b.queueRegistry.Get(commandType)
	return ok
}

// Close unsubscribes every handler registered by the bus.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	for _, subscription := range b.subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
	b.subscriptions = nil
}
