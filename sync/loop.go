// Package sync runs the customer-service message sync loop.
//
// Each kf_msg_or_event trigger consumes the stored resume cursor of its
// inbox and fetches a page. The messages of the page are recorded as
// pending forwards, then the next cursor is stored, then each message gets
// an interim reply and its forward is queued. A crash at any point leaves
// either the old cursor or a pending ledger row behind.
// Triggers for the same inbox are serialized in-process; the cursor store
// scopes and transacts per inbox.
package sync

import (
	"context"
	"strings"
	gosync "sync"
	"time"

	"github.com/goliatone/go-wecom/core"
)

const defaultMaxPages = 50

type LoopConfig struct {
	Cursors   core.CursorStore
	Syncer    core.MessageSyncer
	Sender    core.KFSender
	Scheduler core.ForwardStager

	PageSize int
	// FullDrain keeps fetching while has_more is set, up to MaxPages.
	FullDrain bool
	// ProcessFullBatch handles every message of a page instead of the first.
	ProcessFullBatch bool
	MaxPages         int
	InterimReply     string
	Logger           core.Logger
	Metrics          core.MetricsRecorder
}

type Loop struct {
	cfg     LoopConfig
	locks   *keyedMutex
	metrics core.MetricsRecorder
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Cursors == nil {
		return nil, core.BadInputError("sync: cursor store is required", nil)
	}
	if cfg.Syncer == nil {
		return nil, core.BadInputError("sync: message syncer is required", nil)
	}
	if cfg.Sender == nil {
		return nil, core.BadInputError("sync: kf sender is required", nil)
	}
	if cfg.Scheduler == nil {
		return nil, core.BadInputError("sync: forward scheduler is required", nil)
	}
	if cfg.PageSize <= 0 || cfg.PageSize > core.MaxPageSize {
		cfg.PageSize = core.DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if strings.TrimSpace(cfg.InterimReply) == "" {
		cfg.InterimReply = core.DefaultInterimReply
	}
	return &Loop{cfg: cfg, locks: newKeyedMutex(), metrics: core.ResolveMetrics(cfg.Metrics)}, nil
}

func (l *Loop) Sync(ctx context.Context, trigger core.SyncTrigger) (result core.SyncResult, err error) {
	startedAt := time.Now()
	defer func() {
		core.ObserveOperation(ctx, l.metrics, startedAt, "sync", err, map[string]string{"open_kfid": trigger.InboxID})
	}()
	inboxID := strings.TrimSpace(trigger.InboxID)
	if inboxID == "" {
		return core.SyncResult{}, core.BadInputError("sync: open_kfid is required", nil)
	}
	unlock := l.locks.lock(inboxID)
	defer unlock()

	for {
		batch, consumed, found, err := l.fetch(ctx, inboxID, trigger.Token)
		if err != nil {
			return result, err
		}
		result.Pages++
		result.NextCursor = batch.NextCursor
		result.HasMore = batch.HasMore

		messages := batch.Messages
		if !l.cfg.ProcessFullBatch && len(messages) > 1 {
			result.Skipped += len(messages) - 1
			messages = messages[:1]
		}
		staged, skipped, stageErr := l.stage(ctx, inboxID, messages)
		result.Skipped += skipped
		if stageErr != nil {
			// the page is refetched from the consumed cursor on the next trigger
			if found {
				l.restore(ctx, consumed)
			}
			if err := l.dispatch(ctx, staged, &result); err != nil {
				core.LogWarn(ctx, l.cfg.Logger, "sync: dispatch staged forwards failed", core.ErrorFields(err, map[string]any{"open_kfid": inboxID}))
			}
			return result, stageErr
		}

		if batch.NextCursor != "" {
			if _, err := l.cfg.Cursors.Append(ctx, inboxID, batch.NextCursor); err != nil {
				core.LogWarn(ctx, l.cfg.Logger, "sync: store next cursor failed", core.ErrorFields(err, map[string]any{
					"open_kfid": inboxID,
				}))
			}
		}

		if err := l.dispatch(ctx, staged, &result); err != nil {
			return result, err
		}

		if !l.cfg.FullDrain || !batch.HasMore || batch.NextCursor == "" {
			return result, nil
		}
		if result.Pages >= l.cfg.MaxPages {
			core.LogWarn(ctx, l.cfg.Logger, "sync: page limit reached", map[string]any{
				"open_kfid": inboxID,
				"pages":     result.Pages,
			})
			return result, nil
		}
	}
}

// fetch consumes the inbox cursor and pulls one page. A store failure
// falls back to the empty cursor. A failed fetch puts the consumed cursor
// back so the resume point is not lost.
func (l *Loop) fetch(ctx context.Context, inboxID string, token string) (core.SyncBatch, core.Cursor, bool, error) {
	cursor, found, err := l.cfg.Cursors.Consume(ctx, inboxID)
	if err != nil {
		core.LogWarn(ctx, l.cfg.Logger, "sync: consume cursor failed, using empty cursor", core.ErrorFields(err, map[string]any{
			"open_kfid": inboxID,
		}))
		cursor, found = core.Cursor{}, false
	}

	batch, err := l.cfg.Syncer.SyncMsg(ctx, core.SyncRequest{
		Cursor:  cursor.Value,
		Token:   token,
		InboxID: inboxID,
		Limit:   l.cfg.PageSize,
	})
	if err != nil {
		if found {
			l.restore(ctx, cursor)
		}
		core.LogWarn(ctx, l.cfg.Logger, "sync: fetch page failed", core.ErrorFields(err, map[string]any{
			"open_kfid":  inboxID,
			"had_cursor": found,
		}))
		return core.SyncBatch{}, core.Cursor{}, false, err
	}
	core.Log(ctx, l.cfg.Logger, "debug", "sync: page fetched", map[string]any{
		"open_kfid": inboxID,
		"messages":  len(batch.Messages),
		"has_more":  batch.HasMore,
	})
	return batch, cursor, found, nil
}

func (l *Loop) restore(ctx context.Context, cursor core.Cursor) {
	if err := l.cfg.Cursors.Restore(ctx, cursor); err != nil {
		core.LogError(ctx, l.cfg.Logger, "sync: restore cursor failed", core.ErrorFields(err, map[string]any{
			"open_kfid": cursor.InboxID,
			"cursor_id": cursor.ID,
		}))
	}
}

type stagedMessage struct {
	key string
	msg core.RawMessage
}

// stage records a pending forward for every customer text message before
// the next cursor is stored. Other kinds and already recorded messages are
// skipped. On error the messages staged so far are returned with it.
func (l *Loop) stage(ctx context.Context, inboxID string, messages []core.RawMessage) ([]stagedMessage, int, error) {
	staged := make([]stagedMessage, 0, len(messages))
	skipped := 0
	for _, msg := range messages {
		fields := map[string]any{
			"open_kfid": inboxID,
			"msg_id":    msg.MsgID,
			"msg_type":  msg.Type,
		}
		if core.MsgType(msg.Type) != core.MsgTypeText || strings.TrimSpace(msg.ExternalUserID) == "" {
			core.Log(ctx, l.cfg.Logger, "debug", "sync: message skipped", fields)
			skipped++
			continue
		}
		if strings.TrimSpace(msg.InboxID) == "" {
			msg.InboxID = inboxID
		}
		key, isNew, err := l.cfg.Scheduler.Stage(ctx, core.ForwardTask{
			Channel:        core.ForwardChannelKF,
			ExternalUserID: msg.ExternalUserID,
			MsgID:          msg.MsgID,
			InboxID:        msg.InboxID,
			Option:         msg.Content,
		})
		if err != nil {
			core.LogError(ctx, l.cfg.Logger, "sync: stage forward failed", core.ErrorFields(err, fields))
			return staged, skipped, err
		}
		if !isNew {
			skipped++
			continue
		}
		staged = append(staged, stagedMessage{key: key, msg: msg})
	}
	return staged, skipped, nil
}

// dispatch sends the interim reply and queues the forward of each staged
// message in page order. A queue failure leaves the remaining rows pending
// for recovery.
func (l *Loop) dispatch(ctx context.Context, staged []stagedMessage, result *core.SyncResult) error {
	for _, item := range staged {
		fields := map[string]any{
			"open_kfid":       item.msg.InboxID,
			"msg_id":          item.msg.MsgID,
			"idempotency_key": item.key,
		}
		err := l.cfg.Sender.SendKFText(ctx, core.OutboundReply{
			ToUser:  item.msg.ExternalUserID,
			InboxID: item.msg.InboxID,
			MsgID:   item.msg.MsgID,
			Content: l.cfg.InterimReply,
		})
		if err != nil {
			core.LogWarn(ctx, l.cfg.Logger, "sync: interim reply failed", core.ErrorFields(err, fields))
		}
		if err := l.cfg.Scheduler.Enqueue(ctx, item.key); err != nil {
			core.LogError(ctx, l.cfg.Logger, "sync: queue forward failed", core.ErrorFields(err, fields))
			return err
		}
		result.Processed++
	}
	return nil
}

type keyedMutex struct {
	mu    gosync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	gosync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*refMutex{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &refMutex{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
