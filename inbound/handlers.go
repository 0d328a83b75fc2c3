package inbound

import (
	"context"
	"strings"

	"github.com/goliatone/go-wecom/core"
)

const ImageReplyPrefix = "收到图片:"

// InboxSyncer runs the customer-service sync loop for one trigger.
type InboxSyncer interface {
	Sync(ctx context.Context, trigger core.SyncTrigger) (core.SyncResult, error)
}

// TextHandler schedules an answer for an internal user's text message and
// replies with a placeholder.
type TextHandler struct {
	Scheduler core.ForwardScheduler
	Reply     string
}

func (h TextHandler) Handle(ctx context.Context, msg core.ParsedMessage) (string, error) {
	if h.Scheduler == nil {
		return "", inboundInternal("inbound: forward scheduler is required", nil)
	}
	from := msg.Get(core.FieldFromUserName)
	if from == "" {
		return "", inboundBadInput("inbound: text message has no sender", map[string]any{
			"msg_id": msg.Get(core.FieldMsgID),
		})
	}
	err := h.Scheduler.Schedule(ctx, core.ForwardTask{
		Channel:        core.ForwardChannelAgent,
		ExternalUserID: from,
		MsgID:          msg.Get(core.FieldMsgID),
		Option:         msg.Get(core.FieldContent),
	})
	if err != nil {
		return "", err
	}
	reply := h.Reply
	if strings.TrimSpace(reply) == "" {
		reply = core.DefaultTextPendingReply
	}
	return reply, nil
}

// EventHandler runs the sync loop on kf_msg_or_event and ignores other events.
type EventHandler struct {
	Syncer InboxSyncer
	Ack    string
	Logger core.Logger
}

func (h EventHandler) Handle(ctx context.Context, msg core.ParsedMessage) (string, error) {
	event := msg.Event()
	if event != core.EventTypeKFMsgOrEvent {
		core.Log(ctx, h.Logger, "debug", "inbound: event ignored", map[string]any{"event": string(event)})
		return "", nil
	}
	if h.Syncer == nil {
		return "", inboundInternal("inbound: inbox syncer is required", nil)
	}
	trigger := core.SyncTrigger{
		InboxID: msg.Get(core.FieldOpenKfID),
		Token:   msg.Get(core.FieldToken),
	}
	if trigger.InboxID == "" || trigger.Token == "" {
		return "", inboundBadInput("inbound: sync trigger needs OpenKfId and Token", map[string]any{
			"open_kfid": trigger.InboxID,
		})
	}
	result, err := h.Syncer.Sync(ctx, trigger)
	if err != nil {
		return "", err
	}
	core.LogInfo(ctx, h.Logger, "inbound: inbox synced", map[string]any{
		"open_kfid": trigger.InboxID,
		"pages":     result.Pages,
		"processed": result.Processed,
		"has_more":  result.HasMore,
	})
	ack := h.Ack
	if strings.TrimSpace(ack) == "" {
		ack = core.DefaultKFAckReply
	}
	return ack, nil
}

type ImageHandler struct{}

func (ImageHandler) Handle(_ context.Context, msg core.ParsedMessage) (string, error) {
	return ImageReplyPrefix + msg.Get(core.FieldPicURL), nil
}

// DefaultHandler acknowledges kinds nothing else handles.
type DefaultHandler struct {
	Logger core.Logger
}

func (h DefaultHandler) Handle(ctx context.Context, msg core.ParsedMessage) (string, error) {
	core.LogWarn(ctx, h.Logger, "inbound: unhandled message kind", map[string]any{
		"msg_type": string(msg.MsgType()),
		"event":    string(msg.Event()),
	})
	return "", nil
}
