package inbound

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-wecom/core"
)

type recordingScheduler struct {
	tasks []core.ForwardTask
	err   error
}

func (s *recordingScheduler) Schedule(_ context.Context, task core.ForwardTask) error {
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

type stubSyncer struct {
	triggers []core.SyncTrigger
	result   core.SyncResult
	err      error
}

func (s *stubSyncer) Sync(_ context.Context, trigger core.SyncTrigger) (core.SyncResult, error) {
	s.triggers = append(s.triggers, trigger)
	return s.result, s.err
}

var (
	_ core.ForwardScheduler = (*recordingScheduler)(nil)
	_ InboxSyncer           = (*stubSyncer)(nil)
)

func TestTextHandler_SchedulesAgentForwardAndRepliesPlaceholder(t *testing.T) {
	scheduler := &recordingScheduler{}
	reply, err := TextHandler{Scheduler: scheduler}.Handle(context.Background(), core.ParsedMessage{
		core.FieldMsgType:      "text",
		core.FieldFromUserName: "zhangsan",
		core.FieldContent:      "weather?",
		core.FieldMsgID:        "m-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != core.DefaultTextPendingReply {
		t.Fatalf("expected placeholder, got %q", reply)
	}
	if len(scheduler.tasks) != 1 {
		t.Fatalf("expected one scheduled forward, got %d", len(scheduler.tasks))
	}
	task := scheduler.tasks[0]
	if task.Channel != core.ForwardChannelAgent || task.ExternalUserID != "zhangsan" || task.Option != "weather?" || task.MsgID != "m-1" {
		t.Fatalf("unexpected task %#v", task)
	}
}

func TestTextHandler_ScheduleFailureSurfaces(t *testing.T) {
	scheduler := &recordingScheduler{err: errors.New("ledger down")}
	reply, err := TextHandler{Scheduler: scheduler, Reply: "wait"}.Handle(context.Background(), core.ParsedMessage{
		core.FieldFromUserName: "zhangsan",
	})
	if err == nil || reply != "" {
		t.Fatalf("expected error and empty reply, got %q %v", reply, err)
	}
}

func TestEventHandler_RunsSyncForKFEvent(t *testing.T) {
	syncer := &stubSyncer{result: core.SyncResult{Pages: 1, Processed: 1}}
	reply, err := EventHandler{Syncer: syncer}.Handle(context.Background(), core.ParsedMessage{
		core.FieldMsgType:  "event",
		core.FieldEvent:    "kf_msg_or_event",
		core.FieldToken:    "tok",
		core.FieldOpenKfID: "wk1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != core.DefaultKFAckReply {
		t.Fatalf("expected ack, got %q", reply)
	}
	if len(syncer.triggers) != 1 || syncer.triggers[0] != (core.SyncTrigger{InboxID: "wk1", Token: "tok"}) {
		t.Fatalf("unexpected triggers %#v", syncer.triggers)
	}
}

func TestEventHandler_IgnoresOtherEvents(t *testing.T) {
	syncer := &stubSyncer{}
	reply, err := EventHandler{Syncer: syncer}.Handle(context.Background(), core.ParsedMessage{
		core.FieldMsgType: "event",
		core.FieldEvent:   "enter_agent",
	})
	if err != nil || reply != "" {
		t.Fatalf("expected silent ack, got %q %v", reply, err)
	}
	if len(syncer.triggers) != 0 {
		t.Fatalf("expected no sync")
	}
}

func TestEventHandler_SyncFailureReturnsError(t *testing.T) {
	syncer := &stubSyncer{err: core.TransportError(nil, "timeout", nil)}
	reply, err := EventHandler{Syncer: syncer}.Handle(context.Background(), core.ParsedMessage{
		core.FieldEvent:    "kf_msg_or_event",
		core.FieldToken:    "tok",
		core.FieldOpenKfID: "wk1",
	})
	if !core.IsTransportError(err) || reply != "" {
		t.Fatalf("expected transport error and empty reply, got %q %v", reply, err)
	}
}

func TestEventHandler_RequiresTriggerFields(t *testing.T) {
	_, err := EventHandler{Syncer: &stubSyncer{}}.Handle(context.Background(), core.ParsedMessage{
		core.FieldEvent: "kf_msg_or_event",
	})
	if err == nil {
		t.Fatalf("expected missing trigger fields rejected")
	}
}

func TestImageHandler_EchoesPicURL(t *testing.T) {
	reply, err := ImageHandler{}.Handle(context.Background(), core.ParsedMessage{core.FieldPicURL: "https://p/1.jpg"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "收到图片:https://p/1.jpg" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestRouter_FallsBackWithoutDefault(t *testing.T) {
	reply, err := (&Router{}).Route(context.Background(), core.ParsedMessage{core.FieldMsgType: "text"})
	if err != nil || reply != "" {
		t.Fatalf("expected empty ack from bare router, got %q %v", reply, err)
	}
	if (&Router{}).HandlerFor(core.MsgTypeLocation) == nil {
		t.Fatalf("expected non-nil handler")
	}
}
