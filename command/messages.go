package command

import (
	"strings"

	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/webhooks"
)

const (
	TypeSyncInbox     = "wecom.command.kf.sync"
	TypeForwardAnswer = webhooks.ForwardJobID
)

type SyncInboxMessage struct {
	Trigger core.SyncTrigger
}

func (SyncInboxMessage) Type() string { return TypeSyncInbox }

func (m SyncInboxMessage) Validate() error {
	if strings.TrimSpace(m.Trigger.InboxID) == "" {
		return commandValidationError("open_kfid", "open_kfid is required")
	}
	if strings.TrimSpace(m.Trigger.Token) == "" {
		return commandValidationError("token", "sync token is required")
	}
	return nil
}

type ForwardAnswerMessage struct {
	IdempotencyKey string
}

func (ForwardAnswerMessage) Type() string { return TypeForwardAnswer }

func (m ForwardAnswerMessage) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return commandValidationError("idempotency_key", "idempotency key is required")
	}
	return nil
}
