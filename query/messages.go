package query

import "strings"

const (
	TypeListInboxCursors   = "wecom.query.kf.cursors.list"
	TypeGetForwardDelivery = "wecom.query.forward.get"
)

type ListInboxCursorsMessage struct {
	InboxID string
}

func (ListInboxCursorsMessage) Type() string { return TypeListInboxCursors }

func (m ListInboxCursorsMessage) Validate() error {
	if strings.TrimSpace(m.InboxID) == "" {
		return queryValidationError("open_kfid", "open_kfid is required")
	}
	return nil
}

type GetForwardDeliveryMessage struct {
	IdempotencyKey string
}

func (GetForwardDeliveryMessage) Type() string { return TypeGetForwardDelivery }

func (m GetForwardDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return queryValidationError("idempotency_key", "idempotency key is required")
	}
	return nil
}
