package sqlstore

import (
	"time"

	"github.com/goliatone/go-wecom/core"
	"github.com/uptrace/bun"
)

type cursorRecord struct {
	bun.BaseModel `bun:"table:wecom_kf_cursors,alias:wkc"`

	ID        string    `bun:"id,pk"`
	OpenKfID  string    `bun:"open_kfid,notnull"`
	Value     string    `bun:"value,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func (r *cursorRecord) toDomain() core.Cursor {
	if r == nil {
		return core.Cursor{}
	}
	return core.Cursor{
		ID:        r.ID,
		InboxID:   r.OpenKfID,
		Value:     r.Value,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type forwardDeliveryRecord struct {
	bun.BaseModel `bun:"table:wecom_forward_deliveries,alias:wfd"`

	ID             string     `bun:"id,pk"`
	IdempotencyKey string     `bun:"idempotency_key,notnull"`
	Channel        string     `bun:"channel,notnull"`
	ExternalUserID string     `bun:"external_userid,notnull"`
	MsgID          string     `bun:"msgid,notnull"`
	OpenKfID       string     `bun:"open_kfid,notnull"`
	Option         string     `bun:"option,notnull"`
	Status         string     `bun:"status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	LastError      string     `bun:"last_error,notnull"`
	NextAttemptAt  *time.Time `bun:"next_attempt_at,nullzero"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *forwardDeliveryRecord) toDomain() core.ForwardDelivery {
	if r == nil {
		return core.ForwardDelivery{}
	}
	out := core.ForwardDelivery{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		Channel:        core.ForwardChannel(r.Channel),
		ExternalUserID: r.ExternalUserID,
		MsgID:          r.MsgID,
		InboxID:        r.OpenKfID,
		Option:         r.Option,
		Status:         r.Status,
		Attempts:       r.Attempts,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.NextAttemptAt != nil {
		value := r.NextAttemptAt.UTC()
		out.NextAttemptAt = &value
	}
	return out
}
