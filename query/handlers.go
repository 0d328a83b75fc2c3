package query

import (
	"context"
	"strings"

	"github.com/goliatone/go-wecom/core"
)

type CursorReader interface {
	List(ctx context.Context, inboxID string) ([]core.Cursor, error)
}

type ForwardReader interface {
	Get(ctx context.Context, key string) (core.ForwardDelivery, error)
}

// ListInboxCursorsQuery returns the stored resume cursors of an inbox, oldest first.
type ListInboxCursorsQuery struct {
	reader CursorReader
}

func NewListInboxCursorsQuery(reader CursorReader) *ListInboxCursorsQuery {
	return &ListInboxCursorsQuery{reader: reader}
}

func (q *ListInboxCursorsQuery) Query(ctx context.Context, msg ListInboxCursorsMessage) ([]core.Cursor, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: cursor reader is required")
	}
	return q.reader.List(ctx, strings.TrimSpace(msg.InboxID))
}

type GetForwardDeliveryQuery struct {
	reader ForwardReader
}

func NewGetForwardDeliveryQuery(reader ForwardReader) *GetForwardDeliveryQuery {
	return &GetForwardDeliveryQuery{reader: reader}
}

func (q *GetForwardDeliveryQuery) Query(ctx context.Context, msg GetForwardDeliveryMessage) (core.ForwardDelivery, error) {
	if q == nil || q.reader == nil {
		return core.ForwardDelivery{}, queryDependencyError("query: forward reader is required")
	}
	return q.reader.Get(ctx, strings.TrimSpace(msg.IdempotencyKey))
}
