package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-wecom/core"
)

var (
	_ gocmd.Querier[ListInboxCursorsMessage, []core.Cursor]          = (*ListInboxCursorsQuery)(nil)
	_ gocmd.Querier[GetForwardDeliveryMessage, core.ForwardDelivery] = (*GetForwardDeliveryQuery)(nil)
)
