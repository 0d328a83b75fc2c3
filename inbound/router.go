package inbound

import (
	"context"

	"github.com/goliatone/go-wecom/core"
)

// Handler produces the immediate reply for one parsed message. An empty
// reply means the real work was handed off.
type Handler interface {
	Handle(ctx context.Context, msg core.ParsedMessage) (string, error)
}

type HandlerFunc func(ctx context.Context, msg core.ParsedMessage) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, msg core.ParsedMessage) (string, error) {
	return f(ctx, msg)
}

// Router has one case per message kind the pipeline acts on. Kinds without
// a handler, known or not, reach Default.
type Router struct {
	Text    Handler
	Image   Handler
	Event   Handler
	Default Handler
}

// Route dispatches msg to exactly one handler.
func (r *Router) Route(ctx context.Context, msg core.ParsedMessage) (string, error) {
	if r == nil {
		return "", inboundInternal("inbound: router is nil", nil)
	}
	return r.HandlerFor(msg.MsgType()).Handle(ctx, msg)
}

func (r *Router) HandlerFor(kind core.MsgType) Handler {
	var handler Handler
	switch kind {
	case core.MsgTypeText:
		handler = r.Text
	case core.MsgTypeImage:
		handler = r.Image
	case core.MsgTypeEvent:
		handler = r.Event
	case core.MsgTypeVoice,
		core.MsgTypeFile,
		core.MsgTypeLocation,
		core.MsgTypeMiniProgram,
		core.MsgTypeChannelsShopProduct,
		core.MsgTypeChannelsShopOrder,
		core.MsgTypeMergedMsg,
		core.MsgTypeChannels,
		core.MsgTypeNote:
		// acknowledged without a dedicated handler
	}
	if handler != nil {
		return handler
	}
	if r.Default != nil {
		return r.Default
	}
	return noopHandler
}

var noopHandler = HandlerFunc(func(context.Context, core.ParsedMessage) (string, error) {
	return "", nil
})
