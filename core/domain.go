package core

import (
	"strings"
	"time"
)

// MsgType is the discriminator carried by the MsgType field of a callback.
type MsgType string

const (
	MsgTypeText                MsgType = "text"
	MsgTypeImage               MsgType = "image"
	MsgTypeVoice               MsgType = "voice"
	MsgTypeFile                MsgType = "file"
	MsgTypeLocation            MsgType = "location"
	MsgTypeMiniProgram         MsgType = "miniprogram"
	MsgTypeChannelsShopProduct MsgType = "channels_shop_product"
	MsgTypeChannelsShopOrder   MsgType = "channels_shop_order"
	MsgTypeMergedMsg           MsgType = "merged_msg"
	MsgTypeChannels            MsgType = "channels"
	MsgTypeNote                MsgType = "note"
	MsgTypeEvent               MsgType = "event"
)

// EventType is the value of the Event field when MsgType is event.
type EventType string

const (
	EventTypeKFMsgOrEvent  EventType = "kf_msg_or_event"
	EventTypeEnterSession  EventType = "enter_session"
	EventTypeMsgSendFail   EventType = "msg_send_fail"
	EventTypeUserRecallMsg EventType = "user_recall_msg"
)

// Field names used by the pipeline.
const (
	FieldMsgType      = "MsgType"
	FieldEvent        = "Event"
	FieldEncrypt      = "Encrypt"
	FieldContent      = "Content"
	FieldFromUserName = "FromUserName"
	FieldToUserName   = "ToUserName"
	FieldMsgID        = "MsgId"
	FieldPicURL       = "PicUrl"
	FieldToken        = "Token"
	FieldOpenKfID     = "OpenKfId"
)

// InboundEnvelope is one POST delivery before decryption.
type InboundEnvelope struct {
	Signature  string
	Timestamp  string
	Nonce      string
	Ciphertext []byte
}

// ChallengeRequest is the GET URL-ownership verification.
type ChallengeRequest struct {
	Signature string
	Timestamp string
	Nonce     string
	Echo      string
}

// ParsedMessage maps root child tag names to their trimmed text.
type ParsedMessage map[string]string

func (m ParsedMessage) Get(field string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[field])
}

func (m ParsedMessage) MsgType() MsgType {
	return MsgType(strings.ToLower(m.Get(FieldMsgType)))
}

func (m ParsedMessage) Event() EventType {
	return EventType(strings.ToLower(m.Get(FieldEvent)))
}

// Cursor is one stored resume point for an inbox message stream.
type Cursor struct {
	ID        string
	InboxID   string
	Value     string
	CreatedAt time.Time
}

// RawMessage is one entry of a sync_msg page.
type RawMessage struct {
	ExternalUserID string
	MsgID          string
	InboxID        string
	Type           string
	Origin         int
	SendTime       int64
	Content        string
	Payload        map[string]any
}

// SyncRequest is the input of one sync_msg call.
type SyncRequest struct {
	Cursor   string
	Token    string
	InboxID  string
	Limit    int
	VoiceFmt int
}

// SyncBatch is one sync_msg page.
type SyncBatch struct {
	Messages   []RawMessage
	NextCursor string
	HasMore    bool
}

// OutboundReply is a kf send_msg payload. MsgID is optional.
type OutboundReply struct {
	ToUser  string
	InboxID string
	MsgID   string
	Content string
}

// AgentReply is an application (agent) message to an internal user.
type AgentReply struct {
	ToUser  string
	Content string
}

// SyncTrigger identifies the inbox and delivery token of a kf_msg_or_event callback.
type SyncTrigger struct {
	InboxID string
	Token   string
}

// SyncResult reports what a sync trigger did.
type SyncResult struct {
	Pages      int
	Processed  int
	Skipped    int
	NextCursor string
	HasMore    bool
}

// ForwardChannel selects how an answer is relayed back.
type ForwardChannel string

const (
	ForwardChannelKF    ForwardChannel = "kf"
	ForwardChannelAgent ForwardChannel = "agent"
)

// ForwardTask is one request to the answering webhook.
type ForwardTask struct {
	Channel        ForwardChannel
	ExternalUserID string
	MsgID          string
	InboxID        string
	Option         string
}

// IdempotencyKey is stable for a given inbox and message id.
func (t ForwardTask) IdempotencyKey() string {
	msgID := strings.TrimSpace(t.MsgID)
	if msgID == "" {
		return ""
	}
	switch t.Channel {
	case ForwardChannelAgent:
		return string(ForwardChannelAgent) + ":" + msgID
	default:
		return string(ForwardChannelKF) + ":" + strings.TrimSpace(t.InboxID) + ":" + msgID
	}
}

// ForwardDelivery statuses.
const (
	ForwardStatusPending    = "pending"
	ForwardStatusProcessing = "processing"
	ForwardStatusProcessed  = "processed"
	ForwardStatusRetryReady = "retry_ready"
	ForwardStatusDead       = "dead"
)

// ForwardDelivery is the durable ledger row for one forward.
type ForwardDelivery struct {
	ID             string
	IdempotencyKey string
	Channel        ForwardChannel
	ExternalUserID string
	MsgID          string
	InboxID        string
	Option         string
	Status         string
	Attempts       int
	LastError      string
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (d ForwardDelivery) Task() ForwardTask {
	return ForwardTask{
		Channel:        d.Channel,
		ExternalUserID: d.ExternalUserID,
		MsgID:          d.MsgID,
		InboxID:        d.InboxID,
		Option:         d.Option,
	}
}

// Terminal reports whether the delivery needs no further work.
func (d ForwardDelivery) Terminal() bool {
	return d.Status == ForwardStatusProcessed || d.Status == ForwardStatusDead
}

// CallbackResult is what the HTTP layer writes back to the platform.
type CallbackResult struct {
	Code int
	Body string
}
