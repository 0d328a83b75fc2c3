package core

import (
	"context"
	"net/http"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// EnvelopeCodec is the platform message-crypto contract.
type EnvelopeCodec interface {
	VerifyChallenge(req ChallengeRequest) (string, error)
	Decrypt(env InboundEnvelope) ([]byte, error)
}

// MessageParser turns decrypted XML into a field map.
type MessageParser interface {
	Parse(xml []byte) (ParsedMessage, error)
}

// CursorStore keeps resume points per inbox. Consume removes the oldest
// cursor of the inbox and returns it; found is false when none exists.
type CursorStore interface {
	Consume(ctx context.Context, inboxID string) (cursor Cursor, found bool, err error)
	Append(ctx context.Context, inboxID string, value string) (Cursor, error)
	Restore(ctx context.Context, cursor Cursor) error
	List(ctx context.Context, inboxID string) ([]Cursor, error)
}

type MessageSyncer interface {
	SyncMsg(ctx context.Context, req SyncRequest) (SyncBatch, error)
}

type KFSender interface {
	SendKFText(ctx context.Context, reply OutboundReply) error
}

type AgentSender interface {
	SendAgentText(ctx context.Context, reply AgentReply) error
}

// AnswerClient calls the external answering webhook.
type AnswerClient interface {
	Ask(ctx context.Context, name string, option string) (string, error)
}

// ForwardScheduler hands a forward to the supervised worker pool.
type ForwardScheduler interface {
	Schedule(ctx context.Context, task ForwardTask) error
}

// ForwardStager splits Schedule in two. Stage durably records the forward
// as pending and reports false for a forward that was already recorded.
// Enqueue hands a staged forward to the worker pool.
type ForwardStager interface {
	ForwardScheduler
	Stage(ctx context.Context, task ForwardTask) (key string, staged bool, err error)
	Enqueue(ctx context.Context, key string) error
}

// ForwardLedger is the durable idempotency record for forwards.
type ForwardLedger interface {
	Reserve(ctx context.Context, task ForwardTask) (delivery ForwardDelivery, duplicate bool, err error)
	Get(ctx context.Context, key string) (ForwardDelivery, error)
	Claim(ctx context.Context, key string) (delivery ForwardDelivery, claimed bool, err error)
	Complete(ctx context.Context, key string) error
	Fail(ctx context.Context, key string, cause error, nextAttemptAt time.Time, dead bool) error
	ListRecoverable(ctx context.Context, limit int) ([]ForwardDelivery, error)
	// ReleaseClaims returns every processing row to retry_ready. It is only
	// safe while no worker of this process holds a claim.
	ReleaseClaims(ctx context.Context) (int, error)
}

// MetricsRecorder receives pipeline counters and histograms.
type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// SecretKind selects which corp secret an access token is issued for.
type SecretKind string

const (
	SecretApp     SecretKind = "app"
	SecretContact SecretKind = "contact"
	SecretKF      SecretKind = "kf"
)

type TokenProvider interface {
	AccessToken(ctx context.Context, kind SecretKind) (string, error)
	Invalidate(ctx context.Context, kind SecretKind) error
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Attempts   int
	Metadata   map[string]any
}

type TransportAdapter interface {
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
