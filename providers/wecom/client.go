// Package wecom implements the WeCom REST calls the callback pipeline needs:
// access-token issuance, customer-service sync and send, and agent send.
package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-wecom/core"
)

const (
	PathGetToken  = "/cgi-bin/gettoken"
	PathSyncMsg   = "/cgi-bin/kf/sync_msg"
	PathKFSend    = "/cgi-bin/kf/send_msg"
	PathAgentSend = "/cgi-bin/message/send"

	msgTypeText = "text"

	defaultDuplicateCheckInterval = 1800
)

type Config struct {
	BaseURL string
	AgentID int
	Timeout time.Duration
}

// Client calls the WeCom API through a transport adapter. Tokens are taken
// from the provider per call; a rejected token is invalidated so the next
// call fetches a fresh one.
type Client struct {
	transport core.TransportAdapter
	tokens    core.TokenProvider
	cfg       Config
	logger    core.Logger
}

func NewClient(transport core.TransportAdapter, tokens core.TokenProvider, cfg Config, logger core.Logger) (*Client, error) {
	if transport == nil {
		return nil, core.BadInputError("providers/wecom: transport adapter is required", nil)
	}
	if tokens == nil {
		return nil, core.BadInputError("providers/wecom: token provider is required", nil)
	}
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL)
	return &Client{
		transport: transport,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// AccessToken is one issued bearer token.
type AccessToken struct {
	Value     string
	ExpiresIn time.Duration
}

// FetchAccessToken exchanges corpID and secret for an access token.
func FetchAccessToken(
	ctx context.Context,
	transport core.TransportAdapter,
	baseURL string,
	corpID string,
	secret string,
) (AccessToken, error) {
	if transport == nil {
		return AccessToken{}, core.BadInputError("providers/wecom: transport adapter is required", nil)
	}
	corpID = strings.TrimSpace(corpID)
	secret = strings.TrimSpace(secret)
	if corpID == "" || secret == "" {
		return AccessToken{}, core.BadInputError("providers/wecom: corp id and secret are required", nil)
	}
	res, err := transport.Do(ctx, core.TransportRequest{
		Method: http.MethodGet,
		URL:    normalizeBaseURL(baseURL) + PathGetToken,
		Query:  map[string]string{"corpid": corpID, "corpsecret": secret},
	})
	if err != nil {
		return AccessToken{}, err
	}
	var out tokenResponse
	if err := decodeResponse(PathGetToken, res, &out); err != nil {
		return AccessToken{}, err
	}
	if out.ErrCode != 0 {
		return AccessToken{}, businessError(PathGetToken, out.apiStatus)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return AccessToken{}, core.BusinessError("providers/wecom: gettoken returned an empty token", map[string]any{"path": PathGetToken})
	}
	return AccessToken{
		Value:     out.AccessToken,
		ExpiresIn: time.Duration(out.ExpiresIn) * time.Second,
	}, nil
}

// SyncMsg pulls one page of customer-service messages with the kf token.
func (c *Client) SyncMsg(ctx context.Context, req core.SyncRequest) (core.SyncBatch, error) {
	inboxID := strings.TrimSpace(req.InboxID)
	if inboxID == "" {
		return core.SyncBatch{}, core.BadInputError("providers/wecom: open_kfid is required", nil)
	}
	limit := req.Limit
	if limit <= 0 || limit > core.MaxPageSize {
		limit = core.DefaultPageSize
	}

	var out syncMsgResponse
	err := c.call(ctx, core.SecretKF, PathSyncMsg, syncMsgRequest{
		Cursor:      req.Cursor,
		Token:       strings.TrimSpace(req.Token),
		Limit:       limit,
		VoiceFormat: req.VoiceFmt,
		OpenKfID:    inboxID,
	}, &out)
	if err != nil {
		return core.SyncBatch{}, err
	}

	batch := core.SyncBatch{
		NextCursor: strings.TrimSpace(out.NextCursor),
		HasMore:    out.HasMore != 0,
		Messages:   make([]core.RawMessage, 0, len(out.MsgList)),
	}
	for _, raw := range out.MsgList {
		message, err := decodeSyncMessage(raw)
		if err != nil {
			return core.SyncBatch{}, core.TransportError(err, "providers/wecom: decode sync message", map[string]any{"path": PathSyncMsg})
		}
		batch.Messages = append(batch.Messages, message)
	}
	return batch, nil
}

// SendKFText sends a text message to a customer. MsgID is passed only when set.
func (c *Client) SendKFText(ctx context.Context, reply core.OutboundReply) error {
	if strings.TrimSpace(reply.ToUser) == "" || strings.TrimSpace(reply.InboxID) == "" {
		return core.BadInputError("providers/wecom: kf send needs touser and open_kfid", nil)
	}
	return c.call(ctx, core.SecretKF, PathKFSend, kfSendRequest{
		ToUser:   strings.TrimSpace(reply.ToUser),
		OpenKfID: strings.TrimSpace(reply.InboxID),
		MsgID:    strings.TrimSpace(reply.MsgID),
		MsgType:  msgTypeText,
		Text:     textBody{Content: reply.Content},
	}, nil)
}

// SendAgentText sends an application message to an internal user with the app token.
func (c *Client) SendAgentText(ctx context.Context, reply core.AgentReply) error {
	if strings.TrimSpace(reply.ToUser) == "" {
		return core.BadInputError("providers/wecom: agent send needs touser", nil)
	}
	return c.call(ctx, core.SecretApp, PathAgentSend, agentSendRequest{
		ToUser:                 strings.TrimSpace(reply.ToUser),
		MsgType:                msgTypeText,
		AgentID:                c.cfg.AgentID,
		Text:                   textBody{Content: reply.Content},
		DuplicateCheckInterval: defaultDuplicateCheckInterval,
	}, nil)
}

func (c *Client) call(ctx context.Context, kind core.SecretKind, path string, payload any, out any) error {
	token, err := c.tokens.AccessToken(ctx, kind)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal, "providers/wecom: encode request", http.StatusInternalServerError, core.ErrorInternal, map[string]any{"path": path})
	}
	res, err := c.transport.Do(ctx, core.TransportRequest{
		Method:  http.MethodPost,
		URL:     c.cfg.BaseURL + path,
		Query:   map[string]string{"access_token": token},
		Body:    body,
		Timeout: c.cfg.Timeout,
	})
	if err != nil {
		return err
	}

	var status apiStatus
	if err := decodeResponse(path, res, &status); err != nil {
		return err
	}
	if status.ErrCode != 0 {
		if tokenRejected(status.ErrCode) {
			if invalidateErr := c.tokens.Invalidate(ctx, kind); invalidateErr != nil {
				core.LogWarn(ctx, c.logger, "providers/wecom: invalidate token failed", core.ErrorFields(invalidateErr, map[string]any{
					"secret_kind": string(kind),
				}))
			}
		}
		return businessError(path, status)
	}
	if out != nil {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return core.TransportError(err, "providers/wecom: decode response", map[string]any{"path": path})
		}
	}
	core.Log(ctx, c.logger, "debug", "providers/wecom: call succeeded", map[string]any{
		"path":     path,
		"attempts": res.Attempts,
	})
	return nil
}

func decodeResponse(path string, res core.TransportResponse, out any) error {
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return core.TransportError(nil, fmt.Sprintf("providers/wecom: %s returned http %d", path, res.StatusCode), map[string]any{
			"path":        path,
			"status_code": res.StatusCode,
		})
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return core.TransportError(err, "providers/wecom: decode response", map[string]any{"path": path})
	}
	return nil
}

func decodeSyncMessage(raw json.RawMessage) (core.RawMessage, error) {
	var typed syncMessage
	if err := json.Unmarshal(raw, &typed); err != nil {
		return core.RawMessage{}, err
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return core.RawMessage{}, err
	}
	message := core.RawMessage{
		ExternalUserID: typed.ExternalUserID,
		MsgID:          typed.MsgID,
		InboxID:        typed.OpenKfID,
		Type:           typed.MsgType,
		Origin:         typed.Origin,
		SendTime:       typed.SendTime,
		Payload:        payload,
	}
	if typed.Text != nil {
		message.Content = typed.Text.Content
	}
	return message, nil
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return core.DefaultAPIBaseURL
	}
	return raw
}

var (
	_ core.MessageSyncer = (*Client)(nil)
	_ core.KFSender      = (*Client)(nil)
	_ core.AgentSender   = (*Client)(nil)
)
