package webhooks

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

const defaultAnswerTimeout = 200 * time.Second

type answerRequest struct {
	Name   string `json:"name"`
	Option string `json:"option"`
}

// AnswerClient posts a question to the answering webhook. The response body
// is returned as-is and treated as opaque answer text.
type AnswerClient struct {
	transport core.TransportAdapter
	url       string
	timeout   time.Duration
	logger    core.Logger
}

func NewAnswerClient(transport core.TransportAdapter, webhookURL string, timeout time.Duration, logger core.Logger) (*AnswerClient, error) {
	if transport == nil {
		return nil, core.BadInputError("webhooks: transport adapter is required", nil)
	}
	webhookURL = strings.TrimSpace(webhookURL)
	if webhookURL == "" {
		return nil, core.BadInputError("webhooks: answer webhook url is required", nil)
	}
	if timeout <= 0 {
		timeout = defaultAnswerTimeout
	}
	return &AnswerClient{
		transport: transport,
		url:       webhookURL,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

func (c *AnswerClient) Ask(ctx context.Context, name string, option string) (string, error) {
	body, err := json.Marshal(answerRequest{Name: name, Option: option})
	if err != nil {
		return "", core.WrapError(err, goerrors.CategoryInternal, "webhooks: encode answer request", http.StatusInternalServerError, core.ErrorInternal, nil)
	}
	res, err := c.transport.Do(ctx, core.TransportRequest{
		Method:  http.MethodPost,
		URL:     c.url,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
		Timeout: c.timeout,
	})
	if err != nil {
		return "", err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", core.TransportError(nil, fmt.Sprintf("webhooks: answer webhook returned http %d", res.StatusCode), map[string]any{
			"status_code": res.StatusCode,
		})
	}
	core.Log(ctx, c.logger, "debug", "webhooks: answer received", map[string]any{
		"external_userid": name,
		"attempts":        res.Attempts,
		"bytes":           len(res.Body),
	})
	return string(res.Body), nil
}

var _ core.AnswerClient = (*AnswerClient)(nil)
