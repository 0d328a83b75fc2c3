package server

import (
	"context"
	"io"
	"net/http"

	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/inbound"
	"github.com/labstack/echo/v4"
)

const defaultBodyLimit int64 = 1 << 20

// CallbackProcessor is the inbound pipeline behind the callback URL.
type CallbackProcessor interface {
	Process(ctx context.Context, env core.InboundEnvelope) core.CallbackResult
	Verify(ctx context.Context, req core.ChallengeRequest) (string, error)
}

// CallbackHandler serves the verification and delivery routes of the
// callback URL.
type CallbackHandler struct {
	processor CallbackProcessor
	bodyLimit int64
	logger    core.Logger
}

func NewCallbackHandler(processor CallbackProcessor, bodyLimit int64, logger core.Logger) (*CallbackHandler, error) {
	if processor == nil {
		return nil, core.BadInputError("server: callback processor is required", nil)
	}
	if bodyLimit <= 0 {
		bodyLimit = defaultBodyLimit
	}
	return &CallbackHandler{processor: processor, bodyLimit: bodyLimit, logger: logger}, nil
}

func (h *CallbackHandler) Register(e *echo.Echo) {
	e.GET("/", h.HandleVerify)
	e.POST("/", h.HandleDelivery)
	e.GET("/healthz", h.HandleHealth)
}

// HandleVerify answers the URL-ownership challenge with the decrypted echostr.
func (h *CallbackHandler) HandleVerify(c echo.Context) error {
	echoStr, err := h.processor.Verify(c.Request().Context(), core.ChallengeRequest{
		Signature: c.QueryParam("msg_signature"),
		Timestamp: c.QueryParam("timestamp"),
		Nonce:     c.QueryParam("nonce"),
		Echo:      c.QueryParam("echostr"),
	})
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	return c.String(http.StatusOK, echoStr)
}

// HandleDelivery runs one encrypted callback through the pipeline. Only
// codec and parse failures change the status; everything else is a 200.
func (h *CallbackHandler) HandleDelivery(c echo.Context) error {
	ctx := c.Request().Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, h.bodyLimit+1))
	if err != nil {
		core.LogWarn(ctx, h.logger, "server: read callback body failed", core.ErrorFields(err, nil))
		return c.String(http.StatusBadRequest, inbound.BodyDecryptFailed)
	}
	if int64(len(payload)) > h.bodyLimit {
		core.LogWarn(ctx, h.logger, "server: callback body too large", map[string]any{"limit": h.bodyLimit})
		return c.String(http.StatusBadRequest, inbound.BodyDecryptFailed)
	}

	result := h.processor.Process(ctx, core.InboundEnvelope{
		Signature:  c.QueryParam("msg_signature"),
		Timestamp:  c.QueryParam("timestamp"),
		Nonce:      c.QueryParam("nonce"),
		Ciphertext: payload,
	})
	status := http.StatusOK
	if result.Code != core.ProcessCodeOK {
		status = http.StatusBadRequest
	}
	return c.String(status, result.Body)
}

func (h *CallbackHandler) HandleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
