package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-wecom/core"
)

const KindREST = "rest"

const defaultRESTClientTimeout = 30 * time.Second
const defaultRESTResponseBodyLimit int64 = 10 << 20 // 10 MiB

type RESTAdapter struct {
	Client               core.HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	Retry                RetryPolicy
	// Sleep waits between attempts; it must return early when ctx is done.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger core.Logger
}

func NewRESTAdapter(client core.HTTPDoer) *RESTAdapter {
	if client == nil {
		client = &http.Client{Timeout: defaultRESTClientTimeout}
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{"Content-Type": "application/json"},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
		Retry:                DefaultRetryPolicy(),
		Sleep:                sleepContext,
	}
}

// NewRESTAdapterFromConfig builds an adapter with the api.* retry and limit settings.
func NewRESTAdapterFromConfig(client core.HTTPDoer, cfg core.APIConfig, logger core.Logger) *RESTAdapter {
	adapter := NewRESTAdapter(client)
	adapter.Retry = RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.Backoff(),
		MaxBackoff: cfg.MaxBackoff(),
	}
	if cfg.ResponseLimitBytes > 0 {
		adapter.MaxResponseBodyBytes = cfg.ResponseLimitBytes
	}
	adapter.Logger = logger
	return adapter
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

// Do sends req, retrying network failures and retryable statuses with
// exponential backoff. Other non-2xx responses are returned as is.
func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, transportError(
			"transport: rest adapter requires an http client",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			map[string]any{"adapter": KindREST},
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	method := strings.TrimSpace(strings.ToUpper(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	parsedURL, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil {
		return core.TransportResponse{}, transportWrapError(
			err,
			goerrors.CategoryBadInput,
			"transport: invalid request url",
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST},
		)
	}
	if parsedURL.String() == "" {
		return core.TransportResponse{}, transportError(
			"transport: request url is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			map[string]any{"adapter": KindREST},
		)
	}

	query := parsedURL.Query()
	for key, value := range req.Query {
		if strings.TrimSpace(key) == "" {
			continue
		}
		query.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	parsedURL.RawQuery = query.Encode()
	// never log the query: it carries access_token
	target := parsedURL.Scheme + "://" + parsedURL.Host + parsedURL.Path

	policy := a.Retry.normalized()
	startedAt := time.Now().UTC()
	for attempt := 1; ; attempt++ {
		res, retryable, err := a.once(ctx, method, parsedURL.String(), target, req)
		final := attempt > policy.MaxRetries || !retryable || ctx.Err() != nil
		if !final {
			delay := policy.Delay(attempt)
			core.Log(ctx, a.Logger, "debug", "transport: retrying request", core.ErrorFields(err, map[string]any{
				"method":      method,
				"url":         target,
				"attempt":     attempt,
				"status_code": res.StatusCode,
				"delay_ms":    delay.Milliseconds(),
			}))
			if sleepErr := a.sleep(ctx, delay); sleepErr == nil {
				continue
			}
			final = true
		}

		if err != nil {
			return core.TransportResponse{}, transportWrapError(
				err,
				goerrors.CategoryExternal,
				"transport: execute http request",
				http.StatusBadGateway,
				map[string]any{"adapter": KindREST, "method": method, "url": target, "attempts": attempt},
			)
		}
		if retryable {
			return core.TransportResponse{}, transportError(
				fmt.Sprintf("transport: retries exhausted with status %d", res.StatusCode),
				goerrors.CategoryExternal,
				http.StatusBadGateway,
				map[string]any{"adapter": KindREST, "method": method, "url": target, "attempts": attempt, "status_code": res.StatusCode},
			)
		}
		res.Attempts = attempt
		res.Metadata = map[string]any{
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"kind":        KindREST,
		}
		return res, nil
	}
}

// once performs a single attempt. retryable reports whether the failure
// (network error or status) may be retried.
func (a *RESTAdapter) once(
	ctx context.Context,
	method string,
	rawURL string,
	target string,
	req core.TransportRequest,
) (core.TransportResponse, bool, error) {
	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, rawURL, bytes.NewReader(req.Body))
	if err != nil {
		return core.TransportResponse{}, false, err
	}
	for key, value := range a.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	for key, value := range req.Headers {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = target
		}
		return core.TransportResponse{}, !errors.Is(err, context.Canceled), err
	}
	defer httpRes.Body.Close()

	maxBodyBytes := resolveResponseBodyLimit(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes)
	body, err := io.ReadAll(io.LimitReader(httpRes.Body, maxBodyBytes+1))
	if err != nil {
		return core.TransportResponse{StatusCode: httpRes.StatusCode}, true, err
	}
	if int64(len(body)) > maxBodyBytes {
		return core.TransportResponse{StatusCode: httpRes.StatusCode}, false, fmt.Errorf(
			"response body from %s exceeds limit of %d bytes", target, maxBodyBytes,
		)
	}

	res := core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    flattenHeaders(httpRes.Header),
		Body:       body,
	}
	return res, a.Retry.normalized().Retryable(httpRes.StatusCode), nil
}

func (a *RESTAdapter) sleep(ctx context.Context, d time.Duration) error {
	if a.Sleep != nil {
		return a.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func resolveResponseBodyLimit(requestLimit int64, adapterLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if adapterLimit > 0 {
		return adapterLimit
	}
	return defaultRESTResponseBodyLimit
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
