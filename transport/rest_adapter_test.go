package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-wecom/core"
)

type scriptedStep struct {
	status int
	body   string
	err    error
}

type scriptedDoer struct {
	steps    []scriptedStep
	requests []*http.Request
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	idx := len(d.requests) - 1
	if idx >= len(d.steps) {
		idx = len(d.steps) - 1
	}
	step := d.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	return &http.Response{
		StatusCode: step.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(step.body)),
	}, nil
}

var _ core.HTTPDoer = (*scriptedDoer)(nil)

func newTestAdapter(doer core.HTTPDoer, sleeps *[]time.Duration) *RESTAdapter {
	adapter := NewRESTAdapter(doer)
	adapter.Sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return adapter
}

func TestRESTAdapter_RetriesRetryableStatusWithBackoff(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{
		{status: http.StatusServiceUnavailable},
		{status: http.StatusTooManyRequests},
		{status: http.StatusOK, body: `{"errcode":0}`},
	}}
	var sleeps []time.Duration
	adapter := newTestAdapter(doer, &sleeps)

	res, err := adapter.Do(context.Background(), core.TransportRequest{
		Method: http.MethodPost,
		URL:    "https://qyapi.example/cgi-bin/kf/sync_msg",
		Query:  map[string]string{"access_token": "tok"},
		Body:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if res.StatusCode != http.StatusOK || string(res.Body) != `{"errcode":0}` {
		t.Fatalf("unexpected response %#v", res)
	}
	if res.Attempts != 3 || len(doer.requests) != 3 {
		t.Fatalf("expected 3 attempts, got %d (%d requests)", res.Attempts, len(doer.requests))
	}
	if len(sleeps) != 2 || sleeps[0] != 300*time.Millisecond || sleeps[1] != 600*time.Millisecond {
		t.Fatalf("expected exponential backoff, got %v", sleeps)
	}
	if got := doer.requests[2].URL.Query().Get("access_token"); got != "tok" {
		t.Fatalf("expected access token query, got %q", got)
	}
	body, _ := io.ReadAll(doer.requests[2].Body)
	if string(body) != `{}` {
		t.Fatalf("expected body resent on retry, got %q", body)
	}
}

func TestRESTAdapter_ExhaustedRetriesReturnTransportError(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{{status: http.StatusBadGateway}}}
	var sleeps []time.Duration
	adapter := newTestAdapter(doer, &sleeps)

	_, err := adapter.Do(context.Background(), core.TransportRequest{Method: http.MethodGet, URL: "https://qyapi.example/x"})
	if !core.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(doer.requests) != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", len(doer.requests))
	}
}

func TestRESTAdapter_NetworkErrorIsRetried(t *testing.T) {
	timeout := errors.New("i/o timeout")
	doer := &scriptedDoer{steps: []scriptedStep{{err: timeout}}}
	var sleeps []time.Duration
	adapter := newTestAdapter(doer, &sleeps)
	adapter.Retry.MaxRetries = 2

	_, err := adapter.Do(context.Background(), core.TransportRequest{URL: "https://qyapi.example/x"})
	if !core.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !errors.Is(err, timeout) {
		t.Fatalf("expected cause preserved")
	}
	if len(doer.requests) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(doer.requests))
	}
}

func TestRESTAdapter_NonRetryableStatusReturnsResponse(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{{status: http.StatusBadRequest, body: "bad"}}}
	var sleeps []time.Duration
	res, err := newTestAdapter(doer, &sleeps).Do(context.Background(), core.TransportRequest{URL: "https://qyapi.example/x"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if res.StatusCode != http.StatusBadRequest || len(doer.requests) != 1 || len(sleeps) != 0 {
		t.Fatalf("expected single attempt with 400, got %d after %d", res.StatusCode, len(doer.requests))
	}
}

func TestRESTAdapter_ResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 4

	_, err := adapter.Do(context.Background(), core.TransportRequest{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorTransport {
		t.Fatalf("expected %q text code, got %q", core.ErrorTransport, rich.TextCode)
	}
	if rich.Code != http.StatusBadGateway {
		t.Fatalf("expected %d code, got %d", http.StatusBadGateway, rich.Code)
	}
}

func TestRESTAdapter_NilReturnsRichError(t *testing.T) {
	var adapter *RESTAdapter
	_, err := adapter.Do(context.Background(), core.TransportRequest{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != core.ErrorInternal {
		t.Fatalf("expected %q text code, got %q", core.ErrorInternal, rich.TextCode)
	}
}

func TestRESTAdapter_CanceledContextStopsRetrying(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{{status: http.StatusServiceUnavailable}}}
	adapter := NewRESTAdapter(doer)
	ctx, cancel := context.WithCancel(context.Background())
	adapter.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := adapter.Do(ctx, core.TransportRequest{URL: "https://qyapi.example/x"})
	if !core.IsTransportError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(doer.requests) != 1 {
		t.Fatalf("expected retries to stop after cancel, got %d", len(doer.requests))
	}
}

func TestRetryPolicy_DelayIsCapped(t *testing.T) {
	policy := RetryPolicy{Backoff: time.Second, MaxBackoff: 3 * time.Second}
	for retry, want := range map[int]time.Duration{0: 0, 1: time.Second, 2: 2 * time.Second, 3: 3 * time.Second, 8: 3 * time.Second} {
		if got := policy.Delay(retry); got != want {
			t.Fatalf("retry %d: expected %s, got %s", retry, want, got)
		}
	}
	if !DefaultRetryPolicy().Retryable(http.StatusGatewayTimeout) || DefaultRetryPolicy().Retryable(http.StatusNotFound) {
		t.Fatalf("unexpected retryable set")
	}
}

func TestRESTAdapter_DoSendsMethodHeadersAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST method, got %s", r.Method)
		}
		if got := r.URL.Query().Get("access_token"); got != "tok" {
			t.Fatalf("expected access token query, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("expected default json content type, got %q", got)
		}
		if got := r.Header.Get("X-Request-Id"); got != "req-1" {
			t.Fatalf("expected request header, got %q", got)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		if string(body) != `{"open_kfid":"wk-1"}` {
			t.Fatalf("unexpected request body %q", body)
		}
		w.Header().Set("X-Server", "ok")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"errcode":0}`))
	}))
	defer server.Close()

	result, err := NewRESTAdapter(server.Client()).Do(context.Background(), core.TransportRequest{
		Method:  http.MethodPost,
		URL:     server.URL + "/cgi-bin/kf/sync_msg",
		Query:   map[string]string{"access_token": "tok"},
		Headers: map[string]string{"X-Request-Id": "req-1"},
		Body:    []byte(`{"open_kfid":"wk-1"}`),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("perform rest request: %v", err)
	}
	if result.StatusCode != http.StatusAccepted || string(result.Body) != `{"errcode":0}` {
		t.Fatalf("unexpected response %d %q", result.StatusCode, result.Body)
	}
	if result.Headers["X-Server"] != "ok" {
		t.Fatalf("expected response header")
	}
}

func TestNewRESTAdapter_DefaultClientTimeout(t *testing.T) {
	adapter := NewRESTAdapter(nil)
	httpClient, ok := adapter.Client.(*http.Client)
	if !ok {
		t.Fatalf("expected default http client implementation")
	}
	if httpClient.Timeout != defaultRESTClientTimeout {
		t.Fatalf("expected default timeout %s, got %s", defaultRESTClientTimeout, httpClient.Timeout)
	}
	if adapter.MaxResponseBodyBytes != defaultRESTResponseBodyLimit {
		t.Fatalf("expected default response body limit %d, got %d", defaultRESTResponseBodyLimit, adapter.MaxResponseBodyBytes)
	}
}

func TestNewRESTAdapterFromConfig_AppliesRetrySettings(t *testing.T) {
	adapter := NewRESTAdapterFromConfig(&scriptedDoer{}, core.APIConfig{
		MaxRetries:         1,
		BackoffMillis:      50,
		MaxBackoffMillis:   200,
		ResponseLimitBytes: 2048,
	}, nil)
	if adapter.Retry.MaxRetries != 1 || adapter.Retry.Backoff != 50*time.Millisecond || adapter.Retry.MaxBackoff != 200*time.Millisecond {
		t.Fatalf("unexpected retry policy %+v", adapter.Retry)
	}
	if adapter.MaxResponseBodyBytes != 2048 {
		t.Fatalf("expected configured response limit, got %d", adapter.MaxResponseBodyBytes)
	}
}

func TestRESTAdapter_RequestBodyLimitOverridesAdapterLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 1024

	_, err := adapter.Do(context.Background(), core.TransportRequest{
		Method:               http.MethodGet,
		URL:                  server.URL,
		MaxResponseBodyBytes: 4,
	})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}
	if !strings.Contains(err.Error(), "exceeds limit of 4 bytes") {
		t.Fatalf("unexpected error: %v", err)
	}
}
