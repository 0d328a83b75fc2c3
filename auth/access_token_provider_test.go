package auth

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-wecom/core"
	"github.com/goliatone/go-wecom/providers/devkit"
	wecomapi "github.com/goliatone/go-wecom/providers/wecom"
)

type countingFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	err     error
	counter int
}

func (f *countingFetcher) fetch(_ context.Context, _ string, secret string) (wecomapi.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[secret]++
	if f.err != nil {
		return wecomapi.AccessToken{}, f.err
	}
	f.counter++
	return wecomapi.AccessToken{Value: secret + "-token-" + strconv.Itoa(f.counter), ExpiresIn: 2 * time.Hour}, nil
}

func newTestProvider(t *testing.T, fetcher *countingFetcher) *AccessTokenProvider {
	t.Helper()
	cache, err := NewTokenCache(time.Minute)
	if err != nil {
		t.Fatalf("new token cache: %v", err)
	}
	provider, err := NewAccessTokenProvider(AccessTokenProviderConfig{
		CorpID:  "ww-corp",
		Secrets: core.SecretsConfig{App: "app", KF: "kf"},
		Fetch:   fetcher.fetch,
		Cache:   cache,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestAccessToken_CachesPerSecretKind(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{}
	provider := newTestProvider(t, fetcher)

	first, err := provider.AccessToken(ctx, core.SecretKF)
	if err != nil {
		t.Fatalf("kf token: %v", err)
	}
	second, err := provider.AccessToken(ctx, core.SecretKF)
	if err != nil {
		t.Fatalf("kf token again: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token %q, got %q", first, second)
	}
	app, err := provider.AccessToken(ctx, core.SecretApp)
	if err != nil {
		t.Fatalf("app token: %v", err)
	}
	if app == first {
		t.Fatalf("expected separate app token")
	}
	if fetcher.calls["kf"] != 1 || fetcher.calls["app"] != 1 {
		t.Fatalf("expected one fetch per secret, got %v", fetcher.calls)
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	ctx := context.Background()
	fetcher := &countingFetcher{}
	provider := newTestProvider(t, fetcher)

	first, _ := provider.AccessToken(ctx, core.SecretKF)
	if err := provider.Invalidate(ctx, core.SecretKF); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	second, err := provider.AccessToken(ctx, core.SecretKF)
	if err != nil {
		t.Fatalf("kf token after invalidate: %v", err)
	}
	if first == second || fetcher.calls["kf"] != 2 {
		t.Fatalf("expected a fresh token, got %q then %q (%v)", first, second, fetcher.calls)
	}
}

func TestAccessToken_MissingSecretIsBadInput(t *testing.T) {
	fetcher := &countingFetcher{}
	provider := newTestProvider(t, fetcher)

	_, err := provider.AccessToken(context.Background(), core.SecretContact)
	if !core.IsBadInputError(err) {
		t.Fatalf("expected bad input for unset contact secret, got %v", err)
	}
	if len(fetcher.calls) != 0 {
		t.Fatalf("expected no fetch, got %v", fetcher.calls)
	}
}

func TestAccessToken_FetchErrorPropagates(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("gettoken down")}
	provider := newTestProvider(t, fetcher)

	if _, err := provider.AccessToken(context.Background(), core.SecretKF); err == nil {
		t.Fatalf("expected fetch error")
	}
}

func TestFetchWith_UsesGetToken(t *testing.T) {
	transport := devkit.NewFakeTransportAdapter(devkit.JSON(`{"errcode":0,"access_token":"abc","expires_in":7200}`))
	cache, err := NewTokenCache(0)
	if err != nil {
		t.Fatalf("new token cache: %v", err)
	}
	provider, err := NewAccessTokenProvider(AccessTokenProviderConfig{
		CorpID:  "ww-corp",
		Secrets: core.SecretsConfig{KF: "kf-secret"},
		Fetch:   FetchWith(transport, "https://qyapi.example.com"),
		Cache:   cache,
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	token, err := provider.AccessToken(context.Background(), core.SecretKF)
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if token != "abc" {
		t.Fatalf("expected abc, got %q", token)
	}
	req := transport.Requests()[0]
	if req.Query["corpsecret"] != "kf-secret" || req.Query["corpid"] != "ww-corp" {
		t.Fatalf("unexpected gettoken query %+v", req.Query)
	}
}

func TestAccessTokenCacheKey(t *testing.T) {
	key := AccessTokenCacheKey(" ww corp ", core.SecretKF)
	if key != "go-wecom::access_token::v1::ww%20corp::kf" {
		t.Fatalf("unexpected cache key %q", key)
	}
}
