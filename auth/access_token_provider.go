// Package auth issues and caches WeCom access tokens, one per corp secret.
package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-wecom/core"
	wecomapi "github.com/goliatone/go-wecom/providers/wecom"
)

const accessTokenCacheKeyPrefix = "go-wecom::access_token::v1"

// DefaultTokenTTL stays under the 7200s lifetime the platform issues.
const DefaultTokenTTL = 7000 * time.Second

// TokenFetcher issues a token for corpID and secret.
type TokenFetcher func(ctx context.Context, corpID string, secret string) (wecomapi.AccessToken, error)

type AccessTokenProviderConfig struct {
	CorpID  string
	Secrets core.SecretsConfig
	Fetch   TokenFetcher
	Cache   repositorycache.CacheService
	Logger  core.Logger
}

// AccessTokenProvider serves tokens from the cache and fetches on a miss.
type AccessTokenProvider struct {
	corpID  string
	secrets core.SecretsConfig
	fetch   TokenFetcher
	cache   repositorycache.CacheService
	logger  core.Logger
}

func NewAccessTokenProvider(cfg AccessTokenProviderConfig) (*AccessTokenProvider, error) {
	if strings.TrimSpace(cfg.CorpID) == "" {
		return nil, core.BadInputError("auth: corp id is required", nil)
	}
	if cfg.Fetch == nil {
		return nil, core.BadInputError("auth: token fetcher is required", nil)
	}
	if cfg.Cache == nil {
		return nil, core.BadInputError("auth: token cache service is required", nil)
	}
	return &AccessTokenProvider{
		corpID:  strings.TrimSpace(cfg.CorpID),
		secrets: cfg.Secrets,
		fetch:   cfg.Fetch,
		cache:   cfg.Cache,
		logger:  cfg.Logger,
	}, nil
}

// NewTokenCache builds the in-process cache used for access tokens.
func NewTokenCache(ttl time.Duration) (repositorycache.CacheService, error) {
	config := repositorycache.DefaultConfig()
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	config.TTL = ttl
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		return nil, fmt.Errorf("auth: new token cache: %w", err)
	}
	return service, nil
}

// FetchWith returns a TokenFetcher calling gettoken through transport.
func FetchWith(transport core.TransportAdapter, baseURL string) TokenFetcher {
	return func(ctx context.Context, corpID string, secret string) (wecomapi.AccessToken, error) {
		return wecomapi.FetchAccessToken(ctx, transport, baseURL, corpID, secret)
	}
}

// AccessTokenCacheKey is go-wecom::access_token::v1::<corpid>::<kind>.
func AccessTokenCacheKey(corpID string, kind core.SecretKind) string {
	return strings.Join([]string{
		accessTokenCacheKeyPrefix,
		url.PathEscape(strings.TrimSpace(corpID)),
		url.PathEscape(string(kind)),
	}, "::")
}

func (p *AccessTokenProvider) AccessToken(ctx context.Context, kind core.SecretKind) (string, error) {
	if p == nil {
		return "", core.InternalError("auth: access token provider is not configured", nil)
	}
	secret, err := p.secretFor(kind)
	if err != nil {
		return "", err
	}
	key := AccessTokenCacheKey(p.corpID, kind)
	return repositorycache.GetOrFetch(ctx, p.cache, key, func(ctx context.Context) (string, error) {
		token, fetchErr := p.fetch(ctx, p.corpID, secret)
		if fetchErr != nil {
			core.LogWarn(ctx, p.logger, "auth: fetch access token failed", core.ErrorFields(fetchErr, map[string]any{
				"secret_kind": string(kind),
			}))
			return "", fetchErr
		}
		core.Log(ctx, p.logger, "debug", "auth: access token issued", map[string]any{
			"secret_kind": string(kind),
			"expires_in":  token.ExpiresIn.Seconds(),
		})
		return token.Value, nil
	})
}

// Invalidate drops the cached token so the next call fetches a new one.
func (p *AccessTokenProvider) Invalidate(ctx context.Context, kind core.SecretKind) error {
	if p == nil {
		return nil
	}
	return p.cache.Delete(ctx, AccessTokenCacheKey(p.corpID, kind))
}

func (p *AccessTokenProvider) secretFor(kind core.SecretKind) (string, error) {
	var secret string
	switch kind {
	case core.SecretApp:
		secret = p.secrets.App
	case core.SecretContact:
		secret = p.secrets.Contact
	case core.SecretKF:
		secret = p.secrets.KF
	default:
		return "", core.BadInputError(fmt.Sprintf("auth: unknown secret kind %q", kind), nil)
	}
	if strings.TrimSpace(secret) == "" {
		return "", core.BadInputError(fmt.Sprintf("auth: %s secret is not configured", kind), map[string]any{
			"secret_kind": string(kind),
		})
	}
	return strings.TrimSpace(secret), nil
}

var _ core.TokenProvider = (*AccessTokenProvider)(nil)
