package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource issues bearer tokens per tenant
type TokenSource interface {
	Token(ctx context.Context, tenant string) (string, error)
	Invalidate(tenant string)
}

// TokenProvider keeps one caching client-credentials source per tenant
type TokenProvider struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	logger       zerolog.Logger

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewTokenProvider creates a token provider for the upstream token endpoint
func NewTokenProvider(tokenURL, clientID, clientSecret string, httpClient *http.Client, logger zerolog.Logger) *TokenProvider {
	return &TokenProvider{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   httpClient,
		logger:       logger.With().Str("component", "token_provider").Logger(),
		sources:      make(map[string]oauth2.TokenSource),
	}
}

func (p *TokenProvider) source(tenant string) oauth2.TokenSource {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ts, ok := p.sources[tenant]; ok {
		return ts
	}

	cfg := clientcredentials.Config{
		ClientID:       p.clientID,
		ClientSecret:   p.clientSecret,
		TokenURL:       p.tokenURL,
		EndpointParams: url.Values{"account": {tenant}},
		// a fixed style keeps the library from repeating a failed request
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	// refreshes outlive the request that created the source
	ctx := context.Background()
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}
	ts := oauth2.ReuseTokenSource(nil, cfg.TokenSource(ctx))
	p.sources[tenant] = ts
	return ts
}

// Token returns the tenant's cached token, requesting a new one when it has
// expired. Token endpoint outages are transient; credential rejections wrap
// ErrUnauthorized.
func (p *TokenProvider) Token(ctx context.Context, tenant string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tok, err := p.source(tenant).Token()
	if err != nil {
		p.logger.Warn().Err(err).Str("tenant", tenant).Msg("token request failed")
		return "", tokenError(tenant, err)
	}
	return tok.AccessToken, nil
}

// Invalidate drops the tenant's source so the next Token call fetches afresh
func (p *TokenProvider) Invalidate(tenant string) {
	p.mu.Lock()
	delete(p.sources, tenant)
	p.mu.Unlock()
}

// tokenError classifies a token endpoint failure. A 429 or 5xx is transient,
// any other HTTP rejection is an authentication failure, and transport
// errors are kept unwrappable for Classify.
func tokenError(tenant string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return fmt.Errorf("%w: token endpoint returned %d for %s: %w", ErrTransient, code, tenant, err)
		}
		return fmt.Errorf("%w: token request for %s: %w", ErrUnauthorized, tenant, err)
	}
	return fmt.Errorf("token request for %s: %w", tenant, err)
}
