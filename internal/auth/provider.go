// Package auth acquires app-only access tokens with the OAuth2 client
// credentials grant, one per resource (the SharePoint host and Graph), and
// attaches them to outgoing requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/tonimelisma/m365-go/internal/sdkerr"
)

// DefaultAuthority is the Microsoft identity platform host.
const DefaultAuthority = "https://login.microsoftonline.com"

// expirySkew renews tokens this long before they expire.
const expirySkew = 5 * time.Minute

// Cache persists tokens between runs. *tokencache.Store implements it.
type Cache interface {
	Get(ctx context.Context, key string) (*oauth2.Token, error)
	Put(ctx context.Context, key string, tok *oauth2.Token) error
}

// Config configures a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Authority overrides DefaultAuthority, for sovereign clouds and tests.
	Authority string

	HTTPClient *http.Client
	Cache      Cache
	Logger     *slog.Logger
}

// Provider hands out access tokens per resource. Tokens are checked for
// expiry when requested; nothing refreshes them in the background. Safe
// for concurrent use.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	tokens map[string]*oauth2.Token

	// nowFunc is injectable for deterministic expiry tests.
	nowFunc func() time.Time
}

// NewProvider validates cfg and returns a provider.
func NewProvider(cfg Config) (*Provider, error) {
	var errs []error

	if cfg.TenantID == "" {
		errs = append(errs, errors.New("tenant id is required"))
	}

	if cfg.ClientID == "" {
		errs = append(errs, errors.New("client id is required"))
	}

	if cfg.ClientSecret == "" {
		errs = append(errs, errors.New("client secret is required"))
	}

	if len(errs) > 0 {
		return nil, sdkerr.NewClientError(sdkerr.ErrMissingArgument, "auth: %v", errors.Join(errs...))
	}

	if cfg.Authority == "" {
		cfg.Authority = DefaultAuthority
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		cfg:     cfg,
		logger:  logger,
		tokens:  make(map[string]*oauth2.Token),
		nowFunc: time.Now,
	}, nil
}

// AuthenticateRequest implements transport.Authenticator.
func (p *Provider) AuthenticateRequest(ctx context.Context, resource string, req *http.Request) error {
	tok, err := p.AccessToken(ctx, resource)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+tok)

	return nil
}

// AccessToken returns a token for resource. Without scopes the resource's
// ".default" scope is requested.
func (p *Provider) AccessToken(ctx context.Context, resource string, scopes ...string) (string, error) {
	if len(scopes) == 0 {
		scopes = []string{strings.TrimRight(resource, "/") + "/.default"}
	}

	key := p.cacheKey(scopes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if tok := p.tokens[key]; p.fresh(tok) {
		return tok.AccessToken, nil
	}

	if p.cfg.Cache != nil {
		tok, err := p.cfg.Cache.Get(ctx, key)
		if err != nil {
			p.logger.Warn("token cache read failed", slog.String("error", err.Error()))
		} else if p.fresh(tok) {
			p.tokens[key] = tok
			p.logger.Debug("token loaded from cache", slog.String("resource", resource))

			return tok.AccessToken, nil
		}
	}

	tok, err := p.acquire(ctx, scopes)
	if err != nil {
		return "", err
	}

	p.tokens[key] = tok

	if p.cfg.Cache != nil {
		if err := p.cfg.Cache.Put(ctx, key, tok); err != nil {
			p.logger.Warn("token cache write failed", slog.String("error", err.Error()))
		}
	}

	p.logger.Info("access token acquired",
		slog.String("resource", resource),
		slog.Time("expiry", tok.Expiry),
	)

	return tok.AccessToken, nil
}

func (p *Provider) acquire(ctx context.Context, scopes []string) (*oauth2.Token, error) {
	cc := &clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     strings.TrimRight(p.cfg.Authority, "/") + "/" + p.cfg.TenantID + "/oauth2/v2.0/token",
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}

	tok, err := cc.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}

			return nil, sdkerr.ParseAuthError(status, re.Body)
		}

		return nil, &sdkerr.AuthenticationError{Code: "token_request_failed", Description: err.Error(), Err: err}
	}

	if tok.Expiry.IsZero() {
		tok.Expiry = jwtExpiry(tok.AccessToken)
	}

	return tok, nil
}

// fresh reports whether tok is usable for at least expirySkew. Tokens with
// no known expiry are used until the server rejects them.
func (p *Provider) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}

	if tok.Expiry.IsZero() {
		return true
	}

	return p.nowFunc().Add(expirySkew).Before(tok.Expiry)
}

func (p *Provider) cacheKey(scopes []string) string {
	return p.cfg.TenantID + "|" + p.cfg.ClientID + "|" + strings.Join(scopes, " ")
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is opaque to the client and only the expiry is needed. A token that is not
// a JWT yields the zero time.
func jwtExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}

	return exp.Time
}

// Describe returns the tenant and app a provider signs in as, for logs.
func (p *Provider) Describe() string {
	return fmt.Sprintf("tenant=%s client=%s", p.cfg.TenantID, p.cfg.ClientID)
}
