package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/m365-go/internal/sdkerr"
	"github.com/tonimelisma/m365-go/internal/tokencache"
)

// tokenServer is a fake identity platform token endpoint.
type tokenServer struct {
	*httptest.Server
	calls  atomic.Int32
	scopes []string
}

func newTokenServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, n int32)) *tokenServer {
	t.Helper()

	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ts.calls.Add(1)

		if r.URL.Path != "/tenant-1/oauth2/v2.0/token" {
			http.NotFound(w, r)
			return
		}

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "s3cret", r.PostForm.Get("client_secret"))
		ts.scopes = append(ts.scopes, r.PostForm.Get("scope"))

		handler(w, r, n)
	}))
	t.Cleanup(ts.Close)

	return ts
}

func writeToken(w http.ResponseWriter, token string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]any{"access_token": token, "token_type": "Bearer"}
	if expiresIn > 0 {
		body["expires_in"] = expiresIn
	}

	json.NewEncoder(w).Encode(body) //nolint:errcheck // test server
}

func newTestProvider(t *testing.T, ts *tokenServer, cache Cache) *Provider {
	t.Helper()

	p, err := NewProvider(Config{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "s3cret",
		Authority:    ts.URL,
		HTTPClient:   ts.Client(),
		Cache:        cache,
	})
	require.NoError(t, err)

	return p
}

func TestNewProvider_RequiresCredentials(t *testing.T) {
	_, err := NewProvider(Config{TenantID: "t"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerr.ErrMissingArgument)
	assert.Contains(t, err.Error(), "client id is required")
	assert.Contains(t, err.Error(), "client secret is required")
}

func TestAccessToken_CachedPerResource(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request, n int32) {
		writeToken(w, "token-"+string(rune('0'+n)), 3600)
	})
	p := newTestProvider(t, ts, nil)

	a, err := p.AccessToken(t.Context(), "https://contoso.sharepoint.com")
	require.NoError(t, err)
	b, err := p.AccessToken(t.Context(), "https://contoso.sharepoint.com")
	require.NoError(t, err)
	g, err := p.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, g)
	assert.Equal(t, int32(2), ts.calls.Load())
	assert.Equal(t, []string{
		"https://contoso.sharepoint.com/.default",
		"https://graph.microsoft.com/.default",
	}, ts.scopes)
}

func TestAccessToken_RenewsBeforeExpiry(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request, n int32) {
		writeToken(w, "token-"+string(rune('0'+n)), 3600)
	})
	p := newTestProvider(t, ts, nil)

	first, err := p.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.NoError(t, err)

	// Inside the renewal window the old token is no longer handed out.
	p.nowFunc = func() time.Time { return time.Now().Add(56 * time.Minute) }

	second, err := p.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), ts.calls.Load())
}

func TestAccessToken_ExpiryFromJWTClaims(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "https://graph.microsoft.com",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	ts := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		writeToken(w, signed, 0)
	})
	p := newTestProvider(t, ts, nil)

	tok, err := p.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.NoError(t, err)
	assert.Equal(t, signed, tok)

	cached := p.tokens[p.cacheKey([]string{"https://graph.microsoft.com/.default"})]
	require.NotNil(t, cached)
	assert.True(t, exp.Equal(cached.Expiry))
}

func TestJWTExpiry_OpaqueToken(t *testing.T) {
	assert.True(t, jwtExpiry("not-a-jwt").IsZero())
}

func TestAccessToken_IdentityErrors(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret provided.\r\nTrace ID: x","error_codes":[7000215],"trace_id":"trace-1","correlation_id":"corr-1"}`)) //nolint:errcheck // test server
	})
	p := newTestProvider(t, ts, nil)

	_, err := p.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, sdkerr.ErrAuthentication)

	var ae *sdkerr.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
	assert.Equal(t, "invalid_client", ae.Code)
	assert.Equal(t, []int{7000215}, ae.ErrorCodes)
	assert.Equal(t, "corr-1", ae.CorrelationID)
	assert.True(t, sdkerr.Is(err, sdkerr.KindAuthentication))
}

func TestAuthenticateRequest_SetsBearer(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		writeToken(w, "abc", 3600)
	})
	p := newTestProvider(t, ts, nil)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "https://contoso.sharepoint.com/_api/web", http.NoBody)
	require.NoError(t, err)

	require.NoError(t, p.AuthenticateRequest(t.Context(), "https://contoso.sharepoint.com", req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))
}

func TestAccessToken_SharedCacheAcrossProviders(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		writeToken(w, "persisted", 3600)
	})

	store, err := tokencache.Open(t.Context(), filepath.Join(t.TempDir(), "tokens.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	first := newTestProvider(t, ts, store)
	_, err = first.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.NoError(t, err)

	// A second process reuses the stored token without a round trip.
	second := newTestProvider(t, ts, store)
	tok, err := second.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.NoError(t, err)

	assert.Equal(t, "persisted", tok)
	assert.Equal(t, int32(1), ts.calls.Load())
}

var errCacheDown = errors.New("cache unavailable")

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*oauth2.Token, error) { return nil, errCacheDown }

func (failingCache) Put(context.Context, string, *oauth2.Token) error { return errCacheDown }

func TestAccessToken_CacheFailureIsNotFatal(t *testing.T) {
	ts := newTokenServer(t, func(w http.ResponseWriter, _ *http.Request, _ int32) {
		writeToken(w, "fresh", 3600)
	})
	p := newTestProvider(t, ts, failingCache{})

	tok, err := p.AccessToken(t.Context(), "https://graph.microsoft.com")
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
}
