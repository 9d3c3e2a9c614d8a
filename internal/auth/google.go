// ABOUTME: Verifies Google-signed RS256 bearer tokens on Chat and Pub/Sub push webhooks
// ABOUTME: Signing keys come from Google's JWKS endpoints through keyfunc and jwkset

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"slices"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	// ChatIssuer signs tokens on direct Google Chat app events.
	ChatIssuer = "chat@system.gserviceaccount.com"
	// ChatKeysURL serves ChatIssuer's keys as a JWKS document.
	ChatKeysURL = "https://www.googleapis.com/service_accounts/v1/jwk/chat@system.gserviceaccount.com"
	// OIDCKeysURL serves the keys for Google-issued OIDC tokens, which
	// Pub/Sub push subscriptions attach.
	OIDCKeysURL = "https://www.googleapis.com/oauth2/v3/certs"

	keyRefreshInterval = time.Hour
	unknownKIDInterval = time.Minute
	keyFetchTimeout    = 10 * time.Second
)

// OIDCIssuers are the issuers of Google OIDC tokens.
var OIDCIssuers = []string{"accounts.google.com", "https://accounts.google.com"}

// KeySource resolves the signing key of a token. keyfunc.Keyfunc satisfies it.
type KeySource interface {
	KeyfuncCtx(ctx context.Context) jwt.Keyfunc
}

// NewRemoteKeys returns a KeySource backed by the JWKS document at url. Keys
// refresh hourly in the background until ctx ends. A token with an unknown
// kid triggers a refetch at most once a minute. A failed first fetch does not
// fail construction. A nil client uses http.DefaultClient.
func NewRemoteKeys(ctx context.Context, url string, client *http.Client) (keyfunc.Keyfunc, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := neturl.Parse(url)
	if err != nil {
		return nil, fmt.Errorf("parsing key URL %s: %w", url, err)
	}
	remote, err := jwkset.NewStorageFromHTTP(u, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		Ctx:                       ctx,
		HTTPTimeout:               keyFetchTimeout,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           keyRefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating key storage for %s: %w", url, err)
	}
	storage, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{url: remote},
		RateLimitWaitMax:  time.Second,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(unknownKIDInterval), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("creating key client for %s: %w", url, err)
	}
	return keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
}

// GoogleClaims are the claims checked on Google-signed tokens.
type GoogleClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
}

// GoogleVerifier validates RS256 tokens against an audience and issuers.
type GoogleVerifier struct {
	Keys     KeySource
	Audience string
	Issuers  []string
	// Email, when set, must match the verified email claim. Pub/Sub push
	// tokens carry the push service account here.
	Email string
	Now   func() time.Time
}

// NewChatVerifier verifies direct Google Chat events for a project number audience.
func NewChatVerifier(ctx context.Context, audience string, client *http.Client) (*GoogleVerifier, error) {
	keys, err := NewRemoteKeys(ctx, ChatKeysURL, client)
	if err != nil {
		return nil, err
	}
	return &GoogleVerifier{Keys: keys, Audience: audience, Issuers: []string{ChatIssuer}}, nil
}

// NewPushVerifier verifies Pub/Sub push deliveries.
func NewPushVerifier(ctx context.Context, audience, email string, client *http.Client) (*GoogleVerifier, error) {
	keys, err := NewRemoteKeys(ctx, OIDCKeysURL, client)
	if err != nil {
		return nil, err
	}
	return &GoogleVerifier{Keys: keys, Audience: audience, Issuers: OIDCIssuers, Email: email}, nil
}

// VerifyRequest checks the request's bearer token.
func (v *GoogleVerifier) VerifyRequest(r *http.Request) (*GoogleClaims, error) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, errMsg)
	}
	return v.Verify(r.Context(), token)
}

// Verify validates tokenString and returns its claims.
func (v *GoogleVerifier) Verify(ctx context.Context, tokenString string) (*GoogleClaims, error) {
	now := v.Now
	if now == nil {
		now = time.Now
	}

	if v.Audience == "" {
		return nil, fmt.Errorf("%w: no audience configured", ErrInvalidToken)
	}

	claims := &GoogleClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.Keys.KeyfuncCtx(ctx),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.Audience),
		jwt.WithTimeFunc(now),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if len(v.Issuers) > 0 && !slices.Contains(v.Issuers, claims.Issuer) {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}
	if v.Email != "" && (claims.Email != v.Email || !claims.EmailVerified) {
		return nil, fmt.Errorf("%w: unexpected email %q", ErrInvalidToken, claims.Email)
	}
	return claims, nil
}
