// ABOUTME: Tests for Google RS256 token verification and signing key retrieval
// ABOUTME: Keys come from inline JWKS documents or an httptest JWKS endpoint

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func jwksDoc(t *testing.T, key *rsa.PrivateKey, kid string) []byte {
	t.Helper()
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	require.NoError(t, err)
	return doc
}

func staticKeys(t *testing.T, key *rsa.PrivateKey, kid string) KeySource {
	t.Helper()
	k, err := keyfunc.NewJWKSetJSON(jwksDoc(t, key, kid))
	require.NoError(t, err)
	return k
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

func chatClaims(aud string) GoogleClaims {
	now := time.Now()
	return GoogleClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    ChatIssuer,
		Audience:  jwt.ClaimStrings{aud},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}}
}

func TestGoogleVerifier_ChatToken(t *testing.T) {
	key := newRSAKey(t)
	other := newRSAKey(t)
	v := &GoogleVerifier{
		Keys:     staticKeys(t, key, "k1"),
		Audience: "123456789",
		Issuers:  []string{ChatIssuer},
	}
	ctx := context.Background()

	_, err := v.Verify(ctx, signRS256(t, key, "k1", chatClaims("123456789")))
	require.NoError(t, err)

	wrongIssuer := chatClaims("123456789")
	wrongIssuer.Issuer = "evil@example.com"
	expired := chatClaims("123456789")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong audience", signRS256(t, key, "k1", chatClaims("999")), ErrInvalidToken},
		{"wrong issuer", signRS256(t, key, "k1", wrongIssuer), ErrInvalidToken},
		{"unknown kid", signRS256(t, key, "k2", chatClaims("123456789")), ErrInvalidToken},
		{"missing kid", signRS256(t, key, "", chatClaims("123456789")), ErrInvalidToken},
		{"wrong key", signRS256(t, other, "k1", chatClaims("123456789")), ErrInvalidToken},
		{"expired", signRS256(t, key, "k1", expired), ErrExpiredToken},
		{"garbage", "a.b.c", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(ctx, tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestGoogleVerifier_PushEmail(t *testing.T) {
	key := newRSAKey(t)
	v := &GoogleVerifier{
		Keys:     staticKeys(t, key, "k1"),
		Audience: "https://bot.example.com/webhooks/gchat",
		Issuers:  OIDCIssuers,
		Email:    "push@project.iam.gserviceaccount.com",
	}

	claims := chatClaims(v.Audience)
	claims.Issuer = "https://accounts.google.com"
	claims.Email = "push@project.iam.gserviceaccount.com"
	claims.EmailVerified = true

	req := httptest.NewRequest(http.MethodPost, "/webhooks/gchat", nil)
	req.Header.Set("Authorization", "Bearer "+signRS256(t, key, "k1", claims))
	got, err := v.VerifyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, claims.Email, got.Email)

	claims.EmailVerified = false
	req.Header.Set("Authorization", "Bearer "+signRS256(t, key, "k1", claims))
	_, err = v.VerifyRequest(req)
	assert.ErrorIs(t, err, ErrInvalidToken, "unverified email")

	req.Header.Del("Authorization")
	_, err = v.VerifyRequest(req)
	assert.ErrorIs(t, err, ErrInvalidToken, "missing header")
}

func TestGoogleVerifier_NoAudience(t *testing.T) {
	key := newRSAKey(t)
	v := &GoogleVerifier{Keys: staticKeys(t, key, "k1")}
	_, err := v.Verify(context.Background(), signRS256(t, key, "k1", chatClaims("aud")))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRemoteKeys_JWKS(t *testing.T) {
	key := newRSAKey(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksDoc(t, key, "oidc-1"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys, err := NewRemoteKeys(ctx, srv.URL, srv.Client())
	require.NoError(t, err)

	v := &GoogleVerifier{Keys: keys, Audience: "aud", Issuers: []string{ChatIssuer}}
	_, err = v.Verify(ctx, signRS256(t, key, "oidc-1", chatClaims("aud")))
	require.NoError(t, err)
	_, err = v.Verify(ctx, signRS256(t, key, "oidc-1", chatClaims("aud")))
	require.NoError(t, err, "cached key")

	for range 3 {
		_, err = v.Verify(ctx, signRS256(t, key, "missing", chatClaims("aud")))
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.LessOrEqual(t, hits.Load(), int32(2), "unknown kids must be rate limited")
}

func TestRemoteKeys_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	keys, err := NewRemoteKeys(ctx, srv.URL, srv.Client())
	require.NoError(t, err, "an unreachable key endpoint must not fail startup")

	key := newRSAKey(t)
	v := &GoogleVerifier{Keys: keys, Audience: "aud"}
	_, err = v.Verify(ctx, signRS256(t, key, "k1", chatClaims("aud")))
	assert.ErrorIs(t, err, ErrInvalidToken)
}
