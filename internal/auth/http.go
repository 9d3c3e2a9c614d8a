// ABOUTME: HTTP helpers for bearer tokens: extraction, constant-time static tokens and middleware
// ABOUTME: Static tokens authenticate Matrix homeserver pushes; RequireToken guards the admin API

package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// BearerToken returns the request's bearer token, falling back to the
// access_token query parameter older Matrix homeservers still send.
func BearerToken(r *http.Request) (string, bool) {
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token, true
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// StaticToken verifies requests carrying one shared token.
type StaticToken struct {
	token []byte
}

// NewStaticToken creates a verifier for token.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: []byte(token)}
}

// Verify implements TokenVerifier.
func (s *StaticToken) Verify(tokenString string) (string, error) {
	if len(s.token) == 0 || subtle.ConstantTimeCompare([]byte(tokenString), s.token) != 1 {
		return "", ErrInvalidToken
	}
	return "static", nil
}

// VerifyRequest checks the request's bearer token.
func (s *StaticToken) VerifyRequest(r *http.Request) error {
	token, ok := BearerToken(r)
	if !ok {
		return ErrInvalidToken
	}
	_, err := s.Verify(token)
	return err
}

type subjectKey struct{}

// Subject returns the token subject RequireToken stored on ctx.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(subjectKey{}).(string)
	return s
}

// RequireToken rejects requests without a token verifier accepts.
func RequireToken(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
		})
	}
}
