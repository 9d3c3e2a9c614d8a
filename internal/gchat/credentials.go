// ABOUTME: Builds an authorized HTTP client from a service account key file
// ABOUTME: Uses the oauth2 two-legged JWT flow with the Chat app scopes

package gchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2/jwt"
)

// Scopes requested for app authentication.
var Scopes = []string{
	"https://www.googleapis.com/auth/chat.bot",
	"https://www.googleapis.com/auth/chat.app.messages.readonly",
	"https://www.googleapis.com/auth/chat.app.spaces",
}

const googleTokenURL = "https://oauth2.googleapis.com/token"

type serviceAccountKey struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// NewCredentialsClient returns a client that signs requests as the service
// account in the key file at path.
func NewCredentialsClient(ctx context.Context, path string, scopes ...string) (*http.Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	conf, err := jwtConfig(data, scopes)
	if err != nil {
		return nil, err
	}
	return conf.Client(ctx), nil
}

func jwtConfig(data []byte, scopes []string) (*jwt.Config, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if key.Type != "service_account" {
		return nil, fmt.Errorf("credentials type %q is not service_account", key.Type)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("credentials are missing client_email or private_key")
	}
	if len(scopes) == 0 {
		scopes = Scopes
	}
	tokenURL := key.TokenURI
	if tokenURL == "" {
		tokenURL = googleTokenURL
	}
	return &jwt.Config{
		Email:        key.ClientEmail,
		PrivateKey:   []byte(key.PrivateKey),
		PrivateKeyID: key.PrivateKeyID,
		Scopes:       scopes,
		TokenURL:     tokenURL,
	}, nil
}
