// Package credential owns provider credentials: where they are stored, when they expire and
// how concurrent requests share a single refresh.
package credential

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Kind distinguishes OAuth-derived tokens from directly issued API keys.
type Kind string

const (
	KindOAuth  Kind = "oauth"
	KindAPIKey Kind = "api_key"
)

// OAuth token prefixes issued by the Claude OAuth server.
const (
	oauthAccessPrefix  = "sk-ant-oat"
	oauthRefreshPrefix = "sk-ant-ort"
)

// KindOf classifies a raw token by its prefix. Anything that is not an Anthropic OAuth token is
// treated as an API key.
func KindOf(token string) Kind {
	if strings.HasPrefix(token, oauthAccessPrefix) || strings.HasPrefix(token, oauthRefreshPrefix) {
		return KindOAuth
	}
	return KindAPIKey
}

// Credential is a stored provider credential.
type Credential struct {
	Kind         Kind      `json:"kind"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
	AccountID    string    `json:"account_id,omitempty"`
}

// NeedsRefresh reports whether an OAuth access token is missing or expires within margin.
// API keys never need a refresh; an access token without a known expiry is trusted as is.
func (c Credential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if c.Kind != KindOAuth {
		return false
	}
	if c.AccessToken == "" {
		return true
	}
	return !c.Expiry.IsZero() && !now.Add(margin).Before(c.Expiry)
}

// Token is a credential ready to be attached to an upstream request.
type Token struct {
	Value string
	Kind  Kind
}

// ErrNotFound is returned by a Store that holds no credential.
var ErrNotFound = errors.New("credential not found")

// ErrReadOnly is returned by stores that cannot persist credentials.
var ErrReadOnly = errors.New("credential store is read-only")

// Store persists one provider's credential.
type Store interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, cred Credential) error
	Delete(ctx context.Context) error
}

// Refresher exchanges a refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credential, error)
}
