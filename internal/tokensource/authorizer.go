package tokensource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/claudine-gateway/internal/credential"
)

// Authorizer runs the interactive PKCE login against the Claude OAuth server. The user pastes
// back a "code#state" value shown by the console, which Exchange turns into a credential.
type Authorizer struct {
	config *oauth2.Config
	client *http.Client
}

// NewAuthorizer creates a new Anthropic Claude OAuth authorizer.
func NewAuthorizer(endpoint oauth2.Endpoint, redirectURL string) *Authorizer {
	return &Authorizer{
		config: &oauth2.Config{
			ClientID:    ClientID,
			RedirectURL: redirectURL,
			Scopes:      scopes,
			Endpoint:    endpoint,
		},
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthCodeURL generates the authorization URL for the OAuth2 flow with PKCE.
// The state parameter doubles as the PKCE code verifier; pass the same value to Exchange.
func (a *Authorizer) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	allOpts := append(opts,
		oauth2.S256ChallengeOption(state),
		oauth2.SetAuthURLParam("code", "true"),
	)
	return a.config.AuthCodeURL(state, allOpts...)
}

// Exchange trades a pasted "code#state" value for a credential.
// Verifier must be the same value passed as state to AuthCodeURL.
func (a *Authorizer) Exchange(ctx context.Context, codeWithState string, verifier string) (*credential.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if verifier == "" {
		return nil, errors.New("verifier cannot be empty")
	}

	code, state, found := strings.Cut(strings.TrimSpace(codeWithState), "#")
	if !found {
		return nil, errors.New("invalid code format: missing '#' separator")
	}
	if state != verifier {
		return nil, errors.New("state mismatch")
	}

	now := time.Now()
	token, err := postToken(ctx, a.client, a.config.Endpoint.TokenURL, exchangeRequest{
		Code:         code,
		State:        state,
		GrantType:    "authorization_code",
		ClientID:     a.config.ClientID,
		RedirectURI:  a.config.RedirectURL,
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	if token.RefreshToken == "" {
		return nil, errors.New("exchange response carries no refresh token")
	}
	return token.credential(now), nil
}

// exchangeRequest is the authorization_code grant. State is not part of RFC 6749 but the
// Claude token endpoint rejects the grant without it.
type exchangeRequest struct {
	Code         string `json:"code"`
	State        string `json:"state"`
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
}
