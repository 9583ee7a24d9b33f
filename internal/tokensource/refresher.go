package tokensource

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/claudine-gateway/internal/credential"
)

// Refresher runs the refresh-token grant against the Claude token endpoint.
type Refresher struct {
	endpoint oauth2.Endpoint
	client   *http.Client
	now      func() time.Time
}

// Compile-time check to ensure Refresher implements credential.Refresher
var _ credential.Refresher = (*Refresher)(nil)

// Option configures a Refresher.
type Option func(*Refresher)

// WithTransport sets the base transport for refresh requests.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Refresher) { r.client.Transport = rt }
}

// NewRefresher creates a refresher for the given endpoint.
func NewRefresher(endpoint oauth2.Endpoint, opts ...Option) *Refresher {
	r := &Refresher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// refreshRequest is the JSON body of the refresh grant.
type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// Refresh implements credential.Refresher. Non-2xx answers are returned as *oauth2.RetrieveError.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (*credential.Credential, error) {
	now := r.now()
	token, err := postToken(ctx, r.client, r.endpoint.TokenURL, refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     ClientID,
	})
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, errors.New("refresh response carries no access token")
	}
	return token.credential(now), nil
}
