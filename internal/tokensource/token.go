package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/claudine-gateway/internal/credential"
)

// maxTokenResponse bounds how much of a token endpoint answer is read.
const maxTokenResponse = 1 << 20

// tokenResponse extends the standard token response with the account Anthropic returns.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Account      *struct {
		UUID string `json:"uuid"`
	} `json:"account,omitempty"`
}

// credential converts the response into a stored credential; issued is when the request was sent.
func (t tokenResponse) credential(issued time.Time) *credential.Credential {
	cred := &credential.Credential{
		Kind:         credential.KindOAuth,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		cred.Expiry = issued.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	if t.Account != nil {
		cred.AccountID = t.Account.UUID
	}
	return cred
}

// errorResponse is the RFC 6749 error body.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// postToken sends a JSON grant to the token endpoint. The Claude endpoint only accepts JSON
// bodies, so oauth2.Config.Exchange cannot be used. Non-2xx answers are returned as
// *oauth2.RetrieveError with the RFC 6749 error code filled in when present.
func postToken(ctx context.Context, client *http.Client, tokenURL string, grant any) (*tokenResponse, error) {
	body, err := json.Marshal(grant)
	if err != nil {
		return nil, fmt.Errorf("marshaling token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retrieveErr := &oauth2.RetrieveError{Response: resp, Body: respBody}
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil {
			retrieveErr.ErrorCode = e.Error
			retrieveErr.ErrorDescription = e.ErrorDescription
		}
		return nil, retrieveErr
	}

	var token tokenResponse
	if err := json.Unmarshal(respBody, &token); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	return &token, nil
}
