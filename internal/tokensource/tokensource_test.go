package tokensource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/claudine-gateway/internal/credential"
)

func tokenServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]string)) oauth2.Endpoint {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"}
}

func TestRefresh(t *testing.T) {
	endpoint := tokenServer(t, func(w http.ResponseWriter, body map[string]string) {
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "sk-ant-ort01-old", body["refresh_token"])
		assert.Equal(t, ClientID, body["client_id"])
		_, _ = w.Write([]byte(`{"access_token":"sk-ant-oat01-new","refresh_token":"sk-ant-ort01-new","expires_in":3600,"account":{"uuid":"acc-1"}}`))
	})

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRefresher(endpoint)
	r.now = func() time.Time { return now }

	cred, err := r.Refresh(context.Background(), "sk-ant-ort01-old")
	require.NoError(t, err)
	assert.Equal(t, &credential.Credential{
		Kind:         credential.KindOAuth,
		AccessToken:  "sk-ant-oat01-new",
		RefreshToken: "sk-ant-ort01-new",
		Expiry:       now.Add(time.Hour),
		AccountID:    "acc-1",
	}, cred)
}

func TestRefreshRevoked(t *testing.T) {
	endpoint := tokenServer(t, func(w http.ResponseWriter, _ map[string]string) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Refresh token revoked"}`))
	})

	_, err := NewRefresher(endpoint).Refresh(context.Background(), "sk-ant-ort01-old")
	var retrieveErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &retrieveErr))
	assert.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
	assert.Equal(t, http.StatusBadRequest, retrieveErr.Response.StatusCode)
}

func TestRefreshServerError(t *testing.T) {
	endpoint := tokenServer(t, func(w http.ResponseWriter, _ map[string]string) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := NewRefresher(endpoint).Refresh(context.Background(), "sk-ant-ort01-old")
	var retrieveErr *oauth2.RetrieveError
	require.True(t, errors.As(err, &retrieveErr))
	assert.Empty(t, retrieveErr.ErrorCode)
	assert.Equal(t, http.StatusBadGateway, retrieveErr.Response.StatusCode)
}

func TestAuthCodeURL(t *testing.T) {
	a := NewAuthorizer(Endpoint, RedirectURL)
	verifier := oauth2.GenerateVerifier()

	u, err := url.Parse(a.AuthCodeURL(verifier))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "claude.ai", u.Host)
	assert.Equal(t, ClientID, q.Get("client_id"))
	assert.Equal(t, verifier, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), q.Get("code_challenge"))
	assert.Equal(t, "true", q.Get("code"))
	assert.Equal(t, "org:create_api_key user:profile user:inference", q.Get("scope"))
}

func TestExchange(t *testing.T) {
	endpoint := tokenServer(t, func(w http.ResponseWriter, body map[string]string) {
		assert.Equal(t, "authorization_code", body["grant_type"])
		assert.Equal(t, "abc", body["code"])
		assert.Equal(t, "verifier-1", body["state"])
		assert.Equal(t, "verifier-1", body["code_verifier"])
		_, _ = w.Write([]byte(`{"access_token":"sk-ant-oat01-a","refresh_token":"sk-ant-ort01-r","expires_in":60}`))
	})
	a := NewAuthorizer(endpoint, RedirectURL)

	cred, err := a.Exchange(context.Background(), "abc#verifier-1", "verifier-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-ort01-r", cred.RefreshToken)
	assert.Equal(t, credential.KindOAuth, cred.Kind)
	assert.False(t, cred.Expiry.IsZero())
}

func TestExchangeRejectsBadInput(t *testing.T) {
	a := NewAuthorizer(Endpoint, RedirectURL)

	_, err := a.Exchange(context.Background(), "no-separator", "v")
	assert.ErrorContains(t, err, "missing '#'")

	_, err = a.Exchange(context.Background(), "code#other", "v")
	assert.ErrorContains(t, err, "state mismatch")

	_, err = a.Exchange(context.Background(), "code#v", "")
	assert.ErrorContains(t, err, "verifier")
}
