package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/provider"
)

func echoHeaders(t *testing.T) (*httptest.Server, *http.Header) {
	t.Helper()
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func do(t *testing.T, rt http.RoundTripper, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHeaders(t *testing.T) {
	srv, got := echoHeaders(t)
	rt := Headers(http.DefaultTransport, map[string]string{"anthropic-version": "2023-06-01"}, []string{"X-Client-Secret"})

	original := http.Header{"X-Client-Secret": {"s"}, "X-Keep": {"k"}}
	do(t, rt, srv.URL, original)

	assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))
	assert.Empty(t, got.Get("X-Client-Secret"))
	assert.Equal(t, "k", got.Get("X-Keep"))
}

func TestAuth(t *testing.T) {
	srv, got := echoHeaders(t)
	client := http.Header{"Authorization": {"Bearer client"}, "X-Api-Key": {"client"}}

	tests := []struct {
		name       string
		kind       provider.Kind
		token      credential.Token
		wantBearer string
		wantAPIKey string
	}{
		{"anthropic oauth", provider.KindAnthropic, credential.Token{Value: "sk-ant-oat01-x", Kind: credential.KindOAuth}, "Bearer sk-ant-oat01-x", ""},
		{"anthropic api key", provider.KindAnthropic, credential.Token{Value: "sk-ant-api03-x", Kind: credential.KindAPIKey}, "", "sk-ant-api03-x"},
		{"openai api key", provider.KindOpenAI, credential.Token{Value: "sk-proj-x", Kind: credential.KindAPIKey}, "Bearer sk-proj-x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := Auth(http.DefaultTransport, func(context.Context) (credential.Token, error) { return tt.token, nil }, tt.kind)
			do(t, rt, srv.URL, client)
			assert.Equal(t, tt.wantBearer, got.Get("Authorization"))
			assert.Equal(t, tt.wantAPIKey, got.Get("x-api-key"))
		})
	}
}

func TestAuthTokenErrorStopsRequest(t *testing.T) {
	called := false
	base := RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("unreachable")
	})
	wantErr := errors.New("refresh failed")
	rt := Auth(base, func(context.Context) (credential.Token, error) { return credential.Token{}, wantErr }, provider.KindAnthropic)

	req, err := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, called)
}

func TestDecompress(t *testing.T) {
	const payload = `{"hello":"world"}`

	var brBody bytes.Buffer
	bw := brotli.NewWriter(&brBody)
	_, _ = bw.Write([]byte(payload))
	require.NoError(t, bw.Close())

	var gzBody bytes.Buffer
	gw := gzip.NewWriter(&gzBody)
	_, _ = gw.Write([]byte(payload))
	require.NoError(t, gw.Close())

	encodings := map[string][]byte{"br": brBody.Bytes(), "gzip": gzBody.Bytes(), "": []byte(payload)}

	for encoding, body := range encodings {
		t.Run("encoding "+encoding, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "br, gzip", r.Header.Get("Accept-Encoding"))
				if encoding != "" {
					w.Header().Set("Content-Encoding", encoding)
				}
				_, _ = w.Write(body)
			}))
			defer srv.Close()

			resp := do(t, Decompress(http.DefaultTransport), srv.URL, nil)
			got, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, payload, string(got))
			assert.Empty(t, resp.Header.Get("Content-Encoding"))
		})
	}
}
