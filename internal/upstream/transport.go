// Package upstream builds the per-request transport chain placed in front of provider calls:
// header normalization, credential injection and response decompression.
package upstream

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/provider"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// TokenFunc returns the token to authenticate one upstream request.
type TokenFunc func(ctx context.Context) (credential.Token, error)

// Headers sets and deletes request headers before delegating to base. Deletions run first, so a
// header can be replaced by listing it in both.
func Headers(base http.RoundTripper, set map[string]string, del []string) http.RoundTripper {
	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		r = r.Clone(r.Context())
		for _, name := range del {
			r.Header.Del(name)
		}
		for name, value := range set {
			r.Header.Set(name, value)
		}
		return base.RoundTrip(r)
	})
}

// Auth injects the credential. The token is fetched per request so an imminent expiry is
// refreshed right before the call. Anthropic API keys use x-api-key; OAuth tokens and every
// OpenAI credential use a bearer token. The other scheme is always removed.
func Auth(base http.RoundTripper, token TokenFunc, kind provider.Kind) http.RoundTripper {
	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		tok, err := token(r.Context())
		if err != nil {
			return nil, err
		}
		r = r.Clone(r.Context())
		if kind == provider.KindAnthropic && tok.Kind == credential.KindAPIKey {
			r.Header.Del("Authorization")
			r.Header.Set("x-api-key", tok.Value)
		} else {
			r.Header.Del("x-api-key")
			r.Header.Set("Authorization", "Bearer "+tok.Value)
		}
		return base.RoundTrip(r)
	})
}

// Decompress advertises brotli and gzip and decodes compressed response bodies, so the SDKs
// above always see plain bytes.
func Decompress(base http.RoundTripper) http.RoundTripper {
	return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if r.Header.Get("Accept-Encoding") == "" {
			r = r.Clone(r.Context())
			r.Header.Set("Accept-Encoding", "br, gzip")
		}

		resp, err := base.RoundTrip(r)
		if err != nil {
			return nil, err
		}

		var decoded io.Reader
		switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
		case "br":
			decoded = brotli.NewReader(resp.Body)
		case "gzip":
			gz, err := gzip.NewReader(resp.Body)
			if err != nil {
				_ = resp.Body.Close()
				return nil, fmt.Errorf("decompress upstream response: %w", err)
			}
			decoded = gz
		default:
			return resp, nil
		}

		resp.Body = &decodedBody{Reader: decoded, closer: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
		return resp, nil
	})
}

type decodedBody struct {
	io.Reader
	closer io.Closer
}

func (b *decodedBody) Close() error { return b.closer.Close() }
