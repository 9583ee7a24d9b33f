package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/policy"
	"github.com/florianilch/claudine-gateway/internal/provider"
	"github.com/florianilch/claudine-gateway/internal/provider/anthropicclaude"
	"github.com/florianilch/claudine-gateway/internal/provider/openaicompat"
	"github.com/florianilch/claudine-gateway/internal/session"
)

type fakeCredentials struct {
	kinds     map[string]credential.Kind
	kindCalls atomic.Int32
	tokCalls  atomic.Int32
}

func (f *fakeCredentials) Kind(_ context.Context, provider string) (credential.Kind, error) {
	f.kindCalls.Add(1)
	k, ok := f.kinds[provider]
	if !ok {
		return "", &apierror.AuthError{Provider: provider, Kind: apierror.AuthNeedsLogin, Err: credential.ErrNotFound}
	}
	return k, nil
}

func (f *fakeCredentials) ValidToken(_ context.Context, provider string) (credential.Token, error) {
	f.tokCalls.Add(1)
	if f.kinds[provider] == credential.KindOAuth {
		return credential.Token{Value: "sk-ant-oat01-configured", Kind: credential.KindOAuth}, nil
	}
	return credential.Token{Value: "sk-configured", Kind: credential.KindAPIKey}, nil
}

func newRegistry(t *testing.T, caps policy.Capabilities) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry()
	require.NoError(t, r.Register(anthropicclaude.New(anthropicclaude.Config{Capabilities: anthropicclaude.DefaultCapabilities})))
	require.NoError(t, r.Register(openaicompat.New(openaicompat.Config{Capabilities: caps})))
	return r
}

func newDispatcher(t *testing.T, creds *fakeCredentials, opts ...Option) (*Dispatcher, *Router) {
	t.Helper()
	reg := newRegistry(t, openaicompat.DefaultCapabilities)
	sessions := session.NewRegistry(session.NewMemoryStore())
	return NewDispatcher(reg, creds, sessions, opts...), NewRouter(reg)
}

func anthropicRequest() canonical.Request {
	return canonical.Request{
		Origin:    canonical.FormatAnthropic,
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Parts: []canonical.Part{canonical.TextPart("Hi")}},
		},
	}
}

// capture runs one request through the plan's transport and returns the upstream headers.
func capture(t *testing.T, plan *Plan) http.Header {
	t.Helper()
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer client-leak")
	resp, err := plan.Transport.RoundTrip(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return got
}

func TestRouterResolve(t *testing.T) {
	rt := NewRouter(newRegistry(t, openaicompat.DefaultCapabilities))

	tests := []struct {
		path string
		want Route
	}{
		{"/v1/messages", Route{Mode: ModeFull, Provider: "anthropic", Endpoint: EndpointMessages}},
		{"/openai/v1/chat/completions", Route{Mode: ModeFull, Provider: "openai", Endpoint: EndpointChatCompletions}},
		{"/min/v1/messages/count_tokens", Route{Mode: ModeMinimal, Provider: "anthropic", Endpoint: EndpointCountTokens}},
		{"/pt/openai/v1/models", Route{Mode: ModePassthrough, Provider: "openai", Endpoint: EndpointModels}},
		{"/full/anthropic/v1/messages", Route{Mode: ModeFull, Provider: "anthropic", Endpoint: EndpointMessages}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := rt.Resolve(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, path := range []string{"/v1/completions", "/mistral/v1/messages", "/min/openai/x/v1/messages", "/messages"} {
		t.Run("not found "+path, func(t *testing.T) {
			_, err := rt.Resolve(path)
			var notFound *apierror.NotFoundError
			assert.True(t, errors.As(err, &notFound))
		})
	}

	assert.Equal(t, canonical.FormatAnthropic, Route{Endpoint: EndpointCountTokens}.Format())
	assert.Equal(t, canonical.FormatOpenAI, Route{Endpoint: EndpointChatCompletions}.Format())
}

func TestPrepareRejectsOAuthOutsideFullMode(t *testing.T) {
	for _, mode := range []Mode{ModeMinimal, ModePassthrough} {
		t.Run("configured "+mode.Name(), func(t *testing.T) {
			creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindOAuth}}
			d, _ := newDispatcher(t, creds)

			_, err := d.Prepare(context.Background(), Route{Mode: mode, Provider: "anthropic", Endpoint: EndpointMessages}, anthropicRequest(), http.Header{})
			var modeErr *apierror.CredentialModeError
			require.True(t, errors.As(err, &modeErr))
			assert.Equal(t, mode.Name(), modeErr.Mode)
			assert.Equal(t, http.StatusBadRequest, apierror.Classify(err).Status)
			assert.Zero(t, creds.tokCalls.Load())
		})

		t.Run("client supplied "+mode.Name(), func(t *testing.T) {
			creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindAPIKey}}
			d, _ := newDispatcher(t, creds)

			inbound := http.Header{"Authorization": {"Bearer sk-ant-oat01-client"}}
			_, err := d.Prepare(context.Background(), Route{Mode: mode, Provider: "anthropic", Endpoint: EndpointMessages}, anthropicRequest(), inbound)
			var modeErr *apierror.CredentialModeError
			require.True(t, errors.As(err, &modeErr))
			assert.Zero(t, creds.kindCalls.Load())
			assert.Zero(t, creds.tokCalls.Load())
		})
	}
}

func TestPrepareFullModeOAuthScaffolding(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindOAuth}}
	d, _ := newDispatcher(t, creds)

	req := anthropicRequest()
	req.Metadata.UserID = "client-user"
	plan, err := d.Prepare(context.Background(), Route{Mode: ModeFull, Provider: "anthropic", Endpoint: EndpointMessages}, req, http.Header{})
	require.NoError(t, err)

	assert.Equal(t, credential.KindOAuth, plan.CredentialKind)
	assert.Equal(t, anthropicclaude.SystemPrompt, plan.Request.System())
	assert.Equal(t, plan.Session.UpstreamID, plan.Request.Metadata.UserID)
	assert.Equal(t, "client-user", plan.Session.ID)
	assert.Zero(t, creds.tokCalls.Load(), "token is fetched lazily by the transport")

	headers := capture(t, plan)
	assert.Equal(t, "Bearer sk-ant-oat01-configured", headers.Get("Authorization"))
	assert.Empty(t, headers.Get("x-api-key"))
	assert.Equal(t, anthropicclaude.OAuthBeta, headers.Get("anthropic-beta"))
	assert.Equal(t, anthropicclaude.Version, headers.Get("anthropic-version"))
	assert.Equal(t, "br, gzip", headers.Get("Accept-Encoding"))
	assert.EqualValues(t, 1, creds.tokCalls.Load())
}

func TestPrepareFullModeKeepsExistingSystemPrompt(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindOAuth}}
	d, _ := newDispatcher(t, creds)

	req := anthropicRequest().WithSystemPrefix(anthropicclaude.SystemPrompt)
	plan, err := d.Prepare(context.Background(), Route{Mode: ModeFull, Provider: "anthropic", Endpoint: EndpointMessages}, req, http.Header{})
	require.NoError(t, err)
	assert.Len(t, plan.Request.Messages[0].Parts, 1)
}

func TestPrepareMinimalModeClientKey(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindOAuth}}
	d, _ := newDispatcher(t, creds)

	inbound := http.Header{"X-Api-Key": {"sk-ant-api03-client"}}
	plan, err := d.Prepare(context.Background(), Route{Mode: ModeMinimal, Provider: "anthropic", Endpoint: EndpointMessages}, anthropicRequest(), inbound)
	require.NoError(t, err)
	assert.Empty(t, plan.Request.System())
	assert.Equal(t, credential.KindAPIKey, plan.CredentialKind)

	headers := capture(t, plan)
	assert.Equal(t, "sk-ant-api03-client", headers.Get("x-api-key"))
	assert.Empty(t, headers.Get("Authorization"))
	assert.Equal(t, anthropicclaude.Version, headers.Get("anthropic-version"))
	assert.Empty(t, headers.Get("anthropic-beta"))
	assert.Zero(t, creds.kindCalls.Load())
}

func TestPreparePassthroughForwardsProtocolHeaders(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindAPIKey}}
	d, _ := newDispatcher(t, creds)

	inbound := http.Header{"Anthropic-Beta": {"files-api-2025-04-14"}, "Anthropic-Version": {"2023-06-01"}}
	plan, err := d.Prepare(context.Background(), Route{Mode: ModePassthrough, Provider: "anthropic", Endpoint: EndpointMessages}, anthropicRequest(), inbound)
	require.NoError(t, err)

	headers := capture(t, plan)
	assert.Equal(t, "files-api-2025-04-14", headers.Get("anthropic-beta"))
	assert.Equal(t, "sk-configured", headers.Get("x-api-key"))
}

func TestPrepareCrossFormatDropsExtensions(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"openai": credential.KindAPIKey}}
	d, _ := newDispatcher(t, creds)

	req := anthropicRequest()
	req.Extensions = map[string]json.RawMessage{"container": json.RawMessage(`"c1"`)}
	req.Sampling.TopK = canonical.Some[int64](5)

	plan, err := d.Prepare(context.Background(), Route{Mode: ModeFull, Provider: "openai", Endpoint: EndpointMessages}, req, http.Header{})
	require.NoError(t, err)
	assert.Nil(t, plan.Request.Extensions)
	assert.Equal(t, []string{canonical.ParamTopK, "container"}, plan.Ignored)
	assert.Equal(t, canonical.TierIgnored, plan.Request.Sampling.TopK.Tier)

	headers := capture(t, plan)
	assert.Equal(t, "Bearer sk-configured", headers.Get("Authorization"))
}

func TestPrepareStreamingDowngrade(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"openai": credential.KindAPIKey}}
	caps := openaicompat.DefaultCapabilities
	caps.Streaming = false
	reg := newRegistry(t, caps)
	d := NewDispatcher(reg, creds, session.NewRegistry(session.NewMemoryStore()))

	req := anthropicRequest().WithStream(true)
	plan, err := d.Prepare(context.Background(), Route{Mode: ModeFull, Provider: "openai", Endpoint: EndpointMessages}, req, http.Header{})
	require.NoError(t, err)
	assert.False(t, plan.Request.Stream)
	assert.True(t, plan.ClientStream)
	assert.True(t, plan.Replay())
}

func TestPrepareRejectedParameter(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindAPIKey}}
	d, _ := newDispatcher(t, creds, WithPolicy("anthropic", Policy{
		Params: policy.ParamTable{canonical.ParamTemperature: canonical.TierRejected},
	}))

	req := anthropicRequest()
	req.Sampling.Temperature = canonical.Some(0.2)
	_, err := d.Prepare(context.Background(), Route{Mode: ModeFull, Provider: "anthropic", Endpoint: EndpointMessages}, req, http.Header{})
	var unsupported *apierror.UnsupportedParameterError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, canonical.ParamTemperature, unsupported.Param)
}

func TestProbe(t *testing.T) {
	creds := &fakeCredentials{kinds: map[string]credential.Kind{"anthropic": credential.KindOAuth}}
	d, _ := newDispatcher(t, creds)

	p, rt, err := d.Probe(context.Background(), "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Zero(t, creds.tokCalls.Load())

	headers := capture(t, &Plan{Transport: rt})
	assert.Equal(t, "Bearer sk-ant-oat01-configured", headers.Get("Authorization"))
	assert.Equal(t, anthropicclaude.OAuthBeta, headers.Get("anthropic-beta"))
	assert.EqualValues(t, 1, creds.tokCalls.Load())

	_, _, err = d.Probe(context.Background(), "missing")
	var notFound *apierror.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}
