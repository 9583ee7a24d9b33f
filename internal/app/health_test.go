package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/provider"
)

type fakeTokens map[string]error

func (f fakeTokens) ValidToken(_ context.Context, name string) (credential.Token, error) {
	if err := f[name]; err != nil {
		return credential.Token{}, err
	}
	return credential.Token{Value: "sk-test", Kind: credential.KindAPIKey}, nil
}

type pingProvider struct {
	provider.Provider
	kind provider.Kind
	err  error
}

func (p pingProvider) Kind() provider.Kind { return p.kind }

func (p pingProvider) Ping(ctx context.Context, _ http.RoundTripper) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.err
}

type fakeProber map[string]pingProvider

func (f fakeProber) Probe(_ context.Context, name string) (provider.Provider, http.RoundTripper, error) {
	p, ok := f[name]
	if !ok {
		return nil, nil, errors.New("no such provider")
	}
	return p, http.DefaultTransport, nil
}

func TestHealthReadiness(t *testing.T) {
	h := NewHealth(nil, fakeTokens{}, fakeProber{})
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestSelfTest(t *testing.T) {
	tokens := fakeTokens{
		"expired": &apierror.AuthError{Provider: "expired", Kind: apierror.AuthNeedsLogin, Err: credential.ErrNotFound},
	}
	prober := fakeProber{
		"ok":      {kind: provider.KindAnthropic},
		"expired": {kind: provider.KindAnthropic},
		"down":    {kind: provider.KindOpenAI, err: errors.New("dial tcp: connection refused (key sk-abcdefghijklmnopqrstuvwxyz)")},
	}

	h := NewHealth([]string{"ok", "expired", "down"}, tokens, prober)
	h.SetReady(true)

	report := h.SelfTest(context.Background())
	require.Len(t, report.Providers, 3)
	assert.True(t, report.Ready)
	assert.False(t, report.Healthy())

	ok := report.Providers[0]
	assert.Equal(t, "ok", ok.Name)
	assert.Equal(t, "anthropic", ok.Kind)
	assert.True(t, ok.Healthy())

	expired := report.Providers[1]
	assert.False(t, expired.CredentialValid)
	assert.True(t, expired.NeedsLogin)
	assert.Contains(t, expired.CredentialError, "claudine auth login")
	assert.False(t, expired.Reachable)

	down := report.Providers[2]
	assert.True(t, down.CredentialValid)
	assert.False(t, down.Reachable)
	assert.Contains(t, down.ReachError, "connection refused")
	assert.NotContains(t, down.ReachError, "sk-abcdefghijklmnopqrstuvwxyz")
}

func TestStatusReport(t *testing.T) {
	h := NewHealth([]string{"ok"}, fakeTokens{}, fakeProber{"ok": {kind: provider.KindOpenAI}})

	report, healthy := h.StatusReport(context.Background())
	assert.True(t, healthy)
	require.IsType(t, Report{}, report)
	assert.Len(t, report.(Report).Providers, 1)

	empty := NewHealth(nil, fakeTokens{}, fakeProber{})
	_, healthy = empty.StatusReport(context.Background())
	assert.False(t, healthy, "no providers is not healthy")
}
