package provider

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/policy"
)

type stubProvider struct {
	name string
	kind Kind
}

func (s stubProvider) Name() string                      { return s.name }
func (s stubProvider) Kind() Kind                        { return s.kind }
func (s stubProvider) Capabilities() policy.Capabilities { return policy.Capabilities{} }
func (s stubProvider) Scaffolding() Scaffolding          { return Scaffolding{} }
func (s stubProvider) Complete(context.Context, canonical.Request, http.RoundTripper) (*canonical.Response, error) {
	return nil, errors.New("not implemented")
}
func (s stubProvider) Stream(context.Context, canonical.Request, http.RoundTripper) (iter.Seq2[canonical.Event, error], error) {
	return nil, errors.New("not implemented")
}
func (s stubProvider) Ping(context.Context, http.RoundTripper) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Default()
	var notFound *apierror.NotFoundError
	require.True(t, errors.As(err, &notFound))

	require.NoError(t, r.Register(stubProvider{name: "openai", kind: KindOpenAI}))
	require.NoError(t, r.Register(stubProvider{name: "anthropic", kind: KindAnthropic}))
	assert.Error(t, r.Register(stubProvider{name: "openai"}))

	def, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "openai", def.Name())

	require.NoError(t, r.SetDefault("anthropic"))
	def, err = r.Default()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", def.Name())
	assert.Error(t, r.SetDefault("missing"))

	assert.Equal(t, []string{"anthropic", "openai"}, r.Names())
	assert.True(t, r.Has("openai"))

	_, err = r.Get("missing")
	assert.True(t, errors.As(err, &notFound))
}

func TestNativeFormat(t *testing.T) {
	assert.Equal(t, canonical.FormatAnthropic, KindAnthropic.NativeFormat())
	assert.Equal(t, canonical.FormatOpenAI, KindOpenAI.NativeFormat())
}
